package session

// State is the turn-taking state of an interview.
type State string

const (
	StateIdle          State = "idle"
	StateAgentSpeaking State = "agent_speaking"
	StateListening     State = "listening"
	StateProcessing    State = "processing"
	StateEnded         State = "ended"
)

// Snapshot is a read-only copy of the controller's state.
type Snapshot struct {
	SessionID       string `json:"session_id,omitempty"`
	State           State  `json:"state"`
	Status          string `json:"status"`
	KeepListening   bool   `json:"keep_listening"`
	Accumulated     string `json:"accumulated_transcript"`
	Segment         string `json:"current_segment"`
	Display         string `json:"display,omitempty"`
	RestartInFlight bool   `json:"restart_in_flight"`
	Starting        bool   `json:"starting,omitempty"`
	AwaitingReply   bool   `json:"awaiting_reply,omitempty"`
	NoSpeech        bool   `json:"no_speech,omitempty"`
	WrappingUp      bool   `json:"wrapping_up,omitempty"`
	Stopping        bool   `json:"stopping,omitempty"`
	Error           string `json:"error,omitempty"`
}

// StatusText renders the status line shown to the user for s.
func StatusText(s Snapshot) string {
	if s.Error != "" {
		return "Error: " + s.Error
	}
	if s.State == StateEnded {
		return "Interview ended."
	}
	if s.Starting {
		return "Starting session…"
	}
	switch s.State {
	case StateAgentSpeaking:
		return "Speaking…"
	case StateListening:
		if s.Stopping {
			return "Processing…"
		}
		if s.Display == "" {
			return "Listening…"
		}
		return "Listening… " + s.Display
	case StateProcessing:
		if s.AwaitingReply {
			return "Thinking…"
		}
		return "Processing…"
	}
	switch {
	case s.WrappingUp:
		return "Wrapping up…"
	case s.NoSpeech:
		return "Did not hear anything."
	}
	return "Ready."
}
