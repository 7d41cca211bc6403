package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleAgent Role = "agent"
	RoleUser  Role = "user"
)

// TurnExchange is one utterance exchanged with the dialogue service. It is
// never modified after creation.
type TurnExchange struct {
	TurnID    string    `json:"turn_id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Typed     bool      `json:"typed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTurn stamps a turn with a fresh id and the current time.
func NewTurn(sessionID string, role Role, text string) TurnExchange {
	return TurnExchange{
		TurnID:    uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
}

// StatusEvent carries the human readable status line and the state behind it.
type StatusEvent struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// FeedbackEvent carries the closing feedback of an interview.
type FeedbackEvent struct {
	SessionID string    `json:"session_id"`
	Feedback  string    `json:"feedback"`
	Timestamp time.Time `json:"timestamp"`
}

// ControlAction is a remote request to drive the interview.
type ControlAction string

const (
	ControlStop   ControlAction = "stop"
	ControlResume ControlAction = "resume"
	ControlSubmit ControlAction = "submit"
	ControlEnd    ControlAction = "end"
)

// ControlCommand is received on SubjectControl. Text is used by ControlSubmit.
type ControlCommand struct {
	CorrelationID string        `json:"correlation_id,omitempty"`
	Action        ControlAction `json:"action"`
	Text          string        `json:"text,omitempty"`
}

// ControlReply acknowledges a ControlCommand sent as a request.
type ControlReply struct {
	CorrelationID string `json:"correlation_id"`
	OK            bool   `json:"ok"`
	Error         string `json:"error,omitempty"`
}

const (
	SubjectControl  = "interview.control"
	SubjectStatus   = "interview.status"
	SubjectTurn     = "interview.turn"
	SubjectFeedback = "interview.feedback"
)
