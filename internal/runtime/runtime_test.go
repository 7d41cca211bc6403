package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/eventstore"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeBackend struct {
	mu       sync.Mutex
	answers  []string
	feedback int
}

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /start_session", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"session_id": "s-42", "initial_message": "Tell me about a system you built."})
	})
	mux.HandleFunc("POST /chat", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserMessage string `json:"user_message"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		b.mu.Lock()
		b.answers = append(b.answers, req.UserMessage)
		b.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"agent_message": "Thanks, that is all.", "is_interview_over": true})
	})
	mux.HandleFunc("POST /feedback", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.feedback++
		b.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"feedback": map[string]string{"spoken_feedback": "Solid answer."}})
	})
	return mux
}

func testConfig(t *testing.T, backendURL string) config.Config {
	cfg := config.Default()
	cfg.HTTP.Enabled = false
	cfg.Backend.BaseURL = backendURL
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "interviews.db")
	cfg.Capture.MockScript = []string{"I built a job scheduler."}
	cfg.Capture.MockIntervalMS = 10
	cfg.Capture.SilenceTimeoutMS = 100
	cfg.Playback.MockWordMS = 1
	cfg.Session.EndDelayMS = 10
	return cfg
}

func TestRuntimeRunsInterviewToCompletion(t *testing.T) {
	backend := &fakeBackend{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	var out bytes.Buffer
	rt := New(cfg, newLogger())
	rt.stdin = strings.NewReader("")
	rt.stdout = &out

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("runtime: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatalf("interview did not finish before timeout; output %q", out.String())
	}

	backend.mu.Lock()
	answers, feedback := backend.answers, backend.feedback
	backend.mu.Unlock()
	if len(answers) != 1 || answers[0] != "I built a job scheduler." {
		t.Fatalf("unexpected answers %v", answers)
	}
	if feedback != 1 {
		t.Fatalf("expected one feedback request, got %d", feedback)
	}

	printed := out.String()
	for _, want := range []string{
		"Interviewer: Tell me about a system you built.",
		"You: I built a job scheduler.",
		"Feedback: Solid answer.",
		"[Interview ended.]",
	} {
		if !strings.Contains(printed, want) {
			t.Fatalf("console output missing %q:\n%s", want, printed)
		}
	}

	store, err := eventstore.Open(context.Background(), cfg.EventStore, newLogger())
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store.Close()
	events, err := store.ListSessionEvents(context.Background(), "s-42", 100)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var turns, fb int
	for _, e := range events {
		switch e.Type {
		case eventstore.TypeAgentTurn, eventstore.TypeUserTurn:
			turns++
		case eventstore.TypeFeedback:
			fb++
		}
	}
	if turns != 3 || fb != 1 {
		t.Fatalf("expected 3 turns and 1 feedback recorded, got %d and %d", turns, fb)
	}
}

// cancelOnWrite cancels once the console prints marker.
type cancelOnWrite struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	marker string
	cancel context.CancelFunc
}

func (w *cancelOnWrite) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.buf.Write(p)
	if strings.Contains(w.buf.String(), w.marker) {
		w.cancel()
	}
	return n, err
}

func TestRuntimeEndsInterviewOnShutdown(t *testing.T) {
	backend := &fakeBackend{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	cfg.Capture.MockScript = nil
	cfg.Capture.SilenceTimeoutMS = 60000

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &cancelOnWrite{marker: "[Listening…]", cancel: cancel}
	rt := New(cfg, newLogger())
	rt.stdin = strings.NewReader("")
	rt.stdout = out

	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runtime: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("runtime did not stop after cancellation")
	}

	store, err := eventstore.Open(context.Background(), cfg.EventStore, newLogger())
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store.Close()
	events, err := store.ListSessionEvents(context.Background(), "s-42", 100)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var ended bool
	for _, e := range events {
		if e.Type == eventstore.TypeStatus && e.Text == "Interview ended." {
			ended = true
		}
	}
	if !ended {
		t.Fatalf("interview was not ended before shutdown: %+v", events)
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.answers) != 0 {
		t.Fatalf("unexpected answers %v", backend.answers)
	}
}

func TestRuntimeFailsWhenBackendUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	rt := New(testConfig(t, srv.URL), newLogger())
	rt.stdin = strings.NewReader("")
	rt.stdout = io.Discard
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Start(ctx); err == nil {
		t.Fatalf("expected start to fail")
	}
}

func TestHTTPRoutes(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	store, err := eventstore.Open(context.Background(), cfg.EventStore, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	_ = store.AppendSession(ctx, eventstore.Session{SessionID: "s-1", Role: "SRE"})
	_ = store.AppendEvent(ctx, eventstore.Event{SessionID: "s-1", Type: eventstore.TypeUserTurn, Text: "hello", Payload: []byte(`{"typed":true}`)})

	rt := New(cfg, newLogger())
	rt.store = store
	srv := httptest.NewServer(rt.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready before start, got %d", resp.StatusCode)
	}
	rt.ready.Store(true)
	resp, _ = http.Get(srv.URL + "/readyz")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected ready, got %d", resp.StatusCode)
	}

	resp, _ = http.Get(srv.URL + "/status")
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected status unavailable without controller, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/sessions")
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	var sessions []sessionView
	_ = json.NewDecoder(resp.Body).Decode(&sessions)
	resp.Body.Close()
	if len(sessions) != 1 || sessions[0].Role != "SRE" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}

	resp, err = http.Get(srv.URL + "/sessions/s-1/events?limit=5")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var events []eventView
	_ = json.NewDecoder(resp.Body).Decode(&events)
	resp.Body.Close()
	if len(events) != 1 || events[0].Text != "hello" || string(events[0].Payload) != `{"typed":true}` {
		t.Fatalf("unexpected events %+v", events)
	}
}
