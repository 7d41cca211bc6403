package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-interview/internal/protocol"
	"github.com/loqalabs/loqa-interview/internal/session"
)

type record struct {
	session *Session
	event   Event
}

// Recorder is a session.Observer that writes the interview timeline to the
// store from a background goroutine. Status updates are recorded only when
// the state changes.
type Recorder struct {
	store *Store
	setup session.Setup
	log   *slog.Logger
	queue chan record
	wg    sync.WaitGroup

	// observer goroutine only
	known     map[string]bool
	lastState session.State
}

func NewRecorder(store *Store, setup session.Setup, log *slog.Logger) *Recorder {
	r := &Recorder{
		store: store,
		setup: setup,
		log:   log.With(slog.String("component", "timeline-recorder")),
		queue: make(chan record, 256),
		known: make(map[string]bool),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Close flushes queued records.
func (r *Recorder) Close() {
	close(r.queue)
	r.wg.Wait()
}

func (r *Recorder) OnStatus(snap session.Snapshot) {
	if snap.SessionID == "" || snap.State == r.lastState {
		return
	}
	r.lastState = snap.State
	payload, _ := json.Marshal(struct {
		State string `json:"state"`
		Error string `json:"error,omitempty"`
	}{State: string(snap.State), Error: snap.Error})
	r.enqueue(snap.SessionID, Event{SessionID: snap.SessionID, Type: TypeStatus, Text: snap.Status, Payload: payload})
}

func (r *Recorder) OnTurn(turn protocol.TurnExchange) {
	if turn.SessionID == "" {
		return
	}
	typ := TypeUserTurn
	if turn.Role == protocol.RoleAgent {
		typ = TypeAgentTurn
	}
	payload, _ := json.Marshal(turn)
	r.enqueue(turn.SessionID, Event{SessionID: turn.SessionID, TurnID: turn.TurnID, Type: typ, Text: turn.Text, Payload: payload, CreatedAt: turn.Timestamp})
}

func (r *Recorder) OnFeedback(sessionID, feedback string) {
	if sessionID == "" {
		return
	}
	r.enqueue(sessionID, Event{SessionID: sessionID, Type: TypeFeedback, Text: feedback})
}

func (r *Recorder) enqueue(sessionID string, evt Event) {
	rec := record{event: evt}
	if !r.known[sessionID] {
		r.known[sessionID] = true
		rec.session = &Session{SessionID: sessionID, Role: r.setup.Role, ExperienceLevel: r.setup.ExperienceLevel}
	}
	if rec.event.CreatedAt.IsZero() {
		rec.event.CreatedAt = r.store.clock().UTC()
	}
	select {
	case r.queue <- rec:
	default:
		r.log.Warn("timeline queue full, dropping event", slog.String("type", evt.Type))
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if rec.session != nil {
			if err := r.store.AppendSession(ctx, *rec.session); err != nil {
				r.log.Warn("failed to record session", slog.String("error", err.Error()))
			}
		}
		if err := r.store.AppendEvent(ctx, rec.event); err != nil {
			r.log.Warn("failed to record event", slog.String("type", rec.event.Type), slog.String("error", err.Error()))
		}
		cancel()
	}
}
