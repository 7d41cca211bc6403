package runtime

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

func (r *Runtime) serveHTTP() {
	if !r.cfg.HTTP.Enabled {
		return
	}
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slogError(err))
		}
	}()
	r.logger.Info("http server listening", slog.String("addr", addr))
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("GET /status", r.handleStatus)
	mux.HandleFunc("GET /sessions", r.handleSessions)
	mux.HandleFunc("GET /sessions/{id}/events", r.handleSessionEvents)
	if r.telemetry != nil && r.telemetry.metrics != nil {
		mux.Handle("/metrics", r.telemetry.metrics)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.control == nil || r.control.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if r.ctrl == nil {
		http.Error(w, "interview not running", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, r.ctrl.Snapshot())
}

type sessionView struct {
	SessionID       string    `json:"session_id"`
	Role            string    `json:"role"`
	ExperienceLevel string    `json:"experience_level"`
	CreatedAt       time.Time `json:"created_at"`
}

type eventView struct {
	TurnID    string          `json:"turn_id,omitempty"`
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	sessions, err := r.store.ListSessions(req.Context(), queryLimit(req))
	if err != nil {
		r.logger.Warn("list sessions failed", slogError(err))
		http.Error(w, "event store unavailable", http.StatusInternalServerError)
		return
	}
	out := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionView{SessionID: s.SessionID, Role: s.Role, ExperienceLevel: s.ExperienceLevel, CreatedAt: s.CreatedAt})
	}
	writeJSON(w, out)
}

func (r *Runtime) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	events, err := r.store.ListSessionEvents(req.Context(), req.PathValue("id"), queryLimit(req))
	if err != nil {
		r.logger.Warn("list session events failed", slogError(err))
		http.Error(w, "event store unavailable", http.StatusInternalServerError)
		return
	}
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		view := eventView{TurnID: e.TurnID, Type: e.Type, Text: e.Text, CreatedAt: e.CreatedAt}
		if json.Valid(e.Payload) {
			view.Payload = e.Payload
		}
		out = append(out, view)
	}
	writeJSON(w, out)
}

func queryLimit(req *http.Request) int {
	limit, err := strconv.Atoi(req.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return 0
	}
	return limit
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
