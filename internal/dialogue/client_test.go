package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-interview/internal/config"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(config.BackendConfig{BaseURL: srv.URL + "/", TimeoutMS: 5000}, logger)
}

func TestStartSessionAndChat(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start_session", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		var req StartRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode start request: %v", err)
		}
		if req.Role != "Backend Engineer" || req.ExperienceLevel != "Senior" || req.ResumeText != "resume" {
			t.Errorf("unexpected start request %+v", req)
		}
		_ = json.NewEncoder(w).Encode(StartResponse{SessionID: "s-1", InitialMessage: "Welcome."})
	})
	mux.HandleFunc("/chat", func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode chat request: %v", err)
		}
		if req.SessionID != "s-1" || req.UserMessage != "I write Go." {
			t.Errorf("unexpected chat request %+v", req)
		}
		_, _ = io.WriteString(w, `{"agent_message":"Thanks, that is all.","is_interview_over":true}`)
	})
	client := newTestClient(t, mux)

	start, err := client.StartSession(context.Background(), StartRequest{Role: "Backend Engineer", ExperienceLevel: "Senior", ResumeText: "resume"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if start.SessionID != "s-1" || start.InitialMessage != "Welcome." {
		t.Fatalf("unexpected start response %+v", start)
	}

	reply, err := client.Chat(context.Background(), ChatRequest{SessionID: "s-1", UserMessage: "I write Go."})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if reply.AgentMessage != "Thanks, that is all." || !reply.IsInterviewOver {
		t.Fatalf("unexpected chat response %+v", reply)
	}
}

func TestFeedbackSendsEmptyMessage(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/feedback" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var raw map[string]any
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			t.Errorf("decode feedback request: %v", err)
		}
		if msg, ok := raw["user_message"]; !ok || msg != "" {
			t.Errorf("expected empty user_message, got %v", raw)
		}
		_, _ = io.WriteString(w, `{"feedback":{"spoken_feedback":"Good answers overall."}}`)
	}))

	text, err := client.Feedback(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("Feedback: %v", err)
	}
	if text != "Good answers overall." {
		t.Fatalf("unexpected feedback %q", text)
	}
}

func TestUploadResume(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if header.Filename != "cv.txt" || string(data) != "ten years of Go" {
			t.Errorf("unexpected upload %s %q", header.Filename, data)
		}
		_, _ = io.WriteString(w, `{"resume_text":"ten years of Go"}`)
	}))

	text, err := client.UploadResume(context.Background(), "/tmp/docs/cv.txt", strings.NewReader("ten years of Go"))
	if err != nil {
		t.Fatalf("UploadResume: %v", err)
	}
	if text != "ten years of Go" {
		t.Fatalf("unexpected resume text %q", text)
	}
}

func TestErrorResponses(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chat":
			http.Error(w, "unknown session", http.StatusNotFound)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))

	_, err := client.Chat(context.Background(), ChatRequest{SessionID: "gone", UserMessage: "hi"})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	_, err = client.StartSession(context.Background(), StartRequest{Role: "x"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.Status != http.StatusInternalServerError || statusErr.Body != "boom" {
		t.Fatalf("unexpected status error %+v", statusErr)
	}
}

func TestStartSessionRequiresID(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"initial_message":"hello"}`)
	}))
	if _, err := client.StartSession(context.Background(), StartRequest{Role: "x"}); err == nil {
		t.Fatalf("expected error for missing session id")
	}
}
