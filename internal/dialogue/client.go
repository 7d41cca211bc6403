// Package dialogue talks to the interview backend over HTTP.
package dialogue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-interview/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrSessionNotFound is returned when the backend no longer knows the session.
var ErrSessionNotFound = errors.New("dialogue session not found")

type StartRequest struct {
	Role            string `json:"role"`
	ExperienceLevel string `json:"experience_level"`
	ResumeText      string `json:"resume_text"`
}

type StartResponse struct {
	SessionID      string `json:"session_id"`
	InitialMessage string `json:"initial_message"`
}

type ChatRequest struct {
	SessionID   string `json:"session_id"`
	UserMessage string `json:"user_message"`
}

type ChatResponse struct {
	AgentMessage    string `json:"agent_message"`
	IsInterviewOver bool   `json:"is_interview_over"`
}

type feedbackResponse struct {
	Feedback struct {
		SpokenFeedback string `json:"spoken_feedback"`
	} `json:"feedback"`
}

type uploadResponse struct {
	ResumeText string `json:"resume_text"`
}

// StatusError reports a non-2xx backend response.
type StatusError struct {
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Path, e.Status, e.Body)
}

type Client struct {
	baseURL string
	http    *http.Client
	tracer  trace.Tracer
	logger  *slog.Logger
}

func NewClient(cfg config.BackendConfig, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond},
		tracer:  otel.Tracer("github.com/loqalabs/loqa-interview/dialogue"),
		logger:  logger.With(slog.String("component", "dialogue-client")),
	}
}

func (c *Client) StartSession(ctx context.Context, req StartRequest) (StartResponse, error) {
	var resp StartResponse
	if err := c.postJSON(ctx, "/start_session", req, &resp); err != nil {
		return StartResponse{}, err
	}
	if resp.SessionID == "" {
		return StartResponse{}, errors.New("start_session returned no session id")
	}
	return resp, nil
}

func (c *Client) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	var resp ChatResponse
	if err := c.postJSON(ctx, "/chat", req, &resp); err != nil {
		return ChatResponse{}, err
	}
	return resp, nil
}

// Feedback asks the backend for the closing spoken feedback.
func (c *Client) Feedback(ctx context.Context, sessionID string) (string, error) {
	var resp feedbackResponse
	req := ChatRequest{SessionID: sessionID, UserMessage: ""}
	if err := c.postJSON(ctx, "/feedback", req, &resp); err != nil {
		return "", err
	}
	return resp.Feedback.SpokenFeedback, nil
}

// UploadResume sends a resume file and returns the text the backend extracted.
func (c *Client) UploadResume(ctx context.Context, filename string, r io.Reader) (string, error) {
	ctx, span := c.tracer.Start(ctx, "dialogue.upload_resume")
	defer span.End()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return "", c.fail(span, err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", c.fail(span, fmt.Errorf("read resume: %w", err))
	}
	if err := writer.Close(); err != nil {
		return "", c.fail(span, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload_resume", &body)
	if err != nil {
		return "", c.fail(span, err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	var resp uploadResponse
	if err := c.do(httpReq, "/upload_resume", &resp); err != nil {
		return "", c.fail(span, err)
	}
	return resp.ResumeText, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any) error {
	ctx, span := c.tracer.Start(ctx, "dialogue"+strings.ReplaceAll(path, "/", "."))
	defer span.End()

	body, err := json.Marshal(payload)
	if err != nil {
		return c.fail(span, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return c.fail(span, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if err := c.do(httpReq, path, out); err != nil {
		return c.fail(span, err)
	}
	return nil
}

func (c *Client) do(httpReq *http.Request, path string, out any) error {
	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	span := trace.SpanFromContext(httpReq.Context())
	span.SetAttributes(
		attribute.String("http.path", path),
		attribute.Int("http.status_code", resp.StatusCode),
	)
	c.logger.Debug("backend call",
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("latency", time.Since(start)))

	if resp.StatusCode == http.StatusNotFound && path != "/upload_resume" {
		return fmt.Errorf("%s: %w", path, ErrSessionNotFound)
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
