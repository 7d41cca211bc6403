package capture

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/transcript"
	"github.com/mattn/go-shellwords"
)

// execRecognizer runs an external streaming recognizer. The command captures
// audio itself and writes one JSON object per line on stdout:
//
//	{"type":"result","text":"hello","final":false}
//	{"type":"error","error":"network"}
//
// Process exit ends the lifetime.
type execRecognizer struct {
	cmd    []string
	cfg    config.CaptureConfig
	logger *slog.Logger

	mu      sync.Mutex
	running *exec.Cmd
	cancel  context.CancelFunc
	aborted bool
}

type execLine struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Final    bool   `json:"final"`
	Sequence *int   `json:"sequence,omitempty"`
	Error    string `json:"error"`
}

func NewExecRecognizer(cfg config.CaptureConfig, logger *slog.Logger) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg, logger: logger.With(slog.String("component", "exec-recognizer"))}, nil
}

func (r *execRecognizer) Check(_ context.Context) error {
	if _, err := exec.LookPath(r.cmd[0]); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	return nil
}

func (r *execRecognizer) Start(ctx context.Context, sink Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running != nil {
		return &RecognizerError{Code: "invalid-state"}
	}

	args := append([]string{}, r.cmd[1:]...)
	if r.cfg.Language != "" {
		args = append(args, "--language", r.cfg.Language)
	}
	runCtx, cancel := context.WithCancel(ctx)
	command := exec.CommandContext(runCtx, r.cmd[0], args...)
	command.Cancel = func() error { return command.Process.Signal(os.Interrupt) }
	command.WaitDelay = 2 * time.Second
	var stderr bytes.Buffer
	command.Stderr = &stderr
	stdout, err := command.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("capture stdout: %w", err)
	}
	if err := command.Start(); err != nil {
		cancel()
		return &RecognizerError{Code: ErrAudioCapture, Err: err}
	}
	r.running = command
	r.cancel = cancel
	r.aborted = false

	go func() {
		scanner := bufio.NewScanner(stdout)
		sequence := 0
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var msg execLine
			if err := json.Unmarshal(line, &msg); err != nil {
				r.logger.Warn("invalid recognizer output", slogError(err))
				continue
			}
			switch msg.Type {
			case "result":
				seq := sequence
				if msg.Sequence != nil {
					seq = *msg.Sequence
				}
				if msg.Final {
					sequence = seq + 1
				}
				sink(Event{Kind: EventResult, Fragments: []transcript.Fragment{{Text: msg.Text, Final: msg.Final, Sequence: seq}}})
			case "error":
				sink(Event{Kind: EventError, Error: ErrorCode(msg.Error)})
			}
		}
		waitErr := command.Wait()

		r.mu.Lock()
		aborted := r.aborted
		r.running = nil
		r.cancel = nil
		r.mu.Unlock()
		cancel()

		if aborted {
			sink(Event{Kind: EventError, Error: ErrAborted})
		} else if waitErr != nil && runCtx.Err() == nil {
			r.logger.Warn("recognizer command failed", slogError(waitErr), slog.String("stderr", stderr.String()))
		}
		sink(Event{Kind: EventEnd})
	}()
	return nil
}

// Stop interrupts the command so it can flush its last result.
func (r *execRecognizer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *execRecognizer) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running == nil {
		return
	}
	r.aborted = true
	if r.running.Process != nil {
		_ = r.running.Process.Kill()
	}
	if r.cancel != nil {
		r.cancel()
	}
}
