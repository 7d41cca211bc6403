// Package console drives an interview from a terminal: lines typed on stdin
// become control commands and controller events are printed as they happen.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-interview/internal/bus"
	"github.com/loqalabs/loqa-interview/internal/protocol"
	"github.com/loqalabs/loqa-interview/internal/session"
)

// Parse maps one console line onto a control command. An empty line stops
// listening; anything that is not a slash command is a typed answer.
func Parse(line string) (protocol.ControlCommand, error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "", line == "/stop":
		return protocol.ControlCommand{Action: protocol.ControlStop}, nil
	case line == "/resume":
		return protocol.ControlCommand{Action: protocol.ControlResume}, nil
	case line == "/end":
		return protocol.ControlCommand{Action: protocol.ControlEnd}, nil
	case strings.HasPrefix(line, "/"):
		return protocol.ControlCommand{}, fmt.Errorf("unknown command %q (try /stop, /resume, /end)", line)
	}
	return protocol.ControlCommand{Action: protocol.ControlSubmit, Text: line}, nil
}

// Console reads commands from in and writes the interview transcript to out.
// It is a session.Observer.
type Console struct {
	in  io.Reader
	out io.Writer
	log *slog.Logger
	mu  sync.Mutex
}

func New(in io.Reader, out io.Writer, logger *slog.Logger) *Console {
	return &Console{in: in, out: out, log: logger.With(slog.String("component", "console"))}
}

// Run forwards lines to controls until in is exhausted or ctx is cancelled.
func (c *Console) Run(ctx context.Context, controls bus.Controls) error {
	lines := make(chan string)
	errs := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errs <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			return err
		case line := <-lines:
			cmd, err := Parse(line)
			if err == nil {
				err = bus.Dispatch(controls, cmd)
			}
			if err != nil {
				c.printf("! %v\n", err)
				c.log.Debug("console command rejected", slog.String("line", line), slog.String("error", err.Error()))
			}
		}
	}
}

func (c *Console) OnStatus(snap session.Snapshot) {
	c.printf("[%s]\n", snap.Status)
}

func (c *Console) OnTurn(turn protocol.TurnExchange) {
	who := "You"
	if turn.Role == protocol.RoleAgent {
		who = "Interviewer"
	}
	c.printf("%s: %s\n", who, turn.Text)
}

func (c *Console) OnFeedback(_ string, feedback string) {
	c.printf("Feedback: %s\n", feedback)
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
