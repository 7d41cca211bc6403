package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-interview/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Controls is the part of the session controller that can be driven remotely.
type Controls interface {
	StopListening() error
	Resume() error
	SubmitText(text string) error
	End() error
}

// Dispatch applies cmd to controls.
func Dispatch(controls Controls, cmd protocol.ControlCommand) error {
	switch cmd.Action {
	case protocol.ControlStop:
		return controls.StopListening()
	case protocol.ControlResume:
		return controls.Resume()
	case protocol.ControlSubmit:
		if cmd.Text == "" {
			return fmt.Errorf("submit requires text")
		}
		return controls.SubmitText(cmd.Text)
	case protocol.ControlEnd:
		return controls.End()
	}
	return fmt.Errorf("unknown control action %q", cmd.Action)
}

// ControlListener subscribes to protocol.SubjectControl and forwards commands
// to the controller. Requests carrying a reply subject are acknowledged.
type ControlListener struct {
	client   *Client
	controls Controls
	sub      *nats.Subscription
	log      *slog.Logger
}

func NewControlListener(client *Client, controls Controls) *ControlListener {
	return &ControlListener{
		client:   client,
		controls: controls,
		log:      client.log.With(slog.String("component", "bus-control")),
	}
}

func (l *ControlListener) Start() error {
	sub, err := l.client.Conn().Subscribe(protocol.SubjectControl, l.handle)
	if err != nil {
		return fmt.Errorf("subscribe control commands: %w", err)
	}
	l.sub = sub
	return nil
}

func (l *ControlListener) Close() {
	if l.sub != nil {
		_ = l.sub.Drain()
	}
}

func (l *ControlListener) Healthy() bool { return l.sub != nil && l.sub.IsValid() }

func (l *ControlListener) handle(msg *nats.Msg) {
	var cmd protocol.ControlCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		l.log.Warn("failed to decode control command", slogError(err))
		l.reply(msg, protocol.ControlReply{Error: err.Error()})
		return
	}
	err := Dispatch(l.controls, cmd)
	reply := protocol.ControlReply{CorrelationID: cmd.CorrelationID, OK: err == nil}
	if err != nil {
		l.log.Warn("control command rejected", slog.String("action", string(cmd.Action)), slogError(err))
		reply.Error = err.Error()
	} else {
		l.log.Info("control command accepted", slog.String("action", string(cmd.Action)))
	}
	l.reply(msg, reply)
}

func (l *ControlListener) reply(msg *nats.Msg, reply protocol.ControlReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		l.log.Warn("failed to reply to control command", slogError(err))
	}
}
