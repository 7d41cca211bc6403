package bus

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-interview/internal/protocol"
	"github.com/loqalabs/loqa-interview/internal/session"
	"github.com/nats-io/nats.go"
)

// StreamName holds turns and feedback so late consumers can replay an
// interview.
const StreamName = "INTERVIEW"

// Publisher is a session.Observer that mirrors interview events onto NATS.
// Status lines go out on core NATS; turns and feedback are published through
// JetStream.
type Publisher struct {
	client *Client
	log    *slog.Logger
}

func NewPublisher(client *Client) *Publisher {
	return &Publisher{client: client, log: client.log.With(slog.String("component", "bus-publisher"))}
}

func (p *Publisher) OnStatus(snap session.Snapshot) {
	evt := protocol.StatusEvent{
		SessionID: snap.SessionID,
		State:     string(snap.State),
		Status:    snap.Status,
		Timestamp: time.Now().UTC(),
	}
	if err := p.client.PublishJSON(protocol.SubjectStatus, evt); err != nil {
		p.log.Warn("failed to publish status", slogError(err))
	}
}

func (p *Publisher) OnTurn(turn protocol.TurnExchange) {
	p.persist(protocol.SubjectTurn, turn, turn.TurnID)
}

func (p *Publisher) OnFeedback(sessionID, feedback string) {
	evt := protocol.FeedbackEvent{SessionID: sessionID, Feedback: feedback, Timestamp: time.Now().UTC()}
	p.persist(protocol.SubjectFeedback, evt, "")
}

func (p *Publisher) persist(subject string, v any, msgID string) {
	data, err := json.Marshal(v)
	if err != nil {
		p.log.Warn("failed to marshal event", slogError(err))
		return
	}
	var opts []nats.PubOpt
	if msgID != "" {
		opts = append(opts, nats.MsgId(msgID))
	}
	if _, err := p.client.js.PublishAsync(subject, data, opts...); err != nil {
		p.log.Warn("failed to publish event", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
