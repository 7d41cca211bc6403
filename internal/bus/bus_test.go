package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/natsserver"
	"github.com/loqalabs/loqa-interview/internal/protocol"
	"github.com/loqalabs/loqa-interview/internal/session"
	"github.com/nats-io/nats.go"
)

type fakeControls struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeControls) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeControls) StopListening() error        { return f.record("stop") }
func (f *fakeControls) Resume() error               { return f.record("resume") }
func (f *fakeControls) SubmitText(text string) error { return f.record("submit:" + text) }
func (f *fakeControls) End() error                  { return f.record("end") }

func TestDispatch(t *testing.T) {
	controls := &fakeControls{}
	cmds := []protocol.ControlCommand{
		{Action: protocol.ControlStop},
		{Action: protocol.ControlResume},
		{Action: protocol.ControlSubmit, Text: "my answer"},
		{Action: protocol.ControlEnd},
	}
	for _, cmd := range cmds {
		if err := Dispatch(controls, cmd); err != nil {
			t.Fatalf("dispatch %s: %v", cmd.Action, err)
		}
	}
	want := []string{"stop", "resume", "submit:my answer", "end"}
	for i, call := range want {
		if controls.calls[i] != call {
			t.Fatalf("call %d = %q, want %q", i, controls.calls[i], call)
		}
	}

	if err := Dispatch(controls, protocol.ControlCommand{Action: protocol.ControlSubmit}); err == nil {
		t.Fatalf("expected error for empty submit")
	}
	if err := Dispatch(controls, protocol.ControlCommand{Action: "dance"}); err == nil {
		t.Fatalf("expected error for unknown action")
	}
}

func startBus(t *testing.T) *Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.BusConfig{
		Enabled:        true,
		Embedded:       true,
		Port:           -1,
		StoreDir:       t.TempDir(),
		ConnectTimeout: 2000,
	}
	srv, err := natsserver.Start(cfg, logger)
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := Connect(context.Background(), cfg, []string{srv.ClientURL()}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestControlListenerReplies(t *testing.T) {
	client := startBus(t)
	controls := &fakeControls{}
	listener := NewControlListener(client, controls)
	if err := listener.Start(); err != nil {
		t.Fatalf("start listener: %v", err)
	}
	t.Cleanup(listener.Close)
	if !listener.Healthy() {
		t.Fatalf("expected listener healthy")
	}

	data, _ := json.Marshal(protocol.ControlCommand{CorrelationID: "c-1", Action: protocol.ControlSubmit, Text: "typed"})
	msg, err := client.Conn().Request(protocol.SubjectControl, data, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var reply protocol.ControlReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if !reply.OK || reply.CorrelationID != "c-1" {
		t.Fatalf("unexpected reply %+v", reply)
	}

	controls.mu.Lock()
	controls.err = errors.New("interview ended")
	controls.mu.Unlock()
	data, _ = json.Marshal(protocol.ControlCommand{CorrelationID: "c-2", Action: protocol.ControlEnd})
	msg, err = client.Conn().Request(protocol.SubjectControl, data, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	reply = protocol.ControlReply{}
	_ = json.Unmarshal(msg.Data, &reply)
	if reply.OK || reply.Error != "interview ended" {
		t.Fatalf("expected rejection, got %+v", reply)
	}
}

func TestPublisherMirrorsEvents(t *testing.T) {
	client := startBus(t)
	if err := client.EnsureStream(StreamName, []string{protocol.SubjectTurn, protocol.SubjectFeedback}, time.Hour); err != nil {
		t.Fatalf("ensure stream: %v", err)
	}
	if err := client.EnsureStream(StreamName, []string{protocol.SubjectTurn, protocol.SubjectFeedback}, time.Hour); err != nil {
		t.Fatalf("ensure stream twice: %v", err)
	}

	statuses := make(chan *nats.Msg, 4)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectStatus, statuses)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	pub := NewPublisher(client)
	pub.OnStatus(session.Snapshot{SessionID: "s-1", State: session.StateListening, Status: "Listening…"})
	turn := protocol.NewTurn("s-1", protocol.RoleUser, "I like Go")
	pub.OnTurn(turn)
	pub.OnFeedback("s-1", "Well done.")

	select {
	case msg := <-statuses:
		var evt protocol.StatusEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		if evt.Status != "Listening…" || evt.State != "listening" {
			t.Fatalf("unexpected status event %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("status event not received")
	}

	select {
	case <-client.JetStream().PublishAsyncComplete():
	case <-time.After(2 * time.Second):
		t.Fatalf("jetstream publishes not acknowledged")
	}

	raw, err := client.JetStream().GetLastMsg(StreamName, protocol.SubjectTurn)
	if err != nil {
		t.Fatalf("get last turn: %v", err)
	}
	var got protocol.TurnExchange
	if err := json.Unmarshal(raw.Data, &got); err != nil {
		t.Fatalf("decode turn: %v", err)
	}
	if got.TurnID != turn.TurnID || got.Text != "I like Go" {
		t.Fatalf("unexpected turn %+v", got)
	}

	raw, err = client.JetStream().GetLastMsg(StreamName, protocol.SubjectFeedback)
	if err != nil {
		t.Fatalf("get last feedback: %v", err)
	}
	var fb protocol.FeedbackEvent
	_ = json.Unmarshal(raw.Data, &fb)
	if fb.Feedback != "Well done." {
		t.Fatalf("unexpected feedback %+v", fb)
	}
}
