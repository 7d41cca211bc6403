package session

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	turns       metric.Int64Counter
	restarts    metric.Int64Counter
	silences    metric.Int64Counter
	chatLatency metric.Float64Histogram
}

func newMetrics(snapshot func() Snapshot) (*metrics, error) {
	meter := otel.Meter("github.com/loqalabs/loqa-interview/session")
	m := &metrics{}
	var err error
	if m.turns, err = meter.Int64Counter("loqa.interview.turns", metric.WithDescription("User turns handed to the dialogue service")); err != nil {
		return nil, err
	}
	if m.restarts, err = meter.Int64Counter("loqa.interview.capture_restarts", metric.WithDescription("Transparent recognizer restarts")); err != nil {
		return nil, err
	}
	if m.silences, err = meter.Int64Counter("loqa.interview.silence_timeouts", metric.WithDescription("Listening turns ended by silence")); err != nil {
		return nil, err
	}
	if m.chatLatency, err = meter.Float64Histogram("loqa.interview.chat_latency", metric.WithUnit("s"), metric.WithDescription("Dialogue chat round trip")); err != nil {
		return nil, err
	}
	listening, err := meter.Int64ObservableGauge("loqa.interview.listening", metric.WithDescription("1 while capture is running"))
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		var v int64
		if snapshot().KeepListening {
			v = 1
		}
		obs.ObserveInt64(listening, v)
		return nil
	}, listening)
	return m, err
}

func (m *metrics) turn(typed bool) {
	if m == nil {
		return
	}
	m.turns.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("typed", typed)))
}

func (m *metrics) restart(reason string) {
	if m == nil {
		return
	}
	m.restarts.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *metrics) silence() {
	if m == nil {
		return
	}
	m.silences.Add(context.Background(), 1)
}

func (m *metrics) chat(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.chatLatency.Record(context.Background(), d.Seconds(), metric.WithAttributes(attribute.Bool("error", err != nil)))
}
