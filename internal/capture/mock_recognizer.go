package capture

import (
	"context"
	"sync"
	"time"

	"github.com/loqalabs/loqa-interview/internal/transcript"
)

// MockRecognizer is an in-process Recognizer. With a script, every lifetime
// "hears" the next scripted answer (an interim then a final fragment after
// one interval each) and then stays quiet until stopped. Tests drive it
// directly through Emit, Fail and Finish.
type MockRecognizer struct {
	mu       sync.Mutex
	script   []string
	next     int
	interval time.Duration
	sink     Sink
	active   bool
	cancel   context.CancelFunc
	seq      int
	starts   int
	stops    int
	aborts   int
	startErr error
}

func NewMockRecognizer(script []string, interval time.Duration) *MockRecognizer {
	return &MockRecognizer{script: script, interval: interval}
}

func (m *MockRecognizer) Start(ctx context.Context, sink Sink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		err := m.startErr
		m.startErr = nil
		return err
	}
	if m.active {
		return &RecognizerError{Code: "invalid-state"}
	}
	m.active = true
	m.sink = sink
	m.seq = 0
	m.starts++
	if m.next < len(m.script) {
		line := m.script[m.next]
		m.next++
		runCtx, cancel := context.WithCancel(ctx)
		m.cancel = cancel
		go m.play(runCtx, sink, line)
	}
	return nil
}

func (m *MockRecognizer) play(ctx context.Context, sink Sink, line string) {
	fragments := []transcript.Fragment{
		{Text: line, Final: false, Sequence: 0},
		{Text: line, Final: true, Sequence: 0},
	}
	for _, f := range fragments {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.interval):
		}
		sink(Event{Kind: EventResult, Fragments: []transcript.Fragment{f}})
	}
}

func (m *MockRecognizer) Stop() {
	m.mu.Lock()
	m.stops++
	m.mu.Unlock()
	m.Finish()
}

func (m *MockRecognizer) Abort() {
	m.mu.Lock()
	m.aborts++
	m.mu.Unlock()
	m.Fail(ErrAborted)
	m.Finish()
}

// Emit delivers fragments to the running lifetime.
func (m *MockRecognizer) Emit(fragments ...transcript.Fragment) {
	m.deliver(Event{Kind: EventResult, Fragments: fragments})
}

// EmitFinal delivers one final fragment with the next sequence number.
func (m *MockRecognizer) EmitFinal(text string) {
	m.mu.Lock()
	seq := m.seq
	m.seq++
	m.mu.Unlock()
	m.Emit(transcript.Fragment{Text: text, Final: true, Sequence: seq})
}

// Fail delivers an error event.
func (m *MockRecognizer) Fail(code ErrorCode) {
	m.deliver(Event{Kind: EventError, Error: code})
}

// Finish ends the running lifetime as the engine would on its own.
func (m *MockRecognizer) Finish() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	sink := m.sink
	m.active = false
	m.sink = nil
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()
	sink(Event{Kind: EventEnd})
}

// FailNextStart makes the next Start return err.
func (m *MockRecognizer) FailNextStart(err error) {
	m.mu.Lock()
	m.startErr = err
	m.mu.Unlock()
}

func (m *MockRecognizer) deliver(evt Event) {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink != nil {
		sink(evt)
	}
}

func (m *MockRecognizer) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *MockRecognizer) Starts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts
}

func (m *MockRecognizer) Stops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

func (m *MockRecognizer) Aborts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aborts
}
