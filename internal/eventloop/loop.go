// Package eventloop serializes callbacks so that state machines built on top
// of it observe one event at a time, in submission order.
package eventloop

import (
	"context"
	"sync"
	"time"
)

// Executor runs posted functions one at a time in the order they were posted.
type Executor interface {
	Post(fn func())
}

// Loop is an Executor backed by a single goroutine started with Run.
// The queue is unbounded so Post never blocks, including from inside the loop.
type Loop struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	closed  bool
}

func New() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post enqueues fn. Functions posted after Run returned are dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run executes posted functions until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		l.mu.Lock()
		l.closed = true
		l.pending = nil
		l.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
		for {
			l.mu.Lock()
			if len(l.pending) == 0 {
				l.mu.Unlock()
				break
			}
			batch := l.pending
			l.pending = nil
			l.mu.Unlock()
			for _, fn := range batch {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				fn()
			}
		}
	}
}

// Manual is an Executor driven explicitly by the caller. Tests use it to step
// a state machine deterministically.
type Manual struct {
	mu      sync.Mutex
	pending []func()
	signal  chan struct{}
}

func NewManual() *Manual {
	return &Manual{signal: make(chan struct{}, 1)}
}

func (m *Manual) Post(fn func()) {
	m.mu.Lock()
	m.pending = append(m.pending, fn)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Drain runs queued functions, including ones posted while draining, until
// the queue is empty. It returns the number of functions executed.
func (m *Manual) Drain() int {
	ran := 0
	for {
		m.mu.Lock()
		if len(m.pending) == 0 {
			m.mu.Unlock()
			return ran
		}
		fn := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()
		fn()
		ran++
	}
}

// Await blocks until at least one function is queued (for example by a
// goroutine finishing network I/O), then drains. It reports false on timeout.
func (m *Manual) Await(timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		m.mu.Lock()
		ready := len(m.pending) > 0
		m.mu.Unlock()
		if ready {
			m.Drain()
			return true
		}
		select {
		case <-m.signal:
		case <-deadline.C:
			return false
		}
	}
}
