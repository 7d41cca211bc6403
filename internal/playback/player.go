// Package playback makes agent text audible, one utterance at a time.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-interview/internal/eventloop"
)

// Handler receives playback notifications on the executor goroutine.
type Handler interface {
	OnPlaybackStart(id uint64)
	// OnPlaybackEnd is delivered once per utterance. interrupted is true when
	// the utterance was cancelled or superseded by a newer one.
	OnPlaybackEnd(id uint64, interrupted bool, err error)
}

type utterance struct {
	id     uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// Player serializes utterances over a Speaker. Speak, Cancel and Active must
// be called on the executor goroutine.
type Player struct {
	ctx     context.Context
	cancel  context.CancelFunc
	speaker Speaker
	exec    eventloop.Executor
	logger  *slog.Logger
	handler Handler

	current *utterance
	last    chan struct{}
	seq     uint64
	wg      sync.WaitGroup
}

func NewPlayer(parent context.Context, speaker Speaker, exec eventloop.Executor, logger *slog.Logger) *Player {
	ctx, cancel := context.WithCancel(parent)
	return &Player{
		ctx:     ctx,
		cancel:  cancel,
		speaker: speaker,
		exec:    exec,
		logger:  logger.With(slog.String("component", "playback")),
	}
}

func (p *Player) SetHandler(h Handler) { p.handler = h }

// Speak cancels whatever is playing and queues text. The new utterance does
// not reach the Speaker before the previous one has returned.
func (p *Player) Speak(text string) uint64 {
	p.Cancel()

	p.seq++
	ctx, cancel := context.WithCancel(p.ctx)
	u := &utterance{id: p.seq, cancel: cancel, done: make(chan struct{})}
	prev := p.last
	p.last = u.done
	p.current = u

	id := u.id
	p.exec.Post(func() {
		if p.handler != nil {
			p.handler.OnPlaybackStart(id)
		}
	})

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(u.done)
		defer cancel()
		if prev != nil {
			select {
			case <-prev:
			case <-ctx.Done():
			}
		}
		var err error
		if ctx.Err() == nil {
			err = p.speaker.Speak(ctx, text)
		}
		p.exec.Post(func() { p.complete(u, err) })
	}()
	return id
}

// Cancel interrupts the current utterance. It reports false when nothing was
// playing.
func (p *Player) Cancel() bool {
	u := p.current
	if u == nil {
		return false
	}
	p.current = nil
	u.cancel()
	p.logger.Debug("utterance interrupted", slog.Uint64("utterance", u.id))
	id := u.id
	p.exec.Post(func() {
		if p.handler != nil {
			p.handler.OnPlaybackEnd(id, true, nil)
		}
	})
	return true
}

func (p *Player) Active() bool { return p.current != nil }

// Close cancels playback and waits for speaker calls to return.
func (p *Player) Close() {
	p.cancel()
	p.wg.Wait()
}

func (p *Player) complete(u *utterance, err error) {
	if p.current != u {
		// already reported as interrupted
		return
	}
	p.current = nil
	if err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Warn("playback failed", slog.Uint64("utterance", u.id), slogError(err))
	}
	if p.handler != nil {
		p.handler.OnPlaybackEnd(u.id, false, err)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
