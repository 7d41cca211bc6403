package capture

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-interview/internal/clock"
	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/eventloop"
	"github.com/loqalabs/loqa-interview/internal/transcript"
)

// EndReason explains why a listening attempt ended.
type EndReason string

const (
	UserStopped     EndReason = "user_stopped"
	Silence         EndReason = "silence"
	EngineExhausted EndReason = "engine_exhausted"
	TransientError  EndReason = "transient_error"
	FatalError      EndReason = "fatal_error"
	NoSpeech        EndReason = "no_speech"
)

// ErrAlreadyListening is returned by Start while an attempt is running.
var ErrAlreadyListening = errors.New("capture already listening")

// Ended is delivered once per listening attempt.
type Ended struct {
	Reason EndReason
	Code   ErrorCode
}

// Handler receives engine notifications on the executor goroutine.
type Handler interface {
	OnCaptureResult(fragments []transcript.Fragment)
	// OnCaptureError reports a non-terminal recognizer error worth surfacing.
	OnCaptureError(code ErrorCode)
	// OnCaptureRestart is informational; restarts do not end the attempt.
	OnCaptureRestart(reason EndReason)
	OnCaptureEnded(ended Ended)
}

type Options struct {
	RestartDelay      time.Duration
	RetryDelay        time.Duration
	MaxNetworkRetries int // 0 retries forever
}

// OptionsFromConfig builds engine options from config.
func OptionsFromConfig(cfg config.CaptureConfig) Options {
	return Options{
		RestartDelay:      time.Duration(cfg.RestartDelayMS) * time.Millisecond,
		RetryDelay:        time.Duration(cfg.NetworkRetryDelayMS) * time.Millisecond,
		MaxNetworkRetries: cfg.MaxNetworkRetries,
	}
}

type lifetime struct {
	id         uint64
	stopReason EndReason
	err        ErrorCode
	aborted    bool
}

// Engine presents a restart-prone Recognizer as one continuous listening
// attempt. It owns the recognizer exclusively and never runs two lifetimes
// at once. All methods must be called on the executor goroutine.
type Engine struct {
	ctx        context.Context
	recognizer Recognizer
	acc        *transcript.Accumulator
	clock      clock.Clock
	exec       eventloop.Executor
	opts       Options
	logger     *slog.Logger
	handler    Handler

	keepListening  bool
	current        *lifetime
	lifetimes      uint64
	attempt        uint64
	restartTimer   clock.Timer
	restartSeq     uint64
	restartPending bool
	startDeferred  bool
	networkRetries int
}

func NewEngine(parent context.Context, recognizer Recognizer, acc *transcript.Accumulator, clk clock.Clock, exec eventloop.Executor, opts Options, logger *slog.Logger) *Engine {
	return &Engine{
		ctx:        parent,
		recognizer: recognizer,
		acc:        acc,
		clock:      clk,
		exec:       exec,
		opts:       opts,
		logger:     logger.With(slog.String("component", "capture-engine")),
	}
}

func (e *Engine) SetHandler(h Handler) { e.handler = h }

// Check verifies the recognizer can run here, if it knows how to.
func (e *Engine) Check(ctx context.Context) error {
	if checker, ok := e.recognizer.(Checker); ok {
		return checker.Check(ctx)
	}
	return nil
}

// Start begins a listening attempt.
func (e *Engine) Start() error {
	if e.keepListening {
		return ErrAlreadyListening
	}
	e.attempt++
	e.keepListening = true
	e.networkRetries = 0
	if e.current != nil {
		// the previous lifetime is still winding down
		if !e.current.aborted {
			e.current.aborted = true
			e.recognizer.Abort()
		}
		e.startDeferred = true
		return nil
	}
	e.begin()
	return nil
}

// Stop ends the attempt with reason. It reports false when there is nothing
// to stop.
func (e *Engine) Stop(reason EndReason) bool {
	switch {
	case e.current != nil && !e.current.aborted && e.current.stopReason == "":
		e.keepListening = false
		e.cancelRestart()
		e.current.stopReason = reason
		e.recognizer.Stop()
		return true
	case e.restartPending || e.startDeferred:
		e.startDeferred = false
		e.cancelRestart()
		e.finish(Ended{Reason: reason})
		return true
	}
	return false
}

// Abort tears down the attempt without an Ended notification. Results from
// the running lifetime are discarded from now on.
func (e *Engine) Abort() {
	e.keepListening = false
	e.startDeferred = false
	e.attempt++
	e.cancelRestart()
	if e.current != nil && !e.current.aborted {
		e.current.aborted = true
		e.recognizer.Abort()
	}
}

func (e *Engine) KeepListening() bool   { return e.keepListening }
func (e *Engine) RestartInFlight() bool { return e.restartPending }

// Active reports whether a recognizer lifetime is running.
func (e *Engine) Active() bool { return e.current != nil }

func (e *Engine) begin() {
	e.lifetimes++
	lt := &lifetime{id: e.lifetimes}
	e.current = lt
	id := lt.id
	err := e.recognizer.Start(e.ctx, func(evt Event) {
		e.exec.Post(func() { e.handle(id, evt) })
	})
	if err == nil {
		e.logger.Debug("recognizer lifetime started", slog.Uint64("lifetime", id))
		return
	}

	e.current = nil
	code := CodeOf(err)
	e.logger.Warn("recognizer start failed", slog.String("code", string(code)), slogError(err))
	if code.Fatal() {
		e.finish(Ended{Reason: FatalError, Code: code})
		return
	}
	e.retry(code)
}

func (e *Engine) handle(id uint64, evt Event) {
	lt := e.current
	if lt == nil || lt.id != id {
		return
	}
	switch evt.Kind {
	case EventResult:
		if lt.aborted || len(evt.Fragments) == 0 {
			return
		}
		for _, f := range evt.Fragments {
			e.acc.Apply(f)
		}
		e.networkRetries = 0
		if e.handler != nil {
			e.handler.OnCaptureResult(evt.Fragments)
		}
	case EventError:
		e.handleError(lt, evt.Error)
	case EventEnd:
		e.handleEnd(lt)
	}
}

func (e *Engine) handleError(lt *lifetime, code ErrorCode) {
	switch {
	case code == ErrAborted:
		// expected after Stop or Abort
		e.logger.Debug("recognizer aborted", slog.Uint64("lifetime", lt.id))
	case lt.aborted:
	case code.Fatal():
		lt.err = code
		e.keepListening = false
		e.logger.Error("recognizer fatal error", slog.String("code", string(code)))
	case code == ErrNetwork, code == ErrNoSpeech:
		lt.err = code
		e.logger.Info("recognizer error", slog.String("code", string(code)))
	default:
		e.logger.Warn("recognizer error", slog.String("code", string(code)))
		if e.handler != nil {
			e.handler.OnCaptureError(code)
		}
	}
}

func (e *Engine) handleEnd(lt *lifetime) {
	e.current = nil
	e.acc.EndLifetime()

	if lt.aborted {
		if e.startDeferred && e.keepListening {
			e.startDeferred = false
			e.begin()
		}
		return
	}

	switch {
	case lt.stopReason != "":
		e.finish(Ended{Reason: lt.stopReason})
	case lt.err.Fatal():
		e.finish(Ended{Reason: FatalError, Code: lt.err})
	case lt.err == ErrNoSpeech:
		e.finish(Ended{Reason: NoSpeech, Code: lt.err})
	case !e.keepListening:
		e.finish(Ended{Reason: UserStopped})
	case lt.err == ErrNetwork:
		e.retry(lt.err)
	default:
		// the recognizer ended on its own while the user may still be talking
		e.scheduleRestart(e.opts.RestartDelay, EngineExhausted)
	}
}

func (e *Engine) retry(code ErrorCode) {
	e.networkRetries++
	if e.opts.MaxNetworkRetries > 0 && e.networkRetries > e.opts.MaxNetworkRetries {
		e.logger.Error("recognizer retries exhausted",
			slog.String("code", string(code)),
			slog.Int("retries", e.networkRetries-1))
		e.finish(Ended{Reason: FatalError, Code: code})
		return
	}
	e.scheduleRestart(e.opts.RetryDelay, TransientError)
}

func (e *Engine) scheduleRestart(delay time.Duration, reason EndReason) {
	e.restartSeq++
	seq := e.restartSeq
	e.restartPending = true
	e.logger.Debug("scheduling recognizer restart",
		slog.String("reason", string(reason)),
		slog.Duration("delay", delay))
	if e.handler != nil {
		e.handler.OnCaptureRestart(reason)
	}
	e.restartTimer = e.clock.AfterFunc(delay, func() {
		e.exec.Post(func() { e.restart(seq) })
	})
}

func (e *Engine) restart(seq uint64) {
	if !e.restartPending || seq != e.restartSeq {
		return
	}
	e.restartPending = false
	e.restartTimer = nil
	if !e.keepListening || e.current != nil {
		return
	}
	e.begin()
}

func (e *Engine) cancelRestart() {
	if e.restartTimer != nil {
		e.restartTimer.Stop()
		e.restartTimer = nil
	}
	e.restartPending = false
}

func (e *Engine) finish(ended Ended) {
	e.keepListening = false
	attempt := e.attempt
	e.exec.Post(func() {
		if attempt != e.attempt || e.handler == nil {
			return
		}
		e.handler.OnCaptureEnded(ended)
	})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
