// Package session orchestrates half-duplex turn taking for one interview:
// the agent speaks, the candidate answers, the answer goes to the dialogue
// service and the reply is spoken back.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-interview/internal/capture"
	"github.com/loqalabs/loqa-interview/internal/clock"
	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/dialogue"
	"github.com/loqalabs/loqa-interview/internal/eventloop"
	"github.com/loqalabs/loqa-interview/internal/playback"
	"github.com/loqalabs/loqa-interview/internal/protocol"
	"github.com/loqalabs/loqa-interview/internal/transcript"
	"github.com/loqalabs/loqa-interview/internal/watchdog"
)

var (
	ErrNotStarted     = errors.New("interview not started")
	ErrAlreadyStarted = errors.New("interview already started")
	ErrEnded          = errors.New("interview ended")
)

const noFeedback = "No feedback available."

// Backend is the dialogue service.
type Backend interface {
	StartSession(ctx context.Context, req dialogue.StartRequest) (dialogue.StartResponse, error)
	Chat(ctx context.Context, req dialogue.ChatRequest) (dialogue.ChatResponse, error)
	Feedback(ctx context.Context, sessionID string) (string, error)
}

// Playback is the subset of playback.Player the controller drives.
type Playback interface {
	SetHandler(h playback.Handler)
	Speak(text string) uint64
	Cancel() bool
	Active() bool
}

// Observer is notified on the executor goroutine and must not block.
type Observer interface {
	OnStatus(snap Snapshot)
	OnTurn(turn protocol.TurnExchange)
	OnFeedback(sessionID, feedback string)
}

// Setup describes the interview to request from the backend.
type Setup struct {
	Role            string
	ExperienceLevel string
	ResumeText      string
}

type Options struct {
	SilenceTimeout  time.Duration
	EndDelay        time.Duration
	RequestFeedback bool
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		SilenceTimeout:  time.Duration(cfg.Capture.SilenceTimeoutMS) * time.Millisecond,
		EndDelay:        time.Duration(cfg.Session.EndDelayMS) * time.Millisecond,
		RequestFeedback: cfg.Session.RequestFeedback,
	}
}

// Components are the collaborators a Controller wires together. The
// controller installs itself as handler on Engine and Player.
type Components struct {
	Backend     Backend
	Engine      *capture.Engine
	Accumulator *transcript.Accumulator
	Player      Playback
	Clock       clock.Clock
	Executor    eventloop.Executor
}

type speechKind int

const (
	speechTurn speechKind = iota
	speechClosing
	speechFeedback
)

// Controller owns the state of one interview. Exported methods may be called
// from any goroutine; they post onto the executor, where every transition
// runs.
type Controller struct {
	ctx      context.Context
	cancel   context.CancelFunc
	backend  Backend
	engine   *capture.Engine
	acc      *transcript.Accumulator
	player   Playback
	watchdog *watchdog.Watchdog
	clock    clock.Clock
	exec     eventloop.Executor
	opts     Options
	logger   *slog.Logger
	metrics  *metrics

	observers []Observer

	state         State
	sessionID     string
	starting      bool
	awaitingReply bool
	noSpeech      bool
	wrappingUp    bool
	stopping      bool
	errCode       string

	utterance  uint64
	speech     speechKind
	requestSeq uint64
	endTimer   clock.Timer
	endSeq     uint64

	lastStatus string
	lastState  State

	started  atomic.Bool
	ended    atomic.Bool
	snap     atomic.Pointer[Snapshot]
	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

func New(parent context.Context, comp Components, opts Options, logger *slog.Logger) *Controller {
	ctx, cancel := context.WithCancel(parent)
	if opts.SilenceTimeout <= 0 {
		opts.SilenceTimeout = watchdog.DefaultTimeout
	}
	c := &Controller{
		ctx:     ctx,
		cancel:  cancel,
		backend: comp.Backend,
		engine:  comp.Engine,
		acc:     comp.Accumulator,
		player:  comp.Player,
		clock:   comp.Clock,
		exec:    comp.Executor,
		opts:    opts,
		logger:  logger.With(slog.String("component", "session-controller")),
		state:   StateIdle,
		done:    make(chan struct{}),
	}
	c.watchdog = watchdog.New(comp.Clock, comp.Executor, c.onSilence)
	c.engine.SetHandler(c)
	c.player.SetHandler(c)
	c.snap.Store(&Snapshot{State: StateIdle, Status: "Ready."})

	m, err := newMetrics(c.Snapshot)
	if err != nil {
		c.logger.Warn("failed to initialize metrics", slogError(err))
	}
	c.metrics = m
	return c
}

// AddObserver registers o. Call before Start.
func (c *Controller) AddObserver(o Observer) {
	c.observers = append(c.observers, o)
}

// Snapshot returns the state as of the last transition.
func (c *Controller) Snapshot() Snapshot { return *c.snap.Load() }

// Done is closed once the interview has ended and the closing feedback, if
// any, has been spoken.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Close cancels outstanding backend calls.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}

// Start checks that capture can run, opens a backend session and speaks the
// opening message. It blocks for the backend round trip.
func (c *Controller) Start(ctx context.Context, setup Setup) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	c.exec.Post(func() {
		c.starting = true
		c.publish()
	})

	if err := c.engine.Check(ctx); err != nil {
		code := capture.CodeOf(err)
		c.exec.Post(func() {
			c.starting = false
			c.endSession(string(code), true)
		})
		return fmt.Errorf("capture unavailable: %w", err)
	}

	resp, err := c.backend.StartSession(ctx, dialogue.StartRequest{
		Role:            setup.Role,
		ExperienceLevel: setup.ExperienceLevel,
		ResumeText:      setup.ResumeText,
	})
	if err != nil {
		c.started.Store(false)
		c.exec.Post(func() {
			c.starting = false
			c.errCode = "connection"
			c.publish()
		})
		return fmt.Errorf("start session: %w", err)
	}

	c.exec.Post(func() {
		c.starting = false
		c.sessionID = resp.SessionID
		c.logger.Info("interview started", slog.String("session_id", resp.SessionID))
		c.agentSays(resp.InitialMessage, speechTurn)
	})
	return nil
}

// StopListening ends the current listening turn and hands off what was heard.
func (c *Controller) StopListening() error {
	return c.post(c.stopListening)
}

// Resume starts a new listening turn after nothing was heard or after the
// dialogue service failed.
func (c *Controller) Resume() error {
	return c.post(c.resume)
}

// SubmitText answers with typed text instead of speech.
func (c *Controller) SubmitText(text string) error {
	return c.post(func() { c.submitText(text) })
}

// End finishes the interview immediately.
func (c *Controller) End() error {
	return c.post(func() { c.endSession("", true) })
}

func (c *Controller) post(fn func()) error {
	if !c.started.Load() {
		return ErrNotStarted
	}
	if c.ended.Load() {
		return ErrEnded
	}
	c.exec.Post(fn)
	return nil
}

// agentSays speaks text and decides what happens once it has been heard.
// Capture is torn down first so the two never overlap.
func (c *Controller) agentSays(text string, kind speechKind) {
	c.engine.Abort()
	c.watchdog.Disarm()
	c.acc.Reset()
	c.errCode = ""
	c.noSpeech = false
	c.awaitingReply = false

	if c.state != StateEnded {
		c.state = StateAgentSpeaking
	}
	text = strings.TrimSpace(text)
	if text == "" {
		c.utterance = 0
		c.afterSpeech(kind)
		return
	}
	if c.state != StateEnded {
		c.notifyTurn(protocol.NewTurn(c.sessionID, protocol.RoleAgent, text))
	}
	c.speech = kind
	c.utterance = c.player.Speak(text)
	c.publish()
}

func (c *Controller) afterSpeech(kind speechKind) {
	switch kind {
	case speechTurn:
		if c.state == StateAgentSpeaking && !c.wrappingUp {
			c.beginListening()
		}
	case speechClosing:
		if c.state != StateEnded {
			c.state = StateIdle
			c.wrappingUp = true
			c.publish()
		}
	case speechFeedback:
		c.markDone()
	}
}

func (c *Controller) beginListening() {
	c.player.Cancel()
	c.acc.Reset()
	c.errCode = ""
	c.noSpeech = false
	c.stopping = false
	c.state = StateListening
	if err := c.engine.Start(); err != nil {
		c.logger.Warn("capture start rejected", slogError(err))
	}
	c.watchdog.Arm(c.opts.SilenceTimeout)
	c.publish()
}

func (c *Controller) stopListening() {
	if c.state != StateListening {
		return
	}
	if !c.engine.Stop(capture.UserStopped) {
		c.logger.Debug("stop requested with no capture running")
		return
	}
	// the hand-off waits for the recognizer's end event
	c.stopping = true
	c.publish()
}

func (c *Controller) resume() {
	switch {
	case c.state == StateIdle && !c.wrappingUp && c.sessionID != "":
	case c.state == StateProcessing && !c.awaitingReply:
	default:
		c.logger.Debug("resume ignored", slog.String("state", string(c.state)))
		return
	}
	c.beginListening()
}

func (c *Controller) submitText(text string) {
	text = strings.TrimSpace(text)
	if text == "" || c.sessionID == "" {
		return
	}
	switch {
	case c.state == StateEnded, c.wrappingUp:
		return
	case c.state == StateProcessing && c.awaitingReply:
		c.logger.Info("answer ignored while waiting for reply")
		return
	}
	c.engine.Abort()
	c.watchdog.Disarm()
	c.player.Cancel()
	c.utterance = 0
	c.acc.Reset()
	c.handOff(text, true)
}

// handOff moves to Processing and sends a non-empty answer to the backend.
func (c *Controller) handOff(text string, typed bool) {
	c.state = StateProcessing
	c.awaitingReply = false
	c.errCode = ""
	c.publish()

	text = strings.TrimSpace(text)
	if text == "" {
		c.noSpeech = true
		c.state = StateIdle
		c.publish()
		return
	}

	turn := protocol.NewTurn(c.sessionID, protocol.RoleUser, text)
	turn.Typed = typed
	c.notifyTurn(turn)
	c.metrics.turn(typed)

	c.awaitingReply = true
	c.publish()

	c.requestSeq++
	seq := c.requestSeq
	req := dialogue.ChatRequest{SessionID: c.sessionID, UserMessage: text}
	started := c.clock.Now()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		resp, err := c.backend.Chat(c.ctx, req)
		c.exec.Post(func() { c.onReply(seq, started, resp, err) })
	}()
}

func (c *Controller) onReply(seq uint64, started time.Time, resp dialogue.ChatResponse, err error) {
	c.metrics.chat(c.clock.Now().Sub(started), err)
	if seq != c.requestSeq || c.state != StateProcessing {
		return
	}
	c.awaitingReply = false
	if err != nil {
		c.logger.Warn("chat failed", slogError(err))
		c.errCode = "connection"
		c.publish()
		return
	}
	if resp.IsInterviewOver {
		c.wrappingUp = true
		c.scheduleEnd()
		c.agentSays(resp.AgentMessage, speechClosing)
		return
	}
	c.agentSays(resp.AgentMessage, speechTurn)
}

func (c *Controller) scheduleEnd() {
	c.cancelEndTimer()
	c.endSeq++
	seq := c.endSeq
	c.endTimer = c.clock.AfterFunc(c.opts.EndDelay, func() {
		c.exec.Post(func() {
			if seq != c.endSeq {
				return
			}
			c.endTimer = nil
			c.endSession("", false)
		})
	})
}

func (c *Controller) cancelEndTimer() {
	c.endSeq++
	if c.endTimer != nil {
		c.endTimer.Stop()
		c.endTimer = nil
	}
}

// endSession moves to Ended. cancelSpeech interrupts playback; the delayed
// end after the closing message lets it finish until feedback is spoken.
func (c *Controller) endSession(code string, cancelSpeech bool) {
	if c.state == StateEnded {
		return
	}
	c.ended.Store(true)
	c.cancelEndTimer()
	c.engine.Abort()
	c.watchdog.Disarm()
	if cancelSpeech {
		c.player.Cancel()
	}
	c.utterance = 0
	c.requestSeq++
	c.acc.Reset()
	c.awaitingReply = false
	c.wrappingUp = false
	c.errCode = code
	c.state = StateEnded
	c.publish()
	c.logger.Info("interview ended", slog.String("session_id", c.sessionID))

	if !c.opts.RequestFeedback || c.sessionID == "" || code != "" {
		c.markDone()
		return
	}
	sessionID := c.sessionID
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		text, err := c.backend.Feedback(c.ctx, sessionID)
		c.exec.Post(func() { c.onFeedback(text, err) })
	}()
}

func (c *Controller) onFeedback(text string, err error) {
	if err != nil {
		c.logger.Warn("feedback failed", slogError(err))
		c.markDone()
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		text = noFeedback
	}
	for _, o := range c.observers {
		o.OnFeedback(c.sessionID, text)
	}
	c.agentSays(text, speechFeedback)
}

func (c *Controller) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Controller) onSilence() {
	if c.state != StateListening {
		return
	}
	c.metrics.silence()
	c.logger.Debug("silence timeout")
	c.engine.Stop(capture.Silence)
}

// OnCaptureResult implements capture.Handler.
func (c *Controller) OnCaptureResult(fragments []transcript.Fragment) {
	if c.state != StateListening {
		return
	}
	c.errCode = ""
	c.watchdog.Arm(c.opts.SilenceTimeout)
	c.publish()
}

func (c *Controller) OnCaptureError(code capture.ErrorCode) {
	if c.state != StateListening {
		return
	}
	c.errCode = string(code)
	c.publish()
}

func (c *Controller) OnCaptureRestart(reason capture.EndReason) {
	c.metrics.restart(string(reason))
	c.publish()
}

func (c *Controller) OnCaptureEnded(ended capture.Ended) {
	c.watchdog.Disarm()
	if c.state != StateListening {
		return
	}
	c.logger.Debug("capture ended", slog.String("reason", string(ended.Reason)), slog.String("code", string(ended.Code)))
	c.stopping = false
	if ended.Reason == capture.FatalError {
		if ended.Code.Fatal() {
			c.endSession(string(ended.Code), true)
			return
		}
		// retries ran out: what was heard is still the answer
		if text := c.acc.TakeFinal(); text != "" {
			c.handOff(text, false)
			return
		}
		c.state = StateIdle
		c.errCode = string(ended.Code)
		c.publish()
		return
	}
	c.handOff(c.acc.TakeFinal(), false)
}

// OnPlaybackStart implements playback.Handler.
func (c *Controller) OnPlaybackStart(id uint64) {
	c.logger.Debug("playback started", slog.Uint64("utterance", id))
}

func (c *Controller) OnPlaybackEnd(id uint64, interrupted bool, err error) {
	if id == 0 || id != c.utterance {
		return
	}
	if err != nil {
		c.logger.Warn("playback failed", slog.Uint64("utterance", id), slogError(err))
	}
	if interrupted && c.speech != speechFeedback {
		return
	}
	c.utterance = 0
	c.afterSpeech(c.speech)
}

func (c *Controller) notifyTurn(turn protocol.TurnExchange) {
	for _, o := range c.observers {
		o.OnTurn(turn)
	}
}

// publish refreshes the snapshot and tells observers when the status line or
// state changed.
func (c *Controller) publish() {
	snap := Snapshot{
		SessionID:       c.sessionID,
		State:           c.state,
		KeepListening:   c.engine.KeepListening(),
		Accumulated:     c.acc.Accumulated(),
		Segment:         c.acc.Segment(),
		RestartInFlight: c.engine.RestartInFlight(),
		Starting:        c.starting,
		AwaitingReply:   c.awaitingReply,
		NoSpeech:        c.noSpeech,
		WrappingUp:      c.wrappingUp,
		Stopping:        c.stopping,
		Error:           c.errCode,
	}
	if c.state == StateListening {
		snap.Display = c.acc.Display()
	}
	snap.Status = StatusText(snap)
	c.snap.Store(&snap)

	if snap.Status == c.lastStatus && snap.State == c.lastState {
		return
	}
	c.lastStatus = snap.Status
	c.lastState = snap.State
	for _, o := range c.observers {
		o.OnStatus(snap)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
