// Package runtime assembles the interview client from configuration and runs
// one interview to completion.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-interview/internal/bus"
	"github.com/loqalabs/loqa-interview/internal/capture"
	"github.com/loqalabs/loqa-interview/internal/clock"
	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/loqalabs/loqa-interview/internal/console"
	"github.com/loqalabs/loqa-interview/internal/dialogue"
	"github.com/loqalabs/loqa-interview/internal/eventloop"
	"github.com/loqalabs/loqa-interview/internal/eventstore"
	"github.com/loqalabs/loqa-interview/internal/natsserver"
	"github.com/loqalabs/loqa-interview/internal/playback"
	"github.com/loqalabs/loqa-interview/internal/protocol"
	"github.com/loqalabs/loqa-interview/internal/session"
	"github.com/loqalabs/loqa-interview/internal/transcript"
)

const (
	streamMaxAge = 7 * 24 * time.Hour
	endGrace     = 3 * time.Second
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	stdin  io.Reader
	stdout io.Writer

	telemetry  *telemetry
	httpServer *http.Server
	loop       *eventloop.Loop
	stopLoop   context.CancelFunc
	store      *eventstore.Store
	recorder   *eventstore.Recorder
	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	control    *bus.ControlListener
	player     *playback.Player
	ctrl       *session.Controller
	term       *console.Console

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		stdin:  os.Stdin,
		stdout: os.Stdout,
	}
}

// Start runs the interview until it finishes or ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		r.shutdown()
	}()

	if err := r.build(ctx); err != nil {
		return err
	}

	r.serveHTTP()

	setup := session.Setup{
		Role:            r.cfg.Interview.Role,
		ExperienceLevel: r.cfg.Interview.ExperienceLevel,
		ResumeText:      r.uploadResume(ctx),
	}
	if err := r.ctrl.Start(ctx, setup); err != nil {
		return fmt.Errorf("start interview: %w", err)
	}
	r.ready.Store(true)
	r.logger.Info("interview running",
		slog.String("role", setup.Role),
		slog.String("experience_level", setup.ExperienceLevel))

	if r.cfg.Console.Enabled {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.term.Run(ctx, r.ctrl); err != nil {
				r.logger.Warn("console input failed", slogError(err))
			}
		}()
	}

	select {
	case <-ctx.Done():
		r.logger.Info("runtime stopping")
		if err := r.ctrl.End(); err == nil {
			// let the loop tear down capture and playback before it stops
			select {
			case <-r.ctrl.Done():
			case <-time.After(endGrace):
				r.logger.Warn("interview did not end in time")
			}
		}
	case <-r.ctrl.Done():
		r.logger.Info("interview finished", slog.String("session_id", r.ctrl.Snapshot().SessionID))
	}
	return nil
}

func (r *Runtime) build(ctx context.Context) error {
	tel, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	r.loop = eventloop.New()
	loopCtx, stopLoop := context.WithCancel(context.Background())
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = r.loop.Run(loopCtx)
	}()
	r.stopLoop = stopLoop

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	if err := r.connectBus(ctx); err != nil {
		return err
	}

	recognizer, err := newRecognizer(r.cfg.Capture, r.logger)
	if err != nil {
		return fmt.Errorf("create recognizer: %w", err)
	}
	speaker, err := playback.NewSpeaker(r.cfg.Playback, r.logger)
	if err != nil {
		return fmt.Errorf("create speaker: %w", err)
	}

	clk := clock.Real()
	r.player = playback.NewPlayer(ctx, speaker, r.loop, r.logger)
	acc := transcript.New(r.cfg.Capture.DisplayLimit)
	engine := capture.NewEngine(ctx, recognizer, acc, clk, r.loop, capture.OptionsFromConfig(r.cfg.Capture), r.logger)
	r.ctrl = session.New(ctx, session.Components{
		Backend:     dialogue.NewClient(r.cfg.Backend, r.logger),
		Engine:      engine,
		Accumulator: acc,
		Player:      r.player,
		Clock:       clk,
		Executor:    r.loop,
	}, session.OptionsFromConfig(r.cfg), r.logger)

	r.recorder = eventstore.NewRecorder(r.store, session.Setup{
		Role:            r.cfg.Interview.Role,
		ExperienceLevel: r.cfg.Interview.ExperienceLevel,
	}, r.logger)
	r.ctrl.AddObserver(r.recorder)
	if r.bus != nil {
		r.ctrl.AddObserver(bus.NewPublisher(r.bus))
		r.control = bus.NewControlListener(r.bus, r.ctrl)
		if err := r.control.Start(); err != nil {
			return err
		}
	}
	if r.cfg.Console.Enabled {
		r.term = console.New(r.stdin, r.stdout, r.logger)
		r.ctrl.AddObserver(r.term)
	}
	return nil
}

func (r *Runtime) connectBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	srv, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	r.nats = srv

	var servers []string
	if srv != nil {
		servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, r.cfg.Bus, servers, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.bus = client
	if err := client.EnsureStream(bus.StreamName, []string{protocol.SubjectTurn, protocol.SubjectFeedback}, streamMaxAge); err != nil {
		return fmt.Errorf("ensure interview stream: %w", err)
	}
	return nil
}

// uploadResume sends the configured resume to the backend. Failures are
// logged and the interview starts without it.
func (r *Runtime) uploadResume(ctx context.Context) string {
	path := r.cfg.Interview.ResumePath
	if path == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		r.logger.Warn("failed to open resume", slog.String("path", path), slogError(err))
		return ""
	}
	defer f.Close()
	text, err := dialogue.NewClient(r.cfg.Backend, r.logger).UploadResume(ctx, filepath.Base(path), f)
	if err != nil {
		r.logger.Warn("resume upload failed", slog.String("path", path), slogError(err))
		return ""
	}
	r.logger.Info("resume uploaded", slog.String("path", path), slog.Int("chars", len(text)))
	return text
}

func newRecognizer(cfg config.CaptureConfig, logger *slog.Logger) (capture.Recognizer, error) {
	switch cfg.Mode {
	case "exec":
		return capture.NewExecRecognizer(cfg, logger)
	case "mock":
		return capture.NewMockRecognizer(cfg.MockScript, time.Duration(cfg.MockIntervalMS)*time.Millisecond), nil
	}
	return nil, fmt.Errorf("unsupported capture mode %q", cfg.Mode)
}

func (r *Runtime) shutdown() {
	r.ready.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if r.httpServer != nil {
		errs = append(errs, r.httpServer.Shutdown(ctx))
	}
	if r.control != nil {
		r.control.Close()
	}
	if r.ctrl != nil {
		r.ctrl.Close()
	}
	if r.player != nil {
		r.player.Close()
	}
	if r.stopLoop != nil {
		r.stopLoop()
	}
	r.wg.Wait()
	if r.recorder != nil {
		r.recorder.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
	if r.store != nil {
		errs = append(errs, r.store.Close())
	}
	if r.telemetry != nil {
		errs = append(errs, r.telemetry.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.Error("shutdown error", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
