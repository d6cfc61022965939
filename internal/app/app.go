// Package app wires the capture worker's subsystems into a running
// application.
//
// The App struct owns the full lifecycle: New connects the meeting store,
// the core API client, object storage and the worker; Run serves the HTTP
// control surface and runs the claim loop; Shutdown tears everything down in
// order.
//
// For testing, inject doubles via functional options (WithMeetings,
// WithTransitions, WithObjectStore). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/capturebot/internal/bridge"
	"github.com/MrWong99/capturebot/internal/capture"
	"github.com/MrWong99/capturebot/internal/config"
	"github.com/MrWong99/capturebot/internal/health"
	"github.com/MrWong99/capturebot/internal/meeting"
	"github.com/MrWong99/capturebot/internal/observe"
	"github.com/MrWong99/capturebot/internal/resilience"
	"github.com/MrWong99/capturebot/internal/storage"
	"github.com/MrWong99/capturebot/internal/worker"
	"github.com/MrWong99/capturebot/pkg/audio"
	"github.com/MrWong99/capturebot/pkg/audio/level"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	platforms map[string]audio.Platform

	metrics  *observe.Metrics
	meetings worker.Meetings
	api      meeting.Transitions
	objects  storage.ObjectStore
	checkers []health.Checker
	worker   *worker.Worker
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMeetings injects the meeting store instead of connecting to the
// database.
func WithMeetings(m worker.Meetings) Option {
	return func(a *App) { a.meetings = m }
}

// WithTransitions injects the core API client.
func WithTransitions(t meeting.Transitions) Option {
	return func(a *App) { a.api = t }
}

// WithObjectStore injects the chunk store instead of building S3 and disk
// stores from config.
func WithObjectStore(s storage.ObjectStore) Option {
	return func(a *App) { a.objects = s }
}

// WithMetrics records on m instead of the global meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithHealthChecker adds a readiness check.
func WithHealthChecker(c health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, c) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App. platforms maps meeting platform names (as stored in
// the meeting table) to connectors; main builds them from the config
// registry.
func New(ctx context.Context, cfg *config.Config, platforms map[string]audio.Platform, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		platforms: platforms,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Meeting store ────────────────────────────────────────────────
	if err := a.initMeetings(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init meeting store: %w", err)
	}

	// ── 2. Core API client ──────────────────────────────────────────────
	a.initTransitions()

	// ── 3. Object storage ───────────────────────────────────────────────
	if err := a.initStorage(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init storage: %w", err)
	}

	// ── 4. Worker ───────────────────────────────────────────────────────
	if err := a.initWorker(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init worker: %w", err)
	}

	// ── 5. HTTP server ──────────────────────────────────────────────────
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initMeetings(ctx context.Context) error {
	if a.meetings != nil {
		return nil
	}
	if a.cfg.Database.DSN == "" {
		return errors.New("database.dsn is required when no meeting store is injected")
	}
	pool, err := meeting.Open(ctx, a.cfg.Database.DSN)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})
	store := meeting.NewStore(pool)
	a.meetings = store
	a.checkers = append(a.checkers, health.Ping("database", store))
	return nil
}

func (a *App) initTransitions() {
	if a.api != nil {
		return
	}
	api := a.cfg.MeetingAPI
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "meeting-api",
		MaxFailures:  api.Breaker.MaxFailures,
		ResetTimeout: api.Breaker.ResetTimeout,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("app: circuit breaker state change", "breaker", name, "from", from, "to", to)
		},
	})
	opts := []meeting.ClientOption{
		meeting.WithBreaker(breaker),
		meeting.WithMetrics(a.metrics),
		meeting.WithTimeout(api.Timeout),
	}
	if api.Retries != nil {
		opts = append(opts, meeting.WithRetries(*api.Retries, api.RetryWait))
	}
	a.api = meeting.NewClient(api.BaseURL, opts...)
}

func (a *App) initStorage() error {
	if a.objects != nil {
		return nil
	}
	sc := a.cfg.Storage

	var disk *storage.DiskStore
	if sc.FallbackDir != "" {
		d, err := storage.NewDiskStore(sc.FallbackDir)
		if err != nil {
			return err
		}
		disk = d
		a.checkers = append(a.checkers, health.Checker{Name: "disk", Check: d.Check})
	}

	if sc.S3 == nil {
		if disk == nil {
			return errors.New("no object store configured")
		}
		a.objects = disk
		slog.Info("app: storing captures on disk only", "dir", disk.Root())
		return nil
	}

	s3, err := storage.NewS3Store(storage.S3Config{
		Endpoint:       sc.S3.Endpoint,
		Region:         sc.S3.Region,
		Bucket:         sc.S3.Bucket,
		AccessKey:      sc.S3.AccessKey,
		SecretKey:      sc.S3.SecretKey,
		ForcePathStyle: sc.S3.ForcePathStyle,
	})
	if err != nil {
		return err
	}
	a.checkers = append(a.checkers, health.Checker{Name: "s3", Check: s3.Check, Optional: disk != nil})

	if disk == nil {
		a.objects = s3
		return nil
	}
	chain := storage.NewFallbackStore("objects", s3, resilience.CircuitBreakerConfig{
		MaxFailures:  sc.Breaker.MaxFailures,
		ResetTimeout: sc.Breaker.ResetTimeout,
	})
	chain.Add("disk", disk)
	a.objects = chain
	return nil
}

func (a *App) initWorker() error {
	platforms := make(worker.Platforms, len(a.platforms))
	for name, p := range a.platforms {
		mp, err := meeting.ParsePlatform(name)
		if err != nil {
			return err
		}
		platforms[mp] = p
	}

	wc := a.cfg.Worker
	cfg := worker.Config{
		ClaimInterval:      wc.ClaimInterval,
		StatusPollInterval: wc.StatusPollInterval,
		MaxDuration:        wc.MaxDuration,
		EmptyTimeout:       wc.EmptyTimeout,
		ConnectTimeout:     wc.ConnectTimeout,
		ConnectAttempts:    wc.ConnectAttempts,
		ConnectBackoff:     wc.ConnectBackoff,
		StopTimeout:        wc.StopTimeout,
		AudioFolder:        wc.AudioFolder,
		TraceFolder:        wc.TraceFolder,
		UploadConcurrency:  wc.UploadConcurrency,
		UploadTimeout:      wc.UploadTimeout,
		Capture: capture.Config{
			ChunkDuration:       a.cfg.Capture.ChunkDuration,
			MimeType:            a.cfg.Capture.MimeType,
			StreamCheckInterval: a.cfg.Capture.StreamCheckInterval,
			DrainTimeout:        a.cfg.Capture.DrainTimeout,
		},
	}

	bopts := []bridge.Option{bridge.WithMetrics(a.metrics)}
	if lc := a.cfg.Level; lc.Enabled {
		bopts = append(bopts, bridge.WithLevelMetering(levelOptions(lc)...))
	}

	a.worker = worker.New(cfg, a.meetings, a.api, a.objects, platforms,
		worker.WithMetrics(a.metrics),
		worker.WithBridgeOptions(bopts...),
	)
	a.closers = append(a.closers, a.worker.Close)
	return nil
}

// levelOptions maps the non-zero level settings to monitor options.
func levelOptions(lc config.LevelConfig) []level.Option {
	var opts []level.Option
	if lc.WindowSize > 0 {
		opts = append(opts, level.WithWindowSize(lc.WindowSize))
	}
	if lc.Smoothing > 0 {
		opts = append(opts, level.WithSmoothing(lc.Smoothing))
	}
	if lc.Gain > 0 {
		opts = append(opts, level.WithGain(lc.Gain))
	}
	if lc.DecayRate > 0 {
		opts = append(opts, level.WithDecayRate(lc.DecayRate))
	}
	if lc.FrameRate > 0 {
		opts = append(opts, level.WithFrameRate(lc.FrameRate))
	}
	return opts
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Worker returns the capture worker.
func (a *App) Worker() *worker.Worker { return a.worker }

// Run serves HTTP and, when enabled, claims pending meetings until ctx is
// cancelled. A server failure ends Run with an error.
func (a *App) Run(ctx context.Context) error {
	srvErr := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()
	slog.Info("app: serving", "addr", a.cfg.Server.ListenAddr)

	workerDone := make(chan error, 1)
	if a.cfg.Worker.AutoClaimEnabled() {
		go func() { workerDone <- a.worker.Run(ctx) }()
	} else {
		slog.Info("app: auto claim disabled, captures start through the API only")
		close(workerDone)
	}

	select {
	case <-ctx.Done():
		<-workerDone
		return nil
	case err, ok := <-srvErr:
		if !ok {
			<-ctx.Done()
			<-workerDone
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server, winds down manual capture sessions and
// closes the remaining subsystems. If ctx expires first, the remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("app: http shutdown", "error", err)
			}
		}

		for i, closer := range a.closers {
			if err := ctx.Err(); err != nil {
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = err
				return
			}
			if err := closer(); err != nil {
				slog.Warn("app: closer error", "index", i, "error", err)
			}
		}
		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}
