// Package worker runs capture sessions for meetings waiting for a bot.
//
// A [Worker] claims the next CAPTURE_PENDING meeting, joins it through the
// meeting's [audio.Platform], mirrors its participants into a page document
// and records the mix with a [capture.Controller]. Chunks go to object
// storage while recording. When the meeting leaves CAPTURE_IN_PROGRESS (or
// the session hits its limits) the worker stops recording, waits for every
// upload and hands the meeting to transcription through the core API.
//
// One worker runs at most one session at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/capturebot/internal/bridge"
	"github.com/MrWong99/capturebot/internal/capture"
	"github.com/MrWong99/capturebot/internal/meeting"
	"github.com/MrWong99/capturebot/internal/observe"
	"github.com/MrWong99/capturebot/internal/storage"
	"github.com/MrWong99/capturebot/pkg/audio"
)

var (
	// ErrBusy is returned by [Worker.Start] while a session runs.
	ErrBusy = errors.New("worker: a capture session is already running")

	// ErrIdle is returned by [Worker.Stop] when no session runs.
	ErrIdle = errors.New("worker: no capture session running")

	// ErrUnsupportedPlatform is returned for meetings on a platform the
	// worker has no connector for.
	ErrUnsupportedPlatform = errors.New("worker: unsupported platform")
)

// Meetings is the part of [meeting.Store] the worker uses.
type Meetings interface {
	Get(ctx context.Context, id int64) (meeting.Meeting, error)
	Status(ctx context.Context, id int64) (meeting.Status, error)
	ClaimNextPending(ctx context.Context) (meeting.Meeting, error)
}

var _ Meetings = (*meeting.Store)(nil)

// Platforms maps a meeting platform to the connector that joins it.
type Platforms map[meeting.Platform]audio.Platform

// Config tunes a [Worker]. Zero fields take defaults.
type Config struct {
	// ClaimInterval is how often an idle worker looks for pending meetings.
	// Default: 2s.
	ClaimInterval time.Duration

	// StatusPollInterval is how often a running session checks whether the
	// meeting is still CAPTURE_IN_PROGRESS. Default: 1s.
	StatusPollInterval time.Duration

	// MaxDuration stops a session that runs longer. Default: 4h. Negative
	// disables the limit.
	MaxDuration time.Duration

	// EmptyTimeout stops a session whose meeting had no participant for this
	// long. Zero disables it.
	EmptyTimeout time.Duration

	// ConnectTimeout bounds one attempt to join the meeting. Default: 30s.
	ConnectTimeout time.Duration

	// ConnectAttempts caps join attempts. Default: 1.
	ConnectAttempts int

	// ConnectBackoff is the pause after the first failed join; it doubles
	// after each further failure. Default: 1s.
	ConnectBackoff time.Duration

	// StopTimeout bounds the stop sequence including the upload drain.
	// Default: 5m.
	StopTimeout time.Duration

	// AudioFolder and TraceFolder prefix object keys. Defaults: "audio" and
	// "trace".
	AudioFolder string
	TraceFolder string

	// UploadConcurrency caps parallel chunk uploads per session. Default: 4.
	UploadConcurrency int

	// UploadTimeout bounds a single upload. Zero keeps the queue default.
	UploadTimeout time.Duration

	// Capture configures the recorder controller of every session.
	Capture capture.Config
}

func (c Config) withDefaults() Config {
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = 2 * time.Second
	}
	if c.StatusPollInterval <= 0 {
		c.StatusPollInterval = time.Second
	}
	if c.MaxDuration == 0 {
		c.MaxDuration = 4 * time.Hour
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 1
	}
	if c.ConnectBackoff <= 0 {
		c.ConnectBackoff = time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Minute
	}
	if c.AudioFolder == "" {
		c.AudioFolder = "audio"
	}
	if c.TraceFolder == "" {
		c.TraceFolder = "trace"
	}
	if c.UploadConcurrency <= 0 {
		c.UploadConcurrency = 4
	}
	return c
}

// Option configures a [Worker].
type Option func(*Worker)

// WithMetrics records session activity on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithBridgeOptions passes options to the participant bridge of every
// session.
func WithBridgeOptions(opts ...bridge.Option) Option {
	return func(w *Worker) { w.bridgeOpts = append(w.bridgeOpts, opts...) }
}

// WithClock replaces time.Now for object keys and reports.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// Status describes what a worker is doing.
type Status struct {
	Busy         bool      `json:"busy"`
	MeetingID    int64     `json:"meeting_id,omitempty"`
	Platform     string    `json:"platform,omitempty"`
	ConnectedAt  time.Time `json:"connected_at,omitzero"`
	Recording    string    `json:"recording"`
	MimeType     string    `json:"mime_type,omitempty"`
	StreamID     string    `json:"stream_id,omitempty"`
	Participants []string  `json:"participants,omitempty"`
}

// Worker claims meetings and captures them one at a time.
type Worker struct {
	cfg        Config
	meetings   Meetings
	api        meeting.Transitions
	store      storage.ObjectStore
	platforms  Platforms
	metrics    *observe.Metrics
	bridgeOpts []bridge.Option
	now        func() time.Time

	mu     sync.Mutex
	busy   bool
	active *session
	last   *Report

	// Sessions started through Start run on ctx until Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a worker. store receives audio chunks and session reports.
func New(cfg Config, meetings Meetings, api meeting.Transitions, store storage.ObjectStore, platforms Platforms, opts ...Option) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		cfg:       cfg.withDefaults(),
		meetings:  meetings,
		api:       api,
		store:     store,
		platforms: platforms,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run claims and captures pending meetings until ctx is cancelled. A
// session in progress when ctx ends is still wound down properly.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("worker: waiting for meetings", "claim_interval", w.cfg.ClaimInterval)
	t := time.NewTicker(w.cfg.ClaimInterval)
	defer t.Stop()
	for {
		if _, err := w.ProcessNext(ctx); err != nil && ctx.Err() == nil {
			slog.Error("worker: process meeting", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// ProcessNext claims one pending meeting and captures it. It reports
// whether a meeting was claimed. A busy worker claims nothing.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	if !w.acquire() {
		return false, nil
	}
	defer w.release()

	m, err := w.meetings.ClaimNextPending(ctx)
	if errors.Is(err, meeting.ErrNoPending) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("worker: claim meeting: %w", err)
	}
	_, err = w.capture(ctx, m)
	return true, err
}

// Start captures meeting id in the background, outside the claim loop.
func (w *Worker) Start(ctx context.Context, id int64) error {
	if !w.acquire() {
		return ErrBusy
	}
	m, err := w.meetings.Get(ctx, id)
	if err != nil {
		w.release()
		return fmt.Errorf("worker: load meeting %d: %w", id, err)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.release()
		if _, err := w.capture(w.ctx, m); err != nil {
			slog.Error("worker: manual capture", "meeting_id", id, "error", err)
		}
	}()
	return nil
}

// Stop asks the running session to wind down. It does not wait.
func (w *Worker) Stop() error {
	w.mu.Lock()
	s := w.active
	w.mu.Unlock()
	if s == nil {
		return ErrIdle
	}
	s.requestStop()
	return nil
}

// Status reports the running session, if any.
func (w *Worker) Status() Status {
	w.mu.Lock()
	s, busy := w.active, w.busy
	w.mu.Unlock()
	if s == nil {
		return Status{Busy: busy, Recording: capture.StateIdle.String()}
	}
	return s.status()
}

// CanAcquireAudioStream reports whether the worker can produce a mixed
// stream for a new or running session.
func (w *Worker) CanAcquireAudioStream() bool {
	w.mu.Lock()
	s := w.active
	w.mu.Unlock()
	if s != nil {
		if ctrl := s.controller(); ctrl != nil {
			return ctrl.CanAcquireAudioStream()
		}
	}
	return true
}

// LastReport returns the report of the most recently finished session.
func (w *Worker) LastReport() (Report, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.last == nil {
		return Report{}, false
	}
	return *w.last, true
}

// Close stops sessions started through Start and waits for them to wind
// down.
func (w *Worker) Close() error {
	w.cancel()
	w.wg.Wait()
	return nil
}

// capture runs one session. On failure the meeting is marked as failed.
func (w *Worker) capture(ctx context.Context, m meeting.Meeting) (Report, error) {
	s := newSession(w, m)
	w.mu.Lock()
	w.active = s
	w.mu.Unlock()

	slog.Info("worker: processing meeting", "meeting_id", m.ID, "platform", string(m.Platform))
	rep, err := s.run(ctx)

	w.mu.Lock()
	w.active = nil
	w.last = &rep
	w.mu.Unlock()

	if err != nil {
		if ferr := w.api.FailCaptureBot(context.WithoutCancel(ctx), m); ferr != nil {
			slog.Error("worker: mark capture bot failed", "meeting_id", m.ID, "error", ferr)
		}
		return rep, fmt.Errorf("worker: capture meeting %d: %w", m.ID, err)
	}
	slog.Info("worker: meeting processed",
		"meeting_id", m.ID,
		"reason", rep.StopReason,
		"chunks", rep.Chunks,
		"duration", rep.Duration(),
	)
	return rep, nil
}

func (w *Worker) acquire() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.busy {
		return false
	}
	w.busy = true
	return true
}

func (w *Worker) release() {
	w.mu.Lock()
	w.busy = false
	w.mu.Unlock()
}
