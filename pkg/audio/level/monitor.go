// Package level reports a smoothed 0..1 loudness estimate for a live audio
// track, the way a peak meter does: the level jumps up immediately with the
// signal and falls back by at most a fixed decay per frame.
package level

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/capturebot/pkg/audio/graph"
	"github.com/MrWong99/capturebot/pkg/media"
)

// ErrRunning is returned by [Monitor.Start] while a previous run is active.
var ErrRunning = errors.New("level: monitor already running")

// Config holds the meter parameters.
type Config struct {
	// WindowSize is the number of samples analysed per frame. Power of two.
	WindowSize int
	// Smoothing is the analyser's smoothing time constant in [0, 1].
	Smoothing float64
	// Gain scales the RMS before combining with the previous level.
	Gain float64
	// DecayRate is the maximum drop of the level per frame.
	DecayRate float64
	// Midpoint is the byte value of a zero sample.
	Midpoint float64
	// FrameRate is how often the level is computed, in Hz.
	FrameRate float64
}

// DefaultConfig returns the defaults: 256-sample window, smoothing 0.8,
// gain 1, decay 0.05 per frame, midpoint 128, 60 frames per second.
func DefaultConfig() Config {
	return Config{
		WindowSize: 256,
		Smoothing:  0.8,
		Gain:       1,
		DecayRate:  0.05,
		Midpoint:   128,
		FrameRate:  60,
	}
}

// Option adjusts a [Config].
type Option func(*Config)

// WithWindowSize sets the analysed sample count.
func WithWindowSize(n int) Option { return func(c *Config) { c.WindowSize = n } }

// WithSmoothing sets the analyser smoothing time constant.
func WithSmoothing(v float64) Option { return func(c *Config) { c.Smoothing = v } }

// WithGain sets the RMS gain.
func WithGain(v float64) Option { return func(c *Config) { c.Gain = v } }

// WithDecayRate sets the per-frame decay.
func WithDecayRate(v float64) Option { return func(c *Config) { c.DecayRate = v } }

// WithFrameRate sets the update frequency.
func WithFrameRate(hz float64) Option { return func(c *Config) { c.FrameRate = hz } }

// Next computes the level following prev for one window of unsigned 8-bit
// samples centered on cfg.Midpoint.
func Next(prev float64, window []byte, cfg Config) float64 {
	var rms float64
	if len(window) > 0 && cfg.Midpoint > 0 {
		var sum float64
		for _, b := range window {
			v := (float64(b) - cfg.Midpoint) / cfg.Midpoint
			sum += v * v
		}
		rms = math.Sqrt(sum / float64(len(window)))
	}
	return math.Max(0, math.Min(1, math.Max(rms*cfg.Gain, prev-cfg.DecayRate)))
}

// Monitor meters one track at a time. The zero value is not usable; create
// monitors with [New].
//
// Monitor is safe for concurrent use.
type Monitor struct {
	cfg Config

	mu       sync.Mutex
	level    float64
	actx     *graph.Context
	source   *graph.MediaStreamSourceNode
	analyser *graph.AnalyserNode
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates an idle monitor.
func New(opts ...Option) *Monitor {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &Monitor{cfg: cfg}
}

// Level returns the most recent level.
func (m *Monitor) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Start meters track and calls cb with every new level until Stop is
// called, ctx is cancelled or the track ends. Each run gets a fresh
// processing context.
func (m *Monitor) Start(ctx context.Context, track *media.Track, cb func(level float64)) error {
	if m.cfg.FrameRate <= 0 {
		return fmt.Errorf("level: invalid frame rate %v", m.cfg.FrameRate)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return ErrRunning
	}

	actx, err := graph.New(graph.WithChannels(1))
	if err != nil {
		return fmt.Errorf("level: create audio context: %w", err)
	}
	src, err := actx.CreateMediaStreamSource(media.NewStream(track))
	if err != nil {
		_ = actx.Close()
		return fmt.Errorf("level: create source: %w", err)
	}
	an, err := actx.CreateAnalyser()
	if err == nil {
		err = an.SetFFTSize(m.cfg.WindowSize)
	}
	if err == nil {
		err = an.SetSmoothingTimeConstant(m.cfg.Smoothing)
	}
	if err == nil {
		err = src.Connect(an)
	}
	if err == nil {
		err = actx.Resume(ctx)
	}
	if err != nil {
		_ = actx.Close()
		return fmt.Errorf("level: build analyser: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.actx, m.source, m.analyser = actx, src, an
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(runCtx, an, track, cb, m.done)
	return nil
}

func (m *Monitor) run(ctx context.Context, an *graph.AnalyserNode, track *media.Track, cb func(float64), done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Duration(float64(time.Second) / m.cfg.FrameRate))
	defer ticker.Stop()

	window := make([]byte, m.cfg.WindowSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-track.Ended():
			return
		case <-ticker.C:
			n := an.ByteTimeDomainData(window)
			m.mu.Lock()
			m.level = Next(m.level, window[:n], m.cfg)
			lvl := m.level
			m.mu.Unlock()
			if cb != nil {
				cb(lvl)
			}
		}
	}
}

// Stop ends metering and resets the level to 0. Every teardown step runs
// even if an earlier one fails. Stop is idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	actx, src, an := m.actx, m.source, m.analyser
	m.cancel, m.done = nil, nil
	m.actx, m.source, m.analyser = nil, nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	m.mu.Lock()
	m.level = 0
	m.mu.Unlock()
	if cancel == nil {
		return
	}

	guard("disconnect source", func() error { src.Disconnect(); return nil })
	guard("disconnect analyser", func() error { an.Disconnect(); return nil })
	guard("close audio context", actx.Close)
}

// guard runs one teardown step, logging errors and recovering panics.
func guard(step string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("level: teardown step panicked", "step", step, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		slog.Debug("level: teardown step failed", "step", step, "error", err)
	}
}
