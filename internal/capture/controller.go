package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/capturebot/internal/observe"
	"github.com/MrWong99/capturebot/pkg/audio/record"
	"github.com/MrWong99/capturebot/pkg/media"
)

var (
	// ErrAlreadyActive is returned by [Controller.Start] while a recording
	// is running or being stopped.
	ErrAlreadyActive = errors.New("capture: recording already active")

	// ErrNotActive is returned by [Controller.Stop] when nothing is recording.
	ErrNotActive = errors.New("capture: no active recording")
)

// Defaults for [Config].
const (
	DefaultChunkDuration       = 10 * time.Second
	DefaultStreamCheckInterval = 2 * time.Second
	DefaultDrainTimeout        = 30 * time.Second
	DefaultDeliveryTimeout     = 30 * time.Second
	DefaultQueueWarnDepth      = 32
)

// Config tunes a [Controller]. Zero fields take the package defaults.
type Config struct {
	// ChunkDuration is the recorder timeslice.
	ChunkDuration time.Duration

	// MimeType is the preferred recording format. Empty selects the
	// recorder's default.
	MimeType string

	// StreamCheckInterval is how often the silence fallback is re-evaluated
	// while recording.
	StreamCheckInterval time.Duration

	// DrainTimeout bounds how long Stop waits for pending sink deliveries.
	DrainTimeout time.Duration

	// DeliveryTimeout bounds a single sink call.
	DeliveryTimeout time.Duration

	// QueueWarnDepth logs a warning once the delivery queue grows past it.
	QueueWarnDepth int
}

func (c Config) withDefaults() Config {
	if c.ChunkDuration <= 0 {
		c.ChunkDuration = DefaultChunkDuration
	}
	if c.StreamCheckInterval <= 0 {
		c.StreamCheckInterval = DefaultStreamCheckInterval
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if c.QueueWarnDepth <= 0 {
		c.QueueWarnDepth = DefaultQueueWarnDepth
	}
	return c
}

// State is the controller's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRecording
	StateStopping
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Recorder is the chunked recorder driven by the controller.
// [*record.Recorder] satisfies it.
type Recorder interface {
	Start(timeslice time.Duration) error
	Stop() error
	State() record.State
	MimeType() string
}

var _ Recorder = (*record.Recorder)(nil)

// RecorderFactory builds a recorder over stream.
type RecorderFactory func(stream *media.Stream, opts record.Options) (Recorder, error)

// NewRecorder is the default [RecorderFactory].
func NewRecorder(stream *media.Stream, opts record.Options) (Recorder, error) {
	r, err := record.New(stream, opts)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ControllerOption configures a [Controller].
type ControllerOption func(*Controller)

// WithRecorderFactory replaces the recorder constructor.
func WithRecorderFactory(f RecorderFactory) ControllerOption {
	return func(c *Controller) { c.newRecorder = f }
}

// WithGraphOptions passes options to every [MixedGraph] the controller
// builds.
func WithGraphOptions(opts ...GraphOption) ControllerOption {
	return func(c *Controller) { c.graphOpts = append(c.graphOpts, opts...) }
}

// WithMetrics records controller activity on m.
func WithMetrics(m *observe.Metrics) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

// session is the state of one Start/Stop cycle.
type session struct {
	graph     *MixedGraph
	rec       Recorder
	queue     *deliveryQueue
	streamID  string
	mimeType  string
	started   atomic.Bool
	stopping  atomic.Bool
	ended     atomic.Bool
	recDone   chan struct{}
	doneOnce  sync.Once
	stopCheck chan struct{}
	checkDone chan struct{}
	checkOnce sync.Once
}

// Controller records the mix of a document's media elements and forwards
// the output to a [Sink]. One recording runs at a time.
type Controller struct {
	doc         Document
	sink        Sink
	cfg         Config
	newRecorder RecorderFactory
	graphOpts   []GraphOption
	metrics     *observe.Metrics

	mu    sync.Mutex
	state State
	sess  *session
}

// NewController creates an idle controller.
func NewController(doc Document, sink Sink, cfg Config, opts ...ControllerOption) *Controller {
	c := &Controller{
		doc:         doc,
		sink:        sink,
		cfg:         cfg.withDefaults(),
		newRecorder: NewRecorder,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics != nil {
		c.graphOpts = append(c.graphOpts, WithGraphMetrics(c.metrics))
	}
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StreamID returns the ID of the stream being recorded, or "" when idle.
func (c *Controller) StreamID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.streamID
}

// MimeType returns the format of the running recording, or "" when idle.
// It differs from the configured type after a fallback to the default.
func (c *Controller) MimeType() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.mimeType
}

// Graph returns the graph of the running recording, or nil.
func (c *Controller) Graph() *MixedGraph {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil
	}
	return c.sess.graph
}

// CanAcquireAudioStream reports whether a mixed stream can be produced.
// The graph always has a destination, so this is always true.
func (c *Controller) CanAcquireAudioStream() bool { return true }

// Start builds a fresh graph over the document and starts recording it.
func (c *Controller) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("capture: start: %w", err)
	}
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	c.state = StateStarting
	c.mu.Unlock()

	sess, err := c.startSession(ctx)
	if err != nil {
		c.setState(StateIdle)
		return err
	}

	c.mu.Lock()
	c.sess = sess
	c.state = StateRecording
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.ActiveSessions.Add(ctx, 1)
	}
	slog.Info("capture: recording started", "stream", sess.streamID, "chunk", c.cfg.ChunkDuration)
	if sess.ended.Load() {
		// The recorder ended before the session was published.
		go c.endSpontaneously(sess)
	}
	return nil
}

func (c *Controller) startSession(ctx context.Context) (*session, error) {
	g, err := NewMixedGraph(c.doc, c.graphOpts...)
	if err != nil {
		return nil, fmt.Errorf("capture: start: %w", err)
	}
	// Rendering outlives the caller's context.
	if err := g.Resume(context.WithoutCancel(ctx)); err != nil {
		slog.Debug("capture: resume audio context", "error", err)
	}

	sess := &session{
		graph:     g,
		streamID:  g.Stream().ID(),
		queue:     newDeliveryQueue(c.sink, c.metrics, c.cfg.DeliveryTimeout, c.cfg.QueueWarnDepth),
		recDone:   make(chan struct{}),
		stopCheck: make(chan struct{}),
		checkDone: make(chan struct{}),
	}

	opts := record.Options{
		MimeType: c.cfg.MimeType,
		OnStart: func() {
			if sess.started.CompareAndSwap(false, true) {
				sess.queue.push(event{kind: eventStart})
			}
		},
		OnData: func(chunk []byte) {
			if len(chunk) > 0 {
				sess.queue.push(event{kind: eventChunk, data: chunk})
			}
		},
		OnStop: func() {
			sess.queue.push(event{kind: eventStop})
			sess.ended.Store(true)
			sess.doneOnce.Do(func() { close(sess.recDone) })
			if !sess.stopping.Load() {
				go c.endSpontaneously(sess)
			}
		},
		OnError: func(err error) {
			slog.Error("capture: recorder error", "stream", sess.streamID, "error", err)
		},
	}

	rec, err := c.newRecorder(g.Stream(), opts)
	if err != nil && opts.MimeType != "" {
		slog.Warn("capture: preferred mime type rejected, using default", "mime", opts.MimeType, "error", err)
		if c.metrics != nil {
			c.metrics.RecorderFallbacks.Add(ctx, 1)
		}
		opts.MimeType = ""
		rec, err = c.newRecorder(g.Stream(), opts)
	}
	if err == nil {
		sess.rec = rec
		sess.mimeType = rec.MimeType()
		if mt, ok := c.sink.(MimeTypeSetter); ok {
			mt.SetMimeType(sess.mimeType)
		}
		err = rec.Start(c.cfg.ChunkDuration)
	}
	if err != nil {
		sess.stopping.Store(true)
		_ = g.Dispose()
		sess.queue.close()
		return nil, fmt.Errorf("capture: start recorder: %w", err)
	}

	go c.checkStream(sess)
	return sess, nil
}

// Stop ends the running recording, disposes its graph and waits for the
// sink to receive every pending event, bounded by ctx and DrainTimeout.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRecording {
		c.mu.Unlock()
		return ErrNotActive
	}
	sess := c.sess
	c.state = StateStopping
	c.mu.Unlock()

	sess.stopping.Store(true)
	sess.stopTicker()

	if sess.rec.State() != record.Inactive {
		if err := sess.rec.Stop(); err != nil {
			slog.Warn("capture: stop recorder", "error", err)
		}
	} else {
		slog.Warn("capture: recorder was not active on stop", "stream", sess.streamID)
	}

	drainCtx, cancel := context.WithTimeout(ctx, c.cfg.DrainTimeout)
	defer cancel()

	// An inactive recorder may still be emitting its tail chunk and stop
	// event; the queue must stay open until it has.
	select {
	case <-sess.recDone:
	case <-drainCtx.Done():
		slog.Warn("capture: recorder did not report stop", "stream", sess.streamID)
	}
	if err := sess.graph.Dispose(); err != nil {
		slog.Warn("capture: dispose graph", "error", err)
	}
	sess.queue.close()

	err := sess.queue.wait(drainCtx)

	c.finish(sess)
	slog.Info("capture: recording stopped", "stream", sess.streamID)
	return err
}

// endSpontaneously tears a session down after its recorder stopped by
// itself, for example because the mixed track ended.
func (c *Controller) endSpontaneously(sess *session) {
	c.mu.Lock()
	if c.sess != sess || c.state != StateRecording {
		c.mu.Unlock()
		return
	}
	c.state = StateStopping
	c.mu.Unlock()

	slog.Warn("capture: recorder stopped on its own", "stream", sess.streamID)
	sess.stopping.Store(true)
	sess.stopTicker()
	if err := sess.graph.Dispose(); err != nil {
		slog.Warn("capture: dispose graph", "error", err)
	}
	sess.queue.close()
	c.finish(sess)
}

func (c *Controller) finish(sess *session) {
	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
	}
	c.state = StateIdle
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// checkStream periodically re-evaluates the silence fallback.
func (c *Controller) checkStream(sess *session) {
	defer close(sess.checkDone)
	t := time.NewTicker(c.cfg.StreamCheckInterval)
	defer t.Stop()
	for {
		select {
		case <-sess.stopCheck:
			return
		case <-t.C:
			sess.healthCheck()
		}
	}
}

// healthCheck re-evaluates the silence fallback unless the session is
// stopping. It reports whether an evaluation happened.
func (s *session) healthCheck() bool {
	if s.stopping.Load() {
		return false
	}
	s.graph.UpdateSilence()
	return true
}

func (s *session) stopTicker() {
	s.checkOnce.Do(func() {
		close(s.stopCheck)
		<-s.checkDone
	})
}
