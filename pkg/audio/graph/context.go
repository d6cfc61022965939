// Package graph is a small real-time audio processing graph modelled on the
// Web Audio API. A [Context] owns nodes that are wired into a directed
// acyclic graph and rendered in fixed quanta. Rendering is pull based: every
// quantum the context pulls its sinks (stream destinations and analysers),
// which recursively pull and sum their inputs.
//
// Samples inside the graph are interleaved float32 at the context format.
// Frames enter through [MediaStreamSourceNode]s and leave through
// [MediaStreamDestinationNode]s as int16 PCM [audio.AudioFrame]s.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/capturebot/pkg/audio"
)

// Sentinel errors returned by the context and its nodes.
var (
	ErrClosed        = errors.New("graph: context closed")
	ErrInvalidState  = errors.New("graph: invalid state")
	ErrNoAudioTrack  = errors.New("graph: stream has no live audio track")
	ErrForeignNode   = errors.New("graph: node belongs to another context")
	ErrCycle         = errors.New("graph: connection would create a cycle")
	ErrNotAnInput    = errors.New("graph: node does not accept inputs")
	ErrInvalidFormat = errors.New("graph: invalid format")
)

// State is the lifecycle state of a [Context].
type State int

const (
	StateSuspended State = iota
	StateRunning
	StateClosed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateSuspended:
		return "suspended"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	defaultSampleRate = 48000
	defaultChannels   = 2
	defaultQuantum    = 20 * time.Millisecond
)

// Option configures a [Context].
type Option func(*Context)

// WithSampleRate sets the rendering sample rate in Hz. Default 48000.
func WithSampleRate(rate int) Option {
	return func(c *Context) { c.format.SampleRate = rate }
}

// WithChannels sets the rendering channel count (1 or 2). Default 2.
func WithChannels(n int) Option {
	return func(c *Context) { c.format.Channels = n }
}

// WithQuantum sets the duration of one render quantum. Default 20 ms.
func WithQuantum(d time.Duration) Option {
	return func(c *Context) { c.quantum = d }
}

// Context owns an audio graph and its render clock. A new context starts
// suspended; [Context.Resume] starts the real-time render loop and
// [Context.Render] renders a single quantum on demand.
//
// Context is safe for concurrent use.
type Context struct {
	format  audio.Format
	quantum time.Duration
	frames  int

	mu       sync.Mutex
	state    State
	sinks    []*node
	sources  []*MediaStreamSourceNode
	dests    []*MediaStreamDestinationNode
	renderID uint64
	elapsed  time.Duration

	stopLoop chan struct{}
	loopDone chan struct{}
}

// New creates a suspended context.
func New(opts ...Option) (*Context, error) {
	c := &Context{
		format:  audio.Format{SampleRate: defaultSampleRate, Channels: defaultChannels},
		quantum: defaultQuantum,
	}
	for _, o := range opts {
		o(c)
	}
	if c.format.SampleRate < 3000 || c.format.SampleRate > 384000 {
		return nil, fmt.Errorf("%w: sample rate %d", ErrInvalidFormat, c.format.SampleRate)
	}
	if c.format.Channels != 1 && c.format.Channels != 2 {
		return nil, fmt.Errorf("%w: %d channels", ErrInvalidFormat, c.format.Channels)
	}
	c.frames = int(int64(c.format.SampleRate) * int64(c.quantum) / int64(time.Second))
	if c.frames <= 0 {
		return nil, fmt.Errorf("%w: quantum %s", ErrInvalidFormat, c.quantum)
	}
	return c, nil
}

// Format returns the rendering format.
func (c *Context) Format() audio.Format { return c.format }

// Quantum returns the duration of one render quantum.
func (c *Context) Quantum() time.Duration { return c.quantum }

// State returns the current lifecycle state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CurrentTime returns the amount of audio rendered so far.
func (c *Context) CurrentTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsed
}

// Resume starts the render loop. Resuming a running context is a no-op.
func (c *Context) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("graph: resume: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateClosed:
		return ErrClosed
	case StateRunning:
		return nil
	}
	c.state = StateRunning
	c.stopLoop = make(chan struct{})
	c.loopDone = make(chan struct{})
	go c.loop(c.stopLoop, c.loopDone)
	return nil
}

// Suspend halts the render loop and waits for it to exit.
func (c *Context) Suspend() error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case StateSuspended:
		c.mu.Unlock()
		return nil
	}
	c.state = StateSuspended
	stop, done := c.stopLoop, c.loopDone
	c.mu.Unlock()

	close(stop)
	<-done
	return nil
}

// Close stops rendering, releases every source subscription and ends the
// tracks of every destination stream. Closing twice returns ErrClosed.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	wasRunning := c.state == StateRunning
	c.state = StateClosed
	stop, done := c.stopLoop, c.loopDone
	sources, dests := c.sources, c.dests
	c.sources, c.dests, c.sinks = nil, nil, nil
	c.mu.Unlock()

	if wasRunning {
		close(stop)
		<-done
	}
	for _, s := range sources {
		s.release()
	}
	for _, d := range dests {
		d.stream.Stop()
	}
	return nil
}

// Render renders one quantum synchronously. It works in any state except
// closed and is how tests and offline users drive the graph.
func (c *Context) Render() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return ErrClosed
	}
	c.renderLocked()
	return nil
}

func (c *Context) renderLocked() {
	c.renderID++
	for _, s := range c.sinks {
		s.pull(c.renderID)
	}
	c.elapsed += c.quantum
}

func (c *Context) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.quantum)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.state == StateRunning {
				c.renderLocked()
			}
			c.mu.Unlock()
		}
	}
}

// newNode registers a node. Must be called with c.mu held.
func (c *Context) newNode(p processor, acceptsInput, sink bool) (*node, error) {
	if c.state == StateClosed {
		return nil, ErrClosed
	}
	n := &node{ctx: c, proc: p, acceptsInput: acceptsInput}
	if sink {
		c.sinks = append(c.sinks, n)
	}
	return n, nil
}

// quantumSamples is the interleaved sample count of one quantum.
func (c *Context) quantumSamples() int {
	return c.frames * c.format.Channels
}
