// Package capture mixes every playable media element of a live document
// into one stable audio stream and drives a chunked recorder over it.
//
// The two halves are [MixedGraph], which discovers media elements and keeps
// the mix bus fed, and [Controller], which owns the recording lifecycle and
// hands the recorder's output to a [Sink] in order.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/capturebot/internal/observe"
	"github.com/MrWong99/capturebot/pkg/audio/graph"
	"github.com/MrWong99/capturebot/pkg/dom"
	"github.com/MrWong99/capturebot/pkg/media"
)

// mediaTags are the element tags that can contribute audio.
var mediaTags = []string{dom.TagAudio, dom.TagVideo}

// Document is the part of a live page the graph needs. [*dom.Document]
// satisfies it.
type Document interface {
	QuerySelectorAll(tags ...string) []*dom.Element
	Descendants(el *dom.Element, tags ...string) []*dom.Element
	Observe(fn func([]dom.MutationRecord)) (stop func())
}

var _ Document = (*dom.Document)(nil)

// GraphOption configures a [MixedGraph].
type GraphOption func(*MixedGraph)

// WithContextOptions passes options to the underlying [graph.Context].
func WithContextOptions(opts ...graph.Option) GraphOption {
	return func(g *MixedGraph) { g.ctxOpts = append(g.ctxOpts, opts...) }
}

// WithGraphMetrics records tap and silence changes on m.
func WithGraphMetrics(m *observe.Metrics) GraphOption {
	return func(g *MixedGraph) { g.metrics = m }
}

// tap is one media element contributing audio to the bus.
type tap struct {
	el   *dom.Element
	node *graph.MediaStreamSourceNode
}

// silence keeps the destination producing frames while nothing real is
// attached.
type silence struct {
	src  *graph.ConstantSourceNode
	gain *graph.GainNode
}

// MixedGraph owns an audio context whose destination mixes every qualifying
// media element of a document. It is created per recording and never
// reused after [MixedGraph.Dispose].
//
// A silent source is attached to the destination exactly when no element
// is tapped, so the output stream never runs dry.
type MixedGraph struct {
	doc     Document
	ctxOpts []graph.Option
	metrics *observe.Metrics

	mu          sync.Mutex
	actx        *graph.Context
	dest        *graph.MediaStreamDestinationNode
	taps        map[*dom.Element]*tap
	silence     *silence
	stopObserve func()
	disposed    bool
	evaluations int
}

// NewMixedGraph builds the context and destination, subscribes to document
// changes, attaches every media element already in doc and evaluates the
// silence fallback. Only context or destination creation can fail.
func NewMixedGraph(doc Document, opts ...GraphOption) (*MixedGraph, error) {
	g := &MixedGraph{
		doc:  doc,
		taps: make(map[*dom.Element]*tap),
	}
	for _, o := range opts {
		o(g)
	}

	actx, err := graph.New(g.ctxOpts...)
	if err != nil {
		return nil, fmt.Errorf("capture: create audio context: %w", err)
	}
	dest, err := actx.CreateMediaStreamDestination()
	if err != nil {
		_ = actx.Close()
		return nil, fmt.Errorf("capture: create destination: %w", err)
	}
	g.actx = actx
	g.dest = dest

	// Subscribe before scanning so an element added in between is seen by
	// one or the other. Records queued meanwhile wait for g.mu and attach
	// idempotently.
	g.mu.Lock()
	g.stopObserve = doc.Observe(g.handleMutations)
	for _, el := range doc.QuerySelectorAll(mediaTags...) {
		g.attachLocked(el)
	}
	g.updateSilenceLocked()
	g.mu.Unlock()

	return g, nil
}

// Stream returns the mixed output stream. Its identity never changes over
// the lifetime of the graph.
func (g *MixedGraph) Stream() *media.Stream { return g.dest.Stream() }

// Destination returns the mix bus every tap and the silent fallback feed.
func (g *MixedGraph) Destination() *graph.MediaStreamDestinationNode { return g.dest }

// Context returns the underlying audio context.
func (g *MixedGraph) Context() *graph.Context { return g.actx }

// Resume starts rendering.
func (g *MixedGraph) Resume(ctx context.Context) error { return g.actx.Resume(ctx) }

// Attach taps el if it carries a live stream with at least one live audio
// track. Elements that do not qualify, or are already tapped, are ignored.
// The silence fallback is re-evaluated afterwards.
func (g *MixedGraph) Attach(el *dom.Element) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.attachLocked(el) {
		g.updateSilenceLocked()
	}
}

// Detach removes the tap for el, if any, and re-evaluates the silence
// fallback. Detaching an unknown element is a no-op.
func (g *MixedGraph) Detach(el *dom.Element) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.detachLocked(el) {
		g.updateSilenceLocked()
	}
}

// TapCount returns the number of tapped elements.
func (g *MixedGraph) TapCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.taps)
}

// Tapped reports whether el is currently mixed in.
func (g *MixedGraph) Tapped(el *dom.Element) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.taps[el]
	return ok
}

// HasSilence reports whether the silent fallback is attached.
func (g *MixedGraph) HasSilence() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.silence != nil
}

// SilenceEvaluations returns how many times the silence fallback was
// evaluated.
func (g *MixedGraph) SilenceEvaluations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.evaluations
}

// UpdateSilence attaches the silent fallback when nothing is tapped and
// removes it otherwise.
func (g *MixedGraph) UpdateSilence() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.updateSilenceLocked()
}

// EnsureSilence attaches the silent fallback if it is not attached yet.
func (g *MixedGraph) EnsureSilence() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensureSilenceLocked()
}

// StopSilence removes the silent fallback if it is attached.
func (g *MixedGraph) StopSilence() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopSilenceLocked()
}

// Dispose tears the graph down: the mutation subscription, every tap, the
// silent fallback, the destination and finally the context. Each step runs
// even if an earlier one failed. Calling Dispose again is a no-op.
func (g *MixedGraph) Dispose() error {
	g.mu.Lock()
	if g.disposed {
		g.mu.Unlock()
		return nil
	}
	g.disposed = true
	stop := g.stopObserve
	g.stopObserve = nil
	g.mu.Unlock()

	var errs []error
	if stop != nil {
		errs = append(errs, bestEffort("stop observer", func() error { stop(); return nil }))
	}

	g.mu.Lock()
	for el := range g.taps {
		errs = append(errs, bestEffort("disconnect tap", func() error {
			g.detachLocked(el)
			return nil
		}))
	}
	errs = append(errs, bestEffort("stop silence", func() error {
		g.stopSilenceLocked()
		return nil
	}))
	g.mu.Unlock()

	errs = append(errs,
		bestEffort("disconnect destination", func() error { g.dest.Disconnect(); return nil }),
		bestEffort("close context", g.actx.Close),
	)
	return errors.Join(errs...)
}

// handleMutations runs on the document's observer goroutine.
func (g *MixedGraph) handleMutations(records []dom.MutationRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.disposed {
		return
	}
	for _, rec := range records {
		for _, n := range rec.Added {
			g.attachLocked(n)
			for _, d := range g.doc.Descendants(n, mediaTags...) {
				g.attachLocked(d)
			}
		}
		for _, n := range rec.Removed {
			g.detachLocked(n)
			for _, d := range g.doc.Descendants(n, mediaTags...) {
				g.detachLocked(d)
			}
		}
	}
	g.updateSilenceLocked()
}

func (g *MixedGraph) attachLocked(el *dom.Element) bool {
	if el == nil || g.disposed || !el.IsMedia() {
		return false
	}
	if _, ok := g.taps[el]; ok {
		return false
	}
	stream, ok := el.SrcObject().(*media.Stream)
	if !ok || stream == nil || len(stream.AudioTracks()) == 0 {
		return false
	}

	node, err := g.actx.CreateMediaStreamSource(stream)
	if err != nil {
		slog.Debug("capture: skipping media element", "element", el.ID(), "error", err)
		return false
	}
	if err := node.Connect(g.dest); err != nil {
		node.Disconnect()
		slog.Debug("capture: skipping media element", "element", el.ID(), "error", err)
		return false
	}
	g.taps[el] = &tap{el: el, node: node}
	if g.metrics != nil {
		g.metrics.ActiveTaps.Add(context.Background(), 1)
	}
	slog.Debug("capture: media element attached", "element", el.ID(), "stream", stream.ID())
	return true
}

func (g *MixedGraph) detachLocked(el *dom.Element) bool {
	t, ok := g.taps[el]
	if !ok {
		return false
	}
	delete(g.taps, el)
	t.node.Disconnect()
	if g.metrics != nil {
		g.metrics.ActiveTaps.Add(context.Background(), -1)
	}
	slog.Debug("capture: media element detached", "element", el.ID())
	return true
}

func (g *MixedGraph) updateSilenceLocked() {
	if g.disposed {
		return
	}
	g.evaluations++
	if len(g.taps) == 0 {
		g.ensureSilenceLocked()
	} else {
		g.stopSilenceLocked()
	}
}

func (g *MixedGraph) ensureSilenceLocked() {
	if g.silence != nil || g.disposed {
		return
	}
	src, err := g.actx.CreateConstantSource()
	if err != nil {
		slog.Warn("capture: create silence source", "error", err)
		return
	}
	src.SetOffset(0)
	gain, err := g.actx.CreateGain()
	if err != nil {
		slog.Warn("capture: create silence gain", "error", err)
		return
	}
	gain.SetGain(0)

	if err := src.Connect(gain); err != nil {
		slog.Warn("capture: connect silence source", "error", err)
		return
	}
	if err := gain.Connect(g.dest); err != nil {
		src.Disconnect()
		slog.Warn("capture: connect silence gain", "error", err)
		return
	}
	if err := src.Start(); err != nil {
		src.Disconnect()
		gain.Disconnect()
		slog.Warn("capture: start silence source", "error", err)
		return
	}
	g.silence = &silence{src: src, gain: gain}
	if g.metrics != nil {
		g.metrics.RecordSilenceToggle(context.Background(), true)
	}
}

func (g *MixedGraph) stopSilenceLocked() {
	s := g.silence
	if s == nil {
		return
	}
	g.silence = nil
	if err := s.src.Stop(); err != nil {
		slog.Debug("capture: stop silence source", "error", err)
	}
	s.src.Disconnect()
	s.gain.Disconnect()
	if g.metrics != nil {
		g.metrics.RecordSilenceToggle(context.Background(), false)
	}
}
