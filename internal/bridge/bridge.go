// Package bridge mirrors the participants of a platform connection into a
// page document.
//
// Every participant becomes an <audio> element whose source object is a
// live [media.Stream] fed from the participant's input channel. The capture
// graph discovers those elements like any other media element on a page, so
// platforms that deliver raw per-speaker audio and real meeting pages share
// one capture path.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/MrWong99/capturebot/internal/observe"
	"github.com/MrWong99/capturebot/pkg/audio"
	"github.com/MrWong99/capturebot/pkg/audio/level"
	"github.com/MrWong99/capturebot/pkg/dom"
	"github.com/MrWong99/capturebot/pkg/media"
)

// ErrClosed is returned by [Bridge.Start] after Close.
var ErrClosed = errors.New("bridge: closed")

// Option configures a [Bridge].
type Option func(*Bridge)

// WithMetrics records participant counts and levels on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithLevelMetering runs an audio level monitor per participant. Levels are
// reported on the metrics' participant gauge and through [Bridge.Levels].
func WithLevelMetering(opts ...level.Option) Option {
	return func(b *Bridge) {
		b.meter = true
		b.levelOpts = opts
	}
}

// participant is one mirrored speaker.
type participant struct {
	id    string
	name  string
	el    *dom.Element
	track *media.Track
	mon   *level.Monitor
	done  chan struct{}
}

// Bridge keeps one <audio> element per connected participant.
type Bridge struct {
	doc       *dom.Document
	conn      audio.Connection
	metrics   *observe.Metrics
	meter     bool
	levelOpts []level.Option

	mu      sync.Mutex
	parts   map[string]*participant
	names   map[string]string
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	closed  bool
	wg      sync.WaitGroup
}

// New creates a bridge from conn into doc. Call Start to begin mirroring.
func New(doc *dom.Document, conn audio.Connection, opts ...Option) *Bridge {
	b := &Bridge{
		doc:   doc,
		conn:  conn,
		parts: make(map[string]*participant),
		names: make(map[string]string),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Start mirrors the participants already present and follows join and leave
// events until Close. ctx bounds the bridge's background work.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.mu.Unlock()

	b.conn.OnParticipantChange(b.handleEvent)
	b.sync()
	return nil
}

// Participants returns the IDs of mirrored participants in sorted order.
func (b *Bridge) Participants() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.parts))
	for id := range b.parts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Element returns the element mirroring participant id.
func (b *Bridge) Element(id string) (*dom.Element, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.parts[id]
	if !ok {
		return nil, false
	}
	return p.el, true
}

// Levels returns the latest metered level per participant. It is empty
// without [WithLevelMetering].
func (b *Bridge) Levels() map[string]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]float64, len(b.parts))
	for id, p := range b.parts {
		if p.mon != nil {
			out[id] = p.mon.Level()
		}
	}
	return out
}

// Close removes every mirrored element and waits for the pumps to exit. It
// does not disconnect the underlying connection. Close is idempotent.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if b.cancel != nil {
		b.cancel()
	}
	parts := b.parts
	b.parts = make(map[string]*participant)
	b.mu.Unlock()

	for _, p := range parts {
		b.teardown(p)
	}
	b.wg.Wait()
}

func (b *Bridge) handleEvent(ev audio.Event) {
	switch ev.Type {
	case audio.EventJoin:
		if ev.Username != "" {
			b.mu.Lock()
			b.names[ev.UserID] = ev.Username
			b.mu.Unlock()
		}
		b.sync()
	case audio.EventLeave:
		b.remove(ev.UserID)
	}
}

// sync adds a participant for every input stream not mirrored yet.
func (b *Bridge) sync() {
	for id, ch := range b.conn.InputStreams() {
		b.add(id, ch)
	}
}

func (b *Bridge) add(id string, ch <-chan audio.AudioFrame) {
	b.mu.Lock()
	if b.closed || b.parts[id] != nil {
		b.mu.Unlock()
		return
	}
	name := b.names[id]
	if name == "" {
		name = id
	}
	track := media.NewTrack(media.KindAudio, name)
	el := dom.NewElement(dom.TagAudio, "participant-"+id)
	el.SetSrcObject(media.NewStream(track))
	p := &participant{id: id, name: name, el: el, track: track, done: make(chan struct{})}
	b.parts[id] = p
	ctx := b.ctx
	b.wg.Add(1)
	b.mu.Unlock()

	if err := b.doc.AppendChild(b.doc.Body(), el); err != nil {
		slog.Warn("bridge: mirror participant", "participant", id, "error", err)
	}
	if b.metrics != nil {
		b.metrics.ActiveParticipants.Add(ctx, 1)
	}
	if b.meter {
		b.startMeter(ctx, p)
	}
	slog.Info("bridge: participant mirrored", "participant", id, "name", name)

	go b.pump(ctx, p, ch)
}

func (b *Bridge) startMeter(ctx context.Context, p *participant) {
	mon := level.New(b.levelOpts...)
	err := mon.Start(ctx, p.track, func(lvl float64) {
		if b.metrics != nil {
			b.metrics.RecordParticipantLevel(context.Background(), p.id, lvl)
		}
	})
	if err != nil {
		slog.Debug("bridge: start level monitor", "participant", p.id, "error", err)
		return
	}
	b.mu.Lock()
	select {
	case <-p.done:
		b.mu.Unlock()
		mon.Stop()
		return
	default:
	}
	p.mon = mon
	b.mu.Unlock()
}

// pump copies frames from the platform into the participant's track until
// the channel closes, the participant is removed or the bridge stops.
func (b *Bridge) pump(ctx context.Context, p *participant, ch <-chan audio.AudioFrame) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case frame, ok := <-ch:
			if !ok {
				b.remove(p.id)
				return
			}
			p.track.Write(frame)
		}
	}
}

func (b *Bridge) remove(id string) {
	b.mu.Lock()
	p, ok := b.parts[id]
	if ok {
		delete(b.parts, id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	b.teardown(p)
	slog.Info("bridge: participant removed", "participant", id)
}

// teardown releases a participant that is no longer in parts.
func (b *Bridge) teardown(p *participant) {
	close(p.done)
	b.mu.Lock()
	mon := p.mon
	b.mu.Unlock()
	if mon != nil {
		mon.Stop()
	}
	b.doc.Remove(p.el)
	p.track.Stop()
	if b.metrics != nil {
		b.metrics.ActiveParticipants.Add(context.Background(), -1)
		b.metrics.RecordParticipantLevel(context.Background(), p.id, 0)
	}
}
