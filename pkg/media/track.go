// Package media models live media streams: a [Stream] groups [Track]s and a
// track fans out the audio frames written to it to every subscriber.
//
// A stream is the handle the capture pipeline passes around. Page elements
// reference one as their source object, the processing graph taps its audio
// tracks, and the graph's destination exposes its mix as a stream too.
package media

import (
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/capturebot/pkg/audio"
)

// Kind is the media type a [Track] carries.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// ReadyState reports whether a track still produces media.
type ReadyState int

const (
	Live ReadyState = iota
	Ended
)

// String returns the lower-case name of the state.
func (s ReadyState) String() string {
	if s == Ended {
		return "ended"
	}
	return "live"
}

// Track is a single live media track. Writers push frames with
// [Track.Write]; readers obtain a channel with [Track.Subscribe].
//
// Track is safe for concurrent use.
type Track struct {
	id    string
	kind  Kind
	label string

	mu     sync.Mutex
	subs   map[uint64]chan audio.AudioFrame
	nextID uint64
	state  ReadyState
	ended  chan struct{}
}

// NewTrack creates a live track of the given kind.
func NewTrack(kind Kind, label string) *Track {
	return &Track{
		id:    uuid.NewString(),
		kind:  kind,
		label: label,
		subs:  make(map[uint64]chan audio.AudioFrame),
		ended: make(chan struct{}),
	}
}

// ID returns the track's unique identifier.
func (t *Track) ID() string { return t.id }

// Kind returns the media type.
func (t *Track) Kind() Kind { return t.kind }

// Label returns the human-readable label given at creation.
func (t *Track) Label() string { return t.label }

// ReadyState returns the current state.
func (t *Track) ReadyState() ReadyState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Ended returns a channel closed when the track stops.
func (t *Track) Ended() <-chan struct{} { return t.ended }

// Write delivers frame to every subscriber. Subscribers with a full buffer
// miss the frame. Writes to an ended track are dropped and report false.
func (t *Track) Write(frame audio.AudioFrame) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Ended {
		return false
	}
	for _, ch := range t.subs {
		select {
		case ch <- frame:
		default:
		}
	}
	return true
}

// Subscribe returns a channel receiving frames written after the call and a
// cancel func that detaches it. The channel is closed by cancel or when the
// track stops. Subscribing to an ended track yields a closed channel.
func (t *Track) Subscribe(buffer int) (<-chan audio.AudioFrame, func()) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan audio.AudioFrame, buffer)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Ended {
		close(ch)
		return ch, func() {}
	}
	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if c, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(c)
			}
		})
	}
}

// Subscribers returns the number of attached subscribers.
func (t *Track) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Stop ends the track and closes every subscriber channel. Idempotent.
func (t *Track) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Ended {
		return
	}
	t.state = Ended
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	close(t.ended)
}
