// Package record implements a chunked media recorder over a live
// [media.Stream], modelled on the browser MediaRecorder. A recorder encodes
// the first audio track of its stream into a container format and hands
// the encoded bytes to a data handler in time-sliced chunks.
//
// Handlers run sequentially on the recorder's goroutine. OnStart always
// precedes the first OnData, and OnStop is always the last call of a
// recording, whether it was stopped explicitly or its track ended.
package record

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/capturebot/pkg/audio"
	"github.com/MrWong99/capturebot/pkg/media"
)

// Supported mime types.
const (
	MimeOggOpus = "audio/ogg;codecs=opus"
	MimeFLAC    = "audio/flac"
	MimePCM     = "audio/L16"
)

// DefaultMimeType is used when Options.MimeType is empty.
const DefaultMimeType = MimePCM

var (
	// ErrNotSupported is returned by [New] for mime types the recorder
	// cannot produce.
	ErrNotSupported = errors.New("record: mime type not supported")

	// ErrInvalidState is returned when a method is called in the wrong state.
	ErrInvalidState = errors.New("record: invalid state")

	// ErrNoAudioTrack is returned by [Recorder.Start] when the stream has no
	// live audio track.
	ErrNoAudioTrack = errors.New("record: stream has no live audio track")
)

const subscriptionBuffer = 64

// State is the recorder's lifecycle state.
type State int

const (
	Inactive State = iota
	Recording
	Paused
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Recording:
		return "recording"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// Options configures a [Recorder]. All handlers are optional.
type Options struct {
	// MimeType selects the container. Empty means [DefaultMimeType].
	MimeType string

	OnStart  func()
	OnData   func(chunk []byte)
	OnStop   func()
	OnPause  func()
	OnResume func()
	OnError  func(err error)
}

// IsTypeSupported reports whether mime can be recorded.
func IsTypeSupported(mime string) bool {
	switch normalizeMime(mime) {
	case MimeOggOpus, MimeFLAC, MimePCM:
		return true
	}
	return false
}

// normalizeMime lower-cases the type and strips spaces around parameters.
func normalizeMime(mime string) string {
	parts := strings.Split(mime, ";")
	for i, p := range parts {
		parts[i] = strings.ToLower(strings.TrimSpace(p))
	}
	out := strings.Join(parts, ";")
	if out == "audio/l16" {
		return MimePCM
	}
	return out
}

type command int

const (
	cmdPause command = iota
	cmdResume
	cmdRequestData
	cmdStop
)

// Recorder records one stream. Create it with [New].
//
// Recorder is safe for concurrent use, but Stop must not be called from
// inside one of its own handlers.
type Recorder struct {
	stream *media.Stream
	mime   string
	opts   Options

	mu    sync.Mutex
	state State
	cmds  chan command
	done  chan struct{}
}

// New creates an inactive recorder for stream.
func New(stream *media.Stream, opts Options) (*Recorder, error) {
	if stream == nil {
		return nil, errors.New("record: nil stream")
	}
	mime := DefaultMimeType
	if opts.MimeType != "" {
		mime = normalizeMime(opts.MimeType)
		if !IsTypeSupported(mime) {
			return nil, fmt.Errorf("%w: %q", ErrNotSupported, opts.MimeType)
		}
	}
	return &Recorder{stream: stream, mime: mime, opts: opts}, nil
}

// MimeType returns the container type being produced.
func (r *Recorder) MimeType() string { return r.mime }

// Stream returns the recorded stream.
func (r *Recorder) Stream() *media.Stream { return r.stream }

// State returns the current state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start begins recording. With a positive timeslice the encoded bytes are
// delivered every timeslice; otherwise they are delivered on Stop or
// RequestData only.
func (r *Recorder) Start(timeslice time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Inactive {
		return ErrInvalidState
	}
	tracks := r.stream.AudioTracks()
	if len(tracks) == 0 {
		return ErrNoAudioTrack
	}
	frames, cancel := tracks[0].Subscribe(subscriptionBuffer)
	r.state = Recording
	r.cmds = make(chan command)
	r.done = make(chan struct{})
	go r.run(frames, cancel, timeslice, r.cmds, r.done)
	return nil
}

// Pause suspends encoding; frames arriving while paused are discarded.
func (r *Recorder) Pause() error {
	return r.transition(cmdPause, Recording, Paused)
}

// Resume continues a paused recording.
func (r *Recorder) Resume() error {
	return r.transition(cmdResume, Paused, Recording)
}

// RequestData flushes the bytes encoded so far to OnData.
func (r *Recorder) RequestData() error {
	r.mu.Lock()
	if r.state == Inactive {
		r.mu.Unlock()
		return ErrInvalidState
	}
	cmds, done := r.cmds, r.done
	r.mu.Unlock()
	return send(cmds, done, cmdRequestData)
}

// Stop ends the recording and returns once the final OnData and OnStop
// handlers have run.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if r.state == Inactive {
		r.mu.Unlock()
		return ErrInvalidState
	}
	cmds, done := r.cmds, r.done
	r.mu.Unlock()

	select {
	case cmds <- cmdStop:
	case <-done:
	}
	<-done
	return nil
}

// Done returns a channel closed when the current recording has finished.
// It is nil before the first Start.
func (r *Recorder) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// transition moves the state from -> to and tells the goroutine.
func (r *Recorder) transition(c command, from, to State) error {
	r.mu.Lock()
	if r.state != from {
		r.mu.Unlock()
		return ErrInvalidState
	}
	r.state = to
	cmds, done := r.cmds, r.done
	r.mu.Unlock()
	return send(cmds, done, c)
}

func send(cmds chan<- command, done <-chan struct{}, c command) error {
	select {
	case cmds <- c:
		return nil
	case <-done:
		return ErrInvalidState
	}
}

func (r *Recorder) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Recorder) run(frames <-chan audio.AudioFrame, cancel func(), timeslice time.Duration, cmds <-chan command, done chan<- struct{}) {
	defer close(done)
	defer cancel()

	enc := newEncoder(r.mime)
	paused := false

	var tick <-chan time.Time
	if timeslice > 0 {
		t := time.NewTicker(timeslice)
		defer t.Stop()
		tick = t.C
	}

	call(r.opts.OnStart)

	for {
		select {
		case f, ok := <-frames:
			if !ok {
				slog.Debug("record: track ended", "stream", r.stream.ID())
				r.finish(enc)
				return
			}
			if paused {
				continue
			}
			if err := enc.write(f); err != nil {
				r.fail(err)
			}
		case <-tick:
			r.emit(enc.take())
		case c := <-cmds:
			if !r.drain(frames, enc, paused) {
				r.finish(enc)
				return
			}
			switch c {
			case cmdPause:
				paused = true
				call(r.opts.OnPause)
			case cmdResume:
				paused = false
				call(r.opts.OnResume)
			case cmdRequestData:
				r.emit(enc.take())
			case cmdStop:
				r.finish(enc)
				return
			}
		}
	}
}

// drain encodes frames already queued on the subscription so commands see
// every frame written before they were issued. It reports false when the
// track ended.
func (r *Recorder) drain(frames <-chan audio.AudioFrame, enc encoder, paused bool) bool {
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return false
			}
			if paused {
				continue
			}
			if err := enc.write(f); err != nil {
				r.fail(err)
			}
		default:
			return true
		}
	}
}

// finish flushes the encoder and fires the final handlers.
func (r *Recorder) finish(enc encoder) {
	tail, err := enc.close()
	if err != nil {
		r.fail(err)
	}
	r.setState(Inactive)
	r.emit(tail)
	call(r.opts.OnStop)
}

func (r *Recorder) emit(chunk []byte) {
	if len(chunk) == 0 || r.opts.OnData == nil {
		return
	}
	r.opts.OnData(chunk)
}

func (r *Recorder) fail(err error) {
	slog.Warn("record: encoder error", "mime", r.mime, "error", err)
	if r.opts.OnError != nil {
		r.opts.OnError(err)
	}
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}
