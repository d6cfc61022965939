package graph

import (
	"sync"
	"time"

	"github.com/MrWong99/capturebot/pkg/audio"
	"github.com/MrWong99/capturebot/pkg/media"
)

const (
	sourceSubscriptionBuffer = 32
	maxSourceBuffer          = time.Second
)

// Compile-time interface assertion.
var _ Node = (*MediaStreamSourceNode)(nil)

// MediaStreamSourceNode feeds the first live audio track of a media stream
// into the graph. Incoming frames are converted to the context format and
// buffered; each quantum consumes one quantum of samples and pads with
// silence when the track has not delivered enough.
type MediaStreamSourceNode struct {
	*node

	stream *media.Stream
	track  *media.Track

	bufMu   sync.Mutex
	buf     []float32
	maxBuf  int
	cancel  func()
	release func()
}

// CreateMediaStreamSource taps the first live audio track of stream.
// It fails with ErrNoAudioTrack when the stream carries none.
func (c *Context) CreateMediaStreamSource(stream *media.Stream) (*MediaStreamSourceNode, error) {
	if stream == nil {
		return nil, ErrNoAudioTrack
	}
	tracks := stream.AudioTracks()
	if len(tracks) == 0 {
		return nil, ErrNoAudioTrack
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s := &MediaStreamSourceNode{
		stream: stream,
		track:  tracks[0],
		maxBuf: int(int64(c.format.SampleRate)*int64(maxSourceBuffer)/int64(time.Second)) * c.format.Channels,
	}
	n, err := c.newNode(s, false, false)
	if err != nil {
		return nil, err
	}
	s.node = n

	frames, cancel := s.track.Subscribe(sourceSubscriptionBuffer)
	s.cancel = cancel
	var once sync.Once
	s.release = func() { once.Do(cancel) }
	c.sources = append(c.sources, s)
	go s.read(frames)
	return s, nil
}

// MediaStream returns the tapped stream.
func (s *MediaStreamSourceNode) MediaStream() *media.Stream { return s.stream }

// Track returns the tapped track.
func (s *MediaStreamSourceNode) Track() *media.Track { return s.track }

// Disconnect removes the node's outgoing connections and stops reading its
// track. A disconnected source cannot be reconnected usefully.
func (s *MediaStreamSourceNode) Disconnect() {
	s.node.Disconnect()
	s.release()
}

func (s *MediaStreamSourceNode) read(frames <-chan audio.AudioFrame) {
	conv := audio.Converter{Target: s.ctx.format}
	for f := range frames {
		samples := conv.Convert(f)
		s.bufMu.Lock()
		s.buf = append(s.buf, samples...)
		if over := len(s.buf) - s.maxBuf; over > 0 {
			s.buf = s.buf[over:]
		}
		s.bufMu.Unlock()
	}
}

// Buffered returns the number of interleaved samples waiting to be rendered.
func (s *MediaStreamSourceNode) Buffered() int {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	return len(s.buf)
}

func (s *MediaStreamSourceNode) process(out []float32) []float32 {
	s.bufMu.Lock()
	n := copy(out, s.buf)
	s.buf = s.buf[n:]
	s.bufMu.Unlock()
	return out
}
