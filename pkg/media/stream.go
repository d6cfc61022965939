package media

import (
	"sync"

	"github.com/google/uuid"
)

// Stream groups tracks under a stable identifier.
//
// Stream is safe for concurrent use.
type Stream struct {
	id string

	mu     sync.RWMutex
	tracks []*Track
}

// NewStream returns a stream holding tracks.
func NewStream(tracks ...*Track) *Stream {
	return &Stream{id: uuid.NewString(), tracks: tracks}
}

// ID returns the stream identifier. It never changes.
func (s *Stream) ID() string { return s.id }

// AddTrack appends t unless it is already part of the stream.
func (s *Stream) AddTrack(t *Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, have := range s.tracks {
		if have == t {
			return
		}
	}
	s.tracks = append(s.tracks, t)
}

// RemoveTrack drops t from the stream. The track itself keeps running.
func (s *Stream) RemoveTrack(t *Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, have := range s.tracks {
		if have == t {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			return
		}
	}
}

// Tracks returns every track regardless of kind or state.
func (s *Stream) Tracks() []*Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Track(nil), s.tracks...)
}

// AudioTracks returns the live audio tracks.
func (s *Stream) AudioTracks() []*Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Track
	for _, t := range s.tracks {
		if t.kind == KindAudio && t.ReadyState() == Live {
			out = append(out, t)
		}
	}
	return out
}

// Active reports whether any track is still live.
func (s *Stream) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tracks {
		if t.ReadyState() == Live {
			return true
		}
	}
	return false
}

// Stop ends every track in the stream.
func (s *Stream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}
