// Package mock provides a call-recording [capture.Sink] for tests.
package mock

import (
	"bytes"
	"context"
	"sync"

	"github.com/MrWong99/capturebot/internal/capture"
)

var (
	_ capture.Sink           = (*Sink)(nil)
	_ capture.MimeTypeSetter = (*Sink)(nil)
)

// Sink is a mock implementation of [capture.Sink]. Set the *Err fields to
// make calls fail; inspect Calls and Chunks afterwards.
type Sink struct {
	mu sync.Mutex

	// StartErr is returned by NotifyStart.
	StartErr error

	// ChunkErr is returned by NotifyChunk.
	ChunkErr error

	// StopErr is returned by NotifyStop.
	StopErr error

	// Block, when non-nil, is received from before every call returns.
	// Close it to release blocked deliveries.
	Block chan struct{}

	calls      []string
	chunks     [][]byte
	mime       string
	stop       chan struct{}
	stopClosed bool
}

// NotifyStart implements [capture.Sink].
func (s *Sink) NotifyStart(ctx context.Context) error {
	s.wait(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "start")
	return s.StartErr
}

// NotifyChunk implements [capture.Sink].
func (s *Sink) NotifyChunk(ctx context.Context, chunk []byte) error {
	s.wait(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "chunk")
	s.chunks = append(s.chunks, bytes.Clone(chunk))
	return s.ChunkErr
}

// NotifyStop implements [capture.Sink].
func (s *Sink) NotifyStop(ctx context.Context) error {
	s.wait(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "stop")
	if !s.stopClosed {
		close(s.stopped())
		s.stopClosed = true
	}
	return s.StopErr
}

// SetMimeType implements [capture.MimeTypeSetter].
func (s *Sink) SetMimeType(mime string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mime = mime
}

// MimeType returns the last format announced by the controller.
func (s *Sink) MimeType() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mime
}

// Calls returns the notifications received so far, in order.
func (s *Sink) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Chunks returns a copy of every chunk received.
func (s *Sink) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.chunks))
	for i, c := range s.chunks {
		out[i] = bytes.Clone(c)
	}
	return out
}

// Count returns how many times the named notification was received.
func (s *Sink) Count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == name {
			n++
		}
	}
	return n
}

// Stopped is closed after the first NotifyStop.
func (s *Sink) Stopped() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped()
}

// stopped must be called with s.mu held.
func (s *Sink) stopped() chan struct{} {
	if s.stop == nil {
		s.stop = make(chan struct{})
	}
	return s.stop
}

func (s *Sink) wait(ctx context.Context) {
	s.mu.Lock()
	block := s.Block
	s.mu.Unlock()
	if block == nil {
		return
	}
	select {
	case <-block:
	case <-ctx.Done():
	}
}
