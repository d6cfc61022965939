package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/capturebot/internal/capture"
	"github.com/MrWong99/capturebot/internal/storage"
)

var (
	_ capture.Sink           = (*chunkSink)(nil)
	_ capture.MimeTypeSetter = (*chunkSink)(nil)
)

// chunkSink turns recorder output of one meeting into object uploads.
type chunkSink struct {
	meetingID int64
	folder    string
	uploads   *storage.UploadQueue
	now       func() time.Time

	mu        sync.Mutex
	mime      string
	lastTS    int64
	chunks    int64
	bytes     int64
	startedAt time.Time

	stopped  chan struct{}
	stopOnce sync.Once
}

func newChunkSink(meetingID int64, folder string, uploads *storage.UploadQueue, now func() time.Time) *chunkSink {
	return &chunkSink{
		meetingID: meetingID,
		folder:    folder,
		uploads:   uploads,
		now:       now,
		stopped:   make(chan struct{}),
	}
}

// SetMimeType implements [capture.MimeTypeSetter].
func (s *chunkSink) SetMimeType(mime string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mime = mime
}

// NotifyStart implements [capture.Sink].
func (s *chunkSink) NotifyStart(context.Context) error {
	s.mu.Lock()
	s.startedAt = s.now()
	mime := s.mime
	s.mu.Unlock()
	slog.Info("worker: recording started", "meeting_id", s.meetingID, "mime", mime)
	return nil
}

// NotifyChunk implements [capture.Sink]. Keys use the wall clock in seconds;
// two chunks in the same second get consecutive timestamps so neither
// overwrites the other.
func (s *chunkSink) NotifyChunk(ctx context.Context, chunk []byte) error {
	s.mu.Lock()
	ts := max(s.now().Unix(), s.lastTS+1)
	s.lastTS = ts
	s.chunks++
	s.bytes += int64(len(chunk))
	mime := s.mime
	s.mu.Unlock()

	key := storage.AudioKey(s.folder, s.meetingID, time.Unix(ts, 0), storage.Extension(mime))
	return s.uploads.Enqueue(ctx, key, chunk, storage.ContentType(mime))
}

// NotifyStop implements [capture.Sink].
func (s *chunkSink) NotifyStop(context.Context) error {
	s.stopOnce.Do(func() { close(s.stopped) })
	return nil
}

// Stopped is closed once the recorder reported its stop.
func (s *chunkSink) Stopped() <-chan struct{} { return s.stopped }

type sinkStats struct {
	mime      string
	chunks    int64
	bytes     int64
	startedAt time.Time
}

func (s *chunkSink) stats() sinkStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sinkStats{mime: s.mime, chunks: s.chunks, bytes: s.bytes, startedAt: s.startedAt}
}
