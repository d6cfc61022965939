package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/capturebot/internal/observe"
)

// ErrQueueClosed is returned by [UploadQueue.Enqueue] after Wait started.
var ErrQueueClosed = errors.New("storage: upload queue closed")

// QueueOption configures an [UploadQueue].
type QueueOption func(*UploadQueue)

// WithUploadTimeout bounds each upload. Default: 60s.
func WithUploadTimeout(d time.Duration) QueueOption {
	return func(q *UploadQueue) { q.timeout = d }
}

// WithQueueMetrics records upload outcomes on m.
func WithQueueMetrics(m *observe.Metrics) QueueOption {
	return func(q *UploadQueue) { q.metrics = m }
}

// UploadQueue uploads objects in the background with at most limit uploads
// in flight. A failed upload is logged and counted; it never cancels the
// others.
type UploadQueue struct {
	store   ObjectStore
	timeout time.Duration
	metrics *observe.Metrics

	g       errgroup.Group
	pending atomic.Int64

	mu     sync.Mutex
	closed bool
	total  int
	failed []error
}

// NewUploadQueue returns a queue writing to store.
func NewUploadQueue(store ObjectStore, limit int, opts ...QueueOption) *UploadQueue {
	q := &UploadQueue{store: store, timeout: 60 * time.Second}
	if limit <= 0 {
		limit = 4
	}
	q.g.SetLimit(limit)
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue schedules an upload. It blocks while limit uploads are in flight.
// The upload outlives ctx's cancellation but keeps its values.
func (q *UploadQueue) Enqueue(ctx context.Context, key string, body []byte, contentType string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.total++
	q.mu.Unlock()

	q.pending.Add(1)
	upCtx := context.WithoutCancel(ctx)
	q.g.Go(func() error {
		defer q.pending.Add(-1)
		q.upload(upCtx, key, body, contentType)
		return nil
	})
	return nil
}

// Pending returns the number of uploads not yet finished.
func (q *UploadQueue) Pending() int { return int(q.pending.Load()) }

// Wait closes the queue and blocks until every upload finished or ctx is
// done. It reports how many uploads failed.
func (q *UploadQueue) Wait(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = q.g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("storage: wait for %d uploads: %w", q.Pending(), ctx.Err())
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.failed) > 0 {
		return fmt.Errorf("storage: %d of %d uploads failed: %w", len(q.failed), q.total, errors.Join(q.failed...))
	}
	return nil
}

func (q *UploadQueue) upload(ctx context.Context, key string, body []byte, contentType string) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	start := time.Now()
	err := q.store.Put(ctx, key, body, contentType)
	status := "ok"
	if err != nil {
		status = "error"
		slog.Error("storage: upload failed", "key", key, "bytes", len(body), "error", err)
		q.mu.Lock()
		q.failed = append(q.failed, err)
		q.mu.Unlock()
	}
	if q.metrics != nil {
		q.metrics.RecordUpload(context.Background(), status, len(body), time.Since(start))
	}
}
