package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/capturebot/internal/observe"
)

// Sink receives the recorder's lifecycle and data. Calls arrive in order
// on a single goroutine: one NotifyStart, any number of NotifyChunk, one
// NotifyStop.
type Sink interface {
	NotifyStart(ctx context.Context) error
	NotifyChunk(ctx context.Context, chunk []byte) error
	NotifyStop(ctx context.Context) error
}

// MimeTypeSetter is implemented by sinks that need the container format of
// the chunks. SetMimeType is called once per recording, before NotifyStart.
type MimeTypeSetter interface {
	SetMimeType(mime string)
}

type eventKind int

const (
	eventStart eventKind = iota
	eventChunk
	eventStop
)

func (k eventKind) String() string {
	switch k {
	case eventStart:
		return "start"
	case eventChunk:
		return "chunk"
	case eventStop:
		return "stop"
	default:
		return "unknown"
	}
}

type event struct {
	kind eventKind
	data []byte
}

// deliveryQueue is an unbounded FIFO in front of a [Sink]. Producers never
// block; a single goroutine delivers events in order.
type deliveryQueue struct {
	sink      Sink
	metrics   *observe.Metrics
	timeout   time.Duration
	warnDepth int

	mu     sync.Mutex
	items  []event
	closed bool
	warned bool
	wake   chan struct{}
	done   chan struct{}
}

func newDeliveryQueue(sink Sink, m *observe.Metrics, timeout time.Duration, warnDepth int) *deliveryQueue {
	q := &deliveryQueue{
		sink:      sink,
		metrics:   m,
		timeout:   timeout,
		warnDepth: warnDepth,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go q.run()
	return q
}

// push appends ev. Events pushed after close are dropped.
func (q *deliveryQueue) push(ev event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		slog.Warn("capture: event dropped after queue close", "event", ev.kind)
		return
	}
	q.items = append(q.items, ev)
	depth := len(q.items)
	warn := q.warnDepth > 0 && depth > q.warnDepth && !q.warned
	if warn {
		q.warned = true
	}
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.DeliveryQueueDepth.Add(context.Background(), 1)
	}
	if warn {
		slog.Warn("capture: delivery queue is backing up", "depth", depth)
	}
	q.signal()
}

// close stops accepting events. Events already queued are still delivered.
func (q *deliveryQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// wait blocks until every queued event was delivered or ctx is done.
func (q *deliveryQueue) wait(ctx context.Context) error {
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("capture: drain delivery queue: %w", ctx.Err())
	}
}

func (q *deliveryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *deliveryQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.warned = false
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.wake
			continue
		}
		ev := q.items[0]
		q.items[0] = event{}
		q.items = q.items[1:]
		q.mu.Unlock()

		if q.metrics != nil {
			q.metrics.DeliveryQueueDepth.Add(context.Background(), -1)
		}
		q.deliver(ev)
	}
}

func (q *deliveryQueue) deliver(ev event) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	start := time.Now()
	var err error
	switch ev.kind {
	case eventStart:
		err = q.sink.NotifyStart(ctx)
	case eventChunk:
		err = q.sink.NotifyChunk(ctx, ev.data)
	case eventStop:
		err = q.sink.NotifyStop(ctx)
	}

	status := "ok"
	if err != nil {
		status = "error"
		slog.Error("capture: delivery failed", "event", ev.kind, "bytes", len(ev.data), "error", err)
	}
	if q.metrics != nil {
		q.metrics.RecordDelivery(context.Background(), ev.kind.String(), status, time.Since(start))
	}
}
