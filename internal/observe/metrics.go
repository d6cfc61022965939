// Package observe provides application-wide observability primitives for
// capturebot: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all capturebot metrics.
const meterName = "github.com/MrWong99/capturebot"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ChunkDeliveryDuration tracks how long the sink takes per recorder event.
	// Use with attribute.String("event", "start"|"chunk"|"stop").
	ChunkDeliveryDuration metric.Float64Histogram

	// UploadDuration tracks object storage uploads.
	UploadDuration metric.Float64Histogram

	// APIRequestDuration tracks meeting API calls. Use with
	// attribute.String("endpoint", ...).
	APIRequestDuration metric.Float64Histogram

	// --- Counters ---

	// Chunks counts recorder chunks by delivery status.
	Chunks metric.Int64Counter

	// ChunkBytes counts encoded bytes produced by the recorder.
	ChunkBytes metric.Int64Counter

	// Uploads counts object storage uploads by status.
	Uploads metric.Int64Counter

	// APIRequests counts meeting API calls by endpoint and status.
	APIRequests metric.Int64Counter

	// SilenceToggles counts silence injector changes. Use with
	// attribute.String("state", "on"|"off").
	SilenceToggles metric.Int64Counter

	// RecorderFallbacks counts recorders created with the default mime type
	// after the preferred one was rejected.
	RecorderFallbacks metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of running capture sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveTaps tracks media elements currently mixed into a graph.
	ActiveTaps metric.Int64UpDownCounter

	// ActiveParticipants tracks participants mirrored into page documents.
	ActiveParticipants metric.Int64UpDownCounter

	// DeliveryQueueDepth tracks recorder events waiting for the sink.
	DeliveryQueueDepth metric.Int64UpDownCounter

	// ParticipantLevel reports the metered loudness per participant.
	ParticipantLevel metric.Float64Gauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks control API request time by method, path
	// and status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// uploads and API calls.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ChunkDeliveryDuration, err = m.Float64Histogram("capturebot.delivery.duration",
		metric.WithDescription("Time the worker sink takes to accept a recorder event."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UploadDuration, err = m.Float64Histogram("capturebot.upload.duration",
		metric.WithDescription("Latency of audio chunk uploads to object storage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.APIRequestDuration, err = m.Float64Histogram("capturebot.meeting_api.duration",
		metric.WithDescription("Latency of meeting API calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Chunks, err = m.Int64Counter("capturebot.chunks",
		metric.WithDescription("Recorder chunks by delivery status."),
	); err != nil {
		return nil, err
	}
	if met.ChunkBytes, err = m.Int64Counter("capturebot.chunk.bytes",
		metric.WithDescription("Encoded audio bytes produced by the recorder."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.Uploads, err = m.Int64Counter("capturebot.uploads",
		metric.WithDescription("Object storage uploads by status."),
	); err != nil {
		return nil, err
	}
	if met.APIRequests, err = m.Int64Counter("capturebot.meeting_api.requests",
		metric.WithDescription("Meeting API requests by endpoint and status."),
	); err != nil {
		return nil, err
	}
	if met.SilenceToggles, err = m.Int64Counter("capturebot.silence.toggles",
		metric.WithDescription("Silence injector state changes."),
	); err != nil {
		return nil, err
	}
	if met.RecorderFallbacks, err = m.Int64Counter("capturebot.recorder.fallbacks",
		metric.WithDescription("Recorders created with the default mime type after the preferred one was rejected."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveSessions, err = m.Int64UpDownCounter("capturebot.active_sessions",
		metric.WithDescription("Number of running capture sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveTaps, err = m.Int64UpDownCounter("capturebot.active_taps",
		metric.WithDescription("Number of media elements mixed into capture graphs."),
	); err != nil {
		return nil, err
	}
	if met.ActiveParticipants, err = m.Int64UpDownCounter("capturebot.active_participants",
		metric.WithDescription("Number of participants mirrored into page documents."),
	); err != nil {
		return nil, err
	}
	if met.DeliveryQueueDepth, err = m.Int64UpDownCounter("capturebot.delivery.queue_depth",
		metric.WithDescription("Recorder events waiting for the worker sink."),
	); err != nil {
		return nil, err
	}
	if met.ParticipantLevel, err = m.Float64Gauge("capturebot.participant.level",
		metric.WithDescription("Smoothed loudness per participant in [0, 1]."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("capturebot.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordDelivery records one sink delivery.
func (m *Metrics) RecordDelivery(ctx context.Context, event, status string, d time.Duration) {
	m.ChunkDeliveryDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("event", event)),
	)
	if event == "chunk" {
		m.Chunks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

// RecordUpload records one object storage upload.
func (m *Metrics) RecordUpload(ctx context.Context, status string, bytes int, d time.Duration) {
	m.UploadDuration.Record(ctx, d.Seconds())
	m.Uploads.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if status == "ok" {
		m.ChunkBytes.Add(ctx, int64(bytes))
	}
}

// RecordAPIRequest records one meeting API call.
func (m *Metrics) RecordAPIRequest(ctx context.Context, endpoint, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("status", status),
	)
	m.APIRequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("endpoint", endpoint)))
	m.APIRequests.Add(ctx, 1, attrs)
}

// RecordSilenceToggle records the silence injector turning on or off.
func (m *Metrics) RecordSilenceToggle(ctx context.Context, on bool) {
	state := "off"
	if on {
		state = "on"
	}
	m.SilenceToggles.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordParticipantLevel records the current level of a participant.
func (m *Metrics) RecordParticipantLevel(ctx context.Context, participant string, level float64) {
	m.ParticipantLevel.Record(ctx, level,
		metric.WithAttributes(attribute.String("participant", participant)),
	)
}
