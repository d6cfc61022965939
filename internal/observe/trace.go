package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/capturebot"

// Span names of a meeting capture. SpanCapture is the root; the others are
// its children.
const (
	SpanCapture = "worker.capture"
	SpanConnect = "worker.connect"
	SpanStop    = "worker.stop"
)

// Span attribute keys.
const (
	AttrMeetingID       = attribute.Key("meeting.id")
	AttrMeetingPlatform = attribute.Key("meeting.platform")
	AttrStopReason      = attribute.Key("stop.reason")
)

// Tracer returns the capturebot tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartCaptureSpan starts the root span for capturing one meeting.
func StartCaptureSpan(ctx context.Context, meetingID int64, platform string) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanCapture, trace.WithAttributes(
		AttrMeetingID.Int64(meetingID),
		AttrMeetingPlatform.String(platform),
	))
}

// StartStopSpan starts the span covering wind-down of a capture.
func StartStopSpan(ctx context.Context, reason string) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanStop, trace.WithAttributes(AttrStopReason.String(reason)))
}

// Fail records err on span and marks the span as failed. A nil err leaves
// the span untouched.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// CorrelationID returns the trace ID in ctx, sent as X-Correlation-ID on
// core API calls. Empty when ctx carries no valid span.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id attached when
// ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
