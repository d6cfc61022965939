package observe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Resource attribute keys describing a capture worker.
const (
	AttrPlatforms    = attribute.Key("capturebot.platforms")
	AttrChunkSeconds = attribute.Key("capturebot.chunk_seconds")
)

// ProviderConfig configures [InitProvider].
type ProviderConfig struct {
	// ServiceName defaults to "capturebot".
	ServiceName    string
	ServiceVersion string

	// InstanceID tells workers apart in shared dashboards. Defaults to the
	// host name.
	InstanceID string

	// Platforms lists the meeting platforms this worker can join.
	Platforms []string

	// ChunkSeconds is the configured audio chunk length.
	ChunkSeconds float64

	// SampleRatio is the fraction of captures traced when no parent span
	// decides. Zero or out-of-range values trace every capture.
	SampleRatio float64

	// TraceExporter receives finished spans. Nil keeps spans in-process,
	// which is enough for correlation IDs.
	TraceExporter sdktrace.SpanExporter
}

// InitProvider registers global meter and tracer providers. Metrics are
// exposed through the Prometheus registry served on /metrics. The returned
// function flushes and shuts both down, tracer first.
func InitProvider(ctx context.Context, cfg ProviderConfig) (func(context.Context) error, error) {
	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	exp, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exp),
	)

	tp := newTracerProvider(res, cfg)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func newResource(ctx context.Context, cfg ProviderConfig) (*resource.Resource, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "capturebot"
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID, _ = os.Hostname()
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.InstanceID != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(cfg.InstanceID))
	}
	if len(cfg.Platforms) > 0 {
		platforms := slices.Clone(cfg.Platforms)
		slices.Sort(platforms)
		attrs = append(attrs, AttrPlatforms.StringSlice(slices.Compact(platforms)))
	}
	if cfg.ChunkSeconds > 0 {
		attrs = append(attrs, AttrChunkSeconds.Float64(cfg.ChunkSeconds))
	}

	// No schema URL: the default resource carries the SDK's, and two
	// differing URLs cannot be merged.
	own, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, err
	}
	return resource.Merge(resource.Default(), own)
}

func newTracerProvider(res *resource.Resource, cfg ProviderConfig) *sdktrace.TracerProvider {
	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	}
	if cfg.TraceExporter != nil {
		opts = append(opts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	return sdktrace.NewTracerProvider(opts...)
}
