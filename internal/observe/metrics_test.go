package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDelivery(ctx, "chunk", "ok", 20*time.Millisecond)
	m.RecordUpload(ctx, "ok", 4096, 150*time.Millisecond)
	m.RecordAPIRequest(ctx, "capture_stop", "200", 80*time.Millisecond)

	rm := collect(t, reader)
	for _, name := range []string{
		"capturebot.delivery.duration",
		"capturebot.upload.duration",
		"capturebot.meeting_api.duration",
	} {
		t.Run(name, func(t *testing.T) {
			met := findMetric(rm, name)
			if met == nil {
				t.Fatalf("metric %q not found", name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", name)
			}
			if len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 1 {
				t.Errorf("metric %q: want exactly one observation", name)
			}
		})
	}
}

func TestCounterIncrement(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDelivery(ctx, "chunk", "ok", time.Millisecond)
	m.RecordDelivery(ctx, "chunk", "error", time.Millisecond)
	m.RecordDelivery(ctx, "start", "ok", time.Millisecond)
	m.RecordUpload(ctx, "ok", 100, time.Millisecond)
	m.RecordUpload(ctx, "error", 999, time.Millisecond)

	rm := collect(t, reader)

	met := findMetric(rm, "capturebot.chunks")
	if met == nil {
		t.Fatal("capturebot.chunks not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("capturebot.chunks is not a sum")
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 2 {
		t.Errorf("chunk count = %d, want 2 (start events are not chunks)", total)
	}

	bytesMet := findMetric(rm, "capturebot.chunk.bytes")
	if bytesMet == nil {
		t.Fatal("capturebot.chunk.bytes not found")
	}
	bsum := bytesMet.Data.(metricdata.Sum[int64])
	if len(bsum.DataPoints) != 1 || bsum.DataPoints[0].Value != 100 {
		t.Errorf("chunk bytes = %+v, want only the successful upload", bsum.DataPoints)
	}
}

func TestSilenceToggles(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSilenceToggle(ctx, true)
	m.RecordSilenceToggle(ctx, false)
	m.RecordSilenceToggle(ctx, true)

	rm := collect(t, reader)
	met := findMetric(rm, "capturebot.silence.toggles")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum := met.Data.(metricdata.Sum[int64])
	want := map[string]int64{"on": 2, "off": 1}
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key("state"))
		if got := dp.Value; got != want[v.AsString()] {
			t.Errorf("state %q = %d, want %d", v.AsString(), got, want[v.AsString()])
		}
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveTaps.Add(ctx, 3)
	m.ActiveTaps.Add(ctx, -1)
	m.ActiveParticipants.Add(ctx, 4)
	m.DeliveryQueueDepth.Add(ctx, 2)

	rm := collect(t, reader)

	gauges := []struct {
		name string
		want int64
	}{
		{"capturebot.active_sessions", 1},
		{"capturebot.active_taps", 2},
		{"capturebot.active_participants", 4},
		{"capturebot.delivery.queue_depth", 2},
	}

	for _, tc := range gauges {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", tc.name)
			}
			if len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("gauge value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestParticipantLevel(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordParticipantLevel(ctx, "alice", 0.2)
	m.RecordParticipantLevel(ctx, "alice", 0.7)

	rm := collect(t, reader)
	met := findMetric(rm, "capturebot.participant.level")
	if met == nil {
		t.Fatal("metric not found")
	}
	g, ok := met.Data.(metricdata.Gauge[float64])
	if !ok {
		t.Fatal("metric is not a gauge")
	}
	if len(g.DataPoints) != 1 || g.DataPoints[0].Value != 0.7 {
		t.Errorf("data points = %+v, want last value 0.7", g.DataPoints)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "capturebot.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
