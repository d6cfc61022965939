package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// controlPlane wraps a handler answering status with [Middleware] and
// records its spans, metrics and logs.
type controlPlane struct {
	handler http.Handler
	reader  *sdkmetric.ManualReader
	spans   *tracetest.SpanRecorder
	logs    *bytes.Buffer

	// cid is the correlation ID the last request saw inside the handler.
	cid string
}

func newControlPlane(t *testing.T, status int) *controlPlane {
	t.Helper()
	m, reader := newTestMetrics(t)
	cp := &controlPlane{reader: reader, spans: recordSpans(t), logs: &bytes.Buffer{}}

	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(cp.logs, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	cp.handler = Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cp.cid = CorrelationID(r.Context())
		if status != http.StatusOK {
			w.WriteHeader(status)
		}
	}))
	return cp
}

func (cp *controlPlane) do(method, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	cp.handler.ServeHTTP(rec, req)
	return rec
}

func (cp *controlPlane) durations(t *testing.T) []metricdata.HistogramDataPoint[float64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := cp.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "capturebot.http.request.duration")
	if met == nil {
		t.Fatal("request duration metric not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("request duration is %T, want histogram", met.Data)
	}
	return hist.DataPoints
}

func TestMiddleware_FailedStartRequest(t *testing.T) {
	cp := newControlPlane(t, http.StatusServiceUnavailable)

	rec := cp.do(http.MethodPost, "/capture/start", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	ended := cp.spans.Ended()
	if len(ended) != 1 {
		t.Fatalf("spans = %d, want 1", len(ended))
	}
	span := ended[0]
	if span.Name() != "HTTP POST /capture/start" {
		t.Errorf("span name = %q", span.Name())
	}
	if span.SpanKind() != trace.SpanKindServer {
		t.Errorf("span kind = %v, want server", span.SpanKind())
	}
	if v, ok := spanAttr(span, "http.response.status_code"); !ok || v.AsInt64() != http.StatusServiceUnavailable {
		t.Errorf("http.response.status_code = %v, want 503", v.Emit())
	}

	points := cp.durations(t)
	if len(points) != 1 {
		t.Fatalf("data points = %d, want 1", len(points))
	}
	want := attribute.NewSet(
		attribute.String("method", http.MethodPost),
		attribute.String("path", "/capture/start"),
		attribute.Int("status", http.StatusServiceUnavailable),
	)
	if !points[0].Attributes.Equals(&want) {
		t.Errorf("attributes = %v, want %v", points[0].Attributes.ToSlice(), want.ToSlice())
	}

	if !strings.Contains(cp.logs.String(), "status=503") {
		t.Errorf("log = %s, want status=503", cp.logs.String())
	}
}

func TestMiddleware_StatusSplitsDurations(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusConflict} {
		cp := newControlPlane(t, status)
		cp.do(http.MethodPost, "/capture/stop", nil)
		cp.do(http.MethodPost, "/capture/stop", nil)

		points := cp.durations(t)
		if len(points) != 1 {
			t.Fatalf("status %d: data points = %d, want 1", status, len(points))
		}
		if points[0].Count != 2 {
			t.Errorf("status %d: count = %d, want 2", status, points[0].Count)
		}
		v, ok := points[0].Attributes.Value("status")
		if !ok || v.AsInt64() != int64(status) {
			t.Errorf("status attribute = %v, want %d", v.Emit(), status)
		}
	}
}

func TestMiddleware_QuietPathsLogAtDebug(t *testing.T) {
	tests := []struct {
		path      string
		wantLevel string
	}{
		{"/healthz", "DEBUG"},
		{"/readyz", "DEBUG"},
		{"/metrics", "DEBUG"},
		{"/capture/capability", "DEBUG"},
		{"/capture/start", "INFO"},
		{"/capture/stop", "INFO"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			cp := newControlPlane(t, http.StatusOK)
			cp.do(http.MethodGet, tt.path, nil)

			line := strings.TrimSpace(cp.logs.String())
			if !strings.Contains(line, `msg="observe: request completed"`) {
				t.Fatalf("log = %q, want completion record", line)
			}
			if !strings.Contains(line, "level="+tt.wantLevel) {
				t.Errorf("log = %q, want level=%s", line, tt.wantLevel)
			}
			if !strings.Contains(line, "path="+tt.path) {
				t.Errorf("log = %q, want path=%s", line, tt.path)
			}
		})
	}
}

func TestMiddleware_CorrelationID(t *testing.T) {
	const upstream = "4bf92f3577b34da6a3ce929d0e0e4736"

	tests := []struct {
		name   string
		header http.Header
		want   string
	}{
		{"new trace", nil, ""},
		{"traceparent from caller", http.Header{
			"Traceparent": {"00-" + upstream + "-00f067aa0ba902b7-01"},
		}, upstream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := newControlPlane(t, http.StatusOK)
			rec := cp.do(http.MethodPost, "/capture/start", tt.header)

			if len(cp.cid) != 32 {
				t.Fatalf("handler correlation ID = %q, want 32 hex chars", cp.cid)
			}
			if tt.want != "" && cp.cid != tt.want {
				t.Errorf("handler correlation ID = %q, want %q", cp.cid, tt.want)
			}
			if got := rec.Header().Get("X-Correlation-ID"); got != cp.cid {
				t.Errorf("X-Correlation-ID = %q, want %q", got, cp.cid)
			}
			if tp := rec.Header().Get("traceparent"); !strings.Contains(tp, cp.cid) {
				t.Errorf("traceparent = %q, want trace %s", tp, cp.cid)
			}
		})
	}
}
