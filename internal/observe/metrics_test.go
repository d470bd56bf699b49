package observe

import (
	"context"
	"testing"

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

// sumPoint returns the value of the data point of sum metric name carrying
// attribute key=value.
func sumPoint(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"tonecoach.generation.duration", m.GenerationDuration},
		{"tonecoach.evaluation.open.duration", m.EvaluationOpenDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 1.5)
		tc.h.Record(ctx, 4.2)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestCounterIncrement(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "azure-openai", "llm", "ok")
	m.RecordProviderRequest(ctx, "azure-openai", "llm", "ok")
	m.RecordProviderRequest(ctx, "azure-openai", "llm", "error")

	rm := collect(t, reader)
	if got := sumPoint(t, rm, "tonecoach.provider.requests", "status", "ok"); got != 2 {
		t.Errorf("counter value = %d, want 2", got)
	}
	if got := sumPoint(t, rm, "tonecoach.provider.requests", "status", "error"); got != 1 {
		t.Errorf("counter value = %d, want 1", got)
	}
}

func TestPoolServedCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordPoolServed(ctx, "lang_du_1", SourcePool)
	m.RecordPoolServed(ctx, "lang_du_1", SourcePool)
	m.RecordPoolServed(ctx, "lang_du_1", SourceFallback)
	m.RecordPoolServed(ctx, "lang_du_1", SourceUnavailable)

	rm := collect(t, reader)
	for source, want := range map[string]int64{SourcePool: 2, SourceFallback: 1, SourceUnavailable: 1} {
		if got := sumPoint(t, rm, "tonecoach.pool.served", "source", source); got != want {
			t.Errorf("source=%s: counter value = %d, want %d", source, got, want)
		}
	}
}

func TestEvaluationCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordEvaluationFrame(ctx, "first")
	m.RecordEvaluationFrame(ctx, "continue")
	m.RecordEvaluationFrame(ctx, "continue")
	m.RecordEvaluationFrame(ctx, "last")
	m.RecordEvaluationResult(ctx, "final")

	rm := collect(t, reader)
	if got := sumPoint(t, rm, "tonecoach.evaluation.frames", "phase", "continue"); got != 2 {
		t.Errorf("continue frames = %d, want 2", got)
	}
	if got := sumPoint(t, rm, "tonecoach.evaluation.results", "kind", "final"); got != 1 {
		t.Errorf("final results = %d, want 1", got)
	}
}

func TestProviderErrorsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderError(ctx, "iflytek-ise", "scoring")

	rm := collect(t, reader)
	if got := sumPoint(t, rm, "tonecoach.provider.errors", "kind", "scoring"); got != 1 {
		t.Errorf("counter value = %d, want 1", got)
	}
}

func TestBreakerTransitions(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBreakerTransition(ctx, "openai", "open")
	m.RecordBreakerTransition(ctx, "openai", "half-open")
	m.RecordBreakerTransition(ctx, "ollama#1", "open")

	rm := collect(t, reader)
	if got := sumPoint(t, rm, "tonecoach.llm.breaker.transitions", "backend", "ollama#1"); got != 1 {
		t.Errorf("ollama#1 transitions = %d, want 1", got)
	}
	if got := sumPoint(t, rm, "tonecoach.llm.breaker.transitions", "state", "half-open"); got != 1 {
		t.Errorf("half-open transitions = %d, want 1", got)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.AddPoolEntries(ctx, "ming_ti_2", 5)
	m.AddPoolEntries(ctx, "ming_ti_2", -1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)

	rm := collect(t, reader)
	if got := sumPoint(t, rm, "tonecoach.pool.entries", "key", "ming_ti_2"); got != 4 {
		t.Errorf("pool entries = %d, want 4", got)
	}

	met := findMetric(rm, "tonecoach.active_sessions")
	if met == nil {
		t.Fatal("metric tonecoach.active_sessions not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 {
		t.Fatal("active_sessions has no data points")
	}
	if got := sum.DataPoints[0].Value; got != 2 {
		t.Errorf("active sessions = %d, want 2", got)
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
	met := findMetric(rm, "tonecoach.http.request.duration")
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
