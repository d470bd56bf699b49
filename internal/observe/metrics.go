// Package observe provides application-wide observability primitives for
// tonecoach: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all tonecoach metrics.
const meterName = "github.com/MrWong99/tonecoach"

// Pool serve sources recorded on [Metrics.PoolServed].
const (
	SourcePool        = "pool"
	SourceFallback    = "fallback"
	SourceUnavailable = "unavailable"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// GenerationDuration tracks LLM generation latency. Use with attributes:
	//   attribute.String("kind", "item"|"report"), attribute.String("status", ...)
	GenerationDuration metric.Float64Histogram

	// EvaluationOpenDuration tracks dial + handshake latency to the scoring
	// service.
	EvaluationOpenDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// PoolServed counts consume outcomes. Use with attributes:
	//   attribute.String("key", ...), attribute.String("source", SourcePool|SourceFallback|SourceUnavailable)
	PoolServed metric.Int64Counter

	// EvaluationFrames counts frames sent upstream. Use with attribute:
	//   attribute.String("phase", "first"|"continue"|"last")
	EvaluationFrames metric.Int64Counter

	// EvaluationResults counts results relayed to clients. Use with attribute:
	//   attribute.String("kind", "partial"|"final"|"error")
	EvaluationResults metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes per LLM
	// backend. Use with attributes:
	//   attribute.String("backend", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// PoolEntries tracks the number of buffered practice items. Use with
	// attribute attribute.String("key", ...).
	PoolEntries metric.Int64UpDownCounter

	// ActiveSessions tracks the number of connected evaluation websockets.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). LLM
// generation routinely takes several seconds, so the tail is wide.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.GenerationDuration, err = m.Float64Histogram("tonecoach.generation.duration",
		metric.WithDescription("Latency of LLM content and report generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EvaluationOpenDuration, err = m.Float64Histogram("tonecoach.evaluation.open.duration",
		metric.WithDescription("Latency of opening an upstream scoring session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("tonecoach.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.PoolServed, err = m.Int64Counter("tonecoach.pool.served",
		metric.WithDescription("Practice items served by pool key and source."),
	); err != nil {
		return nil, err
	}
	if met.EvaluationFrames, err = m.Int64Counter("tonecoach.evaluation.frames",
		metric.WithDescription("Frames sent to the scoring service by phase."),
	); err != nil {
		return nil, err
	}
	if met.EvaluationResults, err = m.Int64Counter("tonecoach.evaluation.results",
		metric.WithDescription("Scoring results relayed to clients by kind."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("tonecoach.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("tonecoach.llm.breaker.transitions",
		metric.WithDescription("LLM circuit breaker state changes by backend and new state."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.PoolEntries, err = m.Int64UpDownCounter("tonecoach.pool.entries",
		metric.WithDescription("Number of buffered practice items by pool key."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("tonecoach.active_sessions",
		metric.WithDescription("Number of connected evaluation sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("tonecoach.http.request.duration",
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

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordPoolServed records how a consume request for key was satisfied.
func (m *Metrics) RecordPoolServed(ctx context.Context, key, source string) {
	m.PoolServed.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("key", key),
			attribute.String("source", source),
		),
	)
}

// AddPoolEntries adjusts the buffered-entry gauge for key by delta.
func (m *Metrics) AddPoolEntries(ctx context.Context, key string, delta int64) {
	m.PoolEntries.Add(ctx, delta, metric.WithAttributes(attribute.String("key", key)))
}

// RecordEvaluationFrame records one frame sent upstream.
func (m *Metrics) RecordEvaluationFrame(ctx context.Context, phase string) {
	m.EvaluationFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase)))
}

// RecordEvaluationResult records one result event relayed to a client.
func (m *Metrics) RecordEvaluationResult(ctx context.Context, kind string) {
	m.EvaluationResults.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordBreakerTransition records a breaker for backend entering state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, backend, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("state", state),
		),
	)
}
