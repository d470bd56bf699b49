package observe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of every tonecoach span.
const tracerName = "github.com/MrWong99/tonecoach"

// ProviderConfig describes the process-wide telemetry setup.
type ProviderConfig struct {
	// ServiceName is reported as service.name. Default: "tonecoach".
	ServiceName string

	// ServiceVersion is reported as service.version.
	ServiceVersion string

	// Traces selects the span exporter. The zero value records spans
	// without shipping them anywhere.
	Traces TraceExportConfig

	// Registry receives the Prometheus collectors. Nil means the default
	// Prometheus registry.
	Registry *prometheus.Registry
}

// Telemetry owns the SDK providers built by [InitProvider] and the
// [Metrics] recorded against them.
type Telemetry struct {
	// Metrics is bound to this Telemetry's meter provider.
	Metrics *Metrics

	meters   *sdkmetric.MeterProvider
	tracer   *sdktrace.TracerProvider
	gatherer prometheus.Gatherer
	exporter string
}

// InitProvider builds the span exporter from cfg.Traces, a tracer provider
// on top of it and a meter provider bridged to Prometheus. The tracer
// provider becomes the global one so [StartSpan] reaches it; metrics are
// handed out through Telemetry.Metrics and [Telemetry.MeterProvider]
// instead of the global meter provider.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "tonecoach"
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	spanExp, err := NewTraceExporter(ctx, cfg.Traces)
	if err != nil {
		return nil, err
	}

	t := &Telemetry{exporter: exporterName(cfg.Traces)}

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	t.gatherer = prometheus.DefaultGatherer
	if cfg.Registry != nil {
		registerer, t.gatherer = cfg.Registry, cfg.Registry
	}
	promExp, err := promexporter.New(promexporter.WithRegisterer(registerer))
	if err != nil {
		if spanExp != nil {
			_ = spanExp.Shutdown(ctx)
		}
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	t.meters = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(promExp))

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if spanExp != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(spanExp))
	}
	t.tracer = sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(t.tracer)

	if t.Metrics, err = NewMetrics(t.meters); err != nil {
		_ = t.Shutdown(ctx)
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}

	slog.Info("telemetry initialised",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"traces", t.exporter,
	)
	return t, nil
}

func exporterName(cfg TraceExportConfig) string {
	switch {
	case cfg.OTLPEndpoint != "" && cfg.OTLPProtocol == ProtocolHTTP:
		return "otlp-http"
	case cfg.OTLPEndpoint != "":
		return "otlp-grpc"
	case cfg.Stdout:
		return "stdout"
	default:
		return "none"
	}
}

// MeterProvider returns the provider behind Telemetry.Metrics.
func (t *Telemetry) MeterProvider() metric.MeterProvider { return t.meters }

// MetricsHandler serves the Prometheus exposition of the configured
// registry.
func (t *Telemetry) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(t.gatherer, promhttp.HandlerOpts{})
}

// Shutdown flushes pending spans, then stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.tracer.Shutdown(ctx), t.meters.Shutdown(ctx))
}

// StartSpan starts a span on the global tracer provider. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// Logger returns the default logger, tagged with trace_id and span_id when
// ctx carries a sampled or remote span.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
}
