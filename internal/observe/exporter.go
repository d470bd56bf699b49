package observe

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Trace export protocols accepted by [NewTraceExporter].
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http"
)

// TraceExportConfig selects where spans are shipped.
type TraceExportConfig struct {
	// OTLPEndpoint is the collector host:port. Empty disables OTLP export.
	OTLPEndpoint string

	// OTLPProtocol is ProtocolGRPC (default) or ProtocolHTTP.
	OTLPProtocol string

	// Insecure disables TLS towards the collector.
	Insecure bool

	// Stdout writes spans to StdoutWriter when no OTLP endpoint is set.
	Stdout bool

	// StdoutWriter receives pretty-printed spans. Default: os.Stdout.
	StdoutWriter io.Writer
}

// NewTraceExporter builds the span exporter described by cfg. It returns
// (nil, nil) when cfg enables no exporter; spans are then recorded but
// dropped. Creating an OTLP exporter does not contact the collector.
func NewTraceExporter(ctx context.Context, cfg TraceExportConfig) (sdktrace.SpanExporter, error) {
	if cfg.OTLPEndpoint != "" {
		switch cfg.OTLPProtocol {
		case "", ProtocolGRPC:
			opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
			if cfg.Insecure {
				opts = append(opts, otlptracegrpc.WithInsecure())
			}
			return otlptracegrpc.New(ctx, opts...)
		case ProtocolHTTP:
			opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
			if cfg.Insecure {
				opts = append(opts, otlptracehttp.WithInsecure())
			}
			return otlptracehttp.New(ctx, opts...)
		default:
			return nil, fmt.Errorf("observe: unknown OTLP protocol %q", cfg.OTLPProtocol)
		}
	}
	if cfg.Stdout {
		opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
		if cfg.StdoutWriter != nil {
			opts = append(opts, stdouttrace.WithWriter(cfg.StdoutWriter))
		}
		return stdouttrace.New(opts...)
	}
	return nil, nil
}
