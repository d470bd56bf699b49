// Package generator produces practice items and session reports with an LLM.
//
// Generate asks the model for one strictly structured item
// ({"text":..,"chars":[{"c":..,"p":..}]}), strips code fences, repairs
// truncated output and validates the result. Generation is best-effort:
// every failure is returned as an error wrapping [ErrNoResult] so callers
// can treat it as a simple miss. Nothing in this package panics on bad
// model output.
package generator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/tonecoach/internal/observe"
	"github.com/MrWong99/tonecoach/internal/practice"
	"github.com/MrWong99/tonecoach/pkg/provider/llm"
)

// ErrNoResult is wrapped by every error returned from Generate.
var ErrNoResult = errors.New("generator: no result")

const itemSystemPrompt = `You are a PSC (普通话水平测试) exam coach. Respond with ONLY valid JSON in this format:
{"text":"完整文本","chars":[{"c":"字","p":"pīnyīn"},{"c":"，","p":""},...]}
Rules: "text" = full Simplified Chinese. "chars" = every character/punctuation with tone-marked pinyin. Punctuation gets p="". No markdown, no extra text.`

// Config holds the sampling parameters.
type Config struct {
	// Temperature for item and report generation. Default: 0.85.
	Temperature float64

	// ShortMaxTokens is the budget for regular sections. Default: 450.
	ShortMaxTokens int

	// LongMaxTokens is the budget for long-form sections. Default: 900.
	LongMaxTokens int

	// ReportMaxTokens is the budget for session reports. Default: 1200.
	ReportMaxTokens int
}

func (c *Config) applyDefaults() {
	if c.Temperature == 0 {
		c.Temperature = 0.85
	}
	if c.ShortMaxTokens <= 0 {
		c.ShortMaxTokens = 450
	}
	if c.LongMaxTokens <= 0 {
		c.LongMaxTokens = 900
	}
	if c.ReportMaxTokens <= 0 {
		c.ReportMaxTokens = 1200
	}
}

// Option is a functional option for [New].
type Option func(*Generator)

// WithMetrics records generation latency and provider counters on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Generator) {
		g.metrics = m
	}
}

// WithProviderName sets the provider label used in metrics. Default: "llm".
func WithProviderName(name string) Option {
	return func(g *Generator) {
		g.providerName = name
	}
}

// Generator produces practice items and reports. It is safe for concurrent
// use; the pool calls Generate from many goroutines.
type Generator struct {
	llm          llm.Provider
	cfg          Config
	metrics      *observe.Metrics
	providerName string
}

// New creates a Generator backed by p. Zero Config fields get defaults.
func New(p llm.Provider, cfg Config, opts ...Option) *Generator {
	cfg.applyDefaults()
	g := &Generator{
		llm:          p,
		cfg:          cfg,
		providerName: "llm",
	}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

// Config returns the effective configuration after defaults.
func (g *Generator) Config() Config { return g.cfg }

// Generate produces one practice item for section at grade.
func (g *Generator) Generate(ctx context.Context, section practice.Section, grade practice.Grade) (practice.Entry, error) {
	ctx, span := observe.StartSpan(ctx, "generator.Generate",
		trace.WithAttributes(
			attribute.String("section", section.ID),
			attribute.Int("grade", int(grade)),
		),
	)
	defer span.End()

	maxTokens := g.cfg.ShortMaxTokens
	if section.LongForm {
		maxTokens = g.cfg.LongMaxTokens
	}

	resp, err := g.complete(ctx, "item", llm.CompletionRequest{
		SystemPrompt: itemSystemPrompt,
		Messages: []llm.Message{{
			Role:    "user",
			Content: itemPrompt(section, grade),
		}},
		Temperature: g.cfg.Temperature,
		MaxTokens:   g.llm.Capabilities().ClampMaxTokens(maxTokens),
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return practice.Entry{}, fmt.Errorf("%w: %w", ErrNoResult, err)
	}

	entry, err := parseEntry(resp.Content)
	if err != nil {
		span.SetStatus(codes.Error, "unparseable output")
		observe.Logger(ctx).Warn("generation produced unusable output",
			"section", section.ID,
			"grade", int(grade),
			"finish_reason", resp.FinishReason,
			"err", err,
		)
		return practice.Entry{}, err
	}
	span.SetAttributes(attribute.Int("units", len(entry.Chars)))
	return entry, nil
}

func itemPrompt(section practice.Section, grade practice.Grade) string {
	return fmt.Sprintf("Generate one practice item for PSC section: %s. Task: %s. Level: %s.",
		section.Name, section.Description, grade.Instruction())
}

// complete runs one LLM call and records latency and provider counters.
func (g *Generator) complete(ctx context.Context, kind string, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()
	resp, err := g.llm.Complete(ctx, req)
	if err == nil && resp == nil {
		err = errors.New("empty response")
	}

	status := "ok"
	if err != nil {
		status = "error"
		g.metrics.RecordProviderError(ctx, g.providerName, "llm")
	}
	g.metrics.RecordProviderRequest(ctx, g.providerName, "llm", status)
	g.metrics.GenerationDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
	return resp, err
}
