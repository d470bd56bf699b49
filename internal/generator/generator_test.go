package generator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/tonecoach/internal/observe"
	"github.com/MrWong99/tonecoach/internal/practice"
	"github.com/MrWong99/tonecoach/pkg/provider/llm"
	llmmock "github.com/MrWong99/tonecoach/pkg/provider/llm/mock"
)

const validItem = `{"text":"你好。","chars":[{"c":"你","p":"nǐ"},{"c":"好","p":"hǎo"},{"c":"。","p":""}]}`

func newTestGenerator(t *testing.T, p llm.Provider, cfg Config) *Generator {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return New(p, cfg, WithMetrics(m), WithProviderName("mock"))
}

func section(t *testing.T, id string) practice.Section {
	t.Helper()
	c, err := practice.NewCatalog(practice.DefaultSections())
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	s, ok := c.Section(id)
	if !ok {
		t.Fatalf("section %q not found", id)
	}
	return s
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	g := newTestGenerator(t, &llmmock.Provider{}, Config{})
	cfg := g.Config()
	if cfg.Temperature != 0.85 || cfg.ShortMaxTokens != 450 || cfg.LongMaxTokens != 900 || cfg.ReportMaxTokens != 1200 {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestGenerate_Success(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "```json\n" + validItem + "\n```"}}
	g := newTestGenerator(t, p, Config{})

	entry, err := g.Generate(context.Background(), section(t, "duo_yin_jie"), practice.GradeTwo)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if entry.Text != "你好。" || len(entry.Chars) != 3 {
		t.Errorf("entry = %+v", entry)
	}

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("Complete called %d times, want 1", len(calls))
	}
	req := calls[0].Req
	if !strings.Contains(req.SystemPrompt, `"chars"`) || !strings.Contains(req.SystemPrompt, `p=""`) {
		t.Errorf("system prompt does not demand the structured format: %q", req.SystemPrompt)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
		t.Fatalf("messages = %+v", req.Messages)
	}
	user := req.Messages[0].Content
	for _, want := range []string{"多音节词语", "tone sandhi", practice.GradeTwo.Instruction()} {
		if !strings.Contains(user, want) {
			t.Errorf("user prompt %q missing %q", user, want)
		}
	}
	if req.Temperature != 0.85 {
		t.Errorf("temperature = %v, want 0.85", req.Temperature)
	}
	if req.MaxTokens != 450 {
		t.Errorf("max tokens = %d, want 450 for a short section", req.MaxTokens)
	}
}

func TestGenerate_LongFormBudget(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: validItem}}
	g := newTestGenerator(t, p, Config{LongMaxTokens: 1000})

	if _, err := g.Generate(context.Background(), section(t, "lang_du"), practice.GradeOne); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := p.Calls()[0].Req.MaxTokens; got != 1000 {
		t.Errorf("max tokens = %d, want 1000 for long-form", got)
	}
}

func TestGenerate_ClampsToModelLimit(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{
		CompleteResponse:  &llm.CompletionResponse{Content: validItem},
		ModelCapabilities: llm.ModelCapabilities{MaxOutputTokens: 512},
	}
	g := newTestGenerator(t, p, Config{})

	if _, err := g.Generate(context.Background(), section(t, "lang_du"), practice.GradeOne); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := p.Calls()[0].Req.MaxTokens; got != 512 {
		t.Errorf("max tokens = %d, want clamped 512", got)
	}
}

func TestGenerate_UnknownGradeUsesBaseline(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: validItem}}
	g := newTestGenerator(t, p, Config{})

	if _, err := g.Generate(context.Background(), section(t, "ming_ti"), practice.Grade(9)); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if user := p.Calls()[0].Req.Messages[0].Content; !strings.Contains(user, practice.GradeThree.Instruction()) {
		t.Errorf("user prompt %q should fall back to grade 3", user)
	}
}

func TestGenerate_Failures(t *testing.T) {
	t.Parallel()
	errDown := errors.New("503 service unavailable")
	tests := []struct {
		name     string
		provider *llmmock.Provider
		wantErr  error
	}{
		{name: "transport error", provider: &llmmock.Provider{CompleteErr: errDown}, wantErr: errDown},
		{name: "nil response", provider: &llmmock.Provider{}},
		{name: "unparseable", provider: &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "抱歉"}}},
		{name: "missing text", provider: &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: `{"chars":[]}`}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGenerator(t, tt.provider, Config{})
			_, err := g.Generate(context.Background(), section(t, "xuan_ze"), practice.GradeThree)
			if !errors.Is(err, ErrNoResult) {
				t.Fatalf("err = %v, want ErrNoResult", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want it to wrap %v", err, tt.wantErr)
			}
		})
	}
}

func TestGenerate_TruncatedOutputRepaired(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{
		Content:      `{"text":"你好吗","chars":[{"c":"你","p":"nǐ"},{"c":"好","p":"hǎo"},{"c":"吗","p":"m`,
		FinishReason: "length",
	}}
	g := newTestGenerator(t, p, Config{})

	entry, err := g.Generate(context.Background(), section(t, "dan_yin_jie"), practice.GradeTwo)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(entry.Chars) != 2 {
		t.Errorf("got %d units, want 2", len(entry.Chars))
	}
}
