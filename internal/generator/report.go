package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/tonecoach/internal/observe"
	"github.com/MrWong99/tonecoach/pkg/provider/llm"
)

// ErrEmptyHistory is returned by Report when there is nothing to report on.
var ErrEmptyHistory = errors.New("generator: empty history")

// HistoryRow is one attempt in a practice session as reported by the client.
type HistoryRow struct {
	Section    string   `json:"section"`
	Text       string   `json:"text"`
	TotalScore float64  `json:"totalScore"`
	Tone       float64  `json:"tone"`
	Fluency    float64  `json:"fluency"`
	Errors     []string `json:"errors"`
}

const reportSystemPrompt = `You are a PSC (普通话水平测试) coach writing a report card in %s. 
Return ONLY an HTML string (no markdown, no code fences) containing:
1. A <table> with columns: # | 练习内容 | 得分 | 声调 | 流利度 | 错误字 | 改进建议
2. A short <div class="report-summary"> paragraph with top-3 tips.
Use inline styles for the table: border-collapse:collapse, td padding 8px 12px, alternating row background rgba(255,255,255,0.05).
Color scores: green if >=80, orange if >=60, red if <60.`

// LanguageName maps the client's UI language code to the language the
// report is written in.
func LanguageName(lang string) string {
	switch lang {
	case "en":
		return "English"
	case "hk":
		return "Traditional Chinese (Cantonese users)"
	default:
		return "Simplified Chinese"
	}
}

// renderHistory formats rows one per line for the prompt.
func renderHistory(rows []HistoryRow) string {
	var b strings.Builder
	for i, h := range rows {
		if i > 0 {
			b.WriteByte('\n')
		}
		errs := strings.Join(h.Errors, ", ")
		if errs == "" {
			errs = "none"
		}
		fmt.Fprintf(&b, `Row %d: Section="%s" | Text="%s" | Score=%.1f | Tone=%.1f | Fluency=%.1f | Errors=[%s]`,
			i+1, h.Section, h.Text, h.TotalScore, h.Tone, h.Fluency, errs)
	}
	return b.String()
}

// Report asks the model for an HTML report card summarising rows, written in
// the language selected by lang ("en", "hk", anything else = Simplified
// Chinese). The HTML itself is passed through unchecked apart from fence
// stripping.
func (g *Generator) Report(ctx context.Context, rows []HistoryRow, lang string) (string, error) {
	if len(rows) == 0 {
		return "", ErrEmptyHistory
	}
	ctx, span := observe.StartSpan(ctx, "generator.Report",
		trace.WithAttributes(
			attribute.Int("rows", len(rows)),
			attribute.String("lang", lang),
		),
	)
	defer span.End()

	resp, err := g.complete(ctx, "report", llm.CompletionRequest{
		SystemPrompt: fmt.Sprintf(reportSystemPrompt, LanguageName(lang)),
		Messages: []llm.Message{{
			Role:    "user",
			Content: "Generate the report card HTML for this session:\n" + renderHistory(rows),
		}},
		Temperature: g.cfg.Temperature,
		MaxTokens:   g.llm.Capabilities().ClampMaxTokens(g.cfg.ReportMaxTokens),
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("generator: report: %w", err)
	}
	return stripFences(resp.Content, "html"), nil
}
