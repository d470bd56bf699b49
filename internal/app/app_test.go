package app_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/tonecoach/internal/app"
	"github.com/MrWong99/tonecoach/internal/config"
	"github.com/MrWong99/tonecoach/internal/observe"
	"github.com/MrWong99/tonecoach/internal/practice"
	"github.com/MrWong99/tonecoach/pkg/provider/llm"
	llmmock "github.com/MrWong99/tonecoach/pkg/provider/llm/mock"
	scoringmock "github.com/MrWong99/tonecoach/pkg/provider/scoring/mock"
)

const validItem = `{"text":"你好。","chars":[{"c":"你","p":"nǐ"},{"c":"好","p":"hǎo"},{"c":"。","p":""}]}`

// testConfig returns a config with a single section and warm-up disabled.
func testConfig() *config.Config {
	warm := false
	cfg := &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			LogLevel:   config.LogInfo,
		},
		Pool: config.PoolConfig{
			Target:      2,
			Min:         1,
			BatchSize:   2,
			WarmOnStart: &warm,
		},
		Sections: []practice.Section{
			{ID: "lang_du", Name: "朗读短文", Description: "A short paragraph.", LongForm: true},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func testProviders() *app.Providers {
	return &app.Providers{
		LLM:     &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: validItem}},
		LLMName: "mock",
		Scoring: &scoringmock.Provider{},
	}
}

func newApp(t *testing.T, cfg *config.Config, providers *app.Providers, opts ...app.Option) *app.App {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	a, err := app.New(cfg, providers, append([]app.Option{app.WithMetrics(m)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		providers *app.Providers
	}{
		{name: "nil", providers: nil},
		{name: "no llm", providers: &app.Providers{Scoring: &scoringmock.Provider{}}},
		{name: "no scoring", providers: &app.Providers{LLM: &llmmock.Provider{}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := app.New(testConfig(), tc.providers); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNew_RejectsBadSections(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Sections = []practice.Section{{ID: "", Name: "x"}}
	if _, err := app.New(cfg, testProviders()); err == nil {
		t.Fatal("expected catalog error")
	}
}

func TestApp_GenerateContent(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(), testProviders())
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/generate-content", "application/json",
		strings.NewReader(`{"section":"lang_du","grade":2}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Practice-Source"); got != "fallback" {
		t.Errorf("source = %q, want fallback on a cold pool", got)
	}
	var entry practice.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry.Text != "你好。" || len(entry.Chars) != 3 {
		t.Errorf("entry = %+v", entry)
	}
}

func TestApp_ReadinessFollowsPool(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(), testProviders())
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	if code := get(t, srv.URL+"/healthz"); code != http.StatusOK {
		t.Errorf("/healthz = %d, want 200", code)
	}
	if code := get(t, srv.URL+"/readyz"); code != http.StatusServiceUnavailable {
		t.Errorf("/readyz on cold pool = %d, want 503", code)
	}

	ctx := context.Background()
	for _, g := range practice.Grades {
		key := practice.Key{Section: "lang_du", Grade: g}
		if _, err := a.Pool().Warm(ctx, key, 1); err != nil {
			t.Fatalf("Warm %s: %v", key, err)
		}
	}
	if code := get(t, srv.URL+"/readyz"); code != http.StatusOK {
		t.Errorf("/readyz on warm pool = %d, want 200", code)
	}
}

func TestApp_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(), testProviders())
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	if code := get(t, srv.URL+"/metrics"); code != http.StatusOK {
		t.Errorf("/metrics = %d, want 200", code)
	}
}

func TestApp_TelemetryRegistry(t *testing.T) {
	origTP := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	tel, err := observe.InitProvider(context.Background(), observe.ProviderConfig{Registry: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	a, err := app.New(testConfig(), testProviders(), app.WithTelemetry(tel))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	get(t, srv.URL+"/healthz")
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "tonecoach_http_request_duration") {
		t.Errorf("/metrics does not expose the app's own registry:\n%s", body)
	}
}

func TestApp_WebsocketRoute(t *testing.T) {
	t.Parallel()

	scoring := &scoringmock.Provider{}
	providers := testProviders()
	providers.Scoring = scoring
	a := newApp(t, testConfig(), providers)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	if err := wsjson.Write(ctx, conn, map[string]string{"type": "start-evaluation", "text": "你好"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var msg struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "status" || msg.Message != "Connected" {
		t.Errorf("first message = %+v, want Connected status", msg)
	}
	calls := scoring.Calls()
	if len(calls) != 1 || calls[0].Req.Language != "cn_vip" {
		t.Errorf("scoring calls = %+v, want one cn_vip open", calls)
	}
}

func TestApp_StaticDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(dir+"/index.html", []byte("<h1>tonecoach</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.Server.StaticDir = dir
	a := newApp(t, cfg, testProviders())
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "tonecoach") {
		t.Errorf("body = %q", body)
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	cfg := testConfig()
	warm := true
	cfg.Pool.WarmOnStart = &warm
	a := newApp(t, cfg, testProviders(), app.WithListener(ln))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	url := "http://" + ln.Addr().String()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if code := get(t, url+"/readyz"); code == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pool never became ready after warm-up")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	// Idempotent.
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if _, err := http.Get(url + "/healthz"); err == nil {
		t.Error("server still accepting after Shutdown")
	}
}

func TestApp_ShutdownExpiredContext(t *testing.T) {
	t.Parallel()

	a := newApp(t, testConfig(), testProviders())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); err == nil {
		t.Error("expected context error from Shutdown with expired context")
	}
}

func get(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		return 0
	}
	resp.Body.Close()
	return resp.StatusCode
}
