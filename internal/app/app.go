// Package app wires all tonecoach subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the catalog, LLM
// failover group, generator, item pool, websocket session manager and HTTP
// routes; Run serves HTTP and warms the pool; Shutdown tears everything down
// in order.
//
// For testing, inject doubles via functional options (WithMetrics,
// WithListener) and pass mock providers in [Providers].
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/tonecoach/internal/api"
	"github.com/MrWong99/tonecoach/internal/config"
	"github.com/MrWong99/tonecoach/internal/generator"
	"github.com/MrWong99/tonecoach/internal/health"
	"github.com/MrWong99/tonecoach/internal/observe"
	"github.com/MrWong99/tonecoach/internal/pool"
	"github.com/MrWong99/tonecoach/internal/practice"
	"github.com/MrWong99/tonecoach/internal/resilience"
	"github.com/MrWong99/tonecoach/internal/session"
	"github.com/MrWong99/tonecoach/pkg/provider/llm"
	"github.com/MrWong99/tonecoach/pkg/provider/scoring"
)

// NamedLLM pairs an LLM provider with its registry name.
type NamedLLM struct {
	Name     string
	Provider llm.Provider
}

// Providers holds the constructed provider instances. Populated by main.go
// via the config registry.
type Providers struct {
	// LLM is the primary model backend. Required.
	LLM llm.Provider

	// LLMName labels the primary in logs, metrics and readiness output.
	LLMName string

	// LLMFallbacks are tried in order when the primary fails or its circuit
	// breaker is open.
	LLMFallbacks []NamedLLM

	// Scoring opens upstream pronunciation evaluations. Required.
	Scoring scoring.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	scrape    http.Handler
	listener  net.Listener

	catalog  *practice.Catalog
	llm      *resilience.LLMFallback
	gen      *generator.Generator
	pool     *pool.Pool
	sessions *session.Manager
	health   *health.Handler
	handler  http.Handler
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics records all instruments on m instead of the global provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTelemetry records on t's meter provider and serves t's Prometheus
// registry at /metrics.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) {
		a.metrics = t.Metrics
		a.scrape = t.MetricsHandler()
	}
}

// WithListener makes Run serve on ln instead of listening on
// cfg.Server.ListenAddr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// New creates an App by wiring all subsystems together. It performs no I/O;
// the pool is warmed by Run.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is nil")
	}
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: an LLM provider is required")
	}
	if providers.Scoring == nil {
		return nil, errors.New("app: a scoring provider is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	catalog, err := practice.NewCatalog(cfg.Sections)
	if err != nil {
		return nil, fmt.Errorf("app: build catalog: %w", err)
	}
	a.catalog = catalog

	a.initLLM()

	a.gen = generator.New(a.llm, generator.Config{
		Temperature:     cfg.Generator.Temperature,
		ShortMaxTokens:  cfg.Generator.ShortMaxTokens,
		LongMaxTokens:   cfg.Generator.LongMaxTokens,
		ReportMaxTokens: cfg.Generator.ReportMaxTokens,
	}, generator.WithMetrics(a.metrics), generator.WithProviderName(a.primaryName()))

	a.pool = pool.New(a.gen, catalog, pool.Config{
		Target:          cfg.Pool.Target,
		Min:             cfg.Pool.Min,
		BatchSize:       cfg.Pool.BatchSize,
		MaxInFlight:     cfg.Pool.MaxInFlight,
		GenerateTimeout: cfg.Pool.GenerateTimeout,
	}, pool.WithMetrics(a.metrics))

	a.sessions = session.NewManager(providers.Scoring, session.Config{
		OriginPatterns: cfg.Server.AllowedOrigins,
	}, session.WithMetrics(a.metrics))

	a.health = health.New(
		health.PoolChecker(a.pool),
		health.LLMChecker(a.llm),
	)

	a.handler = observe.Middleware(a.metrics)(a.routes())
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// HTTP first so no new sessions arrive, then live websockets, then pool
	// refills.
	a.closers = append(a.closers,
		a.server.Shutdown,
		a.sessions.Shutdown,
		func(context.Context) error { return a.pool.Close() },
	)

	return a, nil
}

// initLLM builds the failover group over the primary and configured
// fallbacks.
func (a *App) initLLM() {
	a.llm = resilience.NewLLMFallback(a.providers.LLM, a.primaryName(), resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  5,
			ResetTimeout: 30 * time.Second,
			HalfOpenMax:  1,
			OnStateChange: func(name string, _, to resilience.State) {
				a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
			},
		},
	})
	for _, fb := range a.providers.LLMFallbacks {
		if fb.Provider == nil {
			continue
		}
		a.llm.AddFallback(fb.Name, fb.Provider)
	}
}

func (a *App) primaryName() string {
	if a.providers.LLMName != "" {
		return a.providers.LLMName
	}
	return "llm"
}

// routes builds the request multiplexer.
func (a *App) routes() *http.ServeMux {
	mux := http.NewServeMux()
	api.New(a.pool, a.catalog, a.gen).Register(mux)
	a.health.Register(mux)
	mux.Handle("GET /ws", a.sessions)
	scrape := a.scrape
	if scrape == nil {
		scrape = promhttp.Handler()
	}
	mux.Handle("GET /metrics", scrape)
	if dir := a.cfg.Server.StaticDir; dir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(dir)))
	}
	return mux
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Pool returns the practice item pool.
func (a *App) Pool() *pool.Pool { return a.pool }

// Sessions returns the websocket session manager.
func (a *App) Sessions() *session.Manager { return a.sessions }

// Run serves HTTP and blocks until ctx is cancelled or the server fails.
// When warm-up is enabled every pool key is filled to its minimum in the
// background. Run returns nil after a clean cancellation; call Shutdown
// afterwards to release resources.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.Pool.ShouldWarm() {
		a.pool.WarmAll()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.serve()
	}()

	slog.Info("app running",
		"addr", a.addr(),
		"sections", len(a.catalog.Sections()),
		"keys", len(a.catalog.Keys()),
		"tls", a.cfg.Server.TLS != nil,
	)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

func (a *App) serve() error {
	tls := a.cfg.Server.TLS
	if a.listener != nil {
		if tls != nil {
			return a.server.ServeTLS(a.listener, tls.CertFile, tls.KeyFile)
		}
		return a.server.Serve(a.listener)
	}
	if tls != nil {
		return a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	}
	return a.server.ListenAndServe()
}

func (a *App) addr() string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.cfg.Server.ListenAddr
}

// Shutdown stops accepting requests, closes every live evaluation session
// and stops background pool refills. It is idempotent. If ctx expires before
// all closers have run, the remaining ones are skipped and ctx.Err() is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers), "sessions", a.sessions.Active())

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(ctx); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
