// Package app wires all Reverie subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and drives the extraction workers, and
// Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithFactStore, WithSnippetIndex, WithConsumer). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/reverie-ai/reverie/internal/api"
	"github.com/reverie-ai/reverie/internal/bus"
	"github.com/reverie-ai/reverie/internal/config"
	"github.com/reverie-ai/reverie/internal/extract"
	"github.com/reverie-ai/reverie/internal/health"
	"github.com/reverie-ai/reverie/internal/maintenance"
	"github.com/reverie-ai/reverie/internal/observe"
	"github.com/reverie-ai/reverie/internal/resilience"
	"github.com/reverie-ai/reverie/internal/retrieval"
	"github.com/reverie-ai/reverie/internal/worker"
	"github.com/reverie-ai/reverie/pkg/memory"
	"github.com/reverie-ai/reverie/pkg/memory/chromem"
	"github.com/reverie-ai/reverie/pkg/memory/inmem"
	"github.com/reverie-ai/reverie/pkg/memory/postgres"
	"github.com/reverie-ai/reverie/pkg/provider/embeddings"
	"github.com/reverie-ai/reverie/pkg/provider/llm"
)

// defaultEmbeddingDims is used when stores.embedding_dimensions is unset.
// Matches all-minilm and the reduced output of text-embedding-3 models.
const defaultEmbeddingDims = 384

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM        llm.Provider
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	facts      memory.FactStore
	snippets   memory.SnippetIndex
	store      *postgres.Store
	bus        *bus.RedisBus
	consumer   bus.Consumer
	pool       *worker.Pool
	engine     *retrieval.Engine
	retention  *maintenance.Retention
	metrics    *observe.Metrics
	httpServer *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithFactStore injects a fact store instead of creating one from config.
func WithFactStore(s memory.FactStore) Option {
	return func(a *App) { a.facts = s }
}

// WithSnippetIndex injects a snippet index instead of creating one from config.
func WithSnippetIndex(s memory.SnippetIndex) Option {
	return func(a *App) { a.snippets = s }
}

// WithConsumer injects a bus consumer instead of connecting to Redis.
func WithConsumer(c bus.Consumer) Option {
	return func(a *App) { a.consumer = c }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: telemetry, store connection,
// bus connection, worker pool, retrieval engine, HTTP server, and the
// retention job.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	if providers.Embeddings == nil {
		return nil, fmt.Errorf("app: embeddings provider is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Telemetry ─────────────────────────────────────────────────────
	if err := a.initObservability(ctx); err != nil {
		return nil, fmt.Errorf("app: init observability: %w", err)
	}

	// ── 2. Memory stores ─────────────────────────────────────────────────
	if err := a.initStores(ctx); err != nil {
		return nil, fmt.Errorf("app: init stores: %w", err)
	}

	// ── 3. Conversation bus + extraction workers ─────────────────────────
	if err := a.initPipeline(ctx); err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 4. Retrieval engine ──────────────────────────────────────────────
	if err := a.initRetrieval(); err != nil {
		return nil, fmt.Errorf("app: init retrieval: %w", err)
	}

	// ── 5. HTTP server ───────────────────────────────────────────────────
	if err := a.initHTTP(); err != nil {
		return nil, fmt.Errorf("app: init http: %w", err)
	}

	// ── 6. Retention job ─────────────────────────────────────────────────
	if err := a.initRetention(); err != nil {
		return nil, fmt.Errorf("app: init retention: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initObservability sets up the OTel SDK with the Prometheus bridge and the
// application metric instruments.
func (a *App) initObservability(ctx context.Context) error {
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "reverie",
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(shutdownCtx)
	})

	a.metrics = observe.DefaultMetrics()
	return nil
}

// initStores connects the fact store and the snippet index, honouring the
// configured backend. Facts live in PostgreSQL whenever a DSN is configured;
// the chromem backend without a DSN falls back to the in-memory fact store
// for development.
func (a *App) initStores(ctx context.Context) error {
	if a.facts != nil && a.snippets != nil {
		return nil // both injected
	}

	dims := a.cfg.Stores.EmbeddingDimensions
	if dims == 0 {
		dims = defaultEmbeddingDims
	}
	if pd := a.providers.Embeddings.Dimensions(); pd != 0 && pd != dims {
		return fmt.Errorf("embedder produces %d-d vectors but stores expect %d", pd, dims)
	}

	if dsn := a.cfg.Stores.PostgresDSN; dsn != "" {
		err := resilience.Retry(ctx, resilience.RetryConfig{Name: "postgres"}, func(ctx context.Context) error {
			store, err := postgres.NewStore(ctx, dsn, dims)
			if err != nil {
				return err
			}
			a.store = store
			return nil
		})
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, func() error {
			a.store.Close()
			return nil
		})

		if a.facts == nil {
			a.facts = a.store.Facts()
		}
		if a.snippets == nil && a.cfg.Stores.Backend != config.BackendChromem {
			a.snippets = a.store.Snippets()
		}
	}

	if a.facts == nil {
		slog.Warn("no postgres dsn configured; facts are held in memory and will not survive a restart")
		a.facts = inmem.NewFactStore()
	}
	if a.snippets == nil {
		a.snippets = chromem.NewSnippetIndex(dims)
	}
	return nil
}

// initPipeline connects the Redis bus and starts nothing yet; the worker pool
// is constructed here and driven by Run. With no redis_addr the service runs
// retrieval-only.
func (a *App) initPipeline(ctx context.Context) error {
	if a.consumer == nil {
		if a.cfg.Bus.RedisAddr == "" {
			slog.Warn("bus.redis_addr not set; extraction pipeline disabled")
			return nil
		}

		busCfg := bus.RedisConfig{
			Addr:             a.cfg.Bus.RedisAddr,
			Password:         a.cfg.Bus.RedisPassword,
			DB:               a.cfg.Bus.RedisDB,
			Stream:           a.cfg.Bus.Stream,
			Group:            a.cfg.Bus.Group,
			DeadLetterStream: a.cfg.Bus.DeadLetterStream,
			MaxDeliveries:    a.cfg.Bus.MaxDeliveries,
		}
		err := resilience.Retry(ctx, resilience.RetryConfig{Name: "redis"}, func(ctx context.Context) error {
			b, err := bus.NewRedisBus(ctx, busCfg,
				bus.WithDeadLetterHook(a.metrics.RecordDeadLetter))
			if err != nil {
				return err
			}
			a.bus = b
			return nil
		})
		if err != nil {
			return fmt.Errorf("connect redis bus: %w", err)
		}
		a.closers = append(a.closers, a.bus.Close)
		a.consumer = a.bus

		if err := a.metrics.RegisterBusLag(a.bus.PendingCount); err != nil {
			return fmt.Errorf("register bus lag gauge: %w", err)
		}
	}

	if a.providers.LLM == nil {
		slog.Warn("no llm provider configured; extraction pipeline disabled")
		return nil
	}

	// The extractor's provider sits behind a breaker so an LLM outage fails
	// fast and re-queues turns instead of stalling every worker.
	guardedLLM := resilience.NewLLMFallback(a.providers.LLM, "llm", resilience.FallbackConfig{})

	extractor, err := extract.NewExtractor(guardedLLM)
	if err != nil {
		return fmt.Errorf("create extractor: %w", err)
	}

	workerOpts := []worker.Option{
		worker.WithMetrics(a.metrics),
	}
	if a.cfg.Bus.Workers > 0 {
		workerOpts = append(workerOpts, worker.WithWorkers(a.cfg.Bus.Workers))
	}
	if a.cfg.Memory.ChunkSize > 0 {
		workerOpts = append(workerOpts, worker.WithChunkSize(a.cfg.Memory.ChunkSize))
	}

	pool, err := worker.NewPool(a.consumer, extractor, a.facts, a.snippets, a.providers.Embeddings, workerOpts...)
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	a.pool = pool
	return nil
}

// initRetrieval builds the retrieval engine. The embedder is wrapped in a
// circuit breaker so a hung provider fails fast instead of eating the
// sub-query deadline on every request.
func (a *App) initRetrieval() error {
	guarded := resilience.NewEmbeddingsFallback(a.providers.Embeddings, "embeddings", resilience.FallbackConfig{})

	opts := []retrieval.Option{
		retrieval.WithMetrics(a.metrics),
		retrieval.WithDefaultLimits(a.cfg.Memory.MaxFacts, a.cfg.Memory.MaxSnippets),
	}
	if d := a.cfg.Memory.SubQueryTimeout.Std(); d > 0 {
		opts = append(opts, retrieval.WithSubQueryTimeout(d))
	}

	engine, err := retrieval.NewEngine(a.facts, a.snippets, guarded, opts...)
	if err != nil {
		return err
	}
	a.engine = engine
	return nil
}

// initHTTP assembles the health checkers, the chi router and the HTTP server.
func (a *App) initHTTP() error {
	var checkers []health.Checker
	if a.store != nil {
		checkers = append(checkers, health.PingChecker("postgres", a.store))
	}
	if a.bus != nil {
		checkers = append(checkers, health.PingChecker("redis", a.bus))
	}
	checkers = append(checkers, health.Checker{
		Name: "embedder",
		Check: func(ctx context.Context) error {
			_, err := a.providers.Embeddings.Embed(ctx, "ping")
			return err
		},
	})

	server, err := api.NewServer(a.engine, a.facts, a.snippets,
		api.WithHealthHandler(health.New(checkers...)),
		api.WithMetricsHandler(promhttp.Handler()),
		api.WithMiddleware(observe.Middleware(a.metrics)),
	)
	if err != nil {
		return err
	}

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	a.httpServer = &http.Server{
		Addr:              addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// initRetention builds the cron-driven snippet pruning job.
func (a *App) initRetention() error {
	rcfg := maintenance.RetentionConfig{
		Schedule:             a.cfg.Retention.Schedule,
		MaxSnippetAge:        a.cfg.Retention.MaxSnippetAge.Std(),
		MaxSnippetsPerTenant: a.cfg.Retention.MaxSnippetsPerTenant,
	}
	retention, err := maintenance.NewRetention(a.snippets, rcfg)
	if err != nil {
		return err
	}
	a.retention = retention
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP, drives the extraction workers and the retention schedule,
// and blocks until ctx is cancelled or the HTTP server fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.retention.Start(); err != nil {
		return fmt.Errorf("app: start retention: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", a.httpServer.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpServer.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})

	// Stop accepting requests as soon as the context is done so the errgroup
	// can drain.
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(shutdownCtx)
	})

	if a.pool != nil {
		g.Go(func() error {
			return a.pool.Run(ctx)
		})
	}

	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.retention.Stop()

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
