// Package app wires all voicecmd subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the ops endpoints and forwards events, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithKV, WithQuerier,
// WithExecutor). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voicecmd/internal/apperr"
	"github.com/MrWong99/voicecmd/internal/config"
	"github.com/MrWong99/voicecmd/internal/entity"
	"github.com/MrWong99/voicecmd/internal/events"
	"github.com/MrWong99/voicecmd/internal/health"
	"github.com/MrWong99/voicecmd/internal/kv"
	"github.com/MrWong99/voicecmd/internal/observe"
	"github.com/MrWong99/voicecmd/internal/orgctx"
	"github.com/MrWong99/voicecmd/internal/parser"
	"github.com/MrWong99/voicecmd/internal/pipeline"
	"github.com/MrWong99/voicecmd/internal/resilience"
	"github.com/MrWong99/voicecmd/internal/temporal"
	"github.com/MrWong99/voicecmd/internal/transcription"
	"github.com/MrWong99/voicecmd/pkg/provider/llm"
	"github.com/MrWong99/voicecmd/pkg/provider/stt"
	"github.com/MrWong99/voicecmd/pkg/store/postgres"
)

// NamedLLM is a language-understanding provider with the name it was
// configured under.
type NamedLLM struct {
	Name     string
	Provider llm.Provider
}

// NamedSTT is a transcription client factory with the name it was configured
// under. The pool calls New once per pooled handle.
type NamedSTT struct {
	Name string
	New  transcription.Factory
}

// Providers holds the configured endpoints, primary first. Populated by
// main.go via the config registry.
type Providers struct {
	LLM []NamedLLM
	STT []NamedSTT
}

// pinger is implemented by backing stores that can report reachability.
type pinger interface {
	Ping(ctx context.Context) error
}

// App owns all subsystem lifetimes and runs the voice-command pipeline.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	store        kv.Store
	db           postgres.Querier
	contexts     *orgctx.Aggregator
	resolver     *entity.Resolver
	dates        *temporal.Resolver
	llm          llm.Provider
	pool         *transcription.Pool
	service      *transcription.Service
	parser       *parser.Parser
	bus          *events.Bus
	sink         *events.KafkaSink
	executor     pipeline.Executor
	orchestrator *pipeline.Orchestrator
	health       *health.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithKV injects a key/value store instead of creating one from config.
func WithKV(s kv.Store) Option {
	return func(a *App) { a.store = s }
}

// WithQuerier injects the organization database instead of connecting to
// database.postgres_dsn.
func WithQuerier(q postgres.Querier) Option {
	return func(a *App) { a.db = q }
}

// WithExecutor enables the execution stage of the pipeline.
func WithExecutor(e pipeline.Executor) Option {
	return func(a *App) { a.executor = e }
}

// WithMetrics overrides the metrics instruments. Default:
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any backing store.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
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
	if providers == nil || len(providers.LLM) == 0 || len(providers.STT) == 0 {
		return nil, errors.New("app: an llm and an stt provider are required")
	}

	// ── 1. Key/value store ──────────────────────────────────────────────
	if err := a.initKV(); err != nil {
		return nil, fmt.Errorf("app: init kv: %w", err)
	}

	// ── 2. Organization database ────────────────────────────────────────
	if err := a.initDatabase(ctx); err != nil {
		return nil, fmt.Errorf("app: init database: %w", err)
	}

	// ── 3. Context aggregator and resolvers ─────────────────────────────
	a.initContext()

	// ── 4. Transcription ────────────────────────────────────────────────
	if err := a.initTranscription(); err != nil {
		return nil, fmt.Errorf("app: init transcription: %w", err)
	}

	// ── 5. Parser ───────────────────────────────────────────────────────
	a.initParser()

	// ── 6. Events ───────────────────────────────────────────────────────
	if err := a.initEvents(); err != nil {
		return nil, fmt.Errorf("app: init events: %w", err)
	}

	// ── 7. Orchestrator and health ──────────────────────────────────────
	a.initPipeline()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initKV() error {
	if a.store != nil {
		return nil
	}
	c := a.cfg.Cache
	switch c.Backend {
	case config.CacheRedis:
		var opts []kv.RedisOption
		if c.RedisPassword != "" {
			opts = append(opts, kv.WithPassword(c.RedisPassword))
		}
		if c.RedisDB != 0 {
			opts = append(opts, kv.WithDB(c.RedisDB))
		}
		if c.RedisPoolSize > 0 {
			opts = append(opts, kv.WithPoolSize(c.RedisPoolSize))
		}
		r, err := kv.NewRedis(c.RedisAddr, opts...)
		if err != nil {
			return err
		}
		a.store = r
		a.closers = append(a.closers, r.Close)
		slog.Info("using redis cache", "addr", c.RedisAddr, "db", c.RedisDB)
	default:
		m := kv.NewMemory()
		a.store = m
		a.closers = append(a.closers, m.Close)
	}
	return nil
}

func (a *App) initDatabase(ctx context.Context) error {
	if a.db != nil {
		return nil
	}
	d := a.cfg.Database
	if d.PostgresDSN == "" {
		return errors.New("database.postgres_dsn is required when no querier is injected")
	}
	var opts []postgres.Option
	if d.MaxConns > 0 {
		opts = append(opts, postgres.WithMaxConns(d.MaxConns))
	}
	store, err := postgres.NewStore(ctx, d.PostgresDSN, opts...)
	if err != nil {
		return err
	}
	if err := postgres.Migrate(ctx, store.Pool()); err != nil {
		store.Close()
		return err
	}
	a.db = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

func (a *App) initContext() {
	x := a.cfg.Context
	a.contexts = orgctx.New(orgctx.NewSQLSource(a.db), a.store,
		orgctx.WithTTL(x.TTL),
		orgctx.WithSlowThreshold(x.SlowThreshold),
		orgctx.WithLimits(orgctx.Limits{Channels: x.MaxChannels, Tasks: x.MaxTasks, Members: x.MaxMembers}),
		orgctx.WithMetrics(a.metrics),
	)
	a.resolver = entity.New(
		entity.WithChannelSearcher(entity.NewSQLChannelSearcher(a.db)),
		entity.WithThresholds(0.5, x.AcceptThreshold),
	)
	a.dates = temporal.New()
}

// endpointFailure reports whether err counts against a fallback entry's
// circuit breaker. Rejected input and caller cancellation do not.
func endpointFailure(err error) bool {
	return !errors.Is(err, context.Canceled) && apperr.KindOf(err) != apperr.KindValidation
}

func (a *App) breakerConfig(name string) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		Name:         name,
		MaxFailures:  5,
		ResetTimeout: 30 * time.Second,
		IsFailure:    endpointFailure,
		OnStateChange: func(entry string, from, to resilience.State) {
			slog.Warn("provider circuit changed", "chain", name, "provider", entry, "from", from.String(), "to", to.String())
			a.metrics.RecordBreakerTransition(context.Background(), name+"/"+entry, to.String())
		},
	}
}

func (a *App) initTranscription() error {
	t := a.cfg.Transcription
	primary, fallbacks := a.providers.STT[0], a.providers.STT[1:]

	factory := primary.New
	if len(fallbacks) > 0 {
		factory = func() (stt.Transcriber, error) {
			p, err := primary.New()
			if err != nil {
				return nil, fmt.Errorf("create %s: %w", primary.Name, err)
			}
			chain := resilience.NewSTTFallback(p, primary.Name, resilience.FallbackConfig{
				CircuitBreaker: a.breakerConfig("stt-fallback"),
			})
			for _, fb := range fallbacks {
				c, err := fb.New()
				if err != nil {
					return nil, fmt.Errorf("create %s: %w", fb.Name, err)
				}
				chain.AddFallback(fb.Name, c)
			}
			return chain, nil
		}
	}

	pool, err := transcription.NewPool(factory,
		transcription.WithSize(t.PoolSize),
		transcription.WithAcquireTimeout(t.AcquireTimeout),
		transcription.WithHealthInterval(t.HealthInterval),
		transcription.WithMaxPingFailures(t.MaxPingFailures),
		transcription.WithPoolMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.pool = pool
	a.closers = append(a.closers, pool.Close)

	cache := transcription.NewCache(a.store,
		transcription.WithCacheTTL(t.CacheTTL),
		transcription.WithCacheMetrics(a.metrics),
	)
	a.service = transcription.NewService(pool, transcription.Config{
		MinBytes:          t.MinBytes,
		MaxBytes:          t.MaxBytes,
		Timeout:           t.Timeout,
		MaxRetries:        t.MaxRetries,
		CacheThreshold:    t.CacheThreshold,
		BatchConcurrency:  t.BatchConcurrency,
		StreamFlush:       t.StreamFlush,
		RequestsPerSecond: t.RequestsPerSecond,
		Burst:             t.Burst,
		Provider:          primary.Name,
	},
		transcription.WithCache(cache),
		transcription.WithServiceMetrics(a.metrics),
	)
	return nil
}

func (a *App) initParser() {
	primary, fallbacks := a.providers.LLM[0], a.providers.LLM[1:]
	a.llm = primary.Provider
	if len(fallbacks) > 0 {
		chain := resilience.NewLLMFallback(primary.Provider, primary.Name, resilience.FallbackConfig{
			CircuitBreaker: a.breakerConfig("llm-fallback"),
		})
		for _, fb := range fallbacks {
			chain.AddFallback(fb.Name, fb.Provider)
		}
		a.llm = chain
	}

	p := a.cfg.Parser
	a.parser = parser.New(a.llm, a.contexts, parser.Config{
		MaxTranscriptLength: p.MaxTranscriptLength,
		Timeout:             p.Timeout,
		Temperature:         p.Temperature,
		MaxTokens:           p.MaxTokens,
		MaxRetries:          p.MaxRetries,
		PromptTTL:           p.PromptTTL,
		BatchConcurrency:    p.BatchConcurrency,
		RequestsPerSecond:   p.RequestsPerSecond,
		Burst:               p.Burst,
		Provider:            primary.Name,
	},
		parser.WithEntityResolver(a.resolver),
		parser.WithDateResolver(a.dates),
		parser.WithPromptCache(a.store),
		parser.WithMetrics(a.metrics),
	)
}

func (a *App) initEvents() error {
	a.bus = events.NewBus(events.WithMetrics(a.metrics))
	a.closers = append(a.closers, func() error {
		a.bus.Close()
		return nil
	})

	k := a.cfg.Events.Kafka
	if len(k.Brokers) == 0 {
		return nil
	}
	sink, err := events.NewKafkaSink(events.KafkaConfig{
		Brokers:      k.Brokers,
		Topic:        k.Topic,
		WriteTimeout: k.WriteTimeout,
	})
	if err != nil {
		return err
	}
	a.sink = sink
	a.closers = append(a.closers, sink.Close)
	slog.Info("forwarding events to kafka", "brokers", k.Brokers, "topic", k.Topic)
	return nil
}

func (a *App) initPipeline() {
	p := a.cfg.Pipeline
	opts := []pipeline.Option{
		pipeline.WithEvents(a.bus),
		pipeline.WithMetrics(a.metrics),
	}
	if a.executor != nil {
		opts = append(opts, pipeline.WithExecutor(a.executor))
	}
	a.orchestrator = pipeline.New(a.service, a.parser, pipeline.Config{
		SimpleThreshold:  p.SimpleThreshold,
		ComplexThreshold: p.ComplexThreshold,
		HistorySize:      p.HistorySize,
		Transcription:    stt.Options{Language: a.cfg.Transcription.Language},
	}, opts...)

	checkers := []health.Checker{
		a.orchestrator.Checker(),
		{Name: "transcription", Check: a.service.Ping},
		{Name: "cache", Check: func(ctx context.Context) error {
			// The caches degrade to misses, so an unreachable store
			// slows commands down without failing them.
			if err := a.store.Ping(ctx); err != nil {
				return health.Degraded(err)
			}
			return nil
		}},
	}
	if db, ok := a.db.(pinger); ok {
		checkers = append(checkers, health.Checker{Name: "database", Check: db.Ping})
	}
	a.health = health.New(checkers...)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Orchestrator returns the voice-command pipeline.
func (a *App) Orchestrator() *pipeline.Orchestrator { return a.orchestrator }

// Transcription returns the transcription service.
func (a *App) Transcription() *transcription.Service { return a.service }

// Parser returns the command parser.
func (a *App) Parser() *parser.Parser { return a.parser }

// Contexts returns the organization context aggregator, e.g. to invalidate
// snapshots after an organization changed.
func (a *App) Contexts() *orgctx.Aggregator { return a.contexts }

// Events returns the lifecycle event bus.
func (a *App) Events() *events.Bus { return a.bus }

// Health returns the readiness checks of all subsystems.
func (a *App) Health() *health.Handler { return a.health }

// Handler returns the ops HTTP handler serving /healthz, /readyz and
// /metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(a.metrics)(mux)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the ops endpoints on server.listen_addr (when set), forwards
// lifecycle events to Kafka (when configured) and blocks until ctx is
// cancelled. It then returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	if a.sink != nil {
		sub := a.bus.Subscribe(a.cfg.Events.Buffer)
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.sink.Run(ctx, sub)
		}()
	}

	var srv *http.Server
	if addr := a.cfg.Server.ListenAddr; addr != "" {
		srv = &http.Server{
			Addr:              addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		slog.Info("ops server listening", "addr", addr)

		select {
		case err := <-errCh:
			wg.Wait()
			return fmt.Errorf("app: ops server: %w", err)
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("ops server shutdown error", "err", err)
		}
	} else {
		<-ctx.Done()
	}

	wg.Wait()
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

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
