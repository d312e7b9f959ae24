// Package app wires all engagecore subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Reload applies hot-reloadable config changes, and Shutdown
// tears everything down in reverse order.
//
// For testing, inject doubles via functional options (WithProviders,
// WithSink, WithCache). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/engagecore/internal/agent"
	"github.com/MrWong99/engagecore/internal/agent/orchestrator"
	"github.com/MrWong99/engagecore/internal/agent/selector"
	"github.com/MrWong99/engagecore/internal/agent/tutor"
	"github.com/MrWong99/engagecore/internal/config"
	"github.com/MrWong99/engagecore/internal/contextstore"
	"github.com/MrWong99/engagecore/internal/cost"
	"github.com/MrWong99/engagecore/internal/eventlog"
	"github.com/MrWong99/engagecore/internal/generation"
	"github.com/MrWong99/engagecore/internal/health"
	"github.com/MrWong99/engagecore/internal/observe"
	"github.com/MrWong99/engagecore/internal/prompt"
	"github.com/MrWong99/engagecore/internal/resilience"
	"github.com/MrWong99/engagecore/pkg/provider/llm"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics

	// Injected or built from config in New.
	primary  llm.Provider
	fallback llm.Provider
	sink     eventlog.Sink
	cache    selector.Cache

	providers *resilience.LLMFallback
	gen       *generation.Service
	registry  *agent.Registry
	orch      *orchestrator.Orchestrator
	checkers  []health.Checker

	// Exactly one context source is active: the Postgres store when
	// contexts.postgres_dsn is set, the static config maps otherwise.
	store    *contextstore.PostgresStore
	contexts atomic.Pointer[orchestrator.StaticContextProvider]

	// closers run in reverse order during Shutdown.
	closers []func(context.Context) error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProviders injects the primary and (optionally nil) fallback providers
// instead of creating them through the registry.
func WithProviders(primary, fallback llm.Provider) Option {
	return func(a *App) {
		a.primary = primary
		a.fallback = fallback
	}
}

// WithSink injects the event sink instead of building the slog/Postgres
// fan-out from config.
func WithSink(s eventlog.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithCache injects the selection cache instead of building one from config.
func WithCache(c selector.Cache) Option {
	return func(a *App) { a.cache = c }
}

// WithMetrics overrides the instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. reg supplies the
// provider factories (see [RegisterBuiltinProviders]).
//
// New performs all initialisation synchronously: provider construction,
// event-log connection and migration, cache connection, context store
// import, agent registry, selector and orchestrator assembly. On error,
// everything already opened is closed again.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (_ *App, err error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	defer func() {
		if err != nil {
			_ = a.Shutdown(context.WithoutCancel(ctx))
		}
	}()

	// ── 1. Providers ─────────────────────────────────────────────────────
	if err := a.initProviders(reg); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}

	// ── 2. Event log ─────────────────────────────────────────────────────
	if err := a.initEventLog(ctx); err != nil {
		return nil, fmt.Errorf("app: init event log: %w", err)
	}

	// ── 3. Generation service ────────────────────────────────────────────
	a.gen, err = generation.New(a.providers,
		generation.WithPromptBuilder(prompt.New(prompt.WithHistoryLimit(cfg.Orchestrator.HistoryLimit))),
		generation.WithCalculator(cost.NewTable(cost.DefaultPrices)),
		generation.WithCostTracking(cfg.LLM.CostTracking()),
		generation.WithSink(a.sink),
		generation.WithMetrics(a.metrics),
		generation.WithDefaults(cfg.LLM.Temperature, cfg.LLM.MaxTokens),
		generation.WithApology(cfg.LLM.Apology),
	)
	if err != nil {
		return nil, fmt.Errorf("app: init generation: %w", err)
	}

	// ── 4. Selection cache ───────────────────────────────────────────────
	if err := a.initCache(); err != nil {
		return nil, fmt.Errorf("app: init selection cache: %w", err)
	}

	// ── 5. Learner contexts ──────────────────────────────────────────────
	if err := a.initContexts(ctx); err != nil {
		return nil, fmt.Errorf("app: init contexts: %w", err)
	}

	// ── 6. Agents + orchestrator ─────────────────────────────────────────
	if err := a.initAgents(); err != nil {
		return nil, fmt.Errorf("app: init agents: %w", err)
	}

	a.checkers = append(a.checkers, health.ProviderCheck("llm", a.providers))

	slog.Info("app ready",
		"primary", a.providers.Identity().Model,
		"fallback", a.providers.HasFallback(),
		"agents", a.registry.Names(),
		"cost_tracking", cfg.LLM.CostTracking(),
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initProviders creates the configured providers unless injected and wraps
// them in a breaker-guarded fallback pair.
func (a *App) initProviders(reg *config.Registry) error {
	lc := a.cfg.LLM
	if a.primary == nil {
		p, err := reg.CreateLLM(lc.Primary)
		if err != nil {
			return fmt.Errorf("create primary %q: %w", lc.Primary.Name, err)
		}
		a.primary = p
		slog.Info("provider created", "role", "primary", "name", lc.Primary.Name, "model", lc.Primary.Model)

		if lc.UseFallback {
			f, err := reg.CreateLLM(lc.Fallback)
			if err != nil {
				return fmt.Errorf("create fallback %q: %w", lc.Fallback.Name, err)
			}
			a.fallback = f
			slog.Info("provider created", "role", "fallback", "name", lc.Fallback.Name, "model", lc.Fallback.Model)
		}
	}

	fb, err := resilience.NewLLMFallback(a.primary, a.fallback, resilience.CircuitBreakerConfig{
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("provider circuit breaker changed state", "breaker", name, "from", from.String(), "to", to.String())
			a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
		},
	})
	if err != nil {
		return err
	}
	a.providers = fb
	return nil
}

// initEventLog builds slog + optional Postgres sinks behind an async queue.
func (a *App) initEventLog(ctx context.Context) error {
	if a.sink != nil {
		return nil
	}

	sinks := eventlog.Fanout{&eventlog.SlogSink{Level: slog.LevelDebug}}

	if dsn := a.cfg.EventLog.PostgresDSN; dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			pool.Close()
			return nil
		})
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		pg := eventlog.NewPostgresSink(pool)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		sinks = append(sinks, pg)
		a.checkers = append(a.checkers, health.PingCheck("postgres", pool))
		slog.Info("event log persisting to postgres")
	}

	async := eventlog.NewAsync(sinks, a.cfg.EventLog.Buffer, eventlog.WithMetrics(a.metrics))
	a.closers = append(a.closers, async.Close)
	a.sink = async
	return nil
}

// initCache picks the selection cache backend.
func (a *App) initCache() error {
	if a.cache != nil {
		return nil
	}
	sc := a.cfg.Selector
	if sc.CacheBackend != config.CacheRedis {
		a.cache = selector.NewMemoryCache()
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     sc.Redis.Addr,
		Password: sc.Redis.Password,
		DB:       sc.Redis.DB,
	})
	a.closers = append(a.closers, func(context.Context) error { return client.Close() })

	rc, err := selector.NewRedisCache(client)
	if err != nil {
		return err
	}
	a.cache = rc
	a.checkers = append(a.checkers, health.RedisCheck("redis", client))
	slog.Info("selection cache using redis", "addr", sc.Redis.Addr, "db", sc.Redis.DB)
	return nil
}

// initContexts opens the Postgres context store when configured and seeds it
// with the static config maps; otherwise the maps are served from memory.
func (a *App) initContexts(ctx context.Context) error {
	dsn := a.cfg.Contexts.PostgresDSN
	if dsn == "" {
		a.contexts.Store(staticContexts(a.cfg.Contexts))
		return nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error {
		pool.Close()
		return nil
	})
	store := contextstore.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		return err
	}
	a.store = store
	if err := a.importContexts(ctx, a.cfg.Contexts); err != nil {
		return err
	}
	a.checkers = append(a.checkers, health.PingCheck("contexts", pool))
	return nil
}

// importContexts upserts the config maps into the store.
func (a *App) importContexts(ctx context.Context, c config.ContextsConfig) error {
	total := 0
	for _, set := range []struct {
		kind contextstore.Kind
		data map[string]map[string]any
	}{
		{contextstore.KindUser, c.Users},
		{contextstore.KindLesson, c.Lessons},
		{contextstore.KindTask, c.Tasks},
	} {
		n, err := contextstore.Import(ctx, a.store, set.kind, blobs(set.data))
		if err != nil {
			return err
		}
		total += n
	}
	slog.Info("learner contexts imported", "records", total)
	return nil
}

// initAgents builds the tutor registry, the selector and the orchestrator.
func (a *App) initAgents() error {
	oc := a.cfg.Orchestrator

	registry, err := tutor.NewRegistry(a.gen)
	if err != nil {
		return err
	}
	a.registry = registry

	sel, err := selector.New(a.gen, registry,
		selector.WithCache(a.cache),
		selector.WithTTL(a.cfg.Selector.CacheTTL),
		selector.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}

	agg, err := tutor.NewTopManager(a.gen, oc.AggregatorMaxWords)
	if err != nil {
		return err
	}

	a.orch, err = orchestrator.New(registry, sel, agg, contextSource{a},
		orchestrator.WithAgentTimeout(oc.AgentTimeout),
		orchestrator.WithAggregatorTimeout(oc.AggregatorTimeout),
		orchestrator.WithSink(a.sink),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithApology(a.gen.Apology()),
	)
	return err
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Orchestrator returns the message router.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Generation returns the shared generation service.
func (a *App) Generation() *generation.Service { return a.gen }

// Agents returns the agent registry.
func (a *App) Agents() *agent.Registry { return a.registry }

// Checkers returns the readiness checks for the dependencies New opened.
func (a *App) Checkers() []health.Checker {
	return append([]health.Checker(nil), a.checkers...)
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of diff. Changes that need a
// restart are logged and otherwise ignored.
func (a *App) Reload(ctx context.Context, next *config.Config, diff config.ConfigDiff) {
	if diff.ContextsChanged {
		if a.store != nil {
			if err := a.importContexts(ctx, next.Contexts); err != nil {
				slog.Error("context reload failed", "err", err)
			}
		} else {
			a.contexts.Store(staticContexts(next.Contexts))
			slog.Info("static contexts reloaded",
				"users", len(next.Contexts.Users),
				"lessons", len(next.Contexts.Lessons),
				"tasks", len(next.Contexts.Tasks),
			)
		}
	}
	if len(diff.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", diff.RestartRequired)
	}
}

// contextSource reads through to the App's active context source so that
// Reload takes effect without rebuilding the orchestrator.
type contextSource struct{ a *App }

var _ orchestrator.ContextProvider = contextSource{}

func (s contextSource) current() orchestrator.ContextProvider {
	if s.a.store != nil {
		return s.a.store
	}
	return s.a.contexts.Load()
}

func (s contextSource) UserContext(ctx context.Context, userID string) (agent.Blob, error) {
	return s.current().UserContext(ctx, userID)
}

func (s contextSource) LessonContext(ctx context.Context, userID, lessonID string) (agent.Blob, error) {
	return s.current().LessonContext(ctx, userID, lessonID)
}

func (s contextSource) TaskContext(ctx context.Context, userID, taskID string) (agent.Blob, error) {
	return s.current().TaskContext(ctx, userID, taskID)
}

func staticContexts(c config.ContextsConfig) *orchestrator.StaticContextProvider {
	return &orchestrator.StaticContextProvider{
		Users:   blobs(c.Users),
		Lessons: blobs(c.Lessons),
		Tasks:   blobs(c.Tasks),
	}
}

func blobs(m map[string]map[string]any) map[string]agent.Blob {
	out := make(map[string]agent.Blob, len(m))
	for id, fields := range m {
		out[id] = agent.Blob(fields)
	}
	return out
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order, so queued events
// are flushed before their database pool closes. If ctx expires, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			if ctx.Err() != nil {
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				errs = append(errs, ctx.Err())
				return
			}
			if err := a.closers[i](ctx); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
				errs = append(errs, err)
			}
		}
		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}
