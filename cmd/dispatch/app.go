package main

import (
	"context"
	"fmt"
	"os"
	"time"

	dispatch "github.com/ZanzyTHEbar/dragonscale-dispatch"
	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/adapters"
	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/cache"
	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/config"
	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/executor"
	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/logging"
	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/planner"
	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/selector"
	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/tools"
	"github.com/ZanzyTHEbar/dragonscale-dispatch/internal/workerpool"
)

const eventFlushTimeout = 2 * time.Second

// app holds the wired components for one CLI invocation.
type app struct {
	cfg         *config.Config
	logger      logging.Logger
	bus         *eventbus.ChannelEventBus
	provenance  *eventbus.Provenance
	pool        *workerpool.Pool
	cache       *cache.ResponseCache
	registry    *tools.Registry
	generator   dispatch.Generator
	executor    *executor.Executor
	planner     *planner.Planner
	coordinator *dispatch.Coordinator
	dispatcher  *dispatch.Dispatcher
}

func newApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if opts.verbose {
		level = "debug"
	}
	logger := logging.New(os.Stderr, cfg.Log.Format, level)

	gen, err := newGenerator(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return wire(cfg, logger, gen, opts.verbose)
}

func newGenerator(ctx context.Context, cfg *config.Config, logger logging.Logger) (dispatch.Generator, error) {
	models := adapters.TierModels{Fast: cfg.Generation.FastModel, Accurate: cfg.Generation.AccurateModel}
	genOpts := []adapters.GeneratorOption{
		adapters.WithMaxTokens(cfg.Generation.MaxTokens),
		adapters.WithLogger(logger),
	}
	switch cfg.Generation.Provider {
	case config.ProviderAnthropic:
		return adapters.NewAnthropicGenerator(cfg.Generation.AnthropicAPIKey, models, genOpts...), nil
	case config.ProviderGenkit:
		return adapters.NewGenkitGenerator(ctx, cfg.Generation.GeminiAPIKey, models, genOpts...)
	default:
		return nil, dispatch.NewConfigurationError(fmt.Sprintf("unknown provider %q", cfg.Generation.Provider), nil)
	}
}

// wire builds every component around gen. Separate from newApp so tests can inject a generator.
func wire(cfg *config.Config, logger logging.Logger, gen dispatch.Generator, traceEvents bool) (*app, error) {
	plannerTier, err := cfg.PlannerTier()
	if err != nil {
		return nil, err
	}
	directTier, err := cfg.DirectTier()
	if err != nil {
		return nil, err
	}
	policy := cfg.Generation.CallPolicy()

	bus := eventbus.NewChannelEventBus(eventbus.WithLogger(logger))
	if traceEvents {
		if _, err := bus.SubscribeAll(func(ctx context.Context, e eventbus.Event) error {
			logger.Debug("event", map[string]interface{}{
				"type":    string(e.Type()),
				"source":  e.Source(),
				"task_id": eventbus.TaskID(e),
			})
			return nil
		}); err != nil {
			return nil, err
		}
	}

	provenance, err := eventbus.NewProvenance(bus)
	if err != nil {
		return nil, err
	}

	pool := workerpool.New(cfg.Dispatch.MaxInFlight, workerpool.WithLogger(logger))
	respCache := cache.New(
		cache.WithCapacity(cfg.Cache.MaxEntries),
		cache.WithTTL(cfg.Cache.TTL),
		cache.WithJanitor(cfg.Cache.JanitorInterval),
		cache.WithLogger(logger),
	)
	registry := tools.Builtins()

	exec := executor.New(gen,
		executor.WithTools(registry),
		executor.WithCache(respCache),
		executor.WithSelector(selector.New(selector.WithKeywords(cfg.Selector.ComplexKeywords))),
		executor.WithLimiter(pool),
		executor.WithCallPolicy(policy),
		executor.WithDirectTier(directTier),
		executor.WithEventBus(bus),
		executor.WithLogger(logger),
	)
	plan := planner.New(gen,
		planner.WithTier(plannerTier),
		planner.WithCatalog(registry.Catalog()),
		planner.WithMaxSubtasks(cfg.Planner.MaxSubtasks),
		planner.WithCallPolicy(policy),
		planner.WithLimiter(pool),
		planner.WithEventBus(bus),
		planner.WithLogger(logger),
	)
	coord, err := dispatch.NewCoordinator(plan, exec, gen,
		dispatch.WithPool(pool),
		dispatch.WithCallPolicy(policy),
		dispatch.WithEventBus(bus),
		dispatch.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:         cfg,
		logger:      logger,
		bus:         bus,
		provenance:  provenance,
		pool:        pool,
		cache:       respCache,
		registry:    registry,
		generator:   gen,
		executor:    exec,
		planner:     plan,
		coordinator: coord,
		dispatcher: dispatch.NewDispatcher(exec, pool,
			dispatch.WithDispatcherEventBus(bus),
			dispatch.WithDispatcherLogger(logger),
		),
	}, nil
}

// coordinatorFor returns the default coordinator, or one serving a fixed plan file.
func (a *app) coordinatorFor(planFile string) (*dispatch.Coordinator, error) {
	if planFile == "" {
		return a.coordinator, nil
	}
	allowed := make(map[string]bool)
	for _, name := range a.registry.Names() {
		allowed[name] = true
	}
	pf, err := planner.LoadPlanFile(planFile, allowed)
	if err != nil {
		return nil, err
	}
	return dispatch.NewCoordinator(planner.NewFilePlanner(pf), a.executor, a.generator,
		dispatch.WithPool(a.pool),
		dispatch.WithCallPolicy(a.cfg.Generation.CallPolicy()),
		dispatch.WithEventBus(a.bus),
		dispatch.WithLogger(a.logger),
	)
}

// runStats is printed to stderr with --stats.
type runStats struct {
	Cache        cache.Stats                `json:"cache"`
	Executor     executor.Metrics           `json:"executor"`
	PeakInFlight int                        `json:"peak_in_flight"`
	Events       map[eventbus.EventType]int `json:"events"`
}

func (a *app) stats(ctx context.Context) runStats {
	a.flushEvents(ctx)
	return runStats{
		Cache:        a.cache.Stats(),
		Executor:     a.executor.Metrics(),
		PeakInFlight: a.pool.Peak(),
		Events:       a.provenance.Counts(),
	}
}

// trail returns the recorded events of taskID once queued deliveries are done.
func (a *app) trail(ctx context.Context, taskID string) []eventbus.Record {
	a.flushEvents(ctx)
	return a.provenance.Trail(taskID)
}

func (a *app) flushEvents(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, eventFlushTimeout)
	defer cancel()
	if err := a.bus.Flush(ctx); err != nil {
		a.logger.Warn("events still queued", map[string]interface{}{"error": err.Error()})
	}
}

func (a *app) Close() {
	if err := a.cache.Close(); err != nil {
		a.logger.Warn("failed to stop cache janitor", map[string]interface{}{"error": err.Error()})
	}
	if err := a.bus.Close(); err != nil {
		a.logger.Warn("failed to close event bus", map[string]interface{}{"error": err.Error()})
	}
}
