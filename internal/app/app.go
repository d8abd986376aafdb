// Package app assembles the rotation runtime: pool, breakers, limiter,
// dispatcher, metrics and the rotator façade, plus the admin HTTP server in
// front of them. Construction order matters only here; everything below this
// package is wired, never wiring.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/proxywhirl/proxywhirl/internal/adapter/breaker"
	"github.com/proxywhirl/proxywhirl/internal/adapter/dispatch"
	"github.com/proxywhirl/proxywhirl/internal/adapter/fetch"
	"github.com/proxywhirl/proxywhirl/internal/adapter/metrics"
	"github.com/proxywhirl/proxywhirl/internal/adapter/pool"
	"github.com/proxywhirl/proxywhirl/internal/adapter/ratelimit"
	"github.com/proxywhirl/proxywhirl/internal/adapter/rotator"
	"github.com/proxywhirl/proxywhirl/internal/adapter/store"
	"github.com/proxywhirl/proxywhirl/internal/adapter/strategy"
	"github.com/proxywhirl/proxywhirl/internal/config"
	"github.com/proxywhirl/proxywhirl/internal/core/domain"
	"github.com/proxywhirl/proxywhirl/internal/logger"
	"github.com/proxywhirl/proxywhirl/internal/router"
	"github.com/proxywhirl/proxywhirl/pkg/eventbus"
)

// Application owns every long-lived component and their shutdown order.
type Application struct {
	StartTime time.Time

	configMu sync.RWMutex
	config   *config.Config

	server   *http.Server
	logger   *logger.StyledLogger
	registry *router.RouteRegistry

	pool       *pool.Pool
	breakers   *breaker.Registry
	dispatcher *dispatch.Dispatcher
	aggregator *metrics.Aggregator
	exporter   *metrics.Exporter
	rotator    *rotator.Service

	// limiter swaps on config reload; handlers read through currentLimiter.
	limiterMu sync.RWMutex
	limiter   *ratelimit.Limiter

	fileStore    *store.FileStore
	storeWatcher *store.Watcher
	fetchRunner  *fetch.Runner

	circuitBus *eventbus.Bus[domain.CircuitEvent]
	poolBus    *eventbus.Bus[domain.PoolEvent]

	watchCancel context.CancelFunc

	errCh chan error
}

// New builds the application from configuration. The reload callback is
// registered before the components exist, so it no-ops until construction
// finishes.
func New(startTime time.Time, logger *logger.StyledLogger) (*Application, error) {
	app := &Application{
		StartTime:  startTime,
		logger:     logger,
		registry:   router.NewRouteRegistry(logger),
		circuitBus: eventbus.New[domain.CircuitEvent](),
		poolBus:    eventbus.New[domain.PoolEvent](),
		errCh:      make(chan error, 1),
	}

	cfg, err := config.Load(func() { app.reloadConfig() })
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	app.setConfig(cfg)

	app.pool, err = pool.New(pool.Config{
		WindowDuration: cfg.Pool.WindowDuration,
		EMAAlpha:       cfg.Pool.EMAAlpha,
	}, logger, app.poolBus)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy pool: %w", err)
	}

	app.breakers, err = breaker.NewRegistry(cfg.Breaker, app.circuitBus, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create breaker registry: %w", err)
	}

	app.limiter, err = ratelimit.New(cfg.RateLimit, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	app.dispatcher, err = dispatch.New(cfg.Dispatcher, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	app.aggregator, err = metrics.New(metrics.Config{
		EventCapacity: cfg.Metrics.EventCapacity,
		Retention:     cfg.Metrics.Retention,
		RollupEvery:   cfg.Metrics.RollupEvery,
		SampleSize:    cfg.Metrics.SampleSize,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics aggregator: %w", err)
	}

	sink := metrics.MultiSink{app.aggregator}
	if cfg.Metrics.Prometheus {
		app.exporter = metrics.NewExporter()
		sink = append(sink, app.exporter)
	}

	app.rotator, err = rotator.New(rotator.Config{
		Strategy:    initialStrategy(&cfg.Rotation),
		Fallback:    cfg.Rotation.Fallback,
		Gamma:       cfg.Rotation.Gamma,
		Seed:        cfg.Rotation.Seed,
		GeoFallback: cfg.Rotation.GeoFallback,
		SessionTTL:  cfg.Rotation.SessionTTL,
		RegionBonus: cfg.Rotation.RegionBonus,
		Retry:       cfg.Retry,
	}, app.pool, app.breakers, app.dispatcher, app.limiter, sink, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create rotator: %w", err)
	}
	if cfg.Rotation.Strategy == strategy.StrategyComposite {
		if err := app.applyRotation(&cfg.Rotation); err != nil {
			return nil, fmt.Errorf("failed to build composite strategy: %w", err)
		}
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	app.watchCancel = cancel
	app.aggregator.WatchCircuits(watchCtx, app.circuitBus)
	if app.exporter != nil {
		app.exporter.WatchCircuits(watchCtx, app.circuitBus)
	}
	app.watchPoolEvents(watchCtx)

	app.seedPool(cfg.Pool.Seeds)

	if cfg.Store.Enabled() {
		app.fileStore, err = store.NewFileStore(cfg.Store.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open proxy store: %w", err)
		}
	}

	app.server = &http.Server{
		Addr:         cfg.Server.GetAddress(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return app, nil
}

// initialStrategy names what the rotator is constructed with. A composite is
// built and installed after construction because it needs the filter
// pipeline, not just a name; until then the configured fallback selects.
func initialStrategy(rot *config.RotationConfig) string {
	if rot.Strategy != strategy.StrategyComposite {
		return rot.Strategy
	}
	if rot.Fallback != "" {
		return rot.Fallback
	}
	return strategy.StrategyRoundRobin
}

// watchPoolEvents logs membership changes off the pool bus. Single additions
// and removals already log at their call sites, so only the bulk transitions
// speak at INFO here.
func (a *Application) watchPoolEvents(ctx context.Context) {
	ch, _ := a.poolBus.Subscribe(ctx)
	go func() {
		for ev := range ch {
			switch ev.Type {
			case domain.PoolReplaced, domain.PoolMerged:
				a.logger.Info("Pool membership changed",
					"change", string(ev.Type), "size", ev.Size, "version", ev.Version)
			default:
				a.logger.Debug("Pool membership changed",
					"change", string(ev.Type), "proxy_id", ev.ProxyID,
					"size", ev.Size, "version", ev.Version)
			}
		}
	}()
}

// seedPool adds the statically configured proxies. Seeds may carry
// credentials, so failures log the derived id or nothing, never the URL.
func (a *Application) seedPool(seeds []string) {
	if len(seeds) == 0 {
		return
	}
	added := 0
	for _, seed := range seeds {
		p, err := domain.ParseProxyURL(seed)
		if err != nil {
			a.logger.Warn("Skipping unparsable seed proxy", "error", err)
			continue
		}
		if err := a.pool.Add(p); err != nil {
			a.logger.Debug("Seed proxy already present", "proxy_id", p.ID)
			continue
		}
		added++
	}
	a.logger.InfoWithCount("Seed proxies added", added)
}

// Start brings up persistence, discovery and the admin server. It returns
// once everything is running; failures after startup arrive on the error
// channel and are logged.
func (a *Application) Start(ctx context.Context) error {
	go func() {
		select {
		case err := <-a.errCh:
			a.logger.Error("Server startup error", "error", err)
		case <-ctx.Done():
			return
		}
	}()

	cfg := a.getConfig()

	if a.fileStore != nil {
		if err := a.restoreSnapshot(ctx); err != nil {
			return err
		}
		if cfg.Store.Watch {
			if err := a.startStoreWatcher(cfg); err != nil {
				return err
			}
		}
	}

	if cfg.Fetch.Enabled {
		if err := a.startFetchRunner(cfg); err != nil {
			return err
		}
	}

	a.startWebServer()

	a.logger.Info("Proxywhirl started", "bind", a.server.Addr, "proxies", a.pool.Len())
	return nil
}

// restoreSnapshot merges the persisted pool. Merge keeps statistics of
// proxies the seeds already added.
func (a *Application) restoreSnapshot(ctx context.Context) error {
	proxies, err := a.fileStore.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load proxy snapshot: %w", err)
	}
	if len(proxies) == 0 {
		return nil
	}
	added, updated := a.pool.Merge(proxies)
	a.logger.InfoWithCount("Proxy snapshot restored", len(proxies),
		"added", added, "updated", updated, "path", a.fileStore.Path())
	return nil
}

func (a *Application) startStoreWatcher(cfg *config.Config) error {
	watcher, err := store.NewWatcher(a.fileStore, cfg.Store.Debounce, func(proxies []*domain.Proxy) {
		kept, dropped := a.pool.Replace(proxies)
		a.logger.InfoWithCount("Pool replaced from snapshot", len(proxies),
			"kept", kept, "dropped", dropped)
	}, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create store watcher: %w", err)
	}
	if err := watcher.Start(); err != nil {
		return fmt.Errorf("failed to start store watcher: %w", err)
	}
	a.storeWatcher = watcher
	return nil
}

func (a *Application) startFetchRunner(cfg *config.Config) error {
	fetcher, err := fetch.NewHTTPFetcher(fetch.Config{
		Sources: cfg.Fetch.Sources,
		Timeout: cfg.Fetch.Timeout,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create proxy fetcher: %w", err)
	}
	runner, err := fetch.NewRunner(fetcher, cfg.Fetch.Interval, func(proxies []*domain.Proxy) {
		added, updated := a.pool.Merge(proxies)
		if added > 0 || updated > 0 {
			a.logger.InfoWithCount("Pool refreshed from sources", len(proxies),
				"added", added, "updated", updated)
		}
	}, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create fetch runner: %w", err)
	}
	runner.Start()
	a.fetchRunner = runner
	return nil
}

// Stop tears the application down in reverse dependency order: stop taking
// requests, stop background feeders, snapshot the pool, then release the
// rotation stack.
func (a *Application) Stop(ctx context.Context) error {
	cfg := a.getConfig()

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if a.server != nil {
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			firstErr = fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}

	if a.fetchRunner != nil {
		a.fetchRunner.Close()
	}
	if a.storeWatcher != nil {
		if err := a.storeWatcher.Close(); err != nil {
			a.logger.Warn("Store watcher close failed", "error", err)
		}
	}

	if a.fileStore != nil && cfg.Store.SaveOnShutdown {
		if err := a.fileStore.Save(shutdownCtx, a.pool.Export()); err != nil {
			a.logger.Error("Failed to save proxy snapshot on shutdown", "error", err)
		}
	}

	a.rotator.Close()
	a.currentLimiter().Stop()
	a.dispatcher.Close()
	a.aggregator.Stop()
	a.watchCancel()
	a.circuitBus.Close()
	a.poolBus.Close()

	return firstErr
}

func (a *Application) currentLimiter() *ratelimit.Limiter {
	a.limiterMu.RLock()
	defer a.limiterMu.RUnlock()
	return a.limiter
}

// swapLimiter installs a replacement limiter and retires the old one after
// the rotator stops routing admissions to it.
func (a *Application) swapLimiter(next *ratelimit.Limiter) {
	a.limiterMu.Lock()
	old := a.limiter
	a.limiter = next
	a.limiterMu.Unlock()

	a.rotator.SetRateLimiter(next)
	if old != nil {
		old.Stop()
	}
}
