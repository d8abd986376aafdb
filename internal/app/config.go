package app

import (
	"reflect"

	"github.com/spf13/viper"

	"github.com/proxywhirl/proxywhirl/internal/adapter/ratelimit"
	"github.com/proxywhirl/proxywhirl/internal/adapter/strategy"
	"github.com/proxywhirl/proxywhirl/internal/config"
	"github.com/proxywhirl/proxywhirl/internal/core/domain"
)

func (a *Application) setConfig(cfg *config.Config) {
	a.configMu.Lock()
	defer a.configMu.Unlock()
	a.config = cfg
}

func (a *Application) getConfig() *config.Config {
	a.configMu.RLock()
	defer a.configMu.RUnlock()
	return a.config
}

// ShowNerdStats reports whether the runtime stats dump on shutdown is wanted.
func (a *Application) ShowNerdStats() bool {
	return a.getConfig().Engineering.ShowNerdStats
}

// reloadConfig runs on every config file change. A bad edit is rejected
// whole; the running config stays in force.
func (a *Application) reloadConfig() {
	if a.rotator == nil {
		// File changed while New was still constructing; the initial load
		// already sees the new content.
		return
	}

	if err := viper.ReadInConfig(); err != nil {
		a.logger.Error("Failed to re-read config file", "error", err)
		return
	}

	newConfig := config.DefaultConfig()
	if err := viper.Unmarshal(newConfig, config.DecodeOption); err != nil {
		a.logger.Error("Failed to unmarshal new config", "error", err)
		return
	}
	newConfig.Filename = viper.ConfigFileUsed()

	if err := newConfig.Validate(); err != nil {
		a.logger.Error("Rejected config change", "error", err)
		return
	}

	a.applyConfig(newConfig)
	a.logger.Info("Configuration reloaded", "file", newConfig.Filename)
}

// applyConfig installs what can change at runtime: retry policy, rotation
// strategy and the rate limiter. Server bind, store and fetch topology need
// a restart; drift there is logged so operators are not left guessing.
func (a *Application) applyConfig(cfg *config.Config) {
	old := a.getConfig()
	a.setConfig(cfg)

	if err := a.rotator.SetRetryPolicy(cfg.Retry); err != nil {
		a.logger.Error("Failed to apply retry policy", "error", err)
	}

	if err := a.applyRotation(&cfg.Rotation); err != nil {
		a.logger.Error("Failed to apply rotation strategy", "error", err)
	}

	// Swapping the limiter drops its admission windows, so only do it when
	// the section actually changed.
	if !reflect.DeepEqual(old.RateLimit, cfg.RateLimit) {
		next, err := ratelimit.New(cfg.RateLimit, a.logger)
		if err != nil {
			a.logger.Error("Failed to apply rate limit config", "error", err)
		} else {
			a.swapLimiter(next)
			a.logger.Info("Rate limiter replaced", "tiers", len(cfg.RateLimit.Tiers))
		}
	}

	if old.Server != cfg.Server || !reflect.DeepEqual(old.Store, cfg.Store) ||
		!reflect.DeepEqual(old.Fetch, cfg.Fetch) {
		a.logger.Warn("Server, store and fetch changes take effect on restart")
	}
}

// applyRotation swaps the selection strategy from config, building the
// filter pipeline for composites.
func (a *Application) applyRotation(rot *config.RotationConfig) error {
	opts := strategy.Options{
		Seed:        rot.Seed,
		Gamma:       rot.Gamma,
		SessionTTL:  rot.SessionTTL,
		Fallback:    rot.Fallback,
		GeoFallback: rot.GeoFallback,
	}

	if rot.Strategy != strategy.StrategyComposite {
		return a.rotator.SetStrategyWithOptions(rot.Strategy, opts)
	}

	composite, err := a.buildComposite(rot.Filters, opts)
	if err != nil {
		return err
	}
	a.rotator.UseStrategy(composite)
	return nil
}

// buildComposite turns config filter stages into the strategy pipeline.
// Within one stage the values are alternatives; stages AND left to right.
func (a *Application) buildComposite(stages []config.FilterConfig, opts strategy.Options) (domain.ProxyStrategy, error) {
	filters := make([]strategy.Filter, 0, len(stages)*2)
	for _, stage := range stages {
		if len(stage.Countries) > 0 {
			filters = append(filters, strategy.CountryFilter(stage.Countries...))
		}
		if len(stage.Regions) > 0 {
			filters = append(filters, strategy.RegionFilter(stage.Regions...))
		}
		if len(stage.Tags) > 0 {
			filters = append(filters, strategy.TagFilter(stage.Tags...))
		}
		if len(stage.Schemes) > 0 {
			schemes := make([]domain.ProxyScheme, 0, len(stage.Schemes))
			for _, s := range stage.Schemes {
				scheme, err := domain.ParseProxyScheme(s)
				if err != nil {
					return nil, err
				}
				schemes = append(schemes, scheme)
			}
			filters = append(filters, strategy.SchemeFilter(schemes...))
		}
		if stage.MinSuccessRate > 0 {
			filters = append(filters, strategy.MinSuccessRateFilter(stage.MinSuccessRate))
		}
		if len(stage.Health) > 0 {
			healths := make([]domain.ProxyHealth, 0, len(stage.Health))
			for _, h := range stage.Health {
				healths = append(healths, domain.ProxyHealth(h))
			}
			filters = append(filters, strategy.HealthFilter(healths...))
		}
	}
	if len(filters) == 0 {
		return nil, domain.NewConfigValidationError("rotation.filters", nil, "composite needs at least one filter")
	}

	selectorName := opts.Fallback
	if selectorName == "" {
		selectorName = strategy.StrategyRoundRobin
	}
	// Share the service bindings so a session-persistent selector survives
	// strategy swaps like every other strategy the service builds.
	opts.Bindings = a.rotator.Bindings()
	selector, err := strategy.NewFactory().Create(selectorName, opts)
	if err != nil {
		return nil, err
	}
	return strategy.NewComposite(filters, selector), nil
}
