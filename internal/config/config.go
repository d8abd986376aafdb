// Package config loads the application configuration from yaml, environment
// variables and defaults, in that order of increasing precedence for env
// over file. Hot reload is wired through viper's file watch; callers decide
// what a reload applies to.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/proxywhirl/proxywhirl/internal/adapter/breaker"
	"github.com/proxywhirl/proxywhirl/internal/adapter/dispatch"
	"github.com/proxywhirl/proxywhirl/internal/adapter/fetch"
	"github.com/proxywhirl/proxywhirl/internal/adapter/metrics"
	"github.com/proxywhirl/proxywhirl/internal/adapter/pool"
	"github.com/proxywhirl/proxywhirl/internal/adapter/ratelimit"
	"github.com/proxywhirl/proxywhirl/internal/adapter/rotator"
	"github.com/proxywhirl/proxywhirl/internal/adapter/store"
	"github.com/proxywhirl/proxywhirl/internal/adapter/strategy"
	"github.com/proxywhirl/proxywhirl/internal/core/domain"
)

const (
	DefaultPort = 19888
	DefaultHost = "localhost"

	DefaultMaxBodySize   = 10 << 20
	DefaultMaxHeaderSize = 1 << 20

	DefaultFetchInterval = 15 * time.Minute
	MinFetchInterval     = 30 * time.Second

	EnvPrefix     = "PROXYWHIRL"
	EnvConfigFile = "PROXYWHIRL_CONFIG_FILE"
)

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RequestLogging:  true,
			RequestLimits: ServerRequestLimits{
				MaxBodySize:   DefaultMaxBodySize,
				MaxHeaderSize: DefaultMaxHeaderSize,
			},
		},
		Pool: PoolConfig{
			WindowDuration: pool.DefaultWindowDuration,
			EMAAlpha:       pool.DefaultEMAAlpha,
		},
		Store: StoreConfig{
			Debounce:       store.DefaultDebounce,
			SaveOnShutdown: true,
		},
		Fetch: FetchConfig{
			Interval: DefaultFetchInterval,
			Timeout:  fetch.DefaultTimeout,
		},
		Rotation: RotationConfig{
			Strategy:    strategy.StrategyRoundRobin,
			Fallback:    strategy.StrategyRoundRobin,
			Gamma:       1.0,
			SessionTTL:  strategy.DefaultSessionTTL,
			RegionBonus: rotator.DefaultRegionBonus,
		},
		Retry:      domain.DefaultRetryPolicy(),
		Breaker:    breaker.DefaultConfig(),
		RateLimit:  ratelimit.DefaultConfig(),
		Dispatcher: dispatch.DefaultConfig(),
		Metrics: MetricsConfig{
			EventCapacity: metrics.DefaultEventCapacity,
			Retention:     metrics.DefaultRetention,
			RollupEvery:   metrics.DefaultRollupEvery,
			SampleSize:    metrics.DefaultSampleSize,
			Prometheus:    true,
		},
	}
}

// DecodeOption makes viper honour the same yaml tags the config files use;
// without it nested snake_case keys would not land in their fields.
func DecodeOption(dc *mapstructure.DecoderConfig) {
	dc.TagName = "yaml"
}

// Load loads configuration from file and environment variables. When
// onReload is given the config file is watched and the callback fires on
// every change; re-reading and validation are the callback's business so it
// can decide what to do with a bad edit.
func Load(onReload func()) (*Config, error) {
	config := DefaultConfig()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// AutomaticEnv only covers keys viper already knows about, so every
	// default is registered explicitly before reading anything.
	if err := registerDefaults(config); err != nil {
		return nil, err
	}

	if err := viper.ReadInConfig(); err != nil {
		// It's okay if config file doesn't exist
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if configFile := os.Getenv(EnvConfigFile); configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	if err := viper.Unmarshal(config, DecodeOption); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	config.Filename = viper.ConfigFileUsed()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	if onReload != nil {
		viper.OnConfigChange(func(fsnotify.Event) { onReload() })
		viper.WatchConfig()
	}

	return config, nil
}

// registerDefaults walks the default config through its yaml form and seeds
// viper with every leaf key.
func registerDefaults(cfg *Config) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	tree := map[string]interface{}{}
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("rebuild default config: %w", err)
	}
	setDefaults("", tree)
	return nil
}

func setDefaults(prefix string, tree map[string]interface{}) {
	for key, value := range tree {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if sub, ok := value.(map[string]interface{}); ok {
			setDefaults(full, sub)
			continue
		}
		viper.SetDefault(full, value)
	}
}

// Validate applies the config-level checks the adapters cannot do for
// themselves; each adapter still validates its own section at construction.
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return domain.NewConfigValidationError("server.host", c.Server.Host, "must not be empty")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return domain.NewConfigValidationError("server.port", c.Server.Port, "must be 1-65535")
	}
	if c.Server.ShutdownTimeout < 0 {
		return domain.NewConfigValidationError("server.shutdown_timeout", c.Server.ShutdownTimeout.String(), "must not be negative")
	}
	if c.Server.RequestLimits.MaxBodySize < 0 {
		return domain.NewConfigValidationError("server.request_limits.max_body_size", c.Server.RequestLimits.MaxBodySize, "must not be negative")
	}

	for _, seed := range c.Pool.Seeds {
		if _, err := domain.ParseProxyURL(seed); err != nil {
			return err
		}
	}

	if c.Store.Watch && !c.Store.Enabled() {
		return domain.NewConfigValidationError("store.watch", c.Store.Watch, "needs store.path")
	}
	if c.Store.Debounce < 0 {
		return domain.NewConfigValidationError("store.debounce", c.Store.Debounce.String(), "must not be negative")
	}

	if c.Fetch.Enabled {
		if len(c.Fetch.Sources) == 0 {
			return domain.NewConfigValidationError("fetch.sources", c.Fetch.Sources, "needs at least one source URL when enabled")
		}
		if c.Fetch.Interval < MinFetchInterval {
			return domain.NewConfigValidationError("fetch.interval", c.Fetch.Interval.String(),
				fmt.Sprintf("must be at least %s to stay polite to list providers", MinFetchInterval))
		}
	}

	if err := c.Retry.Validate(); err != nil {
		return err
	}

	return c.Rotation.validate()
}

func (r *RotationConfig) validate() error {
	known := map[string]struct{}{
		strategy.StrategyRoundRobin:         {},
		strategy.StrategyRandom:             {},
		strategy.StrategyWeighted:           {},
		strategy.StrategyLeastUsed:          {},
		strategy.StrategyPerformanceBased:   {},
		strategy.StrategySessionPersistence: {},
		strategy.StrategyGeoTargeted:        {},
		strategy.StrategyComposite:          {},
	}
	if _, ok := known[r.Strategy]; !ok {
		return domain.NewConfigValidationError("rotation.strategy", r.Strategy, "unknown strategy")
	}
	if r.Strategy == strategy.StrategyComposite && len(r.Filters) == 0 {
		return domain.NewConfigValidationError("rotation.filters", nil, "composite needs at least one filter")
	}

	for i := range r.Filters {
		f := &r.Filters[i]
		if f.MinSuccessRate < 0 || f.MinSuccessRate > 1 {
			return domain.NewConfigValidationError("rotation.filters.min_success_rate", f.MinSuccessRate, "must be in 0-1")
		}
		for _, s := range f.Schemes {
			if _, err := domain.ParseProxyScheme(s); err != nil {
				return err
			}
		}
		for _, h := range f.Health {
			switch domain.ProxyHealth(h) {
			case domain.HealthHealthy, domain.HealthDegraded, domain.HealthUnhealthy, domain.HealthUnknown:
			default:
				return domain.NewConfigValidationError("rotation.filters.health", h, "must be healthy, degraded, unhealthy or unknown")
			}
		}
		if f.empty() {
			return domain.NewConfigValidationError("rotation.filters", i, "filter stage matches nothing")
		}
	}
	return nil
}

// empty reports whether the stage carries no usable predicate at all.
func (f *FilterConfig) empty() bool {
	return len(f.Countries) == 0 && len(f.Regions) == 0 && len(f.Tags) == 0 &&
		len(f.Schemes) == 0 && f.MinSuccessRate == 0 && len(f.Health) == 0
}
