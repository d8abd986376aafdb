package config

import (
	"fmt"
	"time"

	"github.com/proxywhirl/proxywhirl/internal/adapter/breaker"
	"github.com/proxywhirl/proxywhirl/internal/adapter/dispatch"
	"github.com/proxywhirl/proxywhirl/internal/adapter/ratelimit"
	"github.com/proxywhirl/proxywhirl/internal/core/domain"
)

// Config holds all configuration for the application. Sections owned by an
// adapter reuse the adapter's own config type so the yaml surface and the
// construction-time validation can never drift apart.
type Config struct {
	Filename    string             `yaml:"-"`
	Server      ServerConfig       `yaml:"server"`
	Pool        PoolConfig         `yaml:"pool"`
	Store       StoreConfig        `yaml:"store"`
	Fetch       FetchConfig        `yaml:"fetch"`
	Rotation    RotationConfig     `yaml:"rotation"`
	Retry       domain.RetryPolicy `yaml:"retry"`
	Breaker     breaker.Config     `yaml:"circuit_breaker"`
	RateLimit   ratelimit.Config   `yaml:"rate_limit"`
	Dispatcher  dispatch.Config    `yaml:"dispatcher"`
	Metrics     MetricsConfig      `yaml:"metrics"`
	Engineering EngineeringConfig  `yaml:"engineering"`
}

// ServerConfig holds the admin/relay HTTP server configuration.
type ServerConfig struct {
	Host            string              `yaml:"host"`
	Port            int                 `yaml:"port"`
	ReadTimeout     time.Duration       `yaml:"read_timeout"`
	WriteTimeout    time.Duration       `yaml:"write_timeout"`
	IdleTimeout     time.Duration       `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration       `yaml:"shutdown_timeout"`
	RequestLogging  bool                `yaml:"request_logging"`
	RequestLimits   ServerRequestLimits `yaml:"request_limits"`
}

// GetAddress returns the server address in host:port format
func (s *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ServerRequestLimits defines request size limits for the relay surface.
type ServerRequestLimits struct {
	MaxBodySize   int64 `yaml:"max_body_size"`
	MaxHeaderSize int64 `yaml:"max_header_size"`
}

// PoolConfig tunes proxy bookkeeping and optionally seeds the pool with
// static proxies at boot. Seeds are proxy URLs and may carry credentials;
// they are never echoed back in errors or logs.
type PoolConfig struct {
	WindowDuration time.Duration `yaml:"window_duration"`
	EMAAlpha       float64       `yaml:"ema_alpha"`
	Seeds          []string      `yaml:"seeds"`
}

// StoreConfig controls the on-disk pool snapshot. An empty path disables
// persistence entirely.
type StoreConfig struct {
	Path           string        `yaml:"path"`
	Watch          bool          `yaml:"watch"`
	Debounce       time.Duration `yaml:"debounce"`
	SaveOnShutdown bool          `yaml:"save_on_shutdown"`
}

func (s *StoreConfig) Enabled() bool {
	return s.Path != ""
}

// FetchConfig controls periodic proxy list downloads.
type FetchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Sources  []string      `yaml:"sources"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// RotationConfig selects and tunes the proxy selection strategy. Filters, if
// any, put a composite pipeline in front of the configured fallback
// selector.
type RotationConfig struct {
	Strategy    string         `yaml:"strategy" json:"strategy"`
	Fallback    string         `yaml:"fallback" json:"fallback,omitempty"`
	Gamma       float64        `yaml:"gamma" json:"gamma,omitempty"`
	Seed        int64          `yaml:"seed" json:"seed,omitempty"`
	GeoFallback bool           `yaml:"geo_fallback" json:"geo_fallback,omitempty"`
	SessionTTL  time.Duration  `yaml:"session_ttl" json:"session_ttl,omitempty"`
	RegionBonus float64        `yaml:"region_bonus" json:"region_bonus,omitempty"`
	Filters     []FilterConfig `yaml:"filters" json:"filters,omitempty"`
}

// FilterConfig is one stage of a composite pipeline. Within a stage the
// listed values are alternatives; stages combine left-to-right as AND.
type FilterConfig struct {
	Countries      []string `yaml:"countries" json:"countries,omitempty"`
	Regions        []string `yaml:"regions" json:"regions,omitempty"`
	Tags           []string `yaml:"tags" json:"tags,omitempty"`
	Schemes        []string `yaml:"schemes" json:"schemes,omitempty"`
	MinSuccessRate float64  `yaml:"min_success_rate" json:"min_success_rate,omitempty"`
	Health         []string `yaml:"health" json:"health,omitempty"`
}

// MetricsConfig tunes the in-process aggregator and the Prometheus export.
type MetricsConfig struct {
	EventCapacity int           `yaml:"event_capacity"`
	Retention     time.Duration `yaml:"retention"`
	RollupEvery   time.Duration `yaml:"rollup_every"`
	SampleSize    int           `yaml:"sample_size"`
	Prometheus    bool          `yaml:"prometheus"`
}

// EngineeringConfig holds development/debugging configuration
type EngineeringConfig struct {
	ShowNerdStats bool `yaml:"show_nerdstats"`
}
