package ratelimit

import (
	"strings"
	"time"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
)

const (
	DefaultTierName        = "standard"
	DefaultRequestsPer60s  = 100
	DefaultWindowSeconds   = 60
	DefaultBurstSize       = 10
	DefaultMaxTrackedKeys  = 10000
	DefaultCleanupInterval = time.Minute
	DefaultRedisTimeout    = 250 * time.Millisecond
	DefaultRedisKeyPrefix  = "proxywhirl:rl"

	maxIdentifierLength = 256
)

// Tier is one named admission class. Endpoint overrides tighten the limit
// for specific endpoints; an override above the tier limit is rejected at
// validation since the lower rate always wins anyway.
type Tier struct {
	Name              string         `yaml:"name" json:"name"`
	RequestsPerWindow int            `yaml:"requests_per_window" json:"requests_per_window"`
	WindowSeconds     int            `yaml:"window_seconds" json:"window_seconds"`
	Endpoints         map[string]int `yaml:"endpoints,omitempty" json:"endpoints,omitempty"`
}

func (t Tier) window() time.Duration {
	return time.Duration(t.WindowSeconds) * time.Second
}

type RedisConfig struct {
	URL       string        `yaml:"url" json:"-"`
	KeyPrefix string        `yaml:"key_prefix" json:"key_prefix"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
}

type Config struct {
	Enabled     bool         `yaml:"enabled" json:"enabled"`
	DefaultTier string       `yaml:"default_tier" json:"default_tier"`
	Tiers       []Tier       `yaml:"tiers" json:"tiers"`
	Whitelist   []string     `yaml:"whitelist,omitempty" json:"whitelist,omitempty"`
	Redis       *RedisConfig `yaml:"redis,omitempty" json:"redis,omitempty"`

	// GlobalRequestsPerMinute throttles the whole process regardless of
	// identifier; zero disables it.
	GlobalRequestsPerMinute int `yaml:"global_requests_per_minute" json:"global_requests_per_minute"`
	BurstSize               int `yaml:"burst_size" json:"burst_size"`

	MaxTrackedKeys  int           `yaml:"max_tracked_keys" json:"max_tracked_keys"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		DefaultTier: DefaultTierName,
		Tiers: []Tier{
			{
				Name:              DefaultTierName,
				RequestsPerWindow: DefaultRequestsPer60s,
				WindowSeconds:     DefaultWindowSeconds,
			},
		},
		BurstSize:       DefaultBurstSize,
		MaxTrackedKeys:  DefaultMaxTrackedKeys,
		CleanupInterval: DefaultCleanupInterval,
	}
}

func (c *Config) withDefaults() error {
	if c.BurstSize == 0 {
		c.BurstSize = DefaultBurstSize
	}
	if c.MaxTrackedKeys == 0 {
		c.MaxTrackedKeys = DefaultMaxTrackedKeys
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.Redis != nil {
		if c.Redis.KeyPrefix == "" {
			c.Redis.KeyPrefix = DefaultRedisKeyPrefix
		}
		if c.Redis.Timeout == 0 {
			c.Redis.Timeout = DefaultRedisTimeout
		}
	}

	if !c.Enabled {
		return nil
	}

	if len(c.Tiers) == 0 {
		return domain.NewConfigValidationError("rate_limit.tiers", "", "at least one tier required when enabled")
	}

	seen := make(map[string]struct{}, len(c.Tiers))
	for i := range c.Tiers {
		t := &c.Tiers[i]
		if t.Name == "" {
			return domain.NewConfigValidationError("rate_limit.tiers.name", t.Name, "must not be empty")
		}
		if _, dup := seen[t.Name]; dup {
			return domain.NewConfigValidationError("rate_limit.tiers.name", t.Name, "duplicate tier name")
		}
		seen[t.Name] = struct{}{}

		if t.RequestsPerWindow < 1 {
			return domain.NewConfigValidationError("rate_limit.tiers.requests_per_window", t.RequestsPerWindow, "must be at least 1")
		}
		if t.WindowSeconds < 1 {
			return domain.NewConfigValidationError("rate_limit.tiers.window_seconds", t.WindowSeconds, "must be at least 1")
		}
		for endpoint, limit := range t.Endpoints {
			if limit < 1 {
				return domain.NewConfigValidationError("rate_limit.tiers.endpoints", endpoint, "override must be at least 1")
			}
			if limit > t.RequestsPerWindow {
				return domain.NewConfigValidationError("rate_limit.tiers.endpoints", endpoint, "override exceeds the tier limit; the lower rate always wins")
			}
		}
	}

	if c.DefaultTier == "" {
		c.DefaultTier = c.Tiers[0].Name
	}
	if _, ok := seen[c.DefaultTier]; !ok {
		return domain.NewConfigValidationError("rate_limit.default_tier", c.DefaultTier, "names no configured tier")
	}

	if c.GlobalRequestsPerMinute < 0 {
		return domain.NewConfigValidationError("rate_limit.global_requests_per_minute", c.GlobalRequestsPerMinute, "must not be negative")
	}

	return nil
}

// ValidateIdentifier rejects identifiers that look like raw URLs or
// credentials; these would leak through limiter keys and rejection logs.
func ValidateIdentifier(identifier string) error {
	if identifier == "" {
		return domain.NewConfigValidationError("identifier", identifier, "must not be empty")
	}
	if len(identifier) > maxIdentifierLength {
		return domain.NewConfigValidationError("identifier", "(truncated)", "too long")
	}
	if strings.Contains(identifier, "://") {
		return domain.NewConfigValidationError("identifier", "(redacted)", "must not be a raw URL")
	}
	if strings.ContainsAny(identifier, " \t\r\n") {
		return domain.NewConfigValidationError("identifier", "(redacted)", "must not contain whitespace")
	}
	return nil
}
