package dispatch

import (
	"time"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
)

const (
	DefaultConnectTimeout        = 10 * time.Second
	DefaultResponseHeaderTimeout = 30 * time.Second
	DefaultAttemptTimeout        = 60 * time.Second
	DefaultTLSHandshakeTimeout   = 10 * time.Second
	DefaultKeepAlive             = 30 * time.Second
	DefaultIdleConnTimeout       = 90 * time.Second
	DefaultMaxIdleConns          = 100
	DefaultMaxIdleConnsPerHost   = 8
	DefaultMaxConnsPerProxy      = 64
	DefaultMaxCachedTransports   = 128
	DefaultMaxBodyBytes          = 10 << 20
	DefaultBufferSize            = 64 << 10
)

type Config struct {
	ConnectTimeout        time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout" json:"response_header_timeout"`
	AttemptTimeout        time.Duration `yaml:"attempt_timeout" json:"attempt_timeout"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout" json:"tls_handshake_timeout"`
	KeepAlive             time.Duration `yaml:"keep_alive" json:"keep_alive"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout" json:"idle_conn_timeout"`

	MaxIdleConns        int `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxIdleConnsPerHost int `yaml:"max_idle_conns_per_host" json:"max_idle_conns_per_host"`
	MaxConnsPerProxy    int `yaml:"max_conns_per_proxy" json:"max_conns_per_proxy"`

	// MaxCachedTransports bounds the per-proxy transport cache; the least
	// recently used transport is closed and dropped when the cache is full.
	MaxCachedTransports int `yaml:"max_cached_transports" json:"max_cached_transports"`

	// MaxBodyBytes caps how much of a response body one attempt will read.
	// Zero means unlimited.
	MaxBodyBytes int64 `yaml:"max_body_bytes" json:"max_body_bytes"`

	// InsecureSkipVerify disables TLS verification toward targets. Off by
	// default; scraping jobs behind intercepting proxies sometimes need it.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`

	// UserAgent is applied only when the caller set none; caller headers
	// are always forwarded verbatim.
	UserAgent string `yaml:"user_agent" json:"user_agent"`
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:        DefaultConnectTimeout,
		ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
		AttemptTimeout:        DefaultAttemptTimeout,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		KeepAlive:             DefaultKeepAlive,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		MaxConnsPerProxy:      DefaultMaxConnsPerProxy,
		MaxCachedTransports:   DefaultMaxCachedTransports,
		MaxBodyBytes:          DefaultMaxBodyBytes,
	}
}

func (c *Config) withDefaults() error {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ResponseHeaderTimeout == 0 {
		c.ResponseHeaderTimeout = DefaultResponseHeaderTimeout
	}
	if c.AttemptTimeout == 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.TLSHandshakeTimeout == 0 {
		c.TLSHandshakeTimeout = DefaultTLSHandshakeTimeout
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.IdleConnTimeout == 0 {
		c.IdleConnTimeout = DefaultIdleConnTimeout
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = DefaultMaxIdleConns
	}
	if c.MaxIdleConnsPerHost == 0 {
		c.MaxIdleConnsPerHost = DefaultMaxIdleConnsPerHost
	}
	if c.MaxConnsPerProxy == 0 {
		c.MaxConnsPerProxy = DefaultMaxConnsPerProxy
	}
	if c.MaxCachedTransports == 0 {
		c.MaxCachedTransports = DefaultMaxCachedTransports
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}

	for field, d := range map[string]time.Duration{
		"dispatcher.connect_timeout":         c.ConnectTimeout,
		"dispatcher.response_header_timeout": c.ResponseHeaderTimeout,
		"dispatcher.attempt_timeout":         c.AttemptTimeout,
		"dispatcher.tls_handshake_timeout":   c.TLSHandshakeTimeout,
		"dispatcher.idle_conn_timeout":       c.IdleConnTimeout,
	} {
		if d < 0 {
			return domain.NewConfigValidationError(field, d.String(), "must not be negative")
		}
	}
	if c.MaxCachedTransports < 1 {
		return domain.NewConfigValidationError("dispatcher.max_cached_transports", c.MaxCachedTransports, "must be at least 1")
	}
	if c.MaxBodyBytes < 0 {
		return domain.NewConfigValidationError("dispatcher.max_body_bytes", c.MaxBodyBytes, "must not be negative")
	}
	return nil
}
