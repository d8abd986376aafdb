// Package breaker contains per-proxy circuit breakers behind a registry
// keyed by proxy ID. Breakers keep dispatch away from proxies that keep
// failing: enough proxy-attributable failures inside a rolling window open
// the circuit, a cool-off later a bounded number of probes test the proxy,
// and one probe success closes it again.
package breaker

import (
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
	"github.com/proxywhirl/proxywhirl/internal/logger"
	"github.com/proxywhirl/proxywhirl/pkg/eventbus"
)

const (
	DefaultFailureThreshold   = 5
	DefaultWindowDuration     = 60 * time.Second
	DefaultTimeoutDuration    = 30 * time.Second
	DefaultHalfOpenProbeLimit = 1
	DefaultEventHistory       = 16
)

type Config struct {
	FailureThreshold   int           `yaml:"failure_threshold" json:"failure_threshold"`
	WindowDuration     time.Duration `yaml:"window_duration" json:"window_duration"`
	TimeoutDuration    time.Duration `yaml:"timeout_duration" json:"timeout_duration"`
	HalfOpenProbeLimit int           `yaml:"half_open_probe_limit" json:"half_open_probe_limit"`
	EventHistory       int           `yaml:"event_history" json:"event_history"`
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:   DefaultFailureThreshold,
		WindowDuration:     DefaultWindowDuration,
		TimeoutDuration:    DefaultTimeoutDuration,
		HalfOpenProbeLimit: DefaultHalfOpenProbeLimit,
		EventHistory:       DefaultEventHistory,
	}
}

func (c *Config) withDefaults() error {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.WindowDuration == 0 {
		c.WindowDuration = DefaultWindowDuration
	}
	if c.TimeoutDuration == 0 {
		c.TimeoutDuration = DefaultTimeoutDuration
	}
	if c.HalfOpenProbeLimit == 0 {
		c.HalfOpenProbeLimit = DefaultHalfOpenProbeLimit
	}
	if c.EventHistory == 0 {
		c.EventHistory = DefaultEventHistory
	}

	if c.FailureThreshold < 1 {
		return domain.NewConfigValidationError("circuit_breaker.failure_threshold",
			c.FailureThreshold, "must be at least 1")
	}
	if c.WindowDuration < time.Second {
		return domain.NewConfigValidationError("circuit_breaker.window_duration",
			c.WindowDuration.String(), "must be at least 1s")
	}
	if c.TimeoutDuration < time.Second {
		return domain.NewConfigValidationError("circuit_breaker.timeout_duration",
			c.TimeoutDuration.String(), "must be at least 1s")
	}
	if c.HalfOpenProbeLimit < 1 {
		return domain.NewConfigValidationError("circuit_breaker.half_open_probe_limit",
			c.HalfOpenProbeLimit, "must be at least 1")
	}
	return nil
}

// Registry owns one breaker per proxy ID, created lazily on first use.
type Registry struct {
	breakers *xsync.Map[string, *Breaker]
	cfg      Config
	bus      *eventbus.Bus[domain.CircuitEvent]
	logger   *logger.StyledLogger

	now func() time.Time
}

func NewRegistry(cfg Config, bus *eventbus.Bus[domain.CircuitEvent], log *logger.StyledLogger) (*Registry, error) {
	if err := cfg.withDefaults(); err != nil {
		return nil, err
	}
	return &Registry{
		breakers: xsync.NewMap[string, *Breaker](),
		cfg:      cfg,
		bus:      bus,
		logger:   log,
		now:      time.Now,
	}, nil
}

func (r *Registry) get(proxyID string) *Breaker {
	b, _ := r.breakers.LoadOrCompute(proxyID, func() (*Breaker, bool) {
		nb := newBreaker(proxyID, r.cfg, r.observe)
		nb.now = r.now
		return nb, false
	})
	return b
}

// observe fans a transition out to the bus and the log. Runs under the
// breaker's lock, so it must stay cheap and non-blocking; bus delivery is
// buffered drop-oldest.
func (r *Registry) observe(ev domain.CircuitEvent) {
	if r.bus != nil {
		r.bus.Publish(ev)
	}
	if r.logger != nil {
		r.logger.InfoCircuitState("Circuit", ev.ProxyID, ev.To,
			"from", string(ev.From),
			"failures_in_window", ev.FailuresInWindow)
	}
}

// Admits reports whether an attempt on the proxy would currently be admitted,
// without transitioning state or consuming a probe slot. Strategies use this
// as their admission predicate.
func (r *Registry) Admits(proxyID string) bool {
	return r.get(proxyID).Admits()
}

// Admit performs the consuming admission check right before dispatch. It may
// transition OPEN breakers to HALF_OPEN and reserves a probe slot which the
// caller must release via RecordSuccess or RecordFailure.
func (r *Registry) Admit(proxyID string) (bool, domain.AdmitReason) {
	return r.get(proxyID).Admit()
}

func (r *Registry) RecordSuccess(proxyID string) {
	r.get(proxyID).RecordSuccess()
}

func (r *Registry) RecordFailure(proxyID string) {
	r.get(proxyID).RecordFailure()
}

// ReleaseProbe frees a reserved probe slot when the attempt produced no
// verdict on the proxy.
func (r *Registry) ReleaseProbe(proxyID string) {
	if b, ok := r.breakers.Load(proxyID); ok {
		b.ReleaseProbe()
	}
}

// Reset forces the proxy's breaker CLOSED, clearing its failure window.
func (r *Registry) Reset(proxyID string) {
	r.get(proxyID).Reset()
}

func (r *Registry) State(proxyID string) domain.CircuitState {
	if b, ok := r.breakers.Load(proxyID); ok {
		return b.State()
	}
	return domain.CircuitClosed
}

// Remove tears down the breaker for a proxy leaving the pool.
func (r *Registry) Remove(proxyID string) {
	r.breakers.Delete(proxyID)
}

func (r *Registry) Snapshot(proxyID string) (domain.CircuitSnapshot, bool) {
	if b, ok := r.breakers.Load(proxyID); ok {
		return b.Snapshot(), true
	}
	return domain.CircuitSnapshot{}, false
}

// Snapshots returns the introspection view of every tracked breaker.
func (r *Registry) Snapshots() []domain.CircuitSnapshot {
	out := make([]domain.CircuitSnapshot, 0, r.breakers.Size())
	r.breakers.Range(func(id string, b *Breaker) bool {
		out = append(out, b.Snapshot())
		return true
	})
	return out
}

// OpenCount reports how many breakers currently deny admission outright.
func (r *Registry) OpenCount() int {
	n := 0
	r.breakers.Range(func(id string, b *Breaker) bool {
		if !b.Admits() {
			n++
		}
		return true
	})
	return n
}

func (r *Registry) Size() int {
	return r.breakers.Size()
}
