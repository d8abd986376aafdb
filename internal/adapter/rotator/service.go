// Package rotator drives one logical request end to end: select a proxy
// under the active strategy, clear the breaker and the rate limiter, dispatch
// exactly one attempt and settle its outcome, then retry per policy. The
// service owns the hot-swappable pieces (strategy, retry policy, limiter) and
// the session bindings those swaps must not lose.
package rotator

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/proxywhirl/proxywhirl/internal/adapter/breaker"
	"github.com/proxywhirl/proxywhirl/internal/adapter/pool"
	"github.com/proxywhirl/proxywhirl/internal/adapter/strategy"
	"github.com/proxywhirl/proxywhirl/internal/core/domain"
	"github.com/proxywhirl/proxywhirl/internal/core/ports"
	"github.com/proxywhirl/proxywhirl/internal/logger"
)

const (
	DefaultRegionBonus          = 1.10
	DefaultHousekeepingInterval = time.Minute
)

// Config fixes the service-level defaults. Strategy, retry policy and
// limiter stay swappable at runtime; everything else is set once.
type Config struct {
	// Strategy names the initial selection strategy.
	Strategy string

	// Fallback is the primitive the wrapper strategies delegate to.
	Fallback string

	// Gamma tunes the weighted strategy.
	Gamma float64

	// Seed makes selection and jitter reproducible. Zero seeds from entropy.
	Seed int64

	// GeoFallback lets geo_targeted widen to the full pool when nothing
	// matches the requested geography.
	GeoFallback bool

	// SessionTTL bounds session_persistence bindings.
	SessionTTL time.Duration

	// RegionBonus multiplies performance scores for proxies in the request's
	// target region on retry selections. 1 disables the preference.
	RegionBonus float64

	// Retry is the service-wide policy; the zero value means the default.
	Retry domain.RetryPolicy

	// HousekeepingInterval paces expired-binding sweeps.
	HousekeepingInterval time.Duration
}

func (c *Config) withDefaults() (Config, error) {
	out := *c
	if out.Strategy == "" {
		out.Strategy = strategy.StrategyRoundRobin
	}
	if out.SessionTTL == 0 {
		out.SessionTTL = strategy.DefaultSessionTTL
	}
	if out.RegionBonus == 0 {
		out.RegionBonus = DefaultRegionBonus
	}
	if out.RegionBonus < 1.0 || out.RegionBonus > 2.0 {
		return out, domain.NewConfigValidationError("rotator.region_bonus", out.RegionBonus, "must be in 1.0-2.0")
	}
	if out.HousekeepingInterval <= 0 {
		out.HousekeepingInterval = DefaultHousekeepingInterval
	}
	if out.Retry.MaxAttempts == 0 {
		out.Retry = domain.DefaultRetryPolicy()
	}
	if err := out.Retry.Validate(); err != nil {
		return out, err
	}
	return out, nil
}

type strategyHolder struct {
	impl domain.ProxyStrategy
}

type limiterHolder struct {
	impl ports.RateLimiter
}

// Service is the rotation façade. All methods are safe for concurrent use;
// strategy, retry policy and limiter swap atomically under load.
type Service struct {
	pool       *pool.Pool
	breakers   *breaker.Registry
	dispatcher ports.Dispatcher
	sink       ports.AttemptSink
	logger     *logger.StyledLogger

	factory  *strategy.Factory
	bindings *strategy.Bindings

	strategy atomic.Pointer[strategyHolder]
	policy   atomic.Pointer[domain.RetryPolicy]
	limiter  atomic.Pointer[limiterHolder]

	cfg Config

	inFlight atomic.Int64

	rngMu sync.Mutex
	rng   *rand.Rand

	stopOnce sync.Once
	stopCh   chan struct{}
	done     sync.WaitGroup
}

// New wires the service onto an existing pool, breaker registry and
// dispatcher. The limiter and sink may be nil; removal hooks for breakers,
// bindings and cached transports are registered here.
func New(cfg Config, p *pool.Pool, breakers *breaker.Registry, dispatcher ports.Dispatcher,
	limiter ports.RateLimiter, sink ports.AttemptSink, log *logger.StyledLogger) (*Service, error) {

	resolved, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	s := &Service{
		pool:       p,
		breakers:   breakers,
		dispatcher: dispatcher,
		sink:       sink,
		logger:     log,
		factory:    strategy.NewFactory(),
		bindings:   strategy.NewBindings(resolved.SessionTTL),
		cfg:        resolved,
		rng:        newJitterSource(resolved.Seed),
		stopCh:     make(chan struct{}),
	}

	s.policy.Store(&resolved.Retry)
	s.limiter.Store(&limiterHolder{impl: limiter})
	if err := s.SetStrategy(resolved.Strategy); err != nil {
		return nil, err
	}

	p.OnRemove(breakers.Remove)
	p.OnRemove(func(id string) {
		if n := s.bindings.DropProxy(id); n > 0 && s.logger != nil {
			s.logger.Debug("Dropped session bindings for removed proxy", "proxy_id", id, "bindings", n)
		}
	})
	if tc, ok := dispatcher.(interface{ RemoveProxy(proxyID string) }); ok {
		p.OnRemove(tc.RemoveProxy)
	}

	s.done.Add(1)
	go s.housekeeping()

	return s, nil
}

func newJitterSource(seed int64) *rand.Rand {
	if seed == 0 {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return rand.New(rand.NewPCG(uint64(seed), uint64(seed)))
}

// jitterScale draws a factor uniform in [1-ratio, 1+ratio].
func (s *Service) jitterScale(ratio float64) float64 {
	if ratio <= 0 {
		return 1
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return 1 - ratio + s.rng.Float64()*2*ratio
}

// SetStrategy swaps the selection strategy by name. In-flight requests finish
// on the strategy they started with; session bindings carry over.
func (s *Service) SetStrategy(name string) error {
	return s.SetStrategyWithOptions(name, strategy.Options{})
}

// SetStrategyWithOptions swaps strategies with explicit construction options.
// The service's bindings and defaults fill any zero fields so wrapper
// strategies keep their session state across the swap.
func (s *Service) SetStrategyWithOptions(name string, opts strategy.Options) error {
	opts.Bindings = s.bindings
	if opts.Seed == 0 {
		opts.Seed = s.cfg.Seed
	}
	if opts.Gamma == 0 {
		opts.Gamma = s.cfg.Gamma
	}
	if opts.SessionTTL == 0 {
		opts.SessionTTL = s.cfg.SessionTTL
	}
	if opts.Fallback == "" {
		opts.Fallback = s.cfg.Fallback
	}
	if !opts.GeoFallback {
		opts.GeoFallback = s.cfg.GeoFallback
	}

	st, err := s.factory.Create(name, opts)
	if err != nil {
		return err
	}

	prev := s.strategy.Swap(&strategyHolder{impl: st})
	if s.logger != nil {
		from := ""
		if prev != nil {
			from = prev.impl.Name()
		}
		s.logger.Info("Selection strategy swapped", "from", from, "to", st.Name())
	}
	return nil
}

// UseStrategy installs a caller-built strategy, typically a composite.
func (s *Service) UseStrategy(st domain.ProxyStrategy) {
	if st == nil {
		return
	}
	s.strategy.Swap(&strategyHolder{impl: st})
	if s.logger != nil {
		s.logger.Info("Selection strategy swapped", "to", st.Name())
	}
}

// Strategy reports the active strategy name.
func (s *Service) Strategy() string {
	return s.currentStrategy().Name()
}

func (s *Service) currentStrategy() domain.ProxyStrategy {
	return s.strategy.Load().impl
}

// Strategies lists every registered strategy name.
func (s *Service) Strategies() []string {
	return s.factory.Available()
}

// Bindings exposes the session table, shared with every strategy the service
// builds.
func (s *Service) Bindings() *strategy.Bindings {
	return s.bindings
}

// SetRetryPolicy validates and installs a new service-wide policy. Requests
// already executing keep the policy they resolved at entry.
func (s *Service) SetRetryPolicy(p domain.RetryPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.policy.Store(&p)
	if s.logger != nil {
		s.logger.Info("Retry policy updated",
			"max_attempts", p.MaxAttempts,
			"backoff", string(p.Backoff),
			"base_delay", p.BaseDelay.String())
	}
	return nil
}

// RetryPolicy returns the current service-wide policy.
func (s *Service) RetryPolicy() domain.RetryPolicy {
	return *s.policy.Load()
}

// SetRateLimiter swaps the admission limiter. Nil disables limiting.
func (s *Service) SetRateLimiter(l ports.RateLimiter) {
	s.limiter.Store(&limiterHolder{impl: l})
}

func (s *Service) currentLimiter() ports.RateLimiter {
	return s.limiter.Load().impl
}

// AddProxy admits a proxy into the pool behind the service.
func (s *Service) AddProxy(proxy *domain.Proxy) error {
	return s.pool.Add(proxy)
}

// RemoveProxy evicts a proxy. The removal hooks registered in New drop its
// breaker, session bindings and cached transports.
func (s *Service) RemoveProxy(id string) (*domain.Proxy, error) {
	return s.pool.Remove(id)
}

// UpdateProxy mutates a proxy's metadata in place. Statistics and identity
// are not touched.
func (s *Service) UpdateProxy(id string, mutate func(*domain.Proxy)) error {
	return s.pool.Update(id, mutate)
}

// ResetCircuit forces one proxy's breaker closed.
func (s *Service) ResetCircuit(proxyID string) {
	s.breakers.Reset(proxyID)
	if s.logger != nil {
		s.logger.InfoWithProxy("Circuit reset", proxyID)
	}
}

// Stats is a point-in-time operational summary of the service.
type Stats struct {
	PoolSize        int                `json:"pool_size"`
	PoolVersion     uint64             `json:"pool_version"`
	Available       int                `json:"available_proxies"`
	OpenCircuits    int                `json:"open_circuits"`
	InFlight        int64              `json:"in_flight"`
	Strategy        string             `json:"strategy"`
	SessionBindings int                `json:"session_bindings"`
	RetryPolicy     domain.RetryPolicy `json:"retry_policy"`
}

func (s *Service) Stats() Stats {
	available := 0
	for _, v := range s.pool.Snapshot() {
		if s.breakers.Admits(v.ID) {
			available++
		}
	}
	return Stats{
		PoolSize:        s.pool.Len(),
		PoolVersion:     s.pool.Version(),
		Available:       available,
		OpenCircuits:    s.breakers.OpenCount(),
		InFlight:        s.inFlight.Load(),
		Strategy:        s.Strategy(),
		SessionBindings: s.bindings.Len(),
		RetryPolicy:     s.RetryPolicy(),
	}
}

// Do executes the request without a caller context, for library use.
func (s *Service) Do(req *domain.Request, opts *RequestOptions) (*domain.Response, error) {
	return s.Execute(context.Background(), req, opts)
}

// Go executes asynchronously; the result arrives on the returned channel,
// which is closed after the single send.
func (s *Service) Go(ctx context.Context, req *domain.Request, opts *RequestOptions) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		resp, err := s.Execute(ctx, req, opts)
		ch <- Result{Response: resp, Err: err}
	}()
	return ch
}

// housekeeping sweeps expired session bindings and refreshes pool gauges on
// sinks that carry them.
func (s *Service) housekeeping() {
	defer s.done.Done()
	ticker := time.NewTicker(s.cfg.HousekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if n := s.bindings.Sweep(); n > 0 && s.logger != nil {
				s.logger.Debug("Swept expired session bindings", "expired", n)
			}
			s.refreshGauges()
		}
	}
}

func (s *Service) refreshGauges() {
	pg, ok := s.sink.(interface{ SetPoolGauges(total, available int) })
	if !ok {
		return
	}
	views := s.pool.Snapshot()
	available := 0
	for _, v := range views {
		if s.breakers.Admits(v.ID) {
			available++
		}
	}
	pg.SetPoolGauges(len(views), available)
}

// Close stops housekeeping. In-flight requests are not interrupted; callers
// cancel those through their contexts.
func (s *Service) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.done.Wait()
}
