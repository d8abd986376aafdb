package pool

/*
 * Pool - the authoritative in-memory proxy set.
 *
 * Membership lives under one RWMutex; statistics live under per-entry locks
 * so outcome recording for different proxies never contends. Strategies only
 * ever see snapshots, so the selection hot path takes no pool locks at all.
 */

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
	"github.com/proxywhirl/proxywhirl/internal/logger"
	"github.com/proxywhirl/proxywhirl/pkg/eventbus"
)

const (
	DefaultWindowDuration = 60 * time.Second
	DefaultEMAAlpha       = 0.3
)

type Config struct {
	// WindowDuration bounds the rolling success/failure counters.
	WindowDuration time.Duration
	// EMAAlpha is the smoothing factor for the latency EMA, in (0,1].
	EMAAlpha float64
}

func (c *Config) withDefaults() (Config, error) {
	out := *c
	if out.WindowDuration == 0 {
		out.WindowDuration = DefaultWindowDuration
	}
	if out.EMAAlpha == 0 {
		out.EMAAlpha = DefaultEMAAlpha
	}
	if out.WindowDuration < 0 {
		return out, domain.NewConfigValidationError("window_duration", out.WindowDuration.String(), "must be positive")
	}
	if out.EMAAlpha <= 0 || out.EMAAlpha > 1 {
		return out, domain.NewConfigValidationError("ema_alpha", out.EMAAlpha, "must be in (0,1]")
	}
	return out, nil
}

type entry struct {
	mu    sync.Mutex
	proxy *domain.Proxy
}

type Pool struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string // insertion order, drives round_robin stability

	version atomic.Uint64
	cfg     Config

	logger *logger.StyledLogger
	events *eventbus.Bus[domain.PoolEvent]

	hooksMu     sync.Mutex
	removeHooks []func(proxyID string)
}

func New(cfg Config, log *logger.StyledLogger, events *eventbus.Bus[domain.PoolEvent]) (*Pool, error) {
	resolved, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Pool{
		entries: make(map[string]*entry),
		cfg:     resolved,
		logger:  log,
		events:  events,
	}, nil
}

// OnRemove registers a teardown hook invoked with the proxy id after a proxy
// leaves the pool. The breaker registry and session binder hang off this.
func (p *Pool) OnRemove(hook func(proxyID string)) {
	p.hooksMu.Lock()
	defer p.hooksMu.Unlock()
	p.removeHooks = append(p.removeHooks, hook)
}

// Add inserts a proxy, rejecting duplicates by id.
func (p *Pool) Add(proxy *domain.Proxy) error {
	if err := proxy.Validate(); err != nil {
		return err
	}
	if proxy.ID == "" {
		proxy.ID = domain.ProxyID(proxy.Scheme, proxy.Host, proxy.Port, proxy.Username)
	}
	if proxy.CreatedAt.IsZero() {
		proxy.CreatedAt = time.Now()
	}

	p.mu.Lock()
	if _, exists := p.entries[proxy.ID]; exists {
		p.mu.Unlock()
		return domain.ErrAlreadyExists
	}
	p.entries[proxy.ID] = &entry{proxy: proxy}
	p.order = append(p.order, proxy.ID)
	version := p.version.Add(1)
	size := len(p.entries)
	p.mu.Unlock()

	p.publish(domain.PoolEvent{Type: domain.PoolProxyAdded, ProxyID: proxy.ID, Size: size, Version: version, At: time.Now()})
	if p.logger != nil {
		p.logger.InfoWithProxy("Proxy added", proxy.ID, "endpoint", proxy.Redacted(), "pool_size", size)
	}
	return nil
}

// Remove deletes the proxy and returns its final record. In-flight attempts
// against it complete; it just stops being selectable.
func (p *Pool) Remove(id string) (*domain.Proxy, error) {
	p.mu.Lock()
	e, exists := p.entries[id]
	if !exists {
		p.mu.Unlock()
		return nil, domain.ErrNotFound
	}
	delete(p.entries, id)
	for i, oid := range p.order {
		if oid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	version := p.version.Add(1)
	size := len(p.entries)
	p.mu.Unlock()

	e.mu.Lock()
	removed := cloneProxy(e.proxy)
	e.mu.Unlock()

	p.runRemoveHooks(id)
	p.publish(domain.PoolEvent{Type: domain.PoolProxyRemoved, ProxyID: id, Size: size, Version: version, At: time.Now()})
	if p.logger != nil {
		p.logger.InfoWithProxy("Proxy removed", id, "pool_size", size)
	}
	return removed, nil
}

// Update applies the mutator under the per-proxy lock. The id is fixed;
// mutations touch metadata and credentials only.
func (p *Pool) Update(id string, mutate func(*domain.Proxy)) error {
	p.mu.RLock()
	e, exists := p.entries[id]
	p.mu.RUnlock()
	if !exists {
		return domain.ErrNotFound
	}

	e.mu.Lock()
	keep := e.proxy.ID
	mutate(e.proxy)
	e.proxy.ID = keep
	e.mu.Unlock()
	return nil
}

// Get returns a copy of the live record including credentials, for dialing.
func (p *Pool) Get(id string) (*domain.Proxy, bool) {
	p.mu.RLock()
	e, exists := p.entries[id]
	p.mu.RUnlock()
	if !exists {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneProxy(e.proxy), true
}

func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

func (p *Pool) Version() uint64 {
	return p.version.Load()
}

// Snapshot copies the selection-relevant fields of every proxy in insertion
// order. The result is immutable from the caller's point of view.
func (p *Pool) Snapshot() []*domain.ProxyView {
	p.mu.RLock()
	ordered := make([]*entry, 0, len(p.order))
	for _, id := range p.order {
		if e, ok := p.entries[id]; ok {
			ordered = append(ordered, e)
		}
	}
	version := p.version.Load()
	p.mu.RUnlock()

	views := make([]*domain.ProxyView, 0, len(ordered))
	for _, e := range ordered {
		e.mu.Lock()
		views = append(views, viewOf(e.proxy, version))
		e.mu.Unlock()
	}
	return views
}

// MarkStarted counts an attempt beginning against the proxy.
func (p *Pool) MarkStarted(id string) error {
	p.mu.RLock()
	e, exists := p.entries[id]
	p.mu.RUnlock()
	if !exists {
		return domain.ErrNotFound
	}

	e.mu.Lock()
	e.proxy.Stats.RequestsStarted++
	e.proxy.Stats.RequestsActive++
	e.mu.Unlock()
	return nil
}

// MarkAbandoned rolls back a started attempt that ended without a verdict,
// which happens when the caller cancels mid-flight. The proxy is neither
// credited nor blamed.
func (p *Pool) MarkAbandoned(id string) error {
	p.mu.RLock()
	e, exists := p.entries[id]
	p.mu.RUnlock()
	if !exists {
		return domain.ErrNotFound
	}

	e.mu.Lock()
	if e.proxy.Stats.RequestsActive > 0 {
		e.proxy.Stats.RequestsActive--
	}
	if e.proxy.Stats.RequestsStarted > 0 {
		e.proxy.Stats.RequestsStarted--
	}
	e.mu.Unlock()
	return nil
}

// RecordOutcome is the only mutation path for statistics. Counters, EMA,
// rolling window and failure streaks all move here, under the entry lock.
func (p *Pool) RecordOutcome(id string, outcome domain.Outcome) error {
	p.mu.RLock()
	e, exists := p.entries[id]
	p.mu.RUnlock()
	if !exists {
		return domain.ErrNotFound
	}

	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	s := &e.proxy.Stats
	if s.RequestsActive > 0 {
		s.RequestsActive--
	}
	s.RequestsCompleted++

	if s.WindowStart.IsZero() || now.Sub(s.WindowStart) >= p.cfg.WindowDuration {
		s.WindowStart = now
		s.WindowSucceeded = 0
		s.WindowFailed = 0
	}

	if outcome.Success {
		s.RequestsSucceeded++
		s.WindowSucceeded++
		s.LastSuccessAt = now
		s.ConsecutiveFailures = 0
		s.LastErrorKind = ""

		sample := float64(outcome.Latency) / float64(time.Millisecond)
		if s.EMAResponseTimeMs == 0 {
			s.EMAResponseTimeMs = sample
		} else {
			s.EMAResponseTimeMs = p.cfg.EMAAlpha*sample + (1-p.cfg.EMAAlpha)*s.EMAResponseTimeMs
		}
	} else {
		s.RequestsFailed++
		s.WindowFailed++
		s.LastFailureAt = now
		s.ConsecutiveFailures++
		s.LastErrorKind = outcome.Kind
	}
	return nil
}

// Merge folds a fetched list into the pool by id: new proxies are added,
// known ones refresh metadata and credentials but keep their statistics.
func (p *Pool) Merge(list []*domain.Proxy) (added, updated int) {
	now := time.Now()

	for _, in := range list {
		if in == nil || in.Validate() != nil {
			continue
		}
		if in.ID == "" {
			in.ID = domain.ProxyID(in.Scheme, in.Host, in.Port, in.Username)
		}

		p.mu.Lock()
		e, exists := p.entries[in.ID]
		if !exists {
			if in.CreatedAt.IsZero() {
				in.CreatedAt = now
			}
			p.entries[in.ID] = &entry{proxy: in}
			p.order = append(p.order, in.ID)
			p.version.Add(1)
			p.mu.Unlock()
			added++
			continue
		}
		p.mu.Unlock()

		e.mu.Lock()
		e.proxy.Password = in.Password
		e.proxy.CountryCode = in.CountryCode
		e.proxy.Region = in.Region
		e.proxy.Tags = in.Tags
		e.mu.Unlock()
		updated++
	}

	p.mu.RLock()
	size := len(p.entries)
	version := p.version.Load()
	p.mu.RUnlock()

	p.publish(domain.PoolEvent{Type: domain.PoolMerged, Size: size, Version: version, At: now})
	if p.logger != nil {
		p.logger.InfoWithCount("Proxy list merged", size, "added", added, "updated", updated)
	}
	return added, updated
}

// Replace swaps the whole membership for the given list. Statistics of
// surviving ids carry over; proxies that vanish get their hooks run.
func (p *Pool) Replace(list []*domain.Proxy) (kept, dropped int) {
	now := time.Now()

	fresh := make(map[string]*entry, len(list))
	order := make([]string, 0, len(list))
	for _, in := range list {
		if in == nil || in.Validate() != nil {
			continue
		}
		if in.ID == "" {
			in.ID = domain.ProxyID(in.Scheme, in.Host, in.Port, in.Username)
		}
		if _, dup := fresh[in.ID]; dup {
			continue
		}
		if in.CreatedAt.IsZero() {
			in.CreatedAt = now
		}
		fresh[in.ID] = &entry{proxy: in}
		order = append(order, in.ID)
	}

	p.mu.Lock()
	var removed []string
	for id, old := range p.entries {
		if ne, survives := fresh[id]; survives {
			old.mu.Lock()
			ne.proxy.Stats = old.proxy.Stats
			ne.proxy.CreatedAt = old.proxy.CreatedAt
			old.mu.Unlock()
			kept++
		} else {
			removed = append(removed, id)
		}
	}
	p.entries = fresh
	p.order = order
	version := p.version.Add(1)
	size := len(p.entries)
	p.mu.Unlock()

	dropped = len(removed)
	for _, id := range removed {
		p.runRemoveHooks(id)
	}

	p.publish(domain.PoolEvent{Type: domain.PoolReplaced, Size: size, Version: version, At: now})
	if p.logger != nil {
		p.logger.InfoWithCount("Proxy pool replaced", size, "kept", kept, "dropped", dropped)
	}
	return kept, dropped
}

// Export deep-copies every record, including credentials and statistics, for
// the store to persist.
func (p *Pool) Export() []*domain.Proxy {
	p.mu.RLock()
	ordered := make([]*entry, 0, len(p.order))
	for _, id := range p.order {
		if e, ok := p.entries[id]; ok {
			ordered = append(ordered, e)
		}
	}
	p.mu.RUnlock()

	out := make([]*domain.Proxy, 0, len(ordered))
	for _, e := range ordered {
		e.mu.Lock()
		out = append(out, cloneProxy(e.proxy))
		e.mu.Unlock()
	}
	return out
}

func (p *Pool) publish(ev domain.PoolEvent) {
	if p.events != nil {
		p.events.Publish(ev)
	}
}

func (p *Pool) runRemoveHooks(id string) {
	p.hooksMu.Lock()
	hooks := make([]func(string), len(p.removeHooks))
	copy(hooks, p.removeHooks)
	p.hooksMu.Unlock()

	for _, hook := range hooks {
		hook(id)
	}
}

func cloneProxy(in *domain.Proxy) *domain.Proxy {
	out := *in
	out.Tags = append([]string(nil), in.Tags...)
	return &out
}

func viewOf(p *domain.Proxy, version uint64) *domain.ProxyView {
	s := p.Stats
	return &domain.ProxyView{
		ID:          p.ID,
		Scheme:      p.Scheme,
		Host:        p.Host,
		Port:        p.Port,
		CountryCode: p.CountryCode,
		Region:      p.Region,
		Tags:        append([]string(nil), p.Tags...),

		RequestsStarted:     s.RequestsStarted,
		RequestsActive:      s.RequestsActive,
		RequestsCompleted:   s.RequestsCompleted,
		RequestsSucceeded:   s.RequestsSucceeded,
		RequestsFailed:      s.RequestsFailed,
		EMAResponseTimeMs:   s.EMAResponseTimeMs,
		LastSuccessAt:       s.LastSuccessAt,
		LastFailureAt:       s.LastFailureAt,
		ConsecutiveFailures: s.ConsecutiveFailures,
		Health:              domain.DeriveHealth(&s),

		PoolVersion: version,
	}
}
