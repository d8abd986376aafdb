// Package strategy implements proxy selection: the stateless primitives
// (round_robin, random, weighted, least_used, performance_based), the
// wrappers that delegate to a primitive (session_persistence, geo_targeted)
// and a composite pipeline of filters in front of a selector. Strategies read
// only pool snapshots and never write proxy state.
package strategy

import (
	"fmt"
	"sync"
	"time"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
)

const (
	StrategyRoundRobin         = "round_robin"
	StrategyRandom             = "random"
	StrategyWeighted           = "weighted"
	StrategyLeastUsed          = "least_used"
	StrategyPerformanceBased   = "performance_based"
	StrategySessionPersistence = "session_persistence"
	StrategyGeoTargeted        = "geo_targeted"
	StrategyComposite          = "composite"
)

const DefaultSessionTTL = 30 * time.Minute

// Options tune strategy construction. The zero value is usable: entropy
// seeding, gamma 1, the default session TTL and round_robin fallback.
type Options struct {
	// Seed makes the random-driven strategies reproducible. Zero seeds from
	// entropy.
	Seed int64

	// Gamma is the exponent weighted applies to success rate.
	Gamma float64

	// SessionTTL bounds how long a session key stays bound to one proxy.
	SessionTTL time.Duration

	// Fallback names the primitive that session_persistence and geo_targeted
	// delegate to. Defaults to round_robin.
	Fallback string

	// GeoFallback lets geo_targeted widen to the full snapshot when no
	// candidate matches the requested geography.
	GeoFallback bool

	// Bindings carries session state across strategy swaps. When nil a fresh
	// table is created; the rotator passes its own so bindings survive
	// hot-swap.
	Bindings *Bindings
}

type Factory struct {
	creators map[string]func(Options) (domain.ProxyStrategy, error)
	mu       sync.RWMutex
}

func NewFactory() *Factory {
	f := &Factory{
		creators: make(map[string]func(Options) (domain.ProxyStrategy, error)),
	}

	f.Register(StrategyRoundRobin, func(Options) (domain.ProxyStrategy, error) {
		return NewRoundRobin(), nil
	})
	f.Register(StrategyRandom, func(opts Options) (domain.ProxyStrategy, error) {
		return NewRandom(opts.Seed), nil
	})
	f.Register(StrategyWeighted, func(opts Options) (domain.ProxyStrategy, error) {
		return NewWeighted(opts.Seed, opts.Gamma), nil
	})
	f.Register(StrategyLeastUsed, func(Options) (domain.ProxyStrategy, error) {
		return NewLeastUsed(), nil
	})
	f.Register(StrategyPerformanceBased, func(Options) (domain.ProxyStrategy, error) {
		return NewPerformanceBased(), nil
	})
	f.Register(StrategySessionPersistence, func(opts Options) (domain.ProxyStrategy, error) {
		fallback, err := f.primitive(opts)
		if err != nil {
			return nil, err
		}
		bindings := opts.Bindings
		if bindings == nil {
			bindings = NewBindings(opts.SessionTTL)
		}
		return NewSessionPersistence(bindings, fallback), nil
	})
	f.Register(StrategyGeoTargeted, func(opts Options) (domain.ProxyStrategy, error) {
		fallback, err := f.primitive(opts)
		if err != nil {
			return nil, err
		}
		return NewGeoTargeted(fallback, opts.GeoFallback), nil
	})

	return f
}

func (f *Factory) Register(name string, creator func(Options) (domain.ProxyStrategy, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creators[name] = creator
}

func (f *Factory) Create(name string, opts Options) (domain.ProxyStrategy, error) {
	f.mu.RLock()
	creator, exists := f.creators[name]
	f.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown selection strategy: %s", name)
	}

	return creator(opts)
}

func (f *Factory) Available() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names := make([]string, 0, len(f.creators))
	for name := range f.creators {
		names = append(names, name)
	}
	return names
}

// primitive resolves the fallback selector for the delegating strategies.
// Only the five primitives qualify; nesting wrappers would recurse.
func (f *Factory) primitive(opts Options) (domain.ProxyStrategy, error) {
	name := opts.Fallback
	if name == "" {
		name = StrategyRoundRobin
	}

	switch name {
	case StrategyRoundRobin:
		return NewRoundRobin(), nil
	case StrategyRandom:
		return NewRandom(opts.Seed), nil
	case StrategyWeighted:
		return NewWeighted(opts.Seed, opts.Gamma), nil
	case StrategyLeastUsed:
		return NewLeastUsed(), nil
	case StrategyPerformanceBased:
		return NewPerformanceBased(), nil
	default:
		return nil, domain.NewConfigValidationError("strategy.fallback", name,
			"must be one of round_robin, random, weighted, least_used, performance_based")
	}
}

// admissible applies the exclusions every strategy honours: the request's
// failed set, required tags and the breaker predicate.
func admissible(proxies []*domain.ProxyView, sel *domain.SelectionContext) []*domain.ProxyView {
	out := make([]*domain.ProxyView, 0, len(proxies))
	for _, v := range proxies {
		if sel.Admissible(v) {
			out = append(out, v)
		}
	}
	return out
}
