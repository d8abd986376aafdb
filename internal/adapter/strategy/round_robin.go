package strategy

import (
	"context"
	"sync"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
)

// RoundRobin cycles through the pool in insertion order, skipping excluded
// proxies. Snapshots preserve insertion order, so positions stay stable
// across selections even as stats churn.
type RoundRobin struct {
	mu     sync.Mutex
	cursor int
}

func NewRoundRobin() *RoundRobin {
	return &RoundRobin{cursor: -1}
}

func (r *RoundRobin) Name() string {
	return StrategyRoundRobin
}

func (r *RoundRobin) Select(ctx context.Context, proxies []*domain.ProxyView, sel *domain.SelectionContext) (*domain.ProxyView, error) {
	if len(proxies) == 0 {
		return nil, domain.ErrNoProxyAvailable
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(proxies)
	for i := 1; i <= n; i++ {
		idx := (r.cursor + i) % n
		if idx < 0 {
			idx += n
		}
		if !sel.Admissible(proxies[idx]) {
			continue
		}
		r.cursor = idx
		return proxies[idx], nil
	}

	return nil, domain.ErrNoProxyAvailable
}
