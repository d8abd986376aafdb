package strategy

import (
	"context"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
)

// LeastUsed picks the proxy with the fewest in-flight requests, breaking
// ties by total started and finally by id so the choice is deterministic.
type LeastUsed struct{}

func NewLeastUsed() *LeastUsed {
	return &LeastUsed{}
}

func (l *LeastUsed) Name() string {
	return StrategyLeastUsed
}

func (l *LeastUsed) Select(ctx context.Context, proxies []*domain.ProxyView, sel *domain.SelectionContext) (*domain.ProxyView, error) {
	candidates := admissible(proxies, sel)
	if len(candidates) == 0 {
		return nil, domain.ErrNoProxyAvailable
	}

	selected := candidates[0]
	for _, v := range candidates[1:] {
		if lessLoaded(v, selected) {
			selected = v
		}
	}
	return selected, nil
}

func lessLoaded(a, b *domain.ProxyView) bool {
	if a.InFlight() != b.InFlight() {
		return a.InFlight() < b.InFlight()
	}
	if a.RequestsStarted != b.RequestsStarted {
		return a.RequestsStarted < b.RequestsStarted
	}
	return a.ID < b.ID
}
