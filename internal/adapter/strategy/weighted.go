package strategy

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
)

const (
	DefaultGamma = 1.0

	// minWeight keeps zero-success proxies rotating in so a bad streak never
	// starves a proxy out of selection entirely.
	minWeight = 0.01
)

// Weighted samples proxies with probability proportional to
// success_rate^gamma.
type Weighted struct {
	mu    sync.Mutex
	rng   *rand.Rand
	gamma float64
}

func NewWeighted(seed int64, gamma float64) *Weighted {
	if gamma <= 0 {
		gamma = DefaultGamma
	}
	return &Weighted{
		rng:   newRNG(seed),
		gamma: gamma,
	}
}

func (w *Weighted) Name() string {
	return StrategyWeighted
}

func (w *Weighted) Select(ctx context.Context, proxies []*domain.ProxyView, sel *domain.SelectionContext) (*domain.ProxyView, error) {
	candidates := admissible(proxies, sel)
	if len(candidates) == 0 {
		return nil, domain.ErrNoProxyAvailable
	}

	weights := make([]float64, len(candidates))
	total := 0.0
	for i, v := range candidates {
		wt := math.Pow(v.SuccessRate(), w.gamma)
		if wt < minWeight {
			wt = minWeight
		}
		weights[i] = wt
		total += wt
	}

	w.mu.Lock()
	target := w.rng.Float64() * total
	w.mu.Unlock()

	for i, wt := range weights {
		target -= wt
		if target < 0 {
			return candidates[i], nil
		}
	}
	return candidates[len(candidates)-1], nil
}
