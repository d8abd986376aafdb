package strategy

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
)

// Random picks uniformly over the admissible set.
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandom(seed int64) *Random {
	return &Random{rng: newRNG(seed)}
}

func (r *Random) Name() string {
	return StrategyRandom
}

func (r *Random) Select(ctx context.Context, proxies []*domain.ProxyView, sel *domain.SelectionContext) (*domain.ProxyView, error) {
	candidates := admissible(proxies, sel)
	if len(candidates) == 0 {
		return nil, domain.ErrNoProxyAvailable
	}

	r.mu.Lock()
	idx := r.rng.IntN(len(candidates))
	r.mu.Unlock()

	return candidates[idx], nil
}

// newRNG builds a PCG source, seeded for reproducibility when asked.
func newRNG(seed int64) *rand.Rand {
	if seed == 0 {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return rand.New(rand.NewPCG(uint64(seed), uint64(seed)))
}
