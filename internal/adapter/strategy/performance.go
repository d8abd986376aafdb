package strategy

import (
	"context"
	"sort"
	"strings"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
)

const (
	successWeight = 0.7
	latencyWeight = 0.3

	// coldStartScore is handed to proxies with no completions so new pool
	// members still get explored.
	coldStartScore = 0.5
)

// PerformanceBased scores candidates on success rate and normalised latency
// and picks the best. Latency is normalised against the candidate set's own
// p95 so one pathological proxy cannot flatten everyone else's score.
type PerformanceBased struct{}

func NewPerformanceBased() *PerformanceBased {
	return &PerformanceBased{}
}

func (p *PerformanceBased) Name() string {
	return StrategyPerformanceBased
}

func (p *PerformanceBased) Select(ctx context.Context, proxies []*domain.ProxyView, sel *domain.SelectionContext) (*domain.ProxyView, error) {
	candidates := admissible(proxies, sel)
	if len(candidates) == 0 {
		return nil, domain.ErrNoProxyAvailable
	}

	p95 := latencyP95(candidates)

	selected := candidates[0]
	best := score(selected, p95, sel)
	for _, v := range candidates[1:] {
		s := score(v, p95, sel)
		if s > best || (s == best && v.LastSuccessAt.After(selected.LastSuccessAt)) {
			selected = v
			best = s
		}
	}
	return selected, nil
}

func score(v *domain.ProxyView, p95 float64, sel *domain.SelectionContext) float64 {
	var s float64
	if v.RequestsCompleted == 0 {
		s = coldStartScore
	} else {
		var norm float64
		if p95 > 0 {
			ema := v.EMAResponseTimeMs
			if ema > p95 {
				ema = p95
			}
			norm = ema / p95
		}
		s = successWeight*v.SuccessRate() + latencyWeight*(1-norm)
	}

	if sel != nil && sel.TargetRegion != "" && sel.RegionBonus > 0 &&
		strings.EqualFold(v.Region, sel.TargetRegion) {
		s *= sel.RegionBonus
	}
	return s
}

// latencyP95 is taken over the EMAs of candidates that have completed
// anything; zero means no latency signal yet.
func latencyP95(views []*domain.ProxyView) float64 {
	emas := make([]float64, 0, len(views))
	for _, v := range views {
		if v.RequestsCompleted > 0 && v.EMAResponseTimeMs > 0 {
			emas = append(emas, v.EMAResponseTimeMs)
		}
	}
	if len(emas) == 0 {
		return 0
	}

	sort.Float64s(emas)
	idx := len(emas) * 95 / 100
	if idx >= len(emas) {
		idx = len(emas) - 1
	}
	return emas[idx]
}
