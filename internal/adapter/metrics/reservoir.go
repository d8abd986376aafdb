package metrics

import (
	"math/rand/v2"
	"sort"
)

// reservoir keeps a fixed-size uniform sample of latency values so hourly
// percentiles stay accurate at bounded memory. Not safe for concurrent use;
// it lives under the aggregator's bucket lock.
type reservoir struct {
	samples []int64
	limit   int
	seen    int64
}

func newReservoir(limit int) *reservoir {
	if limit <= 0 {
		limit = 100
	}
	return &reservoir{
		limit:   limit,
		samples: make([]int64, 0, limit),
	}
}

func (r *reservoir) add(v int64) {
	r.seen++
	if len(r.samples) < r.limit {
		r.samples = append(r.samples, v)
		return
	}
	// Classic reservoir replacement: every value ends up sampled with
	// equal probability.
	j := rand.Int64N(r.seen) //nolint:gosec // statistical sampling, not crypto
	if j < int64(r.limit) {
		r.samples[j] = v
	}
}

// sorted returns an ascending copy of the current sample.
func (r *reservoir) sorted() []int64 {
	out := make([]int64, len(r.samples))
	copy(out, r.samples)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// percentileOf reads the p-th percentile from an ascending sample.
func percentileOf(sorted []int64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return float64(sorted[idx])
}
