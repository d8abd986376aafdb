package rotator

import (
	"math"
	"time"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
)

// backoffDelay computes the pause after the (retriesSoFar+1)-th failed
// attempt. jitterScale is uniform in [1-jitter_ratio, 1+jitter_ratio]; the
// result is clamped to [0, max_delay] after jitter so a high roll never
// exceeds the ceiling.
func backoffDelay(p domain.RetryPolicy, retriesSoFar int, jitterScale float64) time.Duration {
	base := float64(p.BaseDelay)

	var nominal float64
	switch p.Backoff {
	case domain.BackoffLinear:
		nominal = base * float64(retriesSoFar+1)
	case domain.BackoffFixed:
		nominal = base
	default:
		nominal = base * math.Pow(p.Multiplier, float64(retriesSoFar))
	}

	ceiling := float64(p.MaxDelay)
	if ceiling > 0 && nominal > ceiling {
		nominal = ceiling
	}

	d := nominal * jitterScale
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
