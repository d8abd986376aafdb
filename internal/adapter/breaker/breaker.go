package breaker

import (
	"sync"
	"time"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
	"github.com/proxywhirl/proxywhirl/pkg/ringbuf"
)

// Breaker contains failures for a single proxy. It tracks a FIFO of failure
// timestamps trimmed to the rolling window; crossing the threshold opens the
// circuit, a timeout later lets a bounded number of probes through, and one
// successful probe closes it again.
type Breaker struct {
	mu sync.Mutex

	proxyID  string
	state    domain.CircuitState
	failures []time.Time
	openedAt time.Time
	probes   int

	events *ringbuf.Ring[domain.CircuitEvent]

	cfg Config
	now func() time.Time

	onTransition func(domain.CircuitEvent)
}

func newBreaker(proxyID string, cfg Config, onTransition func(domain.CircuitEvent)) *Breaker {
	return &Breaker{
		proxyID:      proxyID,
		state:        domain.CircuitClosed,
		events:       ringbuf.New[domain.CircuitEvent](cfg.EventHistory),
		cfg:          cfg,
		now:          time.Now,
		onTransition: onTransition,
	}
}

// Admits is the read-only admission predicate strategies consult. It never
// transitions state or reserves a probe slot, so calling it has no effect on
// the breaker.
func (b *Breaker) Admits() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case domain.CircuitClosed:
		return true
	case domain.CircuitOpen:
		return b.now().Sub(b.openedAt) >= b.cfg.TimeoutDuration
	case domain.CircuitHalfOpen:
		return b.probes < b.cfg.HalfOpenProbeLimit
	default:
		return false
	}
}

// Admit is the consuming admission check the executor makes right before
// dispatching. An OPEN breaker past its timeout transitions to HALF_OPEN
// here; admission in HALF_OPEN reserves one of the bounded probe slots,
// released by the following RecordSuccess or RecordFailure.
func (b *Breaker) Admit() (bool, domain.AdmitReason) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case domain.CircuitClosed:
		return true, domain.AdmitAllowed

	case domain.CircuitOpen:
		if b.now().Sub(b.openedAt) < b.cfg.TimeoutDuration {
			return false, domain.AdmitDeniedOpen
		}
		b.transition(domain.CircuitHalfOpen)
		b.probes++
		return true, domain.AdmitProbe

	case domain.CircuitHalfOpen:
		if b.probes >= b.cfg.HalfOpenProbeLimit {
			return false, domain.AdmitDeniedProbeCap
		}
		b.probes++
		return true, domain.AdmitProbe

	default:
		return false, domain.AdmitUnknownBreaker
	}
}

// RecordSuccess feeds a successful attempt back. A probe success closes the
// circuit and clears the failure window; successes in CLOSED leave the
// window alone since it is time-pruned, not count-reset.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == domain.CircuitHalfOpen {
		b.releaseProbe()
		b.failures = b.failures[:0]
		b.transition(domain.CircuitClosed)
	}
}

// RecordFailure feeds a proxy-attributable failure back. The caller is
// responsible for attribution; target-side failures must not reach here.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.failures = append(b.failures, now)
	b.trim(now)

	switch b.state {
	case domain.CircuitClosed:
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.openedAt = now
			b.transition(domain.CircuitOpen)
		}
	case domain.CircuitHalfOpen:
		b.releaseProbe()
		b.openedAt = now
		b.transition(domain.CircuitOpen)
	case domain.CircuitOpen:
		// already open, the timestamp still counts toward the window
	}
}

// ReleaseProbe returns an unresolved probe slot. Attempts that ended with no
// verdict on the proxy itself (caller cancellation, target-side failures)
// call this instead of RecordSuccess or RecordFailure so the slot frees up
// for the next probe.
func (b *Breaker) ReleaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == domain.CircuitHalfOpen {
		b.releaseProbe()
	}
}

// Reset forces the breaker CLOSED and clears the window and probe slots.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = b.failures[:0]
	b.probes = 0
	if b.state != domain.CircuitClosed {
		b.transition(domain.CircuitClosed)
	}
}

func (b *Breaker) State() domain.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the introspection view, including the recent transition
// events oldest-first.
func (b *Breaker) Snapshot() domain.CircuitSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trim(b.now())
	return domain.CircuitSnapshot{
		ProxyID:          b.proxyID,
		State:            b.state,
		FailuresInWindow: len(b.failures),
		OpenedAt:         b.openedAt,
		ActiveProbes:     b.probes,
		RecentEvents:     b.events.Snapshot(),
	}
}

// FailuresInWindow reports the live count after pruning.
func (b *Breaker) FailuresInWindow() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trim(b.now())
	return len(b.failures)
}

// trim drops failure timestamps older than the window. Timestamps arrive in
// order, so trimming from the front is enough. Caller holds the lock.
func (b *Breaker) trim(now time.Time) {
	cutoff := now.Add(-b.cfg.WindowDuration)
	drop := 0
	for drop < len(b.failures) && b.failures[drop].Before(cutoff) {
		drop++
	}
	if drop > 0 {
		b.failures = append(b.failures[:0], b.failures[drop:]...)
	}
}

func (b *Breaker) releaseProbe() {
	if b.probes > 0 {
		b.probes--
	}
}

// transition moves to a new state and records the event. Caller holds the
// lock; the callback runs inline so registry observers see transitions in
// order, and must not call back into the breaker.
func (b *Breaker) transition(to domain.CircuitState) {
	from := b.state
	b.state = to

	ev := domain.CircuitEvent{
		ProxyID:          b.proxyID,
		From:             from,
		To:               to,
		At:               b.now(),
		FailuresInWindow: len(b.failures),
	}
	b.events.Push(ev)

	if b.onTransition != nil {
		b.onTransition(ev)
	}
}
