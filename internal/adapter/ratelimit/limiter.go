// Package ratelimit admission-checks caller identifiers against tiered
// sliding windows before any proxy work happens. A request must pass both
// the tier-wide window and, when configured, the tighter endpoint window;
// denied requests consume no quota from either. Windows live in process
// memory by default, or in Redis when several instances must share them.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
	"github.com/proxywhirl/proxywhirl/internal/core/ports"
	"github.com/proxywhirl/proxywhirl/internal/logger"
)

// backend consumes one request from the identifier's windows, or reports
// why it cannot.
type backend interface {
	check(ctx context.Context, req checkRequest) (checkResult, error)
}

type checkRequest struct {
	identifier string
	endpoint   string
	tierName   string
	tierLimit  int
	epLimit    int // 0 means no endpoint override applies
	window     time.Duration
}

type checkResult struct {
	allowed    bool
	remaining  int
	resetAt    time.Time
	retryAfter time.Duration
}

type Limiter struct {
	cfg       Config
	tiers     map[string]Tier
	whitelist map[string]struct{}
	global    *rate.Limiter

	backend backend
	memory  *memoryBackend

	logger *logger.StyledLogger
	now    func() time.Time

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

var _ ports.RateLimiter = (*Limiter)(nil)

func New(cfg Config, log *logger.StyledLogger) (*Limiter, error) {
	if err := cfg.withDefaults(); err != nil {
		return nil, err
	}

	l := &Limiter{
		cfg:       cfg,
		tiers:     make(map[string]Tier, len(cfg.Tiers)),
		whitelist: make(map[string]struct{}, len(cfg.Whitelist)),
		logger:    log,
		now:       time.Now,
	}
	for _, t := range cfg.Tiers {
		l.tiers[t.Name] = t
	}
	for _, id := range cfg.Whitelist {
		l.whitelist[id] = struct{}{}
	}

	l.memory = newMemoryBackend(cfg.MaxTrackedKeys)
	l.backend = l.memory
	if cfg.Redis != nil && cfg.Redis.URL != "" {
		rb, err := newRedisBackend(*cfg.Redis)
		if err != nil {
			return nil, err
		}
		l.backend = rb
	}

	if cfg.GlobalRequestsPerMinute > 0 {
		l.global = rate.NewLimiter(rate.Limit(float64(cfg.GlobalRequestsPerMinute)/60.0), cfg.BurstSize)
	}

	if cfg.Enabled && cfg.CleanupInterval > 0 {
		l.cleanupTicker = time.NewTicker(cfg.CleanupInterval)
		l.stopCleanup = make(chan struct{})
		go l.cleanupRoutine()
	}

	return l, nil
}

// Check decides admission for one request. The identifier is an opaque
// caller key, never a URL or credential. An empty tier falls back to the
// configured default; an empty endpoint skips endpoint overrides.
func (l *Limiter) Check(ctx context.Context, identifier, endpoint, tier string) (domain.RateLimitResult, error) {
	if !l.cfg.Enabled {
		return domain.RateLimitResult{Allowed: true}, nil
	}

	if err := ValidateIdentifier(identifier); err != nil {
		return domain.RateLimitResult{}, err
	}

	if _, ok := l.whitelist[identifier]; ok {
		return domain.RateLimitResult{Allowed: true}, nil
	}

	t, err := l.resolveTier(tier)
	if err != nil {
		return domain.RateLimitResult{}, err
	}

	if res, denied := l.checkGlobal(t); denied {
		return res, nil
	}

	epLimit := 0
	if endpoint != "" {
		if override, ok := t.Endpoints[endpoint]; ok {
			epLimit = override
		}
	}

	req := checkRequest{
		identifier: identifier,
		endpoint:   endpoint,
		tierName:   t.Name,
		tierLimit:  t.RequestsPerWindow,
		epLimit:    epLimit,
		window:     t.window(),
	}

	bestEffort := false
	res, err := l.backend.check(ctx, req)
	if err != nil && l.backend != l.memory {
		if l.logger != nil {
			l.logger.Warn("Rate limit backend unavailable, falling back to local windows",
				"error", err.Error())
		}
		bestEffort = true
		res, err = l.memory.check(ctx, req)
	}
	if err != nil {
		return domain.RateLimitResult{}, err
	}

	limit := t.RequestsPerWindow
	if epLimit > 0 && epLimit < limit {
		limit = epLimit
	}

	return domain.RateLimitResult{
		Allowed:    res.allowed,
		Limit:      limit,
		Remaining:  res.remaining,
		ResetAt:    res.resetAt,
		RetryAfter: res.retryAfter,
		BestEffort: bestEffort,
	}, nil
}

// checkGlobal applies the process-wide throttle. A reservation with any
// delay is cancelled and the request denied rather than queued; admission
// must never block.
func (l *Limiter) checkGlobal(t Tier) (domain.RateLimitResult, bool) {
	if l.global == nil {
		return domain.RateLimitResult{}, false
	}

	reservation := l.global.Reserve()
	if reservation.OK() && reservation.Delay() == 0 {
		return domain.RateLimitResult{}, false
	}

	retry := time.Second
	if reservation.OK() {
		if d := reservation.Delay(); d > retry {
			retry = d
		}
		reservation.Cancel()
	}

	now := l.now()
	return domain.RateLimitResult{
		Allowed:    false,
		Limit:      t.RequestsPerWindow,
		Remaining:  0,
		ResetAt:    now.Add(retry),
		RetryAfter: retry,
	}, true
}

func (l *Limiter) resolveTier(name string) (Tier, error) {
	if name == "" {
		name = l.cfg.DefaultTier
	}
	t, ok := l.tiers[name]
	if !ok {
		return Tier{}, fmt.Errorf("unknown rate limit tier: %s", name)
	}
	return t, nil
}

// TrackedIdentifiers reports how many identifiers currently hold local
// window state.
func (l *Limiter) TrackedIdentifiers() int {
	return l.memory.size()
}

func (l *Limiter) cleanupRoutine() {
	for {
		select {
		case <-l.cleanupTicker.C:
			cutoff := l.now().Add(-l.idleCutoff())
			if removed := l.memory.cleanup(cutoff); removed > 0 && l.logger != nil {
				l.logger.Debug("Cleaned up idle rate limit identifiers", "removed", removed)
			}
		case <-l.stopCleanup:
			return
		}
	}
}

// idleCutoff keeps entries around for the longest configured window so a
// still-relevant window is never discarded mid-flight.
func (l *Limiter) idleCutoff() time.Duration {
	longest := time.Duration(0)
	for _, t := range l.tiers {
		if w := t.window(); w > longest {
			longest = w
		}
	}
	if longest < l.cfg.CleanupInterval {
		longest = l.cfg.CleanupInterval
	}
	return 2 * longest
}

// Stop halts the cleanup goroutine and closes the Redis client if one is
// in use. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		if l.cleanupTicker != nil {
			l.cleanupTicker.Stop()
			close(l.stopCleanup)
		}
		if rb, ok := l.backend.(*redisBackend); ok {
			_ = rb.close()
		}
	})
}
