package fetch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
	"github.com/proxywhirl/proxywhirl/internal/core/ports"
	"github.com/proxywhirl/proxywhirl/internal/logger"
)

const runTimeout = 2 * time.Minute

// Runner refreshes the pool from the fetcher on an interval. The first fetch
// happens on Start so a fresh deployment is populated without waiting a full
// period.
type Runner struct {
	fetcher  ports.ProxyFetcher
	interval time.Duration
	apply    func(proxies []*domain.Proxy)
	logger   *logger.StyledLogger

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func NewRunner(fetcher ports.ProxyFetcher, interval time.Duration, apply func([]*domain.Proxy), log *logger.StyledLogger) (*Runner, error) {
	if fetcher == nil {
		return nil, domain.NewConfigValidationError("fetch.runner", nil, "requires a fetcher")
	}
	if interval <= 0 {
		return nil, domain.NewConfigValidationError("fetch.interval", interval, "must be positive")
	}
	if apply == nil {
		return nil, domain.NewConfigValidationError("fetch.runner", nil, "requires an apply callback")
	}
	return &Runner{
		fetcher:  fetcher,
		interval: interval,
		apply:    apply,
		logger:   log,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

func (r *Runner) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go r.run()
	if r.logger != nil {
		r.logger.Info("Proxy source refresh scheduled", "interval", r.interval)
	}
}

func (r *Runner) run() {
	defer close(r.done)

	r.runOnce()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runOnce()
		}
	}
}

func (r *Runner) runOnce() {
	timeout := runTimeout
	if r.interval < timeout {
		timeout = r.interval
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	list, err := r.fetcher.Fetch(ctx)
	if err != nil {
		if r.logger != nil {
			r.logger.Warn("Proxy source refresh failed", "error", err)
		}
		return
	}
	r.apply(list)
}

// Close stops the schedule and waits for any in-progress refresh. Safe to
// call more than once and before Start.
func (r *Runner) Close() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if r.started.Load() {
			<-r.done
		}
	})
}
