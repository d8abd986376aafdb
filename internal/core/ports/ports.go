package ports

import (
	"context"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
)

// ProxyStore persists pool snapshots. The rotator calls it only at startup
// and on demand, never in the request path.
type ProxyStore interface {
	Load(ctx context.Context) ([]*domain.Proxy, error)
	Save(ctx context.Context, proxies []*domain.Proxy) error
}

// ProxyFetcher produces proxies from an external source; results flow into
// the pool via merge or replace.
type ProxyFetcher interface {
	Fetch(ctx context.Context) ([]*domain.Proxy, error)
}

// Dispatcher executes exactly one attempt through one proxy. It never
// retries; classification and retries belong to the executor.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *domain.Request, proxy *domain.Proxy) (*domain.Response, error)
}

// RateLimiter performs admission control keyed by an opaque identifier. The
// identifier must never be a raw URL or credential.
type RateLimiter interface {
	Check(ctx context.Context, identifier, endpoint, tier string) (domain.RateLimitResult, error)
}

// OutcomeRecorder accepts attempt outcomes for a proxy; the pool implements
// it, and external validators may seed synthetic outcomes through it.
type OutcomeRecorder interface {
	RecordOutcome(proxyID string, outcome domain.Outcome) error
}

// ProxyValidator probes one proxy and reports the synthetic outcome.
type ProxyValidator interface {
	Probe(ctx context.Context, proxy *domain.Proxy) domain.Outcome
}
