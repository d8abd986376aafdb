package strategy

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
)

type boundProxy struct {
	proxyID   string
	expiresAt time.Time
}

// Bindings maps session keys to proxy ids with a sliding TTL. The table is
// owned by the rotator and shared into each session_persistence instance so
// hot-swapping the strategy keeps sessions pinned.
type Bindings struct {
	entries *xsync.Map[string, boundProxy]
	ttl     time.Duration
	now     func() time.Time
}

func NewBindings(ttl time.Duration) *Bindings {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Bindings{
		entries: xsync.NewMap[string, boundProxy](),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Lookup returns the proxy bound to key, dropping the binding lazily once
// expired.
func (b *Bindings) Lookup(key string) (string, bool) {
	bound, ok := b.entries.Load(key)
	if !ok {
		return "", false
	}
	if b.now().After(bound.expiresAt) {
		b.entries.Delete(key)
		return "", false
	}
	return bound.proxyID, true
}

// Bind pins key to proxyID and restarts its TTL.
func (b *Bindings) Bind(key, proxyID string) {
	b.entries.Store(key, boundProxy{
		proxyID:   proxyID,
		expiresAt: b.now().Add(b.ttl),
	})
}

// DropProxy frees every binding pointing at a proxy that left the pool.
func (b *Bindings) DropProxy(proxyID string) int {
	dropped := 0
	b.entries.Range(func(key string, bound boundProxy) bool {
		if bound.proxyID == proxyID {
			b.entries.Delete(key)
			dropped++
		}
		return true
	})
	return dropped
}

func (b *Bindings) DropKey(key string) {
	b.entries.Delete(key)
}

// Sweep removes expired bindings; the rotator runs this on its housekeeping
// ticker so abandoned sessions do not accumulate.
func (b *Bindings) Sweep() int {
	now := b.now()
	swept := 0
	b.entries.Range(func(key string, bound boundProxy) bool {
		if now.After(bound.expiresAt) {
			b.entries.Delete(key)
			swept++
		}
		return true
	})
	return swept
}

func (b *Bindings) Len() int {
	return b.entries.Size()
}

// SessionPersistence pins each session key to one proxy for the binding TTL,
// falling back to the inner selector when the key is new or its proxy is no
// longer admissible.
type SessionPersistence struct {
	bindings *Bindings
	fallback domain.ProxyStrategy
}

func NewSessionPersistence(bindings *Bindings, fallback domain.ProxyStrategy) *SessionPersistence {
	if bindings == nil {
		bindings = NewBindings(DefaultSessionTTL)
	}
	return &SessionPersistence{
		bindings: bindings,
		fallback: fallback,
	}
}

func (s *SessionPersistence) Name() string {
	return StrategySessionPersistence
}

func (s *SessionPersistence) Select(ctx context.Context, proxies []*domain.ProxyView, sel *domain.SelectionContext) (*domain.ProxyView, error) {
	if sel == nil || sel.SessionKey == "" {
		return s.fallback.Select(ctx, proxies, sel)
	}

	if id, ok := s.bindings.Lookup(sel.SessionKey); ok {
		for _, v := range proxies {
			if v.ID == id && sel.Admissible(v) {
				s.bindings.Bind(sel.SessionKey, id)
				return v, nil
			}
		}
	}

	picked, err := s.fallback.Select(ctx, proxies, sel)
	if err != nil {
		return nil, err
	}
	s.bindings.Bind(sel.SessionKey, picked.ID)
	return picked, nil
}
