package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
	"github.com/proxywhirl/proxywhirl/pkg/eventbus"
)

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	p, err := New(cfg, nil, nil)
	require.NoError(t, err)
	return p
}

func proxy(host string) *domain.Proxy {
	return domain.NewProxy(domain.SchemeHTTP, host, 3128, "", "")
}

func TestPool_AddAssignsIdentityAndRejectsDuplicates(t *testing.T) {
	p := newTestPool(t, Config{})

	px := &domain.Proxy{Scheme: domain.SchemeHTTP, Host: "one.test", Port: 3128}
	require.NoError(t, p.Add(px))
	assert.NotEmpty(t, px.ID)
	assert.False(t, px.CreatedAt.IsZero())
	assert.Equal(t, 1, p.Len())

	// same endpoint coordinates, same id
	dup := &domain.Proxy{Scheme: domain.SchemeHTTP, Host: "one.test", Port: 3128}
	assert.ErrorIs(t, p.Add(dup), domain.ErrAlreadyExists)
	assert.Equal(t, 1, p.Len())
}

func TestPool_AddValidates(t *testing.T) {
	p := newTestPool(t, Config{})

	var cfgErr *domain.ConfigValidationError
	err := p.Add(&domain.Proxy{Scheme: "gopher", Host: "one.test", Port: 3128})
	require.ErrorAs(t, err, &cfgErr)

	err = p.Add(&domain.Proxy{Scheme: domain.SchemeHTTP, Host: "one.test", Port: 99999})
	require.ErrorAs(t, err, &cfgErr)
}

func TestPool_RemoveRunsHooks(t *testing.T) {
	p := newTestPool(t, Config{})
	px := proxy("one.test")
	require.NoError(t, p.Add(px))

	var hooked []string
	p.OnRemove(func(id string) { hooked = append(hooked, id) })

	removed, err := p.Remove(px.ID)
	require.NoError(t, err)
	assert.Equal(t, px.ID, removed.ID)
	assert.Equal(t, []string{px.ID}, hooked)
	assert.Zero(t, p.Len())

	_, err = p.Remove(px.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPool_UpdateKeepsIdentity(t *testing.T) {
	p := newTestPool(t, Config{})
	px := proxy("one.test")
	require.NoError(t, p.Add(px))

	err := p.Update(px.ID, func(pr *domain.Proxy) {
		pr.CountryCode = "DE"
		pr.Tags = []string{"datacenter"}
		pr.ID = "forged"
	})
	require.NoError(t, err)

	got, ok := p.Get(px.ID)
	require.True(t, ok)
	assert.Equal(t, px.ID, got.ID)
	assert.Equal(t, "DE", got.CountryCode)
	assert.Equal(t, []string{"datacenter"}, got.Tags)

	assert.ErrorIs(t, p.Update("missing", func(*domain.Proxy) {}), domain.ErrNotFound)
}

func TestPool_GetReturnsIsolatedCopy(t *testing.T) {
	p := newTestPool(t, Config{})
	px := domain.NewProxy(domain.SchemeHTTP, "one.test", 3128, "user", "secret")
	require.NoError(t, p.Add(px))

	got, ok := p.Get(px.ID)
	require.True(t, ok)
	assert.Equal(t, "secret", got.Password, "dialing needs the credential")

	got.Host = "tampered.test"
	again, _ := p.Get(px.ID)
	assert.Equal(t, "one.test", again.Host)
}

func TestPool_SnapshotPreservesInsertionOrder(t *testing.T) {
	p := newTestPool(t, Config{})
	first, second, third := proxy("a.test"), proxy("b.test"), proxy("c.test")
	require.NoError(t, p.Add(first))
	require.NoError(t, p.Add(second))
	require.NoError(t, p.Add(third))

	views := p.Snapshot()
	require.Len(t, views, 3)
	assert.Equal(t, []string{first.ID, second.ID, third.ID}, []string{views[0].ID, views[1].ID, views[2].ID})

	// removal keeps the relative order of the survivors
	_, err := p.Remove(second.ID)
	require.NoError(t, err)
	views = p.Snapshot()
	require.Len(t, views, 2)
	assert.Equal(t, []string{first.ID, third.ID}, []string{views[0].ID, views[1].ID})
}

func TestPool_OutcomeAccounting(t *testing.T) {
	p := newTestPool(t, Config{})
	px := proxy("one.test")
	require.NoError(t, p.Add(px))

	require.NoError(t, p.MarkStarted(px.ID))
	require.NoError(t, p.MarkStarted(px.ID))

	v := p.Snapshot()[0]
	assert.Equal(t, int64(2), v.RequestsStarted)
	assert.Equal(t, int64(2), v.RequestsActive)
	assert.Equal(t, int64(2), v.InFlight())

	require.NoError(t, p.RecordOutcome(px.ID, domain.SuccessOutcome(200, 100*time.Millisecond)))
	require.NoError(t, p.RecordOutcome(px.ID, domain.FailureOutcome(domain.ErrKindConnect, 0, 0)))

	v = p.Snapshot()[0]
	assert.Equal(t, int64(2), v.RequestsCompleted)
	assert.Equal(t, int64(1), v.RequestsSucceeded)
	assert.Equal(t, int64(1), v.RequestsFailed)
	assert.Zero(t, v.RequestsActive)
	assert.Equal(t, int64(1), v.ConsecutiveFailures)
	assert.InDelta(t, 0.5, v.SuccessRate(), 1e-9)
}

func TestPool_EMASmoothing(t *testing.T) {
	p := newTestPool(t, Config{EMAAlpha: 0.3})
	px := proxy("one.test")
	require.NoError(t, p.Add(px))

	// first sample seeds the EMA directly
	require.NoError(t, p.MarkStarted(px.ID))
	require.NoError(t, p.RecordOutcome(px.ID, domain.SuccessOutcome(200, 100*time.Millisecond)))
	assert.InDelta(t, 100, p.Snapshot()[0].EMAResponseTimeMs, 1e-9)

	// second smooths: 0.3*200 + 0.7*100
	require.NoError(t, p.MarkStarted(px.ID))
	require.NoError(t, p.RecordOutcome(px.ID, domain.SuccessOutcome(200, 200*time.Millisecond)))
	assert.InDelta(t, 130, p.Snapshot()[0].EMAResponseTimeMs, 1e-9)

	// failures leave the EMA alone
	require.NoError(t, p.MarkStarted(px.ID))
	require.NoError(t, p.RecordOutcome(px.ID, domain.FailureOutcome(domain.ErrKindReadTimeout, 0, 5*time.Second)))
	assert.InDelta(t, 130, p.Snapshot()[0].EMAResponseTimeMs, 1e-9)
}

func TestPool_MarkAbandonedRollsBack(t *testing.T) {
	p := newTestPool(t, Config{})
	px := proxy("one.test")
	require.NoError(t, p.Add(px))

	require.NoError(t, p.MarkStarted(px.ID))
	require.NoError(t, p.MarkAbandoned(px.ID))

	v := p.Snapshot()[0]
	assert.Zero(t, v.RequestsStarted)
	assert.Zero(t, v.RequestsActive)
	assert.Zero(t, v.RequestsCompleted)
}

func TestPool_WindowRollsOver(t *testing.T) {
	p := newTestPool(t, Config{WindowDuration: 50 * time.Millisecond})
	px := proxy("one.test")
	require.NoError(t, p.Add(px))

	require.NoError(t, p.MarkStarted(px.ID))
	require.NoError(t, p.RecordOutcome(px.ID, domain.FailureOutcome(domain.ErrKindConnect, 0, 0)))

	time.Sleep(60 * time.Millisecond)

	require.NoError(t, p.MarkStarted(px.ID))
	require.NoError(t, p.RecordOutcome(px.ID, domain.SuccessOutcome(200, time.Millisecond)))

	v := p.Snapshot()[0]
	assert.Equal(t, int64(1), v.RequestsFailed, "lifetime counters never reset")
	// the window restarted before the success landed
	got, ok := p.Get(px.ID)
	require.True(t, ok)
	assert.Equal(t, int64(1), got.Stats.WindowSucceeded)
	assert.Zero(t, got.Stats.WindowFailed)
}

func TestPool_MergeAddsAndRefreshes(t *testing.T) {
	p := newTestPool(t, Config{})
	existing := proxy("keep.test")
	require.NoError(t, p.Add(existing))
	require.NoError(t, p.MarkStarted(existing.ID))
	require.NoError(t, p.RecordOutcome(existing.ID, domain.SuccessOutcome(200, time.Millisecond)))

	refreshed := proxy("keep.test")
	refreshed.CountryCode = "NL"
	refreshed.Tags = []string{"fresh"}
	incoming := []*domain.Proxy{
		refreshed,
		proxy("new.test"),
		{Scheme: "bogus", Host: "bad.test", Port: 1}, // skipped
		nil,
	}

	added, updated := p.Merge(incoming)
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, updated)
	assert.Equal(t, 2, p.Len())

	got, ok := p.Get(existing.ID)
	require.True(t, ok)
	assert.Equal(t, "NL", got.CountryCode)
	assert.Equal(t, int64(1), got.Stats.RequestsSucceeded, "merge keeps statistics")
}

func TestPool_ReplaceCarriesStatsAndDropsRest(t *testing.T) {
	p := newTestPool(t, Config{})
	stay, gone := proxy("stay.test"), proxy("gone.test")
	require.NoError(t, p.Add(stay))
	require.NoError(t, p.Add(gone))
	require.NoError(t, p.MarkStarted(stay.ID))
	require.NoError(t, p.RecordOutcome(stay.ID, domain.SuccessOutcome(200, time.Millisecond)))

	var hooked []string
	p.OnRemove(func(id string) { hooked = append(hooked, id) })

	kept, dropped := p.Replace([]*domain.Proxy{proxy("stay.test"), proxy("brand-new.test")})
	assert.Equal(t, 1, kept)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, []string{gone.ID}, hooked)
	assert.Equal(t, 2, p.Len())

	got, ok := p.Get(stay.ID)
	require.True(t, ok)
	assert.Equal(t, int64(1), got.Stats.RequestsSucceeded, "survivors keep their history")
}

func TestPool_ExportIncludesCredentials(t *testing.T) {
	p := newTestPool(t, Config{})
	px := domain.NewProxy(domain.SchemeSOCKS5, "one.test", 1080, "user", "secret")
	require.NoError(t, p.Add(px))

	exported := p.Export()
	require.Len(t, exported, 1)
	assert.Equal(t, "secret", exported[0].Password)

	exported[0].Password = "changed"
	again := p.Export()
	assert.Equal(t, "secret", again[0].Password)
}

func TestPool_VersionAdvancesOnMembershipChange(t *testing.T) {
	p := newTestPool(t, Config{})
	before := p.Version()

	px := proxy("one.test")
	require.NoError(t, p.Add(px))
	afterAdd := p.Version()
	assert.Greater(t, afterAdd, before)

	// outcomes are not membership changes
	require.NoError(t, p.MarkStarted(px.ID))
	require.NoError(t, p.RecordOutcome(px.ID, domain.SuccessOutcome(200, time.Millisecond)))
	assert.Equal(t, afterAdd, p.Version())

	_, err := p.Remove(px.ID)
	require.NoError(t, err)
	assert.Greater(t, p.Version(), afterAdd)
}

func TestPool_PublishesEvents(t *testing.T) {
	bus := eventbus.New[domain.PoolEvent]()
	defer bus.Close()

	p, err := New(Config{}, nil, bus)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, unsubscribe := bus.Subscribe(ctx)
	defer unsubscribe()

	px := proxy("one.test")
	require.NoError(t, p.Add(px))

	select {
	case ev := <-events:
		assert.Equal(t, domain.PoolProxyAdded, ev.Type)
		assert.Equal(t, px.ID, ev.ProxyID)
		assert.Equal(t, 1, ev.Size)
	case <-time.After(time.Second):
		t.Fatal("expected a pool event")
	}
}

func TestPool_ConfigValidation(t *testing.T) {
	_, err := New(Config{EMAAlpha: 1.5}, nil, nil)
	var cfgErr *domain.ConfigValidationError
	assert.ErrorAs(t, err, &cfgErr)

	_, err = New(Config{EMAAlpha: -0.1}, nil, nil)
	assert.ErrorAs(t, err, &cfgErr)
}

func TestPool_ConcurrentOutcomesStayConsistent(t *testing.T) {
	p := newTestPool(t, Config{})
	px := proxy("shared.test")
	require.NoError(t, p.Add(px))

	const workers = 8
	const perWorker = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_ = p.MarkStarted(px.ID)
				if (n+i)%2 == 0 {
					_ = p.RecordOutcome(px.ID, domain.SuccessOutcome(200, time.Millisecond))
				} else {
					_ = p.RecordOutcome(px.ID, domain.FailureOutcome(domain.ErrKindConnect, 0, 0))
				}
			}
		}(w)
	}
	wg.Wait()

	v := p.Snapshot()[0]
	assert.Equal(t, int64(workers*perWorker), v.RequestsStarted)
	assert.Equal(t, int64(workers*perWorker), v.RequestsCompleted)
	assert.Equal(t, v.RequestsCompleted, v.RequestsSucceeded+v.RequestsFailed)
	assert.Zero(t, v.RequestsActive)
}
