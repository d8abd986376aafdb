package rotator

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxywhirl/proxywhirl/internal/adapter/breaker"
	"github.com/proxywhirl/proxywhirl/internal/adapter/pool"
	"github.com/proxywhirl/proxywhirl/internal/adapter/strategy"
	"github.com/proxywhirl/proxywhirl/internal/core/domain"
)

func TestServiceConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"zero value", Config{}, false},
		{"explicit strategy", Config{Strategy: strategy.StrategyLeastUsed}, false},
		{"unknown strategy", Config{Strategy: "fastest_ever"}, true},
		{"region bonus too high", Config{RegionBonus: 3}, true},
		{"region bonus below neutral", Config{RegionBonus: 0.5}, true},
		{"bad retry policy", Config{Retry: domain.RetryPolicy{MaxAttempts: 99}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := pool.New(pool.Config{}, nil, nil)
			require.NoError(t, err)
			breakers, err := breaker.NewRegistry(breaker.Config{}, nil, nil)
			require.NoError(t, err)

			svc, err := New(tt.cfg, p, breakers, &scriptedDispatcher{}, nil, nil, nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			svc.Close()
		})
	}
}

func TestService_SetStrategy(t *testing.T) {
	p1 := testProxy("p1.test")
	r := newRig(t, Config{}, breaker.Config{}, nil, p1)

	assert.Equal(t, strategy.StrategyRoundRobin, r.svc.Strategy())

	require.NoError(t, r.svc.SetStrategy(strategy.StrategyRandom))
	assert.Equal(t, strategy.StrategyRandom, r.svc.Strategy())

	assert.Error(t, r.svc.SetStrategy("no_such_strategy"))
	assert.Equal(t, strategy.StrategyRandom, r.svc.Strategy(), "failed swaps leave the strategy alone")

	assert.Contains(t, r.svc.Strategies(), strategy.StrategyPerformanceBased)
}

func TestService_HotSwapUnderLoad(t *testing.T) {
	p1, p2, p3 := testProxy("p1.test"), testProxy("p2.test"), testProxy("p3.test")
	r := newRig(t, Config{Seed: 7}, breaker.Config{}, nil, p1, p2, p3)

	names := []string{
		strategy.StrategyRoundRobin,
		strategy.StrategyRandom,
		strategy.StrategyLeastUsed,
		strategy.StrategyWeighted,
		strategy.StrategyPerformanceBased,
	}

	var workers sync.WaitGroup
	var failures atomic.Int64
	for w := 0; w < 8; w++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for i := 0; i < 40; i++ {
				if _, err := r.svc.Execute(context.Background(), domain.NewRequest("GET", "http://target.test/"), nil); err != nil {
					failures.Add(1)
				}
			}
		}()
	}

	stop := make(chan struct{})
	var swapper sync.WaitGroup
	swapper.Add(1)
	go func() {
		defer swapper.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
				_ = r.svc.SetStrategy(names[i%len(names)])
				time.Sleep(time.Millisecond)
			}
		}
	}()

	workers.Wait()
	close(stop)
	swapper.Wait()

	assert.Zero(t, failures.Load(), "requests must not fail during strategy swaps")
	assert.Equal(t, int64(8*40), totalCompleted(r))
	assert.Contains(t, names, r.svc.Strategy())
}

func totalCompleted(r *rig) int64 {
	var total int64
	for _, v := range r.pool.Snapshot() {
		total += v.RequestsCompleted
	}
	return total
}

func TestService_SetRetryPolicy(t *testing.T) {
	r := newRig(t, Config{}, breaker.Config{}, nil, testProxy("p1.test"))

	bad := domain.RetryPolicy{MaxAttempts: 99}
	var cfgErr *domain.ConfigValidationError
	require.ErrorAs(t, r.svc.SetRetryPolicy(bad), &cfgErr)

	good := domain.DefaultRetryPolicy()
	good.MaxAttempts = 5
	require.NoError(t, r.svc.SetRetryPolicy(good))
	assert.Equal(t, 5, r.svc.RetryPolicy().MaxAttempts)
}

func TestService_SetRateLimiterSwap(t *testing.T) {
	p1 := testProxy("p1.test")
	r := newRig(t, Config{}, breaker.Config{}, nil, p1)

	opts := &RequestOptions{RateLimitKey: "client-1"}

	// no limiter installed: requests flow
	_, err := r.svc.Execute(context.Background(), domain.NewRequest("GET", "http://target.test/"), opts)
	require.NoError(t, err)

	r.svc.SetRateLimiter(&stubLimiter{results: []domain.RateLimitResult{{Allowed: false, RetryAfter: time.Minute}}})
	_, err = r.svc.Execute(context.Background(), domain.NewRequest("GET", "http://target.test/"), opts)
	var limited *domain.RateLimitedError
	assert.ErrorAs(t, err, &limited)

	r.svc.SetRateLimiter(nil)
	_, err = r.svc.Execute(context.Background(), domain.NewRequest("GET", "http://target.test/"), opts)
	assert.NoError(t, err)
}

func TestService_ResetCircuit(t *testing.T) {
	p1 := testProxy("p1.test")
	r := newRig(t, Config{Retry: fastPolicy()}, breaker.Config{FailureThreshold: 1, TimeoutDuration: 30 * time.Second}, nil, p1)

	r.disp.fn = func(_ context.Context, _ *domain.Request, p *domain.Proxy, _ int) (*domain.Response, error) {
		return nil, failWith(p.ID, domain.ErrKindConnect)
	}

	_, err := r.svc.Execute(context.Background(), domain.NewRequest("GET", "http://target.test/"), nil)
	require.Error(t, err)
	require.Equal(t, domain.CircuitOpen, r.breakers.State(p1.ID))

	r.svc.ResetCircuit(p1.ID)
	assert.Equal(t, domain.CircuitClosed, r.breakers.State(p1.ID))

	r.disp.fn = nil
	resp, err := r.svc.Execute(context.Background(), domain.NewRequest("GET", "http://target.test/"), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestService_BindingsSurviveStrategySwap(t *testing.T) {
	p1, p2, p3 := testProxy("p1.test"), testProxy("p2.test"), testProxy("p3.test")
	r := newRig(t, Config{Strategy: strategy.StrategySessionPersistence}, breaker.Config{}, nil, p1, p2, p3)

	opts := &RequestOptions{SessionKey: "alpha"}
	first, err := r.svc.Execute(context.Background(), domain.NewRequest("GET", "http://target.test/"), opts)
	require.NoError(t, err)
	pinned := first.ProxyID

	// swap away and back; the binding table is owned by the service
	require.NoError(t, r.svc.SetStrategy(strategy.StrategyRoundRobin))
	require.NoError(t, r.svc.SetStrategy(strategy.StrategySessionPersistence))

	resp, err := r.svc.Execute(context.Background(), domain.NewRequest("GET", "http://target.test/"), opts)
	require.NoError(t, err)
	assert.Equal(t, pinned, resp.ProxyID)

	bound, ok := r.svc.Bindings().Lookup("alpha")
	require.True(t, ok)
	assert.Equal(t, pinned, bound)
}

func TestService_RemoveHooksCleanUp(t *testing.T) {
	p1, p2 := testProxy("p1.test"), testProxy("p2.test")
	r := newRig(t, Config{Retry: fastPolicy()}, breaker.Config{FailureThreshold: 1, TimeoutDuration: 30 * time.Second}, nil, p1, p2)

	r.disp.fn = func(_ context.Context, _ *domain.Request, p *domain.Proxy, _ int) (*domain.Response, error) {
		if p.ID == p1.ID {
			return nil, failWith(p.ID, domain.ErrKindConnect)
		}
		return respWith(p.ID, http.StatusOK), nil
	}

	_, err := r.svc.Execute(context.Background(), domain.NewRequest("GET", "http://target.test/"), nil)
	require.NoError(t, err)
	require.Equal(t, domain.CircuitOpen, r.breakers.State(p1.ID))
	require.Equal(t, 1, r.breakers.OpenCount())

	_, err = r.pool.Remove(p1.ID)
	require.NoError(t, err)

	assert.Zero(t, r.breakers.OpenCount(), "removing a proxy drops its breaker")
	assert.Equal(t, domain.CircuitClosed, r.breakers.State(p1.ID))
}

func TestService_ProxyPassthroughs(t *testing.T) {
	p1 := testProxy("p1.test")
	r := newRig(t, Config{}, breaker.Config{}, nil, p1)

	p2 := testProxy("p2.test")
	require.NoError(t, r.svc.AddProxy(p2))
	assert.Equal(t, 2, r.svc.Stats().PoolSize)

	require.NoError(t, r.svc.UpdateProxy(p2.ID, func(p *domain.Proxy) {
		p.Tags = []string{"residential"}
	}))
	got, ok := r.pool.Get(p2.ID)
	require.True(t, ok)
	assert.Equal(t, []string{"residential"}, got.Tags)

	removed, err := r.svc.RemoveProxy(p2.ID)
	require.NoError(t, err)
	assert.Equal(t, p2.ID, removed.ID)
	assert.Equal(t, 1, r.svc.Stats().PoolSize)

	_, err = r.svc.RemoveProxy(p2.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestService_GoDeliversResult(t *testing.T) {
	p1 := testProxy("p1.test")
	r := newRig(t, Config{}, breaker.Config{}, nil, p1)

	select {
	case res := <-r.svc.Go(context.Background(), domain.NewRequest("GET", "http://target.test/"), nil):
		require.NoError(t, res.Err)
		assert.Equal(t, http.StatusOK, res.Response.StatusCode)
	case <-time.After(5 * time.Second):
		t.Fatal("expected an async result")
	}
}

func TestService_Stats(t *testing.T) {
	p1, p2 := testProxy("p1.test"), testProxy("p2.test")
	r := newRig(t, Config{Retry: fastPolicy()}, breaker.Config{FailureThreshold: 1, TimeoutDuration: 30 * time.Second}, nil, p1, p2)

	r.disp.fn = func(_ context.Context, _ *domain.Request, p *domain.Proxy, _ int) (*domain.Response, error) {
		if p.ID == p1.ID {
			return nil, failWith(p.ID, domain.ErrKindConnect)
		}
		return respWith(p.ID, http.StatusOK), nil
	}

	_, err := r.svc.Execute(context.Background(), domain.NewRequest("GET", "http://target.test/"), nil)
	require.NoError(t, err)

	stats := r.svc.Stats()
	assert.Equal(t, 2, stats.PoolSize)
	assert.Equal(t, 1, stats.Available)
	assert.Equal(t, 1, stats.OpenCircuits)
	assert.Equal(t, strategy.StrategyRoundRobin, stats.Strategy)
	assert.Zero(t, stats.InFlight)
	assert.Equal(t, 3, stats.RetryPolicy.MaxAttempts)
}
