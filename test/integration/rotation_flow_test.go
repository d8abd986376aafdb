// Package integration exercises the rotation runtime end to end: real pool,
// real breakers, real rate limiter and the real HTTP dispatcher against live
// in-process proxy servers. Unit behaviour belongs next to each package;
// these tests only cover what emerges when the pieces run together.
package integration

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxywhirl/proxywhirl/internal/adapter/breaker"
	"github.com/proxywhirl/proxywhirl/internal/adapter/dispatch"
	"github.com/proxywhirl/proxywhirl/internal/adapter/metrics"
	"github.com/proxywhirl/proxywhirl/internal/adapter/pool"
	"github.com/proxywhirl/proxywhirl/internal/adapter/ratelimit"
	"github.com/proxywhirl/proxywhirl/internal/adapter/rotator"
	"github.com/proxywhirl/proxywhirl/internal/adapter/strategy"
	"github.com/proxywhirl/proxywhirl/internal/core/domain"
	"github.com/proxywhirl/proxywhirl/internal/core/ports"
	"github.com/proxywhirl/proxywhirl/internal/logger"
	"github.com/proxywhirl/proxywhirl/theme"
)

type stack struct {
	pool       *pool.Pool
	breakers   *breaker.Registry
	aggregator *metrics.Aggregator
	rotator    *rotator.Service
}

func newStyledLogger() *logger.StyledLogger {
	log, _, _ := logger.New(&logger.Config{Level: "error", Theme: "default"})
	return logger.NewStyledLogger(log, theme.Default())
}

// newStack wires the full runtime on the real dispatcher. A low failure
// threshold keeps the breaker tests short.
func newStack(t *testing.T, rcfg rotator.Config, limiter ports.RateLimiter) *stack {
	t.Helper()
	styled := newStyledLogger()

	p, err := pool.New(pool.Config{}, styled, nil)
	require.NoError(t, err)

	breakers, err := breaker.NewRegistry(breaker.Config{FailureThreshold: 2}, nil, styled)
	require.NoError(t, err)

	d, err := dispatch.New(dispatch.Config{
		ConnectTimeout: time.Second,
		AttemptTimeout: 2 * time.Second,
	}, styled)
	require.NoError(t, err)
	t.Cleanup(d.Close)

	agg, err := metrics.New(metrics.Config{}, styled)
	require.NoError(t, err)
	t.Cleanup(agg.Stop)

	svc, err := rotator.New(rcfg, p, breakers, d, limiter, metrics.MultiSink{agg}, styled)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	return &stack{pool: p, breakers: breakers, aggregator: agg, rotator: svc}
}

// startProxy runs a fake forward proxy that answers every absolute-URI
// request with its own marker, then returns it as a pool entry.
func startProxy(t *testing.T, marker string) *domain.Proxy {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Served-By", marker)
		fmt.Fprint(w, marker)
	}))
	t.Cleanup(ts.Close)
	return proxyAt(t, strings.TrimPrefix(ts.URL, "http://"))
}

// deadProxy reserves a port and closes it, yielding an address that refuses
// connections.
func deadProxy(t *testing.T) *domain.Proxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return proxyAt(t, addr)
}

func proxyAt(t *testing.T, addr string) *domain.Proxy {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return domain.NewProxy(domain.SchemeHTTP, host, port, "", "")
}

// quickRetry is the default policy with the pauses squeezed down so failing
// attempts do not stall the suite.
func quickRetry() domain.RetryPolicy {
	policy := domain.DefaultRetryPolicy()
	policy.BaseDelay = 100 * time.Millisecond
	policy.MaxDelay = time.Second
	policy.JitterRatio = 0
	return policy
}

func TestRotationSpreadsAcrossLiveProxies(t *testing.T) {
	s := newStack(t, rotator.Config{Retry: quickRetry()}, nil)

	alpha := startProxy(t, "alpha")
	beta := startProxy(t, "beta")
	require.NoError(t, s.pool.Add(alpha))
	require.NoError(t, s.pool.Add(beta))

	bodies := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		resp, err := s.rotator.Execute(context.Background(),
			domain.NewRequest(http.MethodGet, "http://upstream.test/page"), nil)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		bodies = append(bodies, string(resp.Body))
	}

	// Insertion order drives the cycle: alpha, beta, alpha, beta.
	assert.Equal(t, []string{"alpha", "beta", "alpha", "beta"}, bodies)

	summary := s.aggregator.Summary(time.Hour)
	assert.Equal(t, int64(4), summary.TotalAttempts)
	assert.Equal(t, int64(4), summary.TotalSuccesses)

	for _, p := range []*domain.Proxy{alpha, beta} {
		pm, ok := s.aggregator.ProxyMetrics(p.ID)
		require.True(t, ok)
		assert.Equal(t, int64(2), pm.Attempts)
		assert.Equal(t, int64(2), pm.Successes)
	}
}

func TestBreakerQuarantinesDeadProxy(t *testing.T) {
	s := newStack(t, rotator.Config{Retry: quickRetry()}, nil)

	live := startProxy(t, "live")
	dead := deadProxy(t)
	require.NoError(t, s.pool.Add(live))
	require.NoError(t, s.pool.Add(dead))

	// Every request succeeds: a refused connection is retried on the other
	// proxy. Two such failures trip the dead proxy's breaker.
	for i := 0; i < 6; i++ {
		resp, err := s.rotator.Execute(context.Background(),
			domain.NewRequest(http.MethodGet, "http://upstream.test/"), nil)
		require.NoError(t, err, "request %d", i)
		assert.Equal(t, "live", string(resp.Body))
	}

	assert.Equal(t, 1, s.breakers.OpenCount(), "the dead proxy sits behind an open circuit")

	pm, ok := s.aggregator.ProxyMetrics(dead.ID)
	require.True(t, ok)
	assert.Zero(t, pm.Successes)
	assert.GreaterOrEqual(t, pm.Failures, int64(2))
	assert.Equal(t, domain.ErrKindConnect, pm.LastOutcome)

	// With the circuit open, selection never touches the dead proxy again.
	before := pm.Attempts
	for i := 0; i < 4; i++ {
		resp, err := s.rotator.Execute(context.Background(),
			domain.NewRequest(http.MethodGet, "http://upstream.test/"), nil)
		require.NoError(t, err)
		assert.Equal(t, live.ID, resp.ProxyID)
	}
	pm, _ = s.aggregator.ProxyMetrics(dead.ID)
	assert.Equal(t, before, pm.Attempts)
}

func TestExecuteHonoursRateLimitIdentity(t *testing.T) {
	limiter, err := ratelimit.New(ratelimit.Config{
		Enabled:     true,
		DefaultTier: "burst",
		Tiers:       []ratelimit.Tier{{Name: "burst", RequestsPerWindow: 2, WindowSeconds: 60}},
	}, newStyledLogger())
	require.NoError(t, err)
	t.Cleanup(limiter.Stop)

	s := newStack(t, rotator.Config{Retry: quickRetry()}, limiter)
	require.NoError(t, s.pool.Add(startProxy(t, "only")))

	opts := &rotator.RequestOptions{RateLimitKey: "client-9"}
	for i := 0; i < 2; i++ {
		_, err := s.rotator.Execute(context.Background(),
			domain.NewRequest(http.MethodGet, "http://upstream.test/"), opts)
		require.NoError(t, err)
	}

	_, err = s.rotator.Execute(context.Background(),
		domain.NewRequest(http.MethodGet, "http://upstream.test/"), opts)
	require.Error(t, err)

	var denied *domain.RateLimitedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "client-9", denied.Identifier)
	assert.Equal(t, 2, denied.Limit)
	assert.Zero(t, denied.Remaining)

	// Anonymous callers carry no identity and are never throttled.
	resp, err := s.rotator.Execute(context.Background(),
		domain.NewRequest(http.MethodGet, "http://upstream.test/"), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSessionStaysPinnedThroughLiveDispatch(t *testing.T) {
	s := newStack(t, rotator.Config{
		Strategy: strategy.StrategySessionPersistence,
		Retry:    quickRetry(),
	}, nil)

	for _, marker := range []string{"one", "two", "three"} {
		require.NoError(t, s.pool.Add(startProxy(t, marker)))
	}

	opts := &rotator.RequestOptions{SessionKey: "tenant-42"}
	first, err := s.rotator.Execute(context.Background(),
		domain.NewRequest(http.MethodGet, "http://upstream.test/"), opts)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		resp, err := s.rotator.Execute(context.Background(),
			domain.NewRequest(http.MethodGet, "http://upstream.test/"), opts)
		require.NoError(t, err)
		assert.Equal(t, first.ProxyID, resp.ProxyID, "one session key, one proxy")
		assert.Equal(t, string(first.Body), string(resp.Body))
	}
}
