package app

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxywhirl/proxywhirl/internal/adapter/strategy"
)

func TestStrategyAPI_GetShowsActiveAndAvailable(t *testing.T) {
	a := newTestApplication(t, nil)
	mux := newTestMux(t, a)

	rec := doJSON(t, mux, http.MethodGet, "/api/v1/strategy", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got strategyResponse
	decodeInto(t, rec, &got)
	assert.Equal(t, strategy.StrategyRoundRobin, got.Active)
	assert.Len(t, got.Available, 7)
}

func TestStrategyAPI_PutSwitchesStrategy(t *testing.T) {
	a := newTestApplication(t, nil)
	mux := newTestMux(t, a)

	rec := doJSON(t, mux, http.MethodPut, "/api/v1/strategy", `{"strategy":"least_used"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var got strategyResponse
	decodeInto(t, rec, &got)
	assert.Equal(t, strategy.StrategyLeastUsed, got.Active)
	assert.Equal(t, strategy.StrategyLeastUsed, a.rotator.Strategy())

	// the stored config section follows, so a later reload diff sees it
	assert.Equal(t, strategy.StrategyLeastUsed, a.getConfig().Rotation.Strategy)
}

func TestStrategyAPI_PutComposite(t *testing.T) {
	a := newTestApplication(t, nil)
	mux := newTestMux(t, a)

	body := `{
		"strategy": "composite",
		"fallback": "weighted",
		"filters": [
			{"countries": ["US", "CA"], "min_success_rate": 0.5},
			{"schemes": ["http", "socks5"]}
		]
	}`
	rec := doJSON(t, mux, http.MethodPut, "/api/v1/strategy", body)
	require.Equal(t, http.StatusOK, rec.Code)

	var got strategyResponse
	decodeInto(t, rec, &got)
	assert.Equal(t, strategy.StrategyComposite, got.Active)
	assert.Equal(t, strategy.StrategyComposite, a.rotator.Strategy())
}

func TestStrategyAPI_PutRejectsUnknownStrategy(t *testing.T) {
	a := newTestApplication(t, nil)
	mux := newTestMux(t, a)

	rec := doJSON(t, mux, http.MethodPut, "/api/v1/strategy", `{"strategy":"warp_drive"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, strategy.StrategyRoundRobin, a.rotator.Strategy())
}

func TestStrategyAPI_PutRejectsCompositeWithoutFilters(t *testing.T) {
	a := newTestApplication(t, nil)
	mux := newTestMux(t, a)

	rec := doJSON(t, mux, http.MethodPut, "/api/v1/strategy", `{"strategy":"composite"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, strategy.StrategyRoundRobin, a.rotator.Strategy())
}

func TestRetryPolicyAPI_GetReturnsDefaults(t *testing.T) {
	a := newTestApplication(t, nil)
	mux := newTestMux(t, a)

	rec := doJSON(t, mux, http.MethodGet, "/api/v1/retry-policy", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	decodeInto(t, rec, &got)
	assert.EqualValues(t, 3, got["max_attempts"])
	assert.Equal(t, "exponential", got["backoff"])
}

func TestRetryPolicyAPI_PutReplacesPolicy(t *testing.T) {
	a := newTestApplication(t, nil)
	mux := newTestMux(t, a)

	body := `{
		"max_attempts": 5,
		"backoff": "linear",
		"base_delay": "250ms",
		"multiplier": 2.0,
		"max_delay": "10s",
		"jitter_ratio": 0.1,
		"retry_status_codes": [502, 503],
		"idempotent_methods": ["GET"]
	}`
	rec := doJSON(t, mux, http.MethodPut, "/api/v1/retry-policy", body)
	require.Equal(t, http.StatusOK, rec.Code)

	policy := a.rotator.RetryPolicy()
	assert.Equal(t, 5, policy.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, policy.BaseDelay)
	assert.Equal(t, 10*time.Second, policy.MaxDelay)
}

func TestRetryPolicyAPI_PutRejectsInvalid(t *testing.T) {
	a := newTestApplication(t, nil)
	mux := newTestMux(t, a)

	rec := doJSON(t, mux, http.MethodPut, "/api/v1/retry-policy", `{"max_attempts":99,"backoff":"exponential","base_delay":"1s"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 3, a.rotator.RetryPolicy().MaxAttempts)
}

func TestRateLimitAPI_Get(t *testing.T) {
	a := newTestApplication(t, nil)
	mux := newTestMux(t, a)

	rec := doJSON(t, mux, http.MethodGet, "/api/v1/rate-limit", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got rateLimitResponse
	decodeInto(t, rec, &got)
	assert.True(t, got.Enabled)
	assert.Equal(t, "standard", got.DefaultTier)
	assert.Zero(t, got.TrackedIdentifiers)
}

func TestRateLimitAPI_PutSwapsLimiter(t *testing.T) {
	a := newTestApplication(t, nil)
	mux := newTestMux(t, a)
	old := a.currentLimiter()

	body := `{
		"enabled": true,
		"default_tier": "tight",
		"tiers": [{"name": "tight", "requests_per_window": 1, "window_seconds": 60}]
	}`
	rec := doJSON(t, mux, http.MethodPut, "/api/v1/rate-limit", body)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.NotSame(t, old, a.currentLimiter())
	assert.Equal(t, "tight", a.getConfig().RateLimit.DefaultTier)
}

func TestRateLimitAPI_PutRejectsBadTiers(t *testing.T) {
	a := newTestApplication(t, nil)
	mux := newTestMux(t, a)
	old := a.currentLimiter()

	// endpoint override above the tier limit
	body := `{
		"enabled": true,
		"default_tier": "standard",
		"tiers": [{"name": "standard", "requests_per_window": 10, "window_seconds": 60, "endpoints": {"relay": 100}}]
	}`
	rec := doJSON(t, mux, http.MethodPut, "/api/v1/rate-limit", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Same(t, old, a.currentLimiter())
}
