package rotator

import (
	"github.com/proxywhirl/proxywhirl/internal/core/domain"
)

// RequestOptions shape one logical request: selection hints, a per-call
// retry override and the rate-limit identity. Nil means defaults throughout.
type RequestOptions struct {
	// SessionKey pins session_persistence to one proxy across calls.
	SessionKey string

	// TargetCountry and TargetRegion steer geo_targeted and the regional
	// preference performance_based applies on retries.
	TargetCountry string
	TargetRegion  string

	// RequiredTags restricts selection to proxies carrying all of them.
	RequiredTags []string

	// Retry overlays the service policy for this call only.
	Retry *domain.RetryOverride

	// RateLimitKey identifies the caller to the limiter. Empty skips the
	// limiter entirely; library callers without an identity are not throttled.
	RateLimitKey string

	// RateLimitTier and RateLimitEndpoint narrow which window applies.
	RateLimitTier     string
	RateLimitEndpoint string

	// RateLimitWait sleeps out a denial instead of failing the request. The
	// wait still honours the call's deadline.
	RateLimitWait bool
}

func (o *RequestOptions) retryOverride() *domain.RetryOverride {
	if o == nil {
		return nil
	}
	return o.Retry
}

func (o *RequestOptions) selectionContext() *domain.SelectionContext {
	sel := domain.NewSelectionContext()
	if o == nil {
		return sel
	}
	sel.SessionKey = o.SessionKey
	sel.TargetCountry = o.TargetCountry
	sel.TargetRegion = o.TargetRegion
	sel.RequiredTags = o.RequiredTags
	return sel
}

// Result pairs a response with its terminal error for the async façade.
type Result struct {
	Response *domain.Response
	Err      error
}
