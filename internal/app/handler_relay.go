package app

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/proxywhirl/proxywhirl/internal/adapter/dispatch"
	"github.com/proxywhirl/proxywhirl/internal/adapter/rotator"
	"github.com/proxywhirl/proxywhirl/internal/core/domain"
	"github.com/proxywhirl/proxywhirl/internal/util"
)

const (
	HeaderProxyID   = "X-Proxywhirl-Proxy-ID"
	HeaderElapsedMs = "X-Proxywhirl-Elapsed-Ms"

	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

// StatusClientClosedRequest is nginx's convention for a caller that gave up.
const StatusClientClosedRequest = 499

type relayRequest struct {
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	Headers         map[string]string `json:"headers,omitempty"`
	Body            string            `json:"body,omitempty"`
	FollowRedirects bool              `json:"follow_redirects,omitempty"`

	SessionKey    string   `json:"session_key,omitempty"`
	TargetCountry string   `json:"target_country,omitempty"`
	TargetRegion  string   `json:"target_region,omitempty"`
	RequiredTags  []string `json:"required_tags,omitempty"`

	Retry *domain.RetryOverride `json:"retry,omitempty"`

	RateLimitTier     string `json:"rate_limit_tier,omitempty"`
	RateLimitEndpoint string `json:"rate_limit_endpoint,omitempty"`
}

// hopHeaders never survive a relay in either direction.
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// relayHandler executes one request through the rotator on behalf of the
// caller. Admission happens here, keyed by the caller's address, before any
// proxy is selected; the rotator then runs without a rate-limit key so the
// request is never charged twice.
func (a *Application) relayHandler(w http.ResponseWriter, r *http.Request) {
	var req relayRequest
	if err := decodeBody(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	target, err := url.Parse(req.URL)
	if err != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		writeError(w, http.StatusBadRequest, "url must be absolute http or https")
		return
	}

	if dispatch.DisallowedTarget(r.Context(), target.Hostname()) {
		writeError(w, http.StatusForbidden, "target address is not allowed")
		return
	}

	endpoint := req.RateLimitEndpoint
	if endpoint == "" {
		endpoint = "relay"
	}
	admission, err := a.currentLimiter().Check(r.Context(), util.ClientIP(r), endpoint, req.RateLimitTier)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !admission.Allowed {
		setRateLimitHeaders(w, admission)
		w.Header().Set(HeaderRetryAfter, strconv.Itoa(retryAfterSeconds(admission)))
		a.exporter.RecordRateLimited()
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       "rate limit exceeded",
			"retry_after": retryAfterSeconds(admission),
		})
		return
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	outbound := domain.NewRequest(method, req.URL)
	outbound.FollowRedirects = req.FollowRedirects
	if req.Body != "" {
		outbound.Body = []byte(req.Body)
	}
	for name, value := range req.Headers {
		canonical := http.CanonicalHeaderKey(name)
		if _, hop := hopHeaders[canonical]; hop || canonical == "Host" {
			continue
		}
		outbound.Headers.Set(canonical, value)
	}

	opts := &rotator.RequestOptions{
		SessionKey:    req.SessionKey,
		TargetCountry: req.TargetCountry,
		TargetRegion:  req.TargetRegion,
		RequiredTags:  req.RequiredTags,
		Retry:         req.Retry,
	}

	resp, err := a.rotator.Execute(r.Context(), outbound, opts)
	if err != nil {
		setRateLimitHeaders(w, admission)
		a.relayError(w, err)
		return
	}

	for name, values := range resp.Headers {
		if _, hop := hopHeaders[name]; hop {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	// Reserved headers win over anything the upstream sent.
	setRateLimitHeaders(w, admission)
	w.Header().Set(HeaderProxyID, resp.ProxyID)
	w.Header().Set(HeaderElapsedMs, strconv.FormatInt(resp.ElapsedMs, 10))
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))

	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func setRateLimitHeaders(w http.ResponseWriter, res domain.RateLimitResult) {
	if res.Limit <= 0 {
		return
	}
	w.Header().Set(HeaderRateLimitLimit, strconv.Itoa(res.Limit))
	w.Header().Set(HeaderRateLimitRemaining, strconv.Itoa(res.Remaining))
	w.Header().Set(HeaderRateLimitReset, strconv.FormatInt(res.ResetAt.Unix(), 10))
}

func retryAfterSeconds(res domain.RateLimitResult) int {
	secs := int((res.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// relayError translates rotator failures into relay status codes. Every
// message here is already credential-free; errors carry proxy ids at most.
func (a *Application) relayError(w http.ResponseWriter, err error) {
	var limited *domain.RateLimitedError
	var exhausted *domain.RetryExhaustedError
	var dispatchErr *domain.DispatchFailure
	var invalid *domain.ConfigValidationError

	switch {
	case errors.Is(err, domain.ErrNoProxyAvailable), errors.Is(err, domain.ErrAllCircuitsOpen):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &limited):
		w.Header().Set(HeaderRetryAfter, strconv.Itoa(int(limited.RetryAfter/time.Second)+1))
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, domain.ErrDeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, domain.ErrCancelled):
		writeError(w, StatusClientClosedRequest, err.Error())
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &exhausted), errors.As(err, &dispatchErr):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		a.logger.Error("Relay failed", "error", err)
		writeError(w, http.StatusBadGateway, "relay failed")
	}
}
