package domain

import (
	"net/http"
	"time"
)

// Request is one logical outbound request handed to the rotator. The executor
// may dispatch it several times through different proxies.
type Request struct {
	Method  string      `json:"method"`
	URL     string      `json:"url"`
	Headers http.Header `json:"headers,omitempty"`
	Body    []byte      `json:"-"`

	// FollowRedirects is off unless the caller asks.
	FollowRedirects bool `json:"follow_redirects,omitempty"`
}

func NewRequest(method, url string) *Request {
	return &Request{
		Method:  method,
		URL:     url,
		Headers: make(http.Header),
	}
}

// RateLimitResult is the outcome of one admission check.
type RateLimitResult struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// BestEffort flags decisions taken on local state while a distributed
	// backend was unreachable.
	BestEffort bool `json:"best_effort,omitempty"`
}
