package domain

import (
	"net/http"
	"time"
)

// ErrorKind is the closed set of normalized attempt failures.
type ErrorKind string

const (
	ErrKindConnect      ErrorKind = "connect"
	ErrKindTLS          ErrorKind = "tls"
	ErrKindReadTimeout  ErrorKind = "read_timeout"
	ErrKindWriteTimeout ErrorKind = "write_timeout"
	ErrKindDNS          ErrorKind = "dns"
	ErrKindProtocol     ErrorKind = "protocol"
	ErrKindProxy5xx     ErrorKind = "proxy_5xx"
	ErrKindUpstream4xx  ErrorKind = "upstream_4xx"
	ErrKindUpstream5xx  ErrorKind = "upstream_5xx"
	ErrKindCancelled    ErrorKind = "cancelled"
)

// ProxyAttributable reports whether this failure counts against the proxy's
// circuit breaker. Target-side failures (upstream statuses, DNS on the target
// name, caller cancellation) do not.
func (k ErrorKind) ProxyAttributable() bool {
	switch k {
	case ErrKindConnect, ErrKindTLS, ErrKindReadTimeout, ErrKindWriteTimeout, ErrKindProtocol, ErrKindProxy5xx:
		return true
	default:
		return false
	}
}

// KindForStatus maps an HTTP status the executor decided to treat as a
// failure onto its upstream kind.
func KindForStatus(status int) ErrorKind {
	switch {
	case status >= 500:
		return ErrKindUpstream5xx
	case status >= 400:
		return ErrKindUpstream4xx
	default:
		return ""
	}
}

// Response is the normalized result of one dispatched attempt.
type Response struct {
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers"`
	Body       []byte      `json:"-"`
	ElapsedMs  int64       `json:"elapsed_ms"`
	ProxyID    string      `json:"proxy_id"`
}

func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 400
}

// Outcome is what an attempt fed back into the pool, breaker and metrics:
// either a success with a latency, or a classified failure.
type Outcome struct {
	Success    bool
	StatusCode int
	Kind       ErrorKind
	Latency    time.Duration
}

func SuccessOutcome(status int, latency time.Duration) Outcome {
	return Outcome{Success: true, StatusCode: status, Latency: latency}
}

func FailureOutcome(kind ErrorKind, status int, latency time.Duration) Outcome {
	return Outcome{Kind: kind, StatusCode: status, Latency: latency}
}
