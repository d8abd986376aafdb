package domain

import "time"

// CircuitState serializes as the uppercase names at every boundary.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

type AdmitReason string

const (
	AdmitAllowed        AdmitReason = "allowed"
	AdmitDeniedOpen     AdmitReason = "open"
	AdmitDeniedProbeCap AdmitReason = "probe_limit"
	AdmitProbe          AdmitReason = "probe"
	AdmitUnknownBreaker AdmitReason = "unknown"
)

// CircuitEvent records one observable breaker transition.
type CircuitEvent struct {
	ProxyID          string       `json:"proxy_id"`
	From             CircuitState `json:"from"`
	To               CircuitState `json:"to"`
	At               time.Time    `json:"at"`
	FailuresInWindow int          `json:"failures_in_window"`
}

// CircuitSnapshot is the introspection view served by the admin surface.
type CircuitSnapshot struct {
	ProxyID          string         `json:"proxy_id"`
	State            CircuitState   `json:"state"`
	FailuresInWindow int            `json:"failures_in_window"`
	OpenedAt         time.Time      `json:"opened_at,omitzero"`
	ActiveProbes     int            `json:"active_probes"`
	RecentEvents     []CircuitEvent `json:"recent_events,omitempty"`
}
