package domain

import "time"

// AttemptEvent is the per-attempt record the metrics aggregator ingests.
type AttemptEvent struct {
	Timestamp    time.Time     `json:"timestamp"`
	ProxyID      string        `json:"proxy_id"`
	AttemptNo    int           `json:"attempt_no"`
	Success      bool          `json:"success"`
	Kind         ErrorKind     `json:"kind,omitempty"`
	StatusCode   int           `json:"status_code,omitempty"`
	LatencyMs    int64         `json:"latency_ms"`
	RetriedAfter time.Duration `json:"retried_after,omitempty"`
}

type PoolEventType string

const (
	PoolProxyAdded   PoolEventType = "proxy_added"
	PoolProxyRemoved PoolEventType = "proxy_removed"
	PoolReplaced     PoolEventType = "pool_replaced"
	PoolMerged       PoolEventType = "pool_merged"
)

// PoolEvent announces a membership change.
type PoolEvent struct {
	Type    PoolEventType `json:"type"`
	ProxyID string        `json:"proxy_id,omitempty"`
	Size    int           `json:"size"`
	Version uint64        `json:"version"`
	At      time.Time     `json:"at"`
}
