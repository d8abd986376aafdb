package ports

import (
	"time"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
)

// AttemptSink ingests per-attempt events. Implementations must not block the
// caller; the executor records on the hot path.
type AttemptSink interface {
	RecordAttempt(ev domain.AttemptEvent)
}

// MetricsQuerier is the read surface the admin layer consumes.
type MetricsQuerier interface {
	Summary(window time.Duration) MetricsSummary
	TimeSeries(window time.Duration) []HourlyPoint
	ProxyMetrics(proxyID string) (ProxyMetrics, bool)
	AllProxyMetrics() []ProxyMetrics
}

// MetricsSummary aggregates a query window.
type MetricsSummary struct {
	WindowStart      time.Time                  `json:"window_start"`
	WindowEnd        time.Time                  `json:"window_end"`
	TotalAttempts    int64                      `json:"total_attempts"`
	TotalSuccesses   int64                      `json:"total_successes"`
	TotalFailures    int64                      `json:"total_failures"`
	TotalRetries     int64                      `json:"total_retries"`
	SuccessByAttempt map[int]int64              `json:"success_by_attempt"`
	FailuresByKind   map[domain.ErrorKind]int64 `json:"failures_by_kind"`
	CircuitEvents    int64                      `json:"circuit_events"`
	MeanLatencyMs    float64                    `json:"mean_latency_ms"`
	P50LatencyMs     float64                    `json:"p50_latency_ms"`
	P95LatencyMs     float64                    `json:"p95_latency_ms"`
}

// HourlyPoint is one rolled-up bucket in a time series.
type HourlyPoint struct {
	Hour          time.Time `json:"hour"`
	Total         int64     `json:"total"`
	Successes     int64     `json:"successes"`
	Retries       int64     `json:"retries"`
	MeanLatencyMs float64   `json:"mean_latency_ms"`
	P50LatencyMs  float64   `json:"p50_latency_ms"`
	P95LatencyMs  float64   `json:"p95_latency_ms"`
}

// ProxyMetrics is the per-proxy aggregate plus most recent activity.
type ProxyMetrics struct {
	ProxyID       string           `json:"proxy_id"`
	Attempts      int64            `json:"attempts"`
	Successes     int64            `json:"successes"`
	Failures      int64            `json:"failures"`
	MeanLatencyMs float64          `json:"mean_latency_ms"`
	LastUsedAt    time.Time        `json:"last_used_at"`
	LastOutcome   domain.ErrorKind `json:"last_outcome,omitempty"`
	LastStatus    int              `json:"last_status,omitempty"`
}
