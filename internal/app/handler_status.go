package app

import (
	"net/http"
	"time"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
	"github.com/proxywhirl/proxywhirl/pkg/format"
)

type StatusResponse struct {
	Status    string          `json:"status"`
	Uptime    string          `json:"uptime"`
	Pool      PoolStatus      `json:"pool"`
	Rotation  RotationStatus  `json:"rotation"`
	Traffic   TrafficStatus   `json:"traffic"`
	RateLimit RateLimitStatus `json:"rate_limit"`
}

type PoolStatus struct {
	Size         int    `json:"size"`
	Available    int    `json:"available"`
	OpenCircuits int    `json:"open_circuits"`
	Healthy      int    `json:"healthy"`
	Degraded     int    `json:"degraded"`
	Unhealthy    int    `json:"unhealthy"`
	Version      uint64 `json:"version"`
}

type RotationStatus struct {
	Strategy        string `json:"strategy"`
	SessionBindings int    `json:"session_bindings"`
	InFlight        int64  `json:"in_flight"`
}

type TrafficStatus struct {
	Window      string `json:"window"`
	Attempts    int64  `json:"attempts"`
	Successes   int64  `json:"successes"`
	Retries     int64  `json:"retries"`
	SuccessRate string `json:"success_rate"`
	MeanLatency string `json:"mean_latency"`
	P95Latency  string `json:"p95_latency"`
}

type RateLimitStatus struct {
	Enabled            bool `json:"enabled"`
	TrackedIdentifiers int  `json:"tracked_identifiers"`
}

// statusHandler reports one operational view across the pool, rotation,
// traffic and admission subsystems.
func (a *Application) statusHandler(w http.ResponseWriter, r *http.Request) {
	cfg := a.getConfig()
	stats := a.rotator.Stats()
	summary := a.aggregator.Summary(time.Hour)

	pool := PoolStatus{
		Size:         stats.PoolSize,
		Available:    stats.Available,
		OpenCircuits: stats.OpenCircuits,
		Version:      stats.PoolVersion,
	}
	for _, v := range a.pool.Snapshot() {
		switch v.Health {
		case domain.HealthHealthy:
			pool.Healthy++
		case domain.HealthDegraded:
			pool.Degraded++
		case domain.HealthUnhealthy:
			pool.Unhealthy++
		}
	}

	successRate := 1.0
	if summary.TotalAttempts > 0 {
		successRate = float64(summary.TotalSuccesses) / float64(summary.TotalAttempts)
	}

	response := StatusResponse{
		Status: deriveStatus(pool, successRate, summary.TotalAttempts),
		Uptime: format.Duration(time.Since(a.StartTime)),
		Pool:   pool,
		Rotation: RotationStatus{
			Strategy:        stats.Strategy,
			SessionBindings: stats.SessionBindings,
			InFlight:        stats.InFlight,
		},
		Traffic: TrafficStatus{
			Window:      "1h",
			Attempts:    summary.TotalAttempts,
			Successes:   summary.TotalSuccesses,
			Retries:     summary.TotalRetries,
			SuccessRate: format.Percent(successRate),
			MeanLatency: format.Latency(summary.MeanLatencyMs),
			P95Latency:  format.Latency(summary.P95LatencyMs),
		},
		RateLimit: RateLimitStatus{
			Enabled:            cfg.RateLimit.Enabled,
			TrackedIdentifiers: a.currentLimiter().TrackedIdentifiers(),
		},
	}

	writeJSON(w, http.StatusOK, response)
}

// deriveStatus is deliberately blunt: an empty or fully tripped pool is
// critical, visible trouble is degraded, anything else is healthy.
func deriveStatus(pool PoolStatus, successRate float64, attempts int64) string {
	if pool.Size == 0 || pool.Available == 0 {
		return "critical"
	}
	if pool.OpenCircuits > 0 || (attempts > 0 && successRate < 0.5) {
		return "degraded"
	}
	return "healthy"
}
