package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
	"github.com/proxywhirl/proxywhirl/internal/core/ports"
	"github.com/proxywhirl/proxywhirl/pkg/eventbus"
)

// Exporter publishes rotation counters on a private Prometheus registry.
// Labels stay low-cardinality: outcomes, error kinds and circuit states, but
// never per-proxy ids. Per-proxy detail is the aggregator's job.
type Exporter struct {
	registry *prometheus.Registry

	attempts        *prometheus.CounterVec
	failures        *prometheus.CounterVec
	retries         prometheus.Counter
	rateLimited     prometheus.Counter
	attemptDuration prometheus.Histogram
	transitions     *prometheus.CounterVec
	circuitsOpen    prometheus.Gauge
	poolSize        prometheus.Gauge
	poolAvailable   prometheus.Gauge
}

func NewExporter() *Exporter {
	registry := prometheus.NewRegistry()

	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxywhirl_attempts_total",
		Help: "Dispatch attempts by outcome",
	}, []string{"outcome"})

	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxywhirl_failures_total",
		Help: "Failed attempts by error kind",
	}, []string{"kind"})

	retries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proxywhirl_retries_total",
		Help: "Attempts beyond the first",
	})

	rateLimited := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proxywhirl_rate_limited_total",
		Help: "Requests denied by the rate limiter",
	})

	attemptDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "proxywhirl_attempt_duration_seconds",
		Help:    "Per-attempt latency",
		Buckets: prometheus.DefBuckets,
	})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxywhirl_circuit_transitions_total",
		Help: "Circuit breaker transitions by target state",
	}, []string{"to"})

	circuitsOpen := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "proxywhirl_circuits_open",
		Help: "Breakers currently open",
	})

	poolSize := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "proxywhirl_pool_size",
		Help: "Proxies in the pool",
	})

	poolAvailable := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "proxywhirl_pool_available",
		Help: "Proxies currently selectable",
	})

	registry.MustRegister(attempts, failures, retries, rateLimited,
		attemptDuration, transitions, circuitsOpen, poolSize, poolAvailable)

	return &Exporter{
		registry:        registry,
		attempts:        attempts,
		failures:        failures,
		retries:         retries,
		rateLimited:     rateLimited,
		attemptDuration: attemptDuration,
		transitions:     transitions,
		circuitsOpen:    circuitsOpen,
		poolSize:        poolSize,
		poolAvailable:   poolAvailable,
	}
}

var _ ports.AttemptSink = (*Exporter)(nil)

func (e *Exporter) Handler() http.Handler {
	if e == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

func (e *Exporter) RecordAttempt(ev domain.AttemptEvent) {
	if e == nil {
		return
	}
	outcome := "failure"
	if ev.Success {
		outcome = "success"
	}
	e.attempts.WithLabelValues(outcome).Inc()
	if !ev.Success && ev.Kind != "" {
		e.failures.WithLabelValues(string(ev.Kind)).Inc()
	}
	if ev.AttemptNo > 1 {
		e.retries.Inc()
	}
	e.attemptDuration.Observe(float64(ev.LatencyMs) / 1000)
}

// RecordRateLimited counts one denied admission.
func (e *Exporter) RecordRateLimited() {
	if e == nil {
		return
	}
	e.rateLimited.Inc()
}

// SetPoolGauges refreshes the membership gauges from a pool snapshot.
func (e *Exporter) SetPoolGauges(total, available int) {
	if e == nil {
		return
	}
	e.poolSize.Set(float64(total))
	e.poolAvailable.Set(float64(available))
}

// WatchCircuits mirrors breaker transitions onto the exporter: a counter per
// target state and a net gauge of open circuits.
func (e *Exporter) WatchCircuits(ctx context.Context, bus *eventbus.Bus[domain.CircuitEvent]) {
	if e == nil {
		return
	}
	ch, _ := bus.Subscribe(ctx)
	go func() {
		for ev := range ch {
			e.transitions.WithLabelValues(string(ev.To)).Inc()
			switch {
			case ev.To == domain.CircuitOpen && ev.From != domain.CircuitOpen:
				e.circuitsOpen.Inc()
			case ev.From == domain.CircuitOpen && ev.To != domain.CircuitOpen:
				e.circuitsOpen.Dec()
			}
		}
	}()
}

// MultiSink fans one attempt event out to several sinks; the executor only
// ever records once.
type MultiSink []ports.AttemptSink

var _ ports.AttemptSink = (MultiSink)(nil)

func (m MultiSink) RecordAttempt(ev domain.AttemptEvent) {
	for _, s := range m {
		if s != nil {
			s.RecordAttempt(ev)
		}
	}
}

// RecordRateLimited forwards to every sink that counts denials.
func (m MultiSink) RecordRateLimited() {
	for _, s := range m {
		if rl, ok := s.(interface{ RecordRateLimited() }); ok {
			rl.RecordRateLimited()
		}
	}
}

// SetPoolGauges forwards to every sink that carries membership gauges.
func (m MultiSink) SetPoolGauges(total, available int) {
	for _, s := range m {
		if pg, ok := s.(interface{ SetPoolGauges(total, available int) }); ok {
			pg.SetPoolGauges(total, available)
		}
	}
}
