package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
	"github.com/proxywhirl/proxywhirl/pkg/eventbus"
)

func scrape(t *testing.T, e *Exporter) string {
	t.Helper()
	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestExporter_CountsAttempts(t *testing.T) {
	e := NewExporter()

	e.RecordAttempt(domain.AttemptEvent{AttemptNo: 1, Success: true, LatencyMs: 120})
	e.RecordAttempt(domain.AttemptEvent{AttemptNo: 2, Success: false, Kind: domain.ErrKindConnect, LatencyMs: 80})
	e.RecordRateLimited()
	e.SetPoolGauges(5, 3)

	body := scrape(t, e)
	assert.Contains(t, body, `proxywhirl_attempts_total{outcome="success"} 1`)
	assert.Contains(t, body, `proxywhirl_attempts_total{outcome="failure"} 1`)
	assert.Contains(t, body, `proxywhirl_failures_total{kind="connect"} 1`)
	assert.Contains(t, body, `proxywhirl_retries_total 1`)
	assert.Contains(t, body, `proxywhirl_rate_limited_total 1`)
	assert.Contains(t, body, `proxywhirl_pool_size 5`)
	assert.Contains(t, body, `proxywhirl_pool_available 3`)
}

func TestExporter_LabelsNeverCarryProxyIDs(t *testing.T) {
	e := NewExporter()
	e.RecordAttempt(domain.AttemptEvent{ProxyID: "deadbeefdeadbeef", AttemptNo: 1, Success: true})

	assert.NotContains(t, scrape(t, e), "deadbeefdeadbeef",
		"per-proxy detail belongs to the aggregator, not exporter labels")
}

func TestExporter_TracksCircuitTransitions(t *testing.T) {
	e := NewExporter()
	bus := eventbus.New[domain.CircuitEvent]()
	t.Cleanup(bus.Close)

	e.WatchCircuits(context.Background(), bus)

	bus.Publish(domain.CircuitEvent{From: domain.CircuitClosed, To: domain.CircuitOpen})
	assert.Eventually(t, func() bool {
		body := scrape(t, e)
		return strings.Contains(body, `proxywhirl_circuit_transitions_total{to="OPEN"} 1`) &&
			strings.Contains(body, `proxywhirl_circuits_open 1`)
	}, time.Second, 10*time.Millisecond)

	bus.Publish(domain.CircuitEvent{From: domain.CircuitOpen, To: domain.CircuitHalfOpen})
	assert.Eventually(t, func() bool {
		return strings.Contains(scrape(t, e), `proxywhirl_circuits_open 0`)
	}, time.Second, 10*time.Millisecond)
}

func TestMultiSink_FansOut(t *testing.T) {
	a1, err := New(Config{RollupEvery: -1}, nil)
	require.NoError(t, err)
	t.Cleanup(a1.Stop)
	a2, err := New(Config{RollupEvery: -1}, nil)
	require.NoError(t, err)
	t.Cleanup(a2.Stop)

	sink := MultiSink{a1, nil, a2}
	sink.RecordAttempt(domain.AttemptEvent{ProxyID: "p1", AttemptNo: 1, Success: true})

	assert.Equal(t, int64(1), a1.Summary(0).TotalAttempts)
	assert.Equal(t, int64(1), a2.Summary(0).TotalAttempts)
}
