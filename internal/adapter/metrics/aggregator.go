// Package metrics aggregates per-attempt events into hourly rollups and
// per-proxy aggregates, and answers the query surface the admin layer
// serves. Raw events sit in a bounded ring with a retention cap; the hourly
// buckets are maintained incrementally on every event so the freshest hour
// never waits for the rollup worker.
package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/proxywhirl/proxywhirl/internal/core/domain"
	"github.com/proxywhirl/proxywhirl/internal/core/ports"
	"github.com/proxywhirl/proxywhirl/internal/logger"
	"github.com/proxywhirl/proxywhirl/pkg/eventbus"
	"github.com/proxywhirl/proxywhirl/pkg/ringbuf"
)

const (
	// DefaultEventCapacity bounds the raw ring below the memory target even
	// when a full day arrives at peak rate; older events fall off first.
	DefaultEventCapacity = 120_000
	DefaultRetention     = 24 * time.Hour
	DefaultRollupEvery   = 5 * time.Minute
	DefaultSampleSize    = 128
)

type Config struct {
	EventCapacity int           `yaml:"event_capacity" json:"event_capacity"`
	Retention     time.Duration `yaml:"retention" json:"retention"`
	RollupEvery   time.Duration `yaml:"rollup_every" json:"rollup_every"`
	SampleSize    int           `yaml:"sample_size" json:"sample_size"`
}

func DefaultConfig() Config {
	return Config{
		EventCapacity: DefaultEventCapacity,
		Retention:     DefaultRetention,
		RollupEvery:   DefaultRollupEvery,
		SampleSize:    DefaultSampleSize,
	}
}

func (c *Config) withDefaults() error {
	if c.EventCapacity == 0 {
		c.EventCapacity = DefaultEventCapacity
	}
	if c.Retention == 0 {
		c.Retention = DefaultRetention
	}
	if c.RollupEvery == 0 {
		c.RollupEvery = DefaultRollupEvery
	}
	if c.SampleSize == 0 {
		c.SampleSize = DefaultSampleSize
	}
	if c.EventCapacity < 1 {
		return domain.NewConfigValidationError("metrics.event_capacity", c.EventCapacity, "must be positive")
	}
	if c.Retention < time.Minute {
		return domain.NewConfigValidationError("metrics.retention", c.Retention.String(), "must be at least one minute")
	}
	if c.SampleSize < 1 {
		return domain.NewConfigValidationError("metrics.sample_size", c.SampleSize, "must be positive")
	}
	return nil
}

// bucket aggregates one hour. All fields are guarded by the aggregator
// mutex.
type bucket struct {
	hour             time.Time
	total            int64
	successes        int64
	retries          int64
	circuitEvents    int64
	latencySum       int64
	successByAttempt map[int]int64
	failuresByKind   map[domain.ErrorKind]int64
	samples          *reservoir
}

func newBucket(hour time.Time, sampleSize int) *bucket {
	return &bucket{
		hour:             hour,
		successByAttempt: make(map[int]int64),
		failuresByKind:   make(map[domain.ErrorKind]int64),
		samples:          newReservoir(sampleSize),
	}
}

type proxyAgg struct {
	mu         sync.Mutex
	attempts   int64
	successes  int64
	failures   int64
	latencySum int64
	lastUsed   time.Time
	lastKind   domain.ErrorKind
	lastStatus int
}

// Aggregator ingests attempt events and serves summary, time-series and
// per-proxy queries.
type Aggregator struct {
	cfg    Config
	logger *logger.StyledLogger

	mu      sync.Mutex
	events  *ringbuf.Ring[domain.AttemptEvent]
	buckets map[int64]*bucket

	perProxy *xsync.Map[string, *proxyAgg]

	now func() time.Time

	unsubMu  sync.Mutex
	unsubs   []func()
	stopOnce sync.Once
	stop     chan struct{}
}

var (
	_ ports.AttemptSink    = (*Aggregator)(nil)
	_ ports.MetricsQuerier = (*Aggregator)(nil)
)

func New(cfg Config, log *logger.StyledLogger) (*Aggregator, error) {
	if err := cfg.withDefaults(); err != nil {
		return nil, err
	}

	a := &Aggregator{
		cfg:      cfg,
		logger:   log,
		events:   ringbuf.New[domain.AttemptEvent](cfg.EventCapacity),
		buckets:  make(map[int64]*bucket),
		perProxy: xsync.NewMap[string, *proxyAgg](),
		now:      time.Now,
		stop:     make(chan struct{}),
	}

	if cfg.RollupEvery > 0 {
		go a.rollupLoop()
	}
	return a, nil
}

// RecordAttempt ingests one attempt. It only touches in-memory state, so the
// executor can call it on the hot path.
func (a *Aggregator) RecordAttempt(ev domain.AttemptEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = a.now()
	}

	a.mu.Lock()
	a.events.Push(ev)

	b := a.bucketForLocked(ev.Timestamp)
	b.total++
	b.latencySum += ev.LatencyMs
	b.samples.add(ev.LatencyMs)
	if ev.Success {
		b.successes++
		b.successByAttempt[ev.AttemptNo]++
	} else if ev.Kind != "" {
		b.failuresByKind[ev.Kind]++
	}
	if ev.AttemptNo > 1 {
		b.retries++
	}
	a.mu.Unlock()

	agg, _ := a.perProxy.LoadOrCompute(ev.ProxyID, func() (*proxyAgg, bool) {
		return &proxyAgg{}, false
	})
	agg.mu.Lock()
	agg.attempts++
	agg.latencySum += ev.LatencyMs
	if ev.Success {
		agg.successes++
	} else {
		agg.failures++
	}
	if ev.Timestamp.After(agg.lastUsed) {
		agg.lastUsed = ev.Timestamp
		agg.lastKind = ev.Kind
		agg.lastStatus = ev.StatusCode
	}
	agg.mu.Unlock()
}

// WatchCircuits counts breaker transitions off the event bus so summaries
// can report them alongside attempt totals.
func (a *Aggregator) WatchCircuits(ctx context.Context, bus *eventbus.Bus[domain.CircuitEvent]) {
	ch, unsub := bus.Subscribe(ctx)
	a.unsubMu.Lock()
	a.unsubs = append(a.unsubs, unsub)
	a.unsubMu.Unlock()

	go func() {
		for ev := range ch {
			at := ev.At
			if at.IsZero() {
				at = a.now()
			}
			a.mu.Lock()
			a.bucketForLocked(at).circuitEvents++
			a.mu.Unlock()
		}
	}()
}

// Summary aggregates the buckets overlapping the window. A zero or oversized
// window means the full retention period.
func (a *Aggregator) Summary(window time.Duration) ports.MetricsSummary {
	now := a.now()
	start := a.windowStart(now, window)

	s := ports.MetricsSummary{
		WindowStart:      start,
		WindowEnd:        now,
		SuccessByAttempt: make(map[int]int64),
		FailuresByKind:   make(map[domain.ErrorKind]int64),
	}

	var merged []int64
	a.mu.Lock()
	for _, b := range a.buckets {
		if !a.inWindow(b.hour, start, now) {
			continue
		}
		s.TotalAttempts += b.total
		s.TotalSuccesses += b.successes
		s.TotalRetries += b.retries
		s.CircuitEvents += b.circuitEvents
		s.MeanLatencyMs += float64(b.latencySum)
		for n, c := range b.successByAttempt {
			s.SuccessByAttempt[n] += c
		}
		for k, c := range b.failuresByKind {
			s.FailuresByKind[k] += c
		}
		merged = append(merged, b.samples.samples...)
	}
	a.mu.Unlock()

	s.TotalFailures = s.TotalAttempts - s.TotalSuccesses
	if s.TotalAttempts > 0 {
		s.MeanLatencyMs /= float64(s.TotalAttempts)
	} else {
		s.MeanLatencyMs = 0
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i] < merged[j] })
	s.P50LatencyMs = percentileOf(merged, 50)
	s.P95LatencyMs = percentileOf(merged, 95)
	return s
}

// TimeSeries returns the hourly points overlapping the window, oldest first.
func (a *Aggregator) TimeSeries(window time.Duration) []ports.HourlyPoint {
	now := a.now()
	start := a.windowStart(now, window)

	a.mu.Lock()
	points := make([]ports.HourlyPoint, 0, len(a.buckets))
	for _, b := range a.buckets {
		if !a.inWindow(b.hour, start, now) {
			continue
		}
		p := ports.HourlyPoint{
			Hour:      b.hour,
			Total:     b.total,
			Successes: b.successes,
			Retries:   b.retries,
		}
		if b.total > 0 {
			p.MeanLatencyMs = float64(b.latencySum) / float64(b.total)
		}
		sorted := b.samples.sorted()
		p.P50LatencyMs = percentileOf(sorted, 50)
		p.P95LatencyMs = percentileOf(sorted, 95)
		points = append(points, p)
	}
	a.mu.Unlock()

	sort.Slice(points, func(i, j int) bool { return points[i].Hour.Before(points[j].Hour) })
	return points
}

func (a *Aggregator) ProxyMetrics(proxyID string) (ports.ProxyMetrics, bool) {
	agg, ok := a.perProxy.Load(proxyID)
	if !ok {
		return ports.ProxyMetrics{}, false
	}
	return agg.view(proxyID), true
}

func (a *Aggregator) AllProxyMetrics() []ports.ProxyMetrics {
	out := make([]ports.ProxyMetrics, 0, a.perProxy.Size())
	a.perProxy.Range(func(id string, agg *proxyAgg) bool {
		out = append(out, agg.view(id))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ProxyID < out[j].ProxyID })
	return out
}

// Recent returns up to n raw events, newest last. Serves the admin debug
// surface.
func (a *Aggregator) Recent(n int) []domain.AttemptEvent {
	a.mu.Lock()
	all := a.events.Snapshot()
	a.mu.Unlock()

	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

// Counts reports ring and bucket occupancy for the debug surface.
func (a *Aggregator) Counts() (events, buckets int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.events.Len(), len(a.buckets)
}

func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		close(a.stop)
		a.unsubMu.Lock()
		for _, unsub := range a.unsubs {
			unsub()
		}
		a.unsubs = nil
		a.unsubMu.Unlock()
	})
}

func (a *Aggregator) rollupLoop() {
	ticker := time.NewTicker(a.cfg.RollupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.rollup()
		case <-a.stop:
			return
		}
	}
}

// rollup prunes state older than the retention period: raw events, whole
// buckets, and per-proxy aggregates that have gone idle.
func (a *Aggregator) rollup() {
	cutoff := a.now().Add(-a.cfg.Retention)

	a.mu.Lock()
	droppedEvents := a.events.DropWhile(func(ev domain.AttemptEvent) bool {
		return ev.Timestamp.Before(cutoff)
	})
	droppedBuckets := 0
	for key, b := range a.buckets {
		if b.hour.Add(time.Hour).Before(cutoff) {
			delete(a.buckets, key)
			droppedBuckets++
		}
	}
	events, buckets := a.events.Len(), len(a.buckets)
	a.mu.Unlock()

	droppedProxies := 0
	a.perProxy.Range(func(id string, agg *proxyAgg) bool {
		agg.mu.Lock()
		idle := agg.lastUsed.Before(cutoff)
		agg.mu.Unlock()
		if idle {
			a.perProxy.Delete(id)
			droppedProxies++
		}
		return true
	})

	if a.logger != nil {
		a.logger.Debug("Metrics rollup completed",
			"events", events,
			"buckets", buckets,
			"dropped_events", droppedEvents,
			"dropped_buckets", droppedBuckets,
			"dropped_proxies", droppedProxies)
	}
}

func (a *Aggregator) bucketForLocked(at time.Time) *bucket {
	hour := at.Truncate(time.Hour)
	key := hour.Unix()
	b, ok := a.buckets[key]
	if !ok {
		b = newBucket(hour, a.cfg.SampleSize)
		a.buckets[key] = b
	}
	return b
}

func (a *Aggregator) windowStart(now time.Time, window time.Duration) time.Time {
	if window <= 0 || window > a.cfg.Retention {
		window = a.cfg.Retention
	}
	return now.Add(-window)
}

// inWindow reports whether an hourly bucket overlaps [start, end]. Buckets
// are hour-grained, so the oldest one may reach slightly before start.
func (a *Aggregator) inWindow(hour, start, end time.Time) bool {
	return hour.Add(time.Hour).After(start) && !hour.After(end)
}

func (p *proxyAgg) view(id string) ports.ProxyMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := ports.ProxyMetrics{
		ProxyID:     id,
		Attempts:    p.attempts,
		Successes:   p.successes,
		Failures:    p.failures,
		LastUsedAt:  p.lastUsed,
		LastOutcome: p.lastKind,
		LastStatus:  p.lastStatus,
	}
	if p.attempts > 0 {
		m.MeanLatencyMs = float64(p.latencySum) / float64(p.attempts)
	}
	return m
}
