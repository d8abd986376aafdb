package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// windowEntry holds the sliding windows for one identifier. Scope "" is
// the tier-wide window; endpoint windows are keyed "e:<tier>:<endpoint>".
// Timestamps are appended on admission only, so denied requests never
// consume quota.
type windowEntry struct {
	mu         sync.Mutex
	scopes     map[string][]time.Time
	lastAccess time.Time
}

type memoryBackend struct {
	entries *xsync.Map[string, *windowEntry]
	maxKeys int
	now     func() time.Time
}

func newMemoryBackend(maxKeys int) *memoryBackend {
	return &memoryBackend{
		entries: xsync.NewMap[string, *windowEntry](),
		maxKeys: maxKeys,
		now:     time.Now,
	}
}

func (m *memoryBackend) check(_ context.Context, req checkRequest) (checkResult, error) {
	entry := m.entry(req.identifier)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	now := m.now()
	entry.lastAccess = now
	cutoff := now.Add(-req.window)

	tierScope := "t:" + req.tierName
	tierTimes := pruneBefore(entry.scopes[tierScope], cutoff)
	entry.scopes[tierScope] = tierTimes

	var (
		epScope string
		epTimes []time.Time
	)
	if req.epLimit > 0 {
		epScope = "e:" + req.tierName + ":" + req.endpoint
		epTimes = pruneBefore(entry.scopes[epScope], cutoff)
		entry.scopes[epScope] = epTimes
	}

	tierOK := len(tierTimes) < req.tierLimit
	epOK := req.epLimit == 0 || len(epTimes) < req.epLimit

	if tierOK && epOK {
		tierTimes = append(tierTimes, now)
		entry.scopes[tierScope] = tierTimes
		remaining := req.tierLimit - len(tierTimes)
		if req.epLimit > 0 {
			epTimes = append(epTimes, now)
			entry.scopes[epScope] = epTimes
			if r := req.epLimit - len(epTimes); r < remaining {
				remaining = r
			}
		}
		return checkResult{
			allowed:   true,
			remaining: remaining,
			resetAt:   tierTimes[0].Add(req.window),
		}, nil
	}

	var retry time.Duration
	if !tierOK {
		retry = tierTimes[0].Add(req.window).Sub(now)
	}
	if !epOK {
		if r := epTimes[0].Add(req.window).Sub(now); r > retry {
			retry = r
		}
	}
	if retry <= 0 {
		retry = time.Millisecond
	}

	remaining := req.tierLimit - len(tierTimes)
	if req.epLimit > 0 {
		if r := req.epLimit - len(epTimes); r < remaining {
			remaining = r
		}
	}
	if remaining < 0 {
		remaining = 0
	}

	return checkResult{
		allowed:    false,
		remaining:  remaining,
		resetAt:    now.Add(retry),
		retryAfter: retry,
	}, nil
}

func (m *memoryBackend) entry(identifier string) *windowEntry {
	if e, ok := m.entries.Load(identifier); ok {
		return e
	}
	if m.maxKeys > 0 && m.entries.Size() >= m.maxKeys {
		m.evictOldest()
	}
	e, _ := m.entries.LoadOrCompute(identifier, func() (*windowEntry, bool) {
		return &windowEntry{
			scopes:     make(map[string][]time.Time),
			lastAccess: m.now(),
		}, false
	})
	return e
}

// evictOldest drops the least recently used identifier so the map stays
// bounded under identifier churn.
func (m *memoryBackend) evictOldest() {
	var (
		oldestKey string
		oldestAt  time.Time
		found     bool
	)
	m.entries.Range(func(key string, entry *windowEntry) bool {
		entry.mu.Lock()
		at := entry.lastAccess
		entry.mu.Unlock()
		if !found || at.Before(oldestAt) {
			oldestKey, oldestAt, found = key, at, true
		}
		return true
	})
	if found {
		m.entries.Delete(oldestKey)
	}
}

// cleanup removes identifiers idle since before cutoff.
func (m *memoryBackend) cleanup(cutoff time.Time) int {
	removed := 0
	m.entries.Range(func(key string, entry *windowEntry) bool {
		entry.mu.Lock()
		idle := entry.lastAccess.Before(cutoff)
		entry.mu.Unlock()
		if idle {
			m.entries.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

func (m *memoryBackend) size() int {
	return m.entries.Size()
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	drop := 0
	for drop < len(times) && !times[drop].After(cutoff) {
		drop++
	}
	if drop == 0 {
		return times
	}
	return append(times[:0], times[drop:]...)
}
