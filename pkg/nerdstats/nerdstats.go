package nerdstats

// Snapshot of Go runtime statistics reported when the process shuts down.
// See https://pkg.go.dev/runtime#MemStats for field semantics.

import (
	"runtime"
	"time"
)

type NerdStats struct {
	HeapAlloc    uint64
	HeapSys      uint64
	HeapInuse    uint64
	HeapReleased uint64
	StackInuse   uint64
	TotalAlloc   uint64
	Mallocs      uint64
	Frees        uint64

	NumGC         uint32
	LastGC        time.Time
	TotalGCTime   time.Duration
	GCCPUFraction float64

	NumGoroutines int
	NumCgoCall    int64

	Uptime     time.Duration
	GoVersion  string
	NumCPU     int
	GOMAXPROCS int
}

func Snapshot(startTime time.Time) NerdStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return NerdStats{
		HeapAlloc:    m.HeapAlloc,
		HeapSys:      m.HeapSys,
		HeapInuse:    m.HeapInuse,
		HeapReleased: m.HeapReleased,
		StackInuse:   m.StackInuse,
		TotalAlloc:   m.TotalAlloc,
		Mallocs:      m.Mallocs,
		Frees:        m.Frees,

		NumGC:         m.NumGC,
		LastGC:        time.Unix(0, int64(m.LastGC)),
		TotalGCTime:   time.Duration(m.PauseTotalNs),
		GCCPUFraction: m.GCCPUFraction,

		NumGoroutines: runtime.NumGoroutine(),
		NumCgoCall:    runtime.NumCgoCall(),

		Uptime:     time.Since(startTime),
		GoVersion:  runtime.Version(),
		NumCPU:     runtime.NumCPU(),
		GOMAXPROCS: runtime.GOMAXPROCS(0),
	}
}

// MemoryPressure buckets heap usage against heap obtained from the OS.
func (s NerdStats) MemoryPressure() string {
	if s.HeapSys == 0 {
		return "unknown"
	}
	ratio := float64(s.HeapInuse) / float64(s.HeapSys)
	switch {
	case ratio > 0.9:
		return "high"
	case ratio > 0.6:
		return "moderate"
	default:
		return "low"
	}
}

// AverageGCPause returns the mean GC pause, zero if GC never ran.
func (s NerdStats) AverageGCPause() time.Duration {
	if s.NumGC == 0 {
		return 0
	}
	return s.TotalGCTime / time.Duration(s.NumGC)
}
