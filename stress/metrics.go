// Package stress exercises the orchestrator's concurrent pieces well
// past their normal load: dispatch fan-out, queue contention, scope
// locks, and the status feed.
package stress

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects measurements across one stress run.
type Metrics struct {
	Processed int64
	Succeeded int64
	Failed    int64
	workSum   int64 // nanoseconds

	inFlight int64
	peak     int64

	initialAlloc uint64
	peakAlloc    uint64
	finalAlloc   uint64

	initialGoroutines int
	peakGoroutines    int
	finalGoroutines   int

	start time.Time
	end   time.Time

	mu sync.Mutex
}

// NewMetrics snapshots the starting memory and goroutine counts.
func NewMetrics() *Metrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return &Metrics{
		initialAlloc:      ms.Alloc,
		peakAlloc:         ms.Alloc,
		initialGoroutines: runtime.NumGoroutine(),
		peakGoroutines:    runtime.NumGoroutine(),
		start:             time.Now(),
	}
}

// Begin marks one unit of work entering flight and tracks the peak.
func (m *Metrics) Begin() {
	current := atomic.AddInt64(&m.inFlight, 1)
	m.mu.Lock()
	if current > m.peak {
		m.peak = current
	}
	m.mu.Unlock()
}

// Done marks one unit of work finished.
func (m *Metrics) Done(duration time.Duration, ok bool) {
	atomic.AddInt64(&m.inFlight, -1)
	atomic.AddInt64(&m.Processed, 1)
	atomic.AddInt64(&m.workSum, int64(duration))
	if ok {
		atomic.AddInt64(&m.Succeeded, 1)
	} else {
		atomic.AddInt64(&m.Failed, 1)
	}
}

// Sample records current memory and goroutine peaks. Call it
// periodically while the load runs.
func (m *Metrics) Sample() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	goroutines := runtime.NumGoroutine()

	m.mu.Lock()
	defer m.mu.Unlock()
	if ms.Alloc > m.peakAlloc {
		m.peakAlloc = ms.Alloc
	}
	if goroutines > m.peakGoroutines {
		m.peakGoroutines = goroutines
	}
}

// Finalize captures the end-of-run snapshot.
func (m *Metrics) Finalize() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.end = time.Now()
	m.finalAlloc = ms.Alloc
	m.finalGoroutines = runtime.NumGoroutine()
}

// PeakConcurrent returns the highest number of simultaneous units.
func (m *Metrics) PeakConcurrent() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

// PeakAlloc returns the highest sampled heap allocation.
func (m *Metrics) PeakAlloc() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peakAlloc
}

// AllocGrowth returns bytes of heap growth between start and Finalize.
func (m *Metrics) AllocGrowth() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalAlloc > m.initialAlloc {
		return int64(m.finalAlloc - m.initialAlloc)
	}
	return 0
}

// GoroutineGrowth returns goroutines remaining above the starting
// count after Finalize.
func (m *Metrics) GoroutineGrowth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalGoroutines - m.initialGoroutines
}

// Duration returns the run's wall time.
func (m *Metrics) Duration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.end.IsZero() {
		return time.Since(m.start)
	}
	return m.end.Sub(m.start)
}

// Throughput returns processed units per second.
func (m *Metrics) Throughput() float64 {
	d := m.Duration()
	if d <= 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&m.Processed)) / d.Seconds()
}

// AverageWork returns the mean per-unit work duration.
func (m *Metrics) AverageWork() time.Duration {
	processed := atomic.LoadInt64(&m.Processed)
	if processed == 0 {
		return 0
	}
	return time.Duration(atomic.LoadInt64(&m.workSum) / processed)
}
