// Package metrics collects counters about a patch run: downloads, extractions, cache hits and
// per-dependency outcomes.
package metrics

import (
	"sync"
	"time"
)

// Metrics collects run metrics for reporting and tests.
type Metrics interface {
	// RecordDownload records an archive or version-list fetch.
	RecordDownload(module string, duration time.Duration, success bool)
	// RecordExtraction records a pristine tree being unpacked into the cache.
	RecordExtraction(module string, duration time.Duration, success bool)
	// RecordCacheHit records a pristine tree served from the cache.
	RecordCacheHit(module string)
	// RecordDependency records the final status of one dependency pipeline.
	RecordDependency(name string, duration time.Duration, status string)
	// RecordHunks records hunks applied to a working copy.
	RecordHunks(applied int)
	// Snapshot returns the current metrics snapshot.
	Snapshot() Snapshot
	// Reset clears all metrics.
	Reset()
}

// Snapshot contains a point-in-time view of collected metrics.
type Snapshot struct {
	Downloads    TimedMetrics
	Extractions  TimedMetrics
	CacheHits    int64
	Dependencies map[string]int64 // status -> count
	HunksApplied int64
	// ExtractionsByModule counts successful extractions per module path.
	ExtractionsByModule map[string]int64
}

// TimedMetrics tracks count and duration statistics for one kind of operation.
type TimedMetrics struct {
	Total     int64
	Success   int64
	Failed    int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
}

func (t *TimedMetrics) record(duration time.Duration, success bool) {
	t.Total++
	if success {
		t.Success++
	} else {
		t.Failed++
	}
	t.TotalTime += duration
	if t.Total == 1 || duration < t.MinTime {
		t.MinTime = duration
	}
	if duration > t.MaxTime {
		t.MaxTime = duration
	}
}

// NoOp is a metrics collector that discards all metrics.
type NoOp struct{}

func (NoOp) RecordDownload(_ string, _ time.Duration, _ bool)     {}
func (NoOp) RecordExtraction(_ string, _ time.Duration, _ bool)   {}
func (NoOp) RecordCacheHit(_ string)                              {}
func (NoOp) RecordDependency(_ string, _ time.Duration, _ string) {}
func (NoOp) RecordHunks(_ int)                                    {}
func (NoOp) Snapshot() Snapshot                                   { return Snapshot{} }
func (NoOp) Reset()                                               {}

// InMemory is a thread-safe in-memory metrics collector.
type InMemory struct {
	mu           sync.RWMutex
	downloads    TimedMetrics
	extractions  TimedMetrics
	cacheHits    int64
	dependencies map[string]int64
	hunksApplied int64
	byModule     map[string]int64
}

// NewInMemory creates a new in-memory metrics collector.
func NewInMemory() *InMemory {
	return &InMemory{
		dependencies: make(map[string]int64),
		byModule:     make(map[string]int64),
	}
}

func (m *InMemory) RecordDownload(_ string, duration time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloads.record(duration, success)
}

func (m *InMemory) RecordExtraction(module string, duration time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extractions.record(duration, success)
	if success {
		m.byModule[module]++
	}
}

func (m *InMemory) RecordCacheHit(_ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheHits++
}

func (m *InMemory) RecordDependency(_ string, _ time.Duration, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dependencies[status]++
}

func (m *InMemory) RecordHunks(applied int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hunksApplied += int64(applied)
}

func (m *InMemory) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	deps := make(map[string]int64, len(m.dependencies))
	for k, v := range m.dependencies {
		deps[k] = v
	}
	byModule := make(map[string]int64, len(m.byModule))
	for k, v := range m.byModule {
		byModule[k] = v
	}
	return Snapshot{
		Downloads:           m.downloads,
		Extractions:         m.extractions,
		CacheHits:           m.cacheHits,
		Dependencies:        deps,
		HunksApplied:        m.hunksApplied,
		ExtractionsByModule: byModule,
	}
}

func (m *InMemory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloads = TimedMetrics{}
	m.extractions = TimedMetrics{}
	m.cacheHits = 0
	m.dependencies = make(map[string]int64)
	m.hunksApplied = 0
	m.byModule = make(map[string]int64)
}

// OrNoOp returns m, or a NoOp collector when m is nil.
func OrNoOp(m Metrics) Metrics {
	if m == nil {
		return NoOp{}
	}
	return m
}
