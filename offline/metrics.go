package offline

import (
	"sync"
	"time"
)

// MetricsCollector provides hooks for collecting engine metrics
type MetricsCollector interface {
	// RecordDrainDuration records how long a queue drain took
	RecordDrainDuration(duration time.Duration)

	// RecordEntryOutcome records the result of one delivery attempt
	RecordEntryOutcome(op Operation, outcome string)

	// RecordConflict records how a server conflict was resolved
	RecordConflict(resolution string)

	// RecordCacheResult records a cache lookup result per request class
	RecordCacheResult(class string, result string)

	// RecordEvictions records the number of cache entries evicted
	RecordEvictions(n int)
}

// NoOpMetricsCollector is a default implementation that does nothing
type NoOpMetricsCollector struct{}

func (*NoOpMetricsCollector) RecordDrainDuration(duration time.Duration)      {}
func (*NoOpMetricsCollector) RecordEntryOutcome(op Operation, outcome string) {}
func (*NoOpMetricsCollector) RecordConflict(resolution string)                {}
func (*NoOpMetricsCollector) RecordCacheResult(class string, result string)   {}
func (*NoOpMetricsCollector) RecordEvictions(n int)                           {}

// CounterMetrics keeps in-memory counters. The agent exposes a snapshot.
type CounterMetrics struct {
	mu        sync.Mutex
	counters  map[string]int64
	drains    int64
	drainTime time.Duration
}

// NewCounterMetrics creates an empty collector.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counters: make(map[string]int64)}
}

func (c *CounterMetrics) add(key string, n int64) {
	c.mu.Lock()
	c.counters[key] += n
	c.mu.Unlock()
}

func (c *CounterMetrics) RecordDrainDuration(d time.Duration) {
	c.mu.Lock()
	c.drains++
	c.drainTime += d
	c.mu.Unlock()
}

func (c *CounterMetrics) RecordEntryOutcome(op Operation, outcome string) {
	c.add("entry."+string(op)+"."+outcome, 1)
}

func (c *CounterMetrics) RecordConflict(resolution string) {
	c.add("conflict."+resolution, 1)
}

func (c *CounterMetrics) RecordCacheResult(class, result string) {
	c.add("cache."+class+"."+result, 1)
}

func (c *CounterMetrics) RecordEvictions(n int) {
	c.add("cache.evicted", int64(n))
}

// Snapshot returns a copy of all counters plus drain totals.
func (c *CounterMetrics) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.counters)+2)
	for k, v := range c.counters {
		out[k] = v
	}
	out["drain.count"] = c.drains
	out["drain.total_ms"] = c.drainTime.Milliseconds()
	return out
}
