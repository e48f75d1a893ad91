package cache

import (
	"sync/atomic"
)

// Stats holds cache statistics.
type Stats struct {
	Hits          uint64
	Misses        uint64
	Evictions     uint64
	Invalidations uint64
	Size          int
}

// HitRate returns the fraction of lookups served from cache.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// StatsCollector collects cache statistics.
type StatsCollector struct {
	hits          atomic.Uint64
	misses        atomic.Uint64
	evictions     atomic.Uint64
	invalidations atomic.Uint64
	size          atomic.Int64
}

// NewStatsCollector creates a new statistics collector.
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{}
}

// RecordHit records a cache hit.
func (c *StatsCollector) RecordHit() {
	c.hits.Add(1)
}

// RecordMiss records a cache miss.
func (c *StatsCollector) RecordMiss() {
	c.misses.Add(1)
}

// RecordEviction records a capacity eviction.
func (c *StatsCollector) RecordEviction() {
	c.evictions.Add(1)
}

// RecordInvalidation records entries removed by a write invalidation.
func (c *StatsCollector) RecordInvalidation(count int) {
	c.invalidations.Add(uint64(count))
}

// UpdateSize records the current entry count.
func (c *StatsCollector) UpdateSize(size int) {
	c.size.Store(int64(size))
}

// Snapshot returns the current statistics.
func (c *StatsCollector) Snapshot() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Evictions:     c.evictions.Load(),
		Invalidations: c.invalidations.Load(),
		Size:          int(c.size.Load()),
	}
}
