// Package stats records per-tier cache statistics and derives hit rates,
// response-time percentiles and an efficiency grade from them.
package stats

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/auditorhelper/tiercache/pkg/types"
)

// DefaultWindowSize is the number of recent response-time samples kept.
const DefaultWindowSize = 1000

// Collector accumulates counters and response times for one tier
type Collector struct {
	mu    sync.Mutex
	tier  string
	clock clockwork.Clock

	hits      uint64
	misses    uint64
	sets      uint64
	deletes   uint64
	errors    uint64
	evictions uint64

	totalResponse time.Duration
	window        []time.Duration
	next          int
	windowSize    int

	memoryUsage int64
	itemCount   int64
	createdAt   time.Time
}

// Option configures a Collector
type Option func(*Collector)

// WithClock sets the clock used for uptime and throughput.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Collector) {
		c.clock = clock
	}
}

// WithWindowSize overrides the response-time window length.
func WithWindowSize(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.windowSize = n
		}
	}
}

// NewCollector creates a collector labelled with the tier name
func NewCollector(tier string, opts ...Option) *Collector {
	c := &Collector{
		tier:       tier,
		clock:      clockwork.NewRealClock(),
		windowSize: DefaultWindowSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.window = make([]time.Duration, 0, c.windowSize)
	c.createdAt = c.clock.Now()
	return c
}

// RecordHit records a successful lookup.
func (c *Collector) RecordHit(d time.Duration) {
	c.mu.Lock()
	c.hits++
	c.observe(d)
	c.mu.Unlock()
}

// RecordMiss records a lookup that found nothing.
func (c *Collector) RecordMiss(d time.Duration) {
	c.mu.Lock()
	c.misses++
	c.observe(d)
	c.mu.Unlock()
}

// RecordSet records a write.
func (c *Collector) RecordSet(d time.Duration) {
	c.mu.Lock()
	c.sets++
	c.observe(d)
	c.mu.Unlock()
}

// RecordDelete records a removal.
func (c *Collector) RecordDelete(d time.Duration) {
	c.mu.Lock()
	c.deletes++
	c.observe(d)
	c.mu.Unlock()
}

// RecordError counts a failed operation. Errors do not add to TotalOperations.
func (c *Collector) RecordError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// RecordEviction counts a capacity eviction.
func (c *Collector) RecordEviction() {
	c.mu.Lock()
	c.evictions++
	c.mu.Unlock()
}

// UpdateMemoryUsage sets the tier's current memory or disk footprint.
func (c *Collector) UpdateMemoryUsage(bytes int64) {
	c.mu.Lock()
	c.memoryUsage = bytes
	c.mu.Unlock()
}

// UpdateItemCount sets the tier's current entry count.
func (c *Collector) UpdateItemCount(n int64) {
	c.mu.Lock()
	c.itemCount = n
	c.mu.Unlock()
}

// observe appends a sample to the ring. Caller holds c.mu.
func (c *Collector) observe(d time.Duration) {
	if d < 0 {
		d = 0
	}
	c.totalResponse += d
	if len(c.window) < c.windowSize {
		c.window = append(c.window, d)
		return
	}
	c.window[c.next] = d
	c.next = (c.next + 1) % c.windowSize
}

// Snapshot returns a consistent copy of the current statistics.
func (c *Collector) Snapshot() types.TierStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := types.TierStats{
		Tier:        c.tier,
		Hits:        c.hits,
		Misses:      c.misses,
		Sets:        c.sets,
		Deletes:     c.deletes,
		Errors:      c.errors,
		Evictions:   c.evictions,
		MemoryUsage: c.memoryUsage,
		ItemCount:   c.itemCount,
		CreatedAt:   c.createdAt,
	}
	s.TotalOperations = s.Hits + s.Misses + s.Sets + s.Deletes

	if reads := s.Hits + s.Misses; reads > 0 {
		s.HitRate = float64(s.Hits) / float64(reads)
		s.HitRatePercent = s.HitRate * 100
	}
	if s.TotalOperations > 0 {
		s.AverageResponseTime = c.totalResponse / time.Duration(s.TotalOperations)
	}
	s.P95ResponseTime = c.p95()

	s.Uptime = c.clock.Since(c.createdAt)
	if secs := s.Uptime.Seconds(); secs > 0 {
		s.OperationsPerSecond = float64(s.TotalOperations) / secs
	}

	s.EfficiencyScore = Efficiency(s)
	s.Grade = Grade(s.EfficiencyScore)
	return s
}

// p95 returns the 95th percentile of the window. Caller holds c.mu.
func (c *Collector) p95() time.Duration {
	if len(c.window) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(c.window))
	copy(sorted, c.window)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Reset zeroes every counter and restarts the uptime clock.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hits, c.misses, c.sets, c.deletes, c.errors, c.evictions = 0, 0, 0, 0, 0, 0
	c.totalResponse = 0
	c.window = c.window[:0]
	c.next = 0
	c.createdAt = c.clock.Now()
}

// Grade returns the letter grade for the collector's current efficiency.
func (c *Collector) Grade() string {
	return c.Snapshot().Grade
}

// Efficiency computes a 0..100 heuristic score weighting hit rate at 70% and
// response time at 30%. It is used for reporting only.
func Efficiency(s types.TierStats) float64 {
	if s.TotalOperations == 0 {
		return 0
	}
	avgMs := float64(s.AverageResponseTime) / float64(time.Millisecond)
	score := 0.7*s.HitRatePercent + 0.3*math.Max(0, 100-avgMs)
	return math.Max(0, math.Min(100, score))
}

// Grade maps an efficiency score to a letter.
func Grade(score float64) string {
	switch {
	case score >= 90:
		return "A+"
	case score >= 80:
		return "A"
	case score >= 70:
		return "B"
	case score >= 60:
		return "C"
	case score >= 50:
		return "D"
	default:
		return "F"
	}
}

// Report renders a human-readable summary of one or more tier snapshots.
func Report(snapshots ...types.TierStats) string {
	var b strings.Builder
	b.WriteString("CACHE PERFORMANCE REPORT\n")
	b.WriteString(strings.Repeat("=", 48) + "\n")
	for _, s := range snapshots {
		fmt.Fprintf(&b, "\n[%s] grade %s (efficiency %.1f)\n", strings.ToUpper(s.Tier), s.Grade, s.EfficiencyScore)
		fmt.Fprintf(&b, "  hit rate:        %.2f%% (%d hits, %d misses)\n", s.HitRatePercent, s.Hits, s.Misses)
		fmt.Fprintf(&b, "  operations:      %d (%d sets, %d deletes, %d errors)\n", s.TotalOperations, s.Sets, s.Deletes, s.Errors)
		fmt.Fprintf(&b, "  response time:   avg %s, p95 %s\n", s.AverageResponseTime, s.P95ResponseTime)
		fmt.Fprintf(&b, "  items:           %d (%d evictions)\n", s.ItemCount, s.Evictions)
		fmt.Fprintf(&b, "  memory:          %.2f MB\n", float64(s.MemoryUsage)/(1024*1024))
		fmt.Fprintf(&b, "  throughput:      %.1f ops/s over %s\n", s.OperationsPerSecond, s.Uptime.Truncate(time.Second))
	}
	return b.String()
}
