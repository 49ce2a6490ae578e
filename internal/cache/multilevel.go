package cache

import (
	"context"
	"path"
	"sort"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/auditorhelper/tiercache/internal/stats"
	pkgerrors "github.com/auditorhelper/tiercache/pkg/errors"
	"github.com/auditorhelper/tiercache/pkg/health"
	"github.com/auditorhelper/tiercache/pkg/types"
)

// MultiLevelConfig represents multi-level cache configuration
type MultiLevelConfig struct {
	L1 *MemoryConfig `yaml:"l1"`
	L2 *L2Config     `yaml:"l2"`
}

// L2Config represents L2 (persistent) tier configuration
type L2Config struct {
	Enabled bool `yaml:"enabled"`

	// Timeout bounds each L2 call; an expired call is treated as a miss.
	Timeout time.Duration `yaml:"timeout"`

	PersistentConfig `yaml:",inline"`
}

// backingTier is what the orchestrator needs from its second tier
type backingTier interface {
	types.CategoryTier
	KeysInCategory(ctx context.Context, category string) ([]string, error)
	Ping(ctx context.Context) error
	Vacuum(ctx context.Context) error
	Info(ctx context.Context) (*PersistentInfo, error)
}

// MultiLevelStats is the merged statistics view across tiers
type MultiLevelStats struct {
	Tiers map[string]types.TierStats `json:"tiers"`

	// Logical counts one hit or miss per orchestrator lookup.
	Logical types.TierStats `json:"logical"`

	TotalHits           uint64  `json:"total_hits"`
	TotalMisses         uint64  `json:"total_misses"`
	OverallHitRate      float64 `json:"overall_hit_rate"`
	CombinedMemoryUsage int64   `json:"combined_memory_usage"`
	Promotions          uint64  `json:"promotions"`

	L2Enabled bool   `json:"l2_enabled"`
	L2State   string `json:"l2_state"`

	// L2Stale is set while L2 awaits a wipe and is not read.
	L2Stale bool `json:"l2_stale"`
}

// MultiLevelCache presents L1 and L2 as a single logical cache
type MultiLevelCache struct {
	l1 *MemoryTier
	l2 backingTier

	config     *MultiLevelConfig
	tracker    *health.Tracker
	clock      clockwork.Clock
	logger     *zap.Logger
	stats      *stats.Collector
	promotions atomic.Uint64

	// l2InitErr is set when L2 was enabled but could not be opened.
	l2InitErr error

	l2Disabled atomic.Bool

	// L2 may hold data that L1 no longer agrees with after a skipped or failed
	// invalidation. Reads bypass L2 while staleMarks > wipedMarks.
	staleMarks atomic.Uint64
	wipedMarks atomic.Uint64

	// invalidations counts Delete, Clear and Invalidate* calls so that a Get
	// racing with one does not promote the value it removed.
	invalidations atomic.Uint64
}

// DefaultMultiLevelConfig returns the default two-tier configuration
func DefaultMultiLevelConfig() *MultiLevelConfig {
	return &MultiLevelConfig{
		L1: &MemoryConfig{
			MaxItems:   1000,
			DefaultTTL: time.Hour,
		},
		L2: &L2Config{
			Enabled: true,
			Timeout: 2 * time.Second,
			PersistentConfig: PersistentConfig{
				Path:        "tiercache.db",
				Compression: "auto",
			},
		},
	}
}

// NewMultiLevelCache creates a new multi-level cache. A failure to open L2 is
// logged and the cache runs with L1 only.
func NewMultiLevelCache(config *MultiLevelConfig, opts ...Option) *MultiLevelCache {
	if config == nil {
		config = DefaultMultiLevelConfig()
	}
	if config.L2 == nil {
		config.L2 = &L2Config{}
	}

	o := newOptions(opts)
	l1 := NewMemoryTier(config.L1, opts...)

	var (
		l2      backingTier
		initErr error
	)
	if config.L2.Enabled {
		persistent, err := NewPersistentTier(&config.L2.PersistentConfig, opts...)
		if err != nil {
			o.logger.Warn("persistent tier unavailable, running memory-only",
				zap.String("path", config.L2.Path), zap.Error(err))
			initErr = err
		} else {
			l2 = persistent
		}
	}

	c := newMultiLevelCache(config, l1, l2, o)
	c.l2InitErr = initErr
	return c
}

func newMultiLevelCache(config *MultiLevelConfig, l1 *MemoryTier, l2 backingTier, o *options) *MultiLevelCache {
	if config.L2 == nil {
		config.L2 = &L2Config{}
	}
	if config.L2.Timeout <= 0 {
		config.L2.Timeout = 2 * time.Second
	}

	tracker := o.tracker
	if tracker == nil {
		tracker = health.NewTracker(health.DefaultConfig()).WithClock(o.clock)
	}

	c := &MultiLevelCache{
		l1:      l1,
		l2:      l2,
		config:  config,
		tracker: tracker,
		clock:   o.clock,
		logger:  o.logger,
		stats:   stats.NewCollector(TierMulti, stats.WithClock(o.clock)),
	}

	tracker.RegisterComponent(TierL1)
	if l2 != nil {
		tracker.RegisterComponent(TierL2)
		tracker.OnStateChange(func(component string, oldState, newState health.HealthState, err error) {
			c.logger.Warn("cache tier health changed",
				zap.String("tier", component),
				zap.Stringer("from", oldState),
				zap.Stringer("to", newState),
				zap.Error(err))
		})
	}
	return c
}

// Get looks in L1 then L2. An L2 hit is promoted into L1 with the L1 default
// TTL. Tier failures are logged and reported as misses.
func (c *MultiLevelCache) Get(ctx context.Context, key string) ([]byte, bool) {
	start := time.Now()

	value, ok, err := c.l1.Get(ctx, key)
	if err != nil {
		c.logger.Warn("l1 get failed", zap.String("key", key), zap.Error(err))
	}
	if ok {
		c.stats.RecordHit(time.Since(start))
		return value, true
	}

	if c.l2Readable() {
		epoch := c.invalidations.Load()
		l2ctx, cancel := c.l2Context(ctx)
		value, ok, err = c.l2.Get(l2ctx, key)
		cancel()
		if err != nil {
			c.l2Failed("get", key, err)
		} else {
			c.tracker.RecordSuccess(TierL2)
			if ok {
				c.promote(ctx, key, value, epoch)
				c.stats.RecordHit(time.Since(start))
				return value, true
			}
		}
	}

	c.stats.RecordMiss(time.Since(start))
	return nil, false
}

// Set writes through to both tiers and reports whether the L1 write succeeded.
// A failed L2 write is logged and not rolled back from L1; the old L2 copy of
// key is dropped instead so that it cannot be promoted later.
func (c *MultiLevelCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	return c.SetWithCategory(ctx, key, value, ttl, "")
}

// SetWithCategory is Set with a category recorded in both tiers
func (c *MultiLevelCache) SetWithCategory(ctx context.Context, key string, value []byte, ttl time.Duration, category string) bool {
	start := time.Now()

	l1Err := c.l1.SetWithCategory(ctx, key, value, ttl, category)
	if l1Err != nil {
		c.stats.RecordError()
		c.logger.Warn("l1 set failed", zap.String("key", key), zap.Error(l1Err))
	}

	if c.l2Writable() {
		l2ctx, cancel := c.l2Context(ctx)
		err := c.l2.SetWithCategory(l2ctx, key, value, ttl, category)
		cancel()
		if err != nil {
			c.l2Failed("set", key, err)
			c.dropFromL2(ctx, key)
		} else {
			c.tracker.RecordSuccess(TierL2)
		}
	} else if c.l2Invalidatable() {
		c.dropFromL2(ctx, key)
	}

	if l1Err != nil {
		return false
	}
	c.stats.RecordSet(time.Since(start))
	return true
}

// Delete removes key from both tiers and reports whether either held it.
// L2 is always asked, whatever its health or enabled state.
func (c *MultiLevelCache) Delete(ctx context.Context, key string) bool {
	start := time.Now()
	c.invalidations.Add(1)

	removed, err := c.l1.Delete(ctx, key)
	if err != nil {
		c.logger.Warn("l1 delete failed", zap.String("key", key), zap.Error(err))
	}

	if c.l2Invalidatable() {
		l2ctx, cancel := c.l2Context(ctx)
		ok, err := c.l2.Delete(l2ctx, key)
		cancel()
		if err != nil {
			c.l2Failed("delete", key, err)
			c.markL2Stale("delete")
		} else {
			c.l2Succeeded()
			removed = removed || ok
		}
	}

	if removed {
		c.stats.RecordDelete(time.Since(start))
	}
	return removed
}

// Exists reports whether a live entry exists in either tier. It does not promote.
func (c *MultiLevelCache) Exists(ctx context.Context, key string) bool {
	if ok, err := c.l1.Exists(ctx, key); err == nil && ok {
		return true
	}
	if !c.l2Readable() {
		return false
	}

	l2ctx, cancel := c.l2Context(ctx)
	defer cancel()
	ok, err := c.l2.Exists(l2ctx, key)
	if err != nil {
		c.l2Failed("exists", key, err)
		return false
	}
	c.tracker.RecordSuccess(TierL2)
	return ok
}

// Clear wipes both tiers. It reports whether L1 was cleared; calling it on an
// empty cache succeeds. If L2 cannot be wiped it is not read again until a
// later Clear or CheckHealth wipes it.
func (c *MultiLevelCache) Clear(ctx context.Context) bool {
	c.invalidations.Add(1)
	l1Err := c.l1.Clear(ctx)
	if l1Err != nil {
		c.logger.Warn("l1 clear failed", zap.Error(l1Err))
	}

	if c.l2 != nil {
		// Marked first so a failure leaves L2 fenced off.
		c.staleMarks.Add(1)
		_ = c.wipeL2(ctx)
	}

	c.logger.Debug("cache cleared")
	return l1Err == nil
}

// InvalidatePattern removes keys containing substring from both tiers and
// returns the number of entries removed across tiers.
func (c *MultiLevelCache) InvalidatePattern(ctx context.Context, substring string) int {
	c.invalidations.Add(1)
	removed, err := c.l1.InvalidatePattern(ctx, substring)
	if err != nil {
		c.logger.Warn("l1 invalidate failed", zap.String("pattern", substring), zap.Error(err))
	}

	if c.l2Invalidatable() {
		l2ctx, cancel := c.l2Context(ctx)
		n, err := c.l2.InvalidatePattern(l2ctx, substring)
		cancel()
		if err != nil {
			c.l2Failed("invalidate", substring, err)
			c.markL2Stale("invalidate_pattern")
		} else {
			c.l2Succeeded()
			removed += n
		}
	}
	return removed
}

// InvalidateCategory removes every entry of a category and returns the number
// removed across tiers. L1 copies promoted from L2 carry no category, so they
// are dropped by key first.
func (c *MultiLevelCache) InvalidateCategory(ctx context.Context, category string) int {
	removed := 0
	c.invalidations.Add(1)

	if c.l2Invalidatable() {
		l2ctx, cancel := c.l2Context(ctx)
		keys, err := c.l2.KeysInCategory(l2ctx, category)
		if err == nil {
			var n int
			n, err = c.l2.InvalidateCategory(l2ctx, category)
			removed += n
		}
		cancel()
		if err != nil {
			c.l2Failed("invalidate_category", category, err)
			c.markL2Stale("invalidate_category")
		} else {
			c.l2Succeeded()
		}
		for _, key := range keys {
			ok, err := c.l1.Delete(ctx, key)
			if err != nil {
				c.logger.Warn("l1 delete failed", zap.String("key", key), zap.Error(err))
			} else if ok {
				removed++
			}
		}
	}

	n, err := c.l1.InvalidateCategory(ctx, category)
	if err != nil {
		c.logger.Warn("l1 invalidate category failed", zap.String("category", category), zap.Error(err))
	}
	return removed + n
}

// CleanupExpired sweeps both tiers and returns the total removed
func (c *MultiLevelCache) CleanupExpired(ctx context.Context) int {
	removed, err := c.l1.CleanupExpired(ctx)
	if err != nil {
		c.logger.Warn("l1 cleanup failed", zap.Error(err))
	}

	// Expired rows are never served, so a failed sweep leaves nothing stale.
	if c.l2 != nil {
		l2ctx, cancel := c.l2Context(ctx)
		n, err := c.l2.CleanupExpired(l2ctx)
		cancel()
		if err != nil {
			c.l2Failed("cleanup", "", err)
		} else {
			c.l2Succeeded()
			removed += n
		}
	}

	if removed > 0 {
		c.logger.Info("expired entries removed", zap.Int("count", removed))
	}
	return removed
}

// Keys returns the de-duplicated union of keys in both tiers, sorted
func (c *MultiLevelCache) Keys(ctx context.Context) []string {
	set := make(map[string]struct{})
	if keys, err := c.l1.Keys(ctx); err == nil {
		for _, k := range keys {
			set[k] = struct{}{}
		}
	}

	if c.l2Readable() {
		l2ctx, cancel := c.l2Context(ctx)
		keys, err := c.l2.Keys(l2ctx)
		cancel()
		if err != nil {
			c.l2Failed("keys", "", err)
		} else {
			c.tracker.RecordSuccess(TierL2)
			for _, k := range keys {
				set[k] = struct{}{}
			}
		}
	}

	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// KeysMatching returns the keys matching a glob such as "report:*". Patterns
// use path.Match syntax, so '*' does not match '/'.
func (c *MultiLevelCache) KeysMatching(ctx context.Context, pattern string) ([]string, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrCodeInvalidConfig, "invalid key pattern "+pattern)
	}
	var matched []string
	for _, key := range c.Keys(ctx) {
		if ok, _ := path.Match(pattern, key); ok {
			matched = append(matched, key)
		}
	}
	return matched, nil
}

// Categories returns the union of categories known to both tiers
func (c *MultiLevelCache) Categories(ctx context.Context) []string {
	set := make(map[string]struct{})
	if categories, err := c.l1.Categories(ctx); err == nil {
		for _, cat := range categories {
			set[cat] = struct{}{}
		}
	}
	if c.l2Readable() {
		l2ctx, cancel := c.l2Context(ctx)
		categories, err := c.l2.Categories(l2ctx)
		cancel()
		if err != nil {
			c.l2Failed("categories", "", err)
		} else {
			for _, cat := range categories {
				set[cat] = struct{}{}
			}
		}
	}

	categories := make([]string, 0, len(set))
	for cat := range set {
		categories = append(categories, cat)
	}
	sort.Strings(categories)
	return categories
}

// Stats returns the merged statistics view. Tier counters are not modified.
func (c *MultiLevelCache) Stats() MultiLevelStats {
	s := MultiLevelStats{
		Tiers:      make(map[string]types.TierStats, 2),
		Logical:    c.stats.Snapshot(),
		Promotions: c.promotions.Load(),
		L2Enabled:  c.l2 != nil,
		L2State:    "disabled",
		L2Stale:    c.l2Stale(),
	}

	for _, ts := range c.TierStats() {
		if ts.Tier == TierMulti {
			continue
		}
		s.Tiers[ts.Tier] = ts
		s.TotalHits += ts.Hits
		s.TotalMisses += ts.Misses
		s.CombinedMemoryUsage += ts.MemoryUsage
	}
	if reads := s.TotalHits + s.TotalMisses; reads > 0 {
		s.OverallHitRate = float64(s.TotalHits) / float64(reads)
	}
	switch {
	case c.l2 != nil && c.l2Disabled.Load():
		s.L2State = "disabled"
	case c.l2 != nil:
		s.L2State = c.tracker.GetState(TierL2).String()
	case c.l2InitErr != nil:
		s.L2State = health.StateUnavailable.String()
	}
	return s
}

// TierStats returns per-tier snapshots followed by the orchestrator's own
func (c *MultiLevelCache) TierStats() []types.TierStats {
	out := []types.TierStats{c.l1.Stats()}
	if c.l2 != nil {
		out = append(out, c.l2.Stats())
	}
	return append(out, c.stats.Snapshot())
}

// Report renders a human-readable performance report
func (c *MultiLevelCache) Report() string {
	return stats.Report(c.TierStats()...)
}

// Promotions returns the number of L2 hits copied into L1
func (c *MultiLevelCache) Promotions() uint64 {
	return c.promotions.Load()
}

// CheckHealth probes L2 and feeds the result to the health tracker. Probes
// run even while L2 is bypassed so that it can recover. A stale L2 is wiped
// once the probe succeeds.
func (c *MultiLevelCache) CheckHealth(ctx context.Context) error {
	if c.l2 == nil {
		return nil
	}
	l2ctx, cancel := c.l2Context(ctx)
	err := c.l2.Ping(l2ctx)
	cancel()
	if err != nil {
		c.tracker.RecordError(TierL2, err)
		return err
	}
	c.tracker.RecordSuccess(TierL2)

	if c.l2Stale() {
		return c.wipeL2(ctx)
	}
	return nil
}

// EnableLevel re-enables a disabled tier. Only L2 can be toggled.
func (c *MultiLevelCache) EnableLevel(name string) error {
	return c.setLevelEnabled(name, true)
}

// DisableLevel stops the orchestrator from reading or writing a tier without
// closing it. Deletes and clears still reach a disabled L2. Only L2 can be
// toggled.
func (c *MultiLevelCache) DisableLevel(name string) error {
	return c.setLevelEnabled(name, false)
}

func (c *MultiLevelCache) setLevelEnabled(name string, enabled bool) error {
	if name != TierL2 || c.l2 == nil {
		return pkgerrors.NewError(pkgerrors.ErrCodeInvalidConfig, "cache level "+name+" cannot be toggled").WithTier(name)
	}
	c.l2Disabled.Store(!enabled)
	c.logger.Info("cache level toggled", zap.String("tier", name), zap.Bool("enabled", enabled))
	return nil
}

// L2InitError returns the error that kept L2 from opening, if any
func (c *MultiLevelCache) L2InitError() error {
	return c.l2InitErr
}

// HealthTracker returns the tracker used for tier health
func (c *MultiLevelCache) HealthTracker() *health.Tracker {
	return c.tracker
}

// Memory returns the L1 tier
func (c *MultiLevelCache) Memory() *MemoryTier {
	return c.l1
}

// Vacuum compacts the L2 database
func (c *MultiLevelCache) Vacuum(ctx context.Context) error {
	if c.l2 == nil {
		return pkgerrors.NewError(pkgerrors.ErrCodeTierUnavailable, "persistent tier is not enabled").WithTier(TierL2)
	}
	return c.l2.Vacuum(ctx)
}

// PersistentInfo returns the L2 category breakdown
func (c *MultiLevelCache) PersistentInfo(ctx context.Context) (*PersistentInfo, error) {
	if c.l2 == nil {
		return nil, pkgerrors.NewError(pkgerrors.ErrCodeTierUnavailable, "persistent tier is not enabled").WithTier(TierL2)
	}
	return c.l2.Info(ctx)
}

// Close closes both tiers
func (c *MultiLevelCache) Close() error {
	err := c.l1.Close()
	if c.l2 != nil {
		if l2Err := c.l2.Close(); l2Err != nil {
			err = l2Err
		}
	}
	return err
}

// Helper methods

// promote copies an L2 hit into L1 unless L1 gained the key or an
// invalidation ran since epoch was read.
func (c *MultiLevelCache) promote(ctx context.Context, key string, value []byte, epoch uint64) {
	if c.invalidations.Load() != epoch {
		return
	}
	stored, err := c.l1.SetIfAbsent(ctx, key, value, types.DefaultTTL)
	if err != nil {
		c.logger.Warn("promotion to l1 failed", zap.String("key", key), zap.Error(err))
		return
	}
	if stored {
		c.promotions.Add(1)
	}
}

func (c *MultiLevelCache) l2Readable() bool {
	return c.l2 != nil && !c.l2Disabled.Load() && !c.l2Stale() && c.tracker.CanRead(TierL2)
}

func (c *MultiLevelCache) l2Writable() bool {
	return c.l2 != nil && !c.l2Disabled.Load() && !c.l2Stale() && c.tracker.CanWrite(TierL2)
}

// l2Invalidatable ignores health and the enabled flag. A stale L2 is skipped
// because it will be wiped before it is read again.
func (c *MultiLevelCache) l2Invalidatable() bool {
	return c.l2 != nil && !c.l2Stale()
}

func (c *MultiLevelCache) l2Stale() bool {
	return c.staleMarks.Load() > c.wipedMarks.Load()
}

func (c *MultiLevelCache) markL2Stale(op string) {
	if !c.l2Stale() {
		c.logger.Warn("l2 may hold invalidated entries, bypassing it until wiped",
			zap.String("operation", op))
	}
	c.staleMarks.Add(1)
}

// wipeL2 clears L2 and lifts the stale fence for every mark made before it
// started.
func (c *MultiLevelCache) wipeL2(ctx context.Context) error {
	marks := c.staleMarks.Load()
	l2ctx, cancel := c.l2Context(ctx)
	err := c.l2.Clear(l2ctx)
	cancel()
	if err != nil {
		c.l2Failed("clear", "", err)
		return err
	}
	c.l2Succeeded()
	for {
		wiped := c.wipedMarks.Load()
		if marks <= wiped || c.wipedMarks.CompareAndSwap(wiped, marks) {
			break
		}
	}
	return nil
}

// dropFromL2 removes the L2 copy of a key that L1 has just overwritten
func (c *MultiLevelCache) dropFromL2(ctx context.Context, key string) {
	l2ctx, cancel := c.l2Context(ctx)
	_, err := c.l2.Delete(l2ctx, key)
	cancel()
	if err != nil {
		c.l2Failed("delete", key, err)
		c.markL2Stale("set")
	}
}

// l2Succeeded records a success unless L2 is unavailable, which only a
// CheckHealth probe may lift.
func (c *MultiLevelCache) l2Succeeded() {
	if c.tracker.CanRead(TierL2) {
		c.tracker.RecordSuccess(TierL2)
	}
}

func (c *MultiLevelCache) l2Context(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.config.L2.Timeout)
}

func (c *MultiLevelCache) l2Failed(op, key string, err error) {
	c.tracker.RecordError(TierL2, err)
	c.logger.Warn("l2 operation failed, continuing without it",
		zap.String("operation", op),
		zap.String("key", key),
		zap.Bool("timeout", pkgerrors.HasCode(err, pkgerrors.ErrCodeOperationTimeout)),
		zap.Error(err))
}
