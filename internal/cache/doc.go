/*
Package cache provides the tiered cache engine: an in-memory LRU tier, a
SQLite-backed persistent tier and the orchestrator that presents both as one
logical cache.

# Cache Architecture

	┌─────────────────────────────────────────────┐
	│               Repositories                  │
	│        (internal/querycache helper)         │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│             MultiLevelCache                 │  ← This Package
	│  get: L1 → L2 → promote into L1             │
	│  set: write-through L1 + L2                 │
	└─────────────────────────────────────────────┘
	          │                         │
	┌─────────┴──────────┐   ┌──────────┴─────────┐
	│   MemoryTier (L1)  │   │ PersistentTier (L2)│
	│ • LRU by count     │   │ • SQLite upserts   │
	│ • per-entry TTL    │   │ • s2/zstd codecs   │
	│ • lazy expiry      │   │ • categories       │
	└────────────────────┘   └────────────────────┘

# Expiration

Entries expire lazily: an expired entry is removed when it is next read or
checked, or in bulk by CleanupExpired. No background goroutine is started;
internal/maintenance can schedule sweeps.

# Degraded Mode

If the persistent tier cannot be opened the orchestrator runs memory-only.
Runtime L2 failures are logged, counted in the L2 statistics and reported to
a health.Tracker; repeated failures make the orchestrator bypass L2 until
CheckHealth probes succeed again. The cache never fails a caller because of
an L2 problem: reads become misses and writes still land in L1.

# Usage

	c := cache.NewMultiLevelCache(cache.DefaultMultiLevelConfig(), cache.WithLogger(logger))
	defer c.Close()

	c.Set(ctx, "week:42:summary", payload, 10*time.Minute)
	if v, ok := c.Get(ctx, "week:42:summary"); ok {
		...
	}
*/
package cache
