package types

import (
	"context"
	"time"
)

// Tier defines the contract shared by every cache tier
type Tier interface {
	// Name returns the tier label used in statistics and logs ("l1", "l2").
	Name() string

	// Key/value operations
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)

	// Bulk operations
	Clear(ctx context.Context) error
	CleanupExpired(ctx context.Context) (int, error)
	InvalidatePattern(ctx context.Context, substring string) (int, error)
	Keys(ctx context.Context) ([]string, error)

	// Introspection
	Size(ctx context.Context) (int, error)
	MemoryUsage(ctx context.Context) (int64, error)
	Stats() TierStats

	Close() error
}

// CategoryTier is implemented by tiers that can group entries by category
type CategoryTier interface {
	Tier
	SetWithCategory(ctx context.Context, key string, value []byte, ttl time.Duration, category string) error
	InvalidateCategory(ctx context.Context, category string) (int, error)
	Categories(ctx context.Context) ([]string, error)
}

// StatsSource provides statistics snapshots to exporters and reporters
type StatsSource interface {
	TierStats() []TierStats
}
