package types

import (
	"time"
)

const (
	// NoExpiration stores an entry without an expiry.
	NoExpiration time.Duration = 0

	// DefaultTTL asks the tier to apply its configured default TTL.
	DefaultTTL time.Duration = -1
)

// TierStats represents cache tier performance statistics
type TierStats struct {
	Tier string `json:"tier"`

	Hits            uint64 `json:"hits"`
	Misses          uint64 `json:"misses"`
	Sets            uint64 `json:"sets"`
	Deletes         uint64 `json:"deletes"`
	Errors          uint64 `json:"errors"`
	Evictions       uint64 `json:"evictions"`
	TotalOperations uint64 `json:"total_operations"`

	// HitRate is a fraction in [0,1]; HitRatePercent is the same value scaled to 100.
	HitRate        float64 `json:"hit_rate"`
	HitRatePercent float64 `json:"hit_rate_percent"`

	AverageResponseTime time.Duration `json:"average_response_time"`
	P95ResponseTime     time.Duration `json:"p95_response_time"`

	MemoryUsage int64 `json:"memory_usage_bytes"`
	ItemCount   int64 `json:"item_count"`

	EfficiencyScore float64 `json:"efficiency_score"`
	Grade           string  `json:"grade"`

	CreatedAt           time.Time     `json:"created_at"`
	Uptime              time.Duration `json:"uptime"`
	OperationsPerSecond float64       `json:"operations_per_second"`
}

// Reads returns the number of lookups (hits plus misses).
func (s TierStats) Reads() uint64 {
	return s.Hits + s.Misses
}

// EntryInfo describes a single stored entry without its value
type EntryInfo struct {
	Key         string     `json:"key"`
	Category    string     `json:"category,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	AccessCount int64      `json:"access_count"`
	SizeBytes   int64      `json:"size_bytes"`
	Compressed  bool       `json:"compressed"`
}

// Expired reports whether the entry is past its expiry at now.
func (e EntryInfo) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}
