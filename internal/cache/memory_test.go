package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/auditorhelper/tiercache/pkg/errors"
	"github.com/auditorhelper/tiercache/pkg/types"
)

func newTestMemoryTier(maxItems int, defaultTTL time.Duration) (*MemoryTier, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	tier := NewMemoryTier(&MemoryConfig{MaxItems: maxItems, DefaultTTL: defaultTTL}, WithClock(clock))
	return tier, clock
}

func mustGet(t *testing.T, tier types.Tier, key string) ([]byte, bool) {
	t.Helper()
	value, ok, err := tier.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%q) returned error: %v", key, err)
	}
	return value, ok
}

func mustSet(t *testing.T, tier types.Tier, key string, value []byte, ttl time.Duration) {
	t.Helper()
	if err := tier.Set(context.Background(), key, value, ttl); err != nil {
		t.Fatalf("Set(%q) returned error: %v", key, err)
	}
}

// TestNewMemoryTier tests tier creation with various configurations
func TestNewMemoryTier(t *testing.T) {
	tests := []struct {
		name   string
		config *MemoryConfig
		verify func(t *testing.T, tier *MemoryTier)
	}{
		{
			name:   "nil config uses defaults",
			config: nil,
			verify: func(t *testing.T, tier *MemoryTier) {
				if tier.config.MaxItems != 1000 {
					t.Errorf("expected default max items 1000, got %d", tier.config.MaxItems)
				}
				if tier.config.DefaultTTL != time.Hour {
					t.Errorf("expected default TTL 1h, got %v", tier.config.DefaultTTL)
				}
			},
		},
		{
			name:   "zero max items replaced",
			config: &MemoryConfig{MaxItems: 0, DefaultTTL: time.Minute},
			verify: func(t *testing.T, tier *MemoryTier) {
				if tier.config.MaxItems != 1000 {
					t.Errorf("expected max items 1000, got %d", tier.config.MaxItems)
				}
				if tier.config.DefaultTTL != time.Minute {
					t.Errorf("expected TTL 1m, got %v", tier.config.DefaultTTL)
				}
			},
		},
		{
			name:   "custom config applied",
			config: &MemoryConfig{MaxItems: 10},
			verify: func(t *testing.T, tier *MemoryTier) {
				if tier.config.MaxItems != 10 {
					t.Errorf("expected max items 10, got %d", tier.config.MaxItems)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tier := NewMemoryTier(tt.config)
			if tier.items == nil || tier.evictList == nil {
				t.Fatal("tier structures not initialized")
			}
			if tier.Name() != TierL1 {
				t.Errorf("expected name %q, got %q", TierL1, tier.Name())
			}
			tt.verify(t, tier)
		})
	}
}

// TestMemoryTier_RoundTrip tests basic Set and Get operations
func TestMemoryTier_RoundTrip(t *testing.T) {
	tier, _ := newTestMemoryTier(10, 0)

	value := []byte(`[{"id":1,"name":"write report"}]`)
	mustSet(t, tier, "tasks:week:1", value, types.NoExpiration)

	got, ok := mustGet(t, tier, "tasks:week:1")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(got) != string(value) {
		t.Errorf("got %q, want %q", got, value)
	}

	// Stored bytes are isolated from caller mutation.
	value[0] = 'X'
	got[1] = 'X'
	again, _ := mustGet(t, tier, "tasks:week:1")
	if again[0] != '[' || again[1] != '{' {
		t.Errorf("cached value was mutated: %q", again)
	}

	if _, ok := mustGet(t, tier, "missing"); ok {
		t.Error("expected miss for absent key")
	}
}

// TestMemoryTier_Expiry tests per-entry TTL handling with a fake clock
func TestMemoryTier_Expiry(t *testing.T) {
	ctx := context.Background()

	t.Run("expired entry is a miss and is removed", func(t *testing.T) {
		tier, clock := newTestMemoryTier(10, 0)
		mustSet(t, tier, "k", []byte("v"), time.Second)

		clock.Advance(500 * time.Millisecond)
		if _, ok := mustGet(t, tier, "k"); !ok {
			t.Fatal("expected hit before expiry")
		}

		clock.Advance(time.Second)
		if ok, _ := tier.Exists(ctx, "k"); ok {
			t.Error("Exists should be false after expiry")
		}
		if _, ok := mustGet(t, tier, "k"); ok {
			t.Error("expected miss after expiry")
		}
		if n, _ := tier.Size(ctx); n != 0 {
			t.Errorf("expected expired entry removed, size=%d", n)
		}
	})

	t.Run("default TTL sentinel uses configured default", func(t *testing.T) {
		tier, clock := newTestMemoryTier(10, time.Hour)
		mustSet(t, tier, "k", []byte("v"), types.DefaultTTL)

		clock.Advance(59 * time.Minute)
		if _, ok := mustGet(t, tier, "k"); !ok {
			t.Fatal("expected hit before default TTL")
		}
		clock.Advance(2 * time.Minute)
		if _, ok := mustGet(t, tier, "k"); ok {
			t.Error("expected miss after default TTL")
		}
	})

	t.Run("no expiration clears existing expiry", func(t *testing.T) {
		tier, clock := newTestMemoryTier(10, time.Hour)
		mustSet(t, tier, "k", []byte("v1"), time.Second)
		mustSet(t, tier, "k", []byte("v2"), types.NoExpiration)

		clock.Advance(24 * time.Hour)
		got, ok := mustGet(t, tier, "k")
		if !ok || string(got) != "v2" {
			t.Errorf("expected v2 without expiry, got %q ok=%v", got, ok)
		}
	})

	t.Run("cleanup removes only expired entries", func(t *testing.T) {
		tier, clock := newTestMemoryTier(10, 0)
		mustSet(t, tier, "short1", []byte("v"), time.Second)
		mustSet(t, tier, "short2", []byte("v"), time.Second)
		mustSet(t, tier, "long", []byte("v"), time.Hour)
		mustSet(t, tier, "forever", []byte("v"), types.NoExpiration)

		clock.Advance(time.Minute)
		removed, err := tier.CleanupExpired(ctx)
		if err != nil {
			t.Fatalf("CleanupExpired returned error: %v", err)
		}
		if removed != 2 {
			t.Errorf("expected 2 removed, got %d", removed)
		}
		if n, _ := tier.Size(ctx); n != 2 {
			t.Errorf("expected 2 remaining, got %d", n)
		}
	})
}

// TestMemoryTier_LRUEviction tests capacity-bounded eviction order
func TestMemoryTier_LRUEviction(t *testing.T) {
	t.Run("capacity two evicts oldest", func(t *testing.T) {
		tier, _ := newTestMemoryTier(2, 0)
		mustSet(t, tier, "a", []byte("1"), types.NoExpiration)
		mustSet(t, tier, "b", []byte("2"), types.NoExpiration)
		mustSet(t, tier, "c", []byte("3"), types.NoExpiration)

		if _, ok := mustGet(t, tier, "a"); ok {
			t.Error("expected a to be evicted")
		}
		if _, ok := mustGet(t, tier, "b"); !ok {
			t.Error("expected b to hit")
		}
		if _, ok := mustGet(t, tier, "c"); !ok {
			t.Error("expected c to hit")
		}
		if ev := tier.Stats().Evictions; ev != 1 {
			t.Errorf("expected 1 eviction, got %d", ev)
		}
	})

	t.Run("access protects key from eviction", func(t *testing.T) {
		tier, _ := newTestMemoryTier(3, 0)
		for _, k := range []string{"a", "b", "c"} {
			mustSet(t, tier, k, []byte(k), types.NoExpiration)
		}
		mustGet(t, tier, "a")
		mustSet(t, tier, "d", []byte("d"), types.NoExpiration)

		if _, ok := mustGet(t, tier, "b"); ok {
			t.Error("expected b (least recently used) to be evicted")
		}
		for _, k := range []string{"a", "c", "d"} {
			if _, ok := mustGet(t, tier, k); !ok {
				t.Errorf("expected %s to survive", k)
			}
		}
	})

	t.Run("overwrite at capacity does not evict", func(t *testing.T) {
		tier, _ := newTestMemoryTier(2, 0)
		mustSet(t, tier, "a", []byte("1"), types.NoExpiration)
		mustSet(t, tier, "b", []byte("2"), types.NoExpiration)
		mustSet(t, tier, "a", []byte("11"), types.NoExpiration)

		if n, _ := tier.Size(context.Background()); n != 2 {
			t.Errorf("expected size 2, got %d", n)
		}
		if ev := tier.Stats().Evictions; ev != 0 {
			t.Errorf("expected no evictions, got %d", ev)
		}
	})
}

// TestMemoryTier_DeleteAndClear tests explicit removal paths
func TestMemoryTier_DeleteAndClear(t *testing.T) {
	ctx := context.Background()
	tier, _ := newTestMemoryTier(10, 0)
	mustSet(t, tier, "k1", []byte("v"), types.NoExpiration)
	mustSet(t, tier, "k2", []byte("v"), types.NoExpiration)

	if ok, _ := tier.Delete(ctx, "k1"); !ok {
		t.Error("expected Delete to report existing key")
	}
	if ok, _ := tier.Delete(ctx, "k1"); ok {
		t.Error("expected Delete to report missing key")
	}
	if d := tier.Stats().Deletes; d != 1 {
		t.Errorf("expected 1 recorded delete, got %d", d)
	}

	for i := 0; i < 2; i++ {
		if err := tier.Clear(ctx); err != nil {
			t.Fatalf("Clear #%d returned error: %v", i+1, err)
		}
		if n, _ := tier.Size(ctx); n != 0 {
			t.Errorf("expected empty tier after Clear #%d, got %d", i+1, n)
		}
		if usage, _ := tier.MemoryUsage(ctx); usage != 0 {
			t.Errorf("expected zero memory after Clear #%d, got %d", i+1, usage)
		}
	}
}

// TestMemoryTier_MemoryAccounting tests that size estimates stay balanced
func TestMemoryTier_MemoryAccounting(t *testing.T) {
	ctx := context.Background()
	tier, _ := newTestMemoryTier(2, 0)

	mustSet(t, tier, "key", make([]byte, 100), types.NoExpiration)
	usage, _ := tier.MemoryUsage(ctx)
	if want := int64(3 + 100 + entryOverhead); usage != want {
		t.Errorf("expected usage %d, got %d", want, usage)
	}

	mustSet(t, tier, "key", make([]byte, 10), types.NoExpiration)
	usage, _ = tier.MemoryUsage(ctx)
	if want := int64(3 + 10 + entryOverhead); usage != want {
		t.Errorf("expected usage %d after overwrite, got %d", want, usage)
	}

	mustSet(t, tier, "k2", nil, types.NoExpiration)
	mustSet(t, tier, "k3", nil, types.NoExpiration)
	if _, err := tier.Delete(ctx, "k2"); err != nil {
		t.Fatal(err)
	}
	if _, err := tier.Delete(ctx, "k3"); err != nil {
		t.Fatal(err)
	}
	if usage, _ = tier.MemoryUsage(ctx); usage != 0 {
		t.Errorf("expected zero usage after evict and delete, got %d", usage)
	}
	if s := tier.Stats(); s.MemoryUsage != 0 || s.ItemCount != 0 {
		t.Errorf("expected gauges reset, got memory=%d items=%d", s.MemoryUsage, s.ItemCount)
	}
}

// TestMemoryTier_InvalidatePattern tests substring invalidation
func TestMemoryTier_InvalidatePattern(t *testing.T) {
	ctx := context.Background()
	tier, _ := newTestMemoryTier(10, 0)
	for _, k := range []string{"query:week:1", "query:week:2", "QUERY:week:3", "chart:day:1"} {
		mustSet(t, tier, k, []byte("v"), types.NoExpiration)
	}

	removed, err := tier.InvalidatePattern(ctx, "query:")
	if err != nil {
		t.Fatalf("InvalidatePattern returned error: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removed (case-sensitive), got %d", removed)
	}

	keys, _ := tier.Keys(ctx)
	if len(keys) != 2 {
		t.Errorf("expected 2 keys left, got %v", keys)
	}
}

// TestMemoryTier_Categories tests category tagging and invalidation
func TestMemoryTier_Categories(t *testing.T) {
	ctx := context.Background()
	tier, _ := newTestMemoryTier(10, 0)

	if err := tier.SetWithCategory(ctx, "q1", []byte("v"), types.NoExpiration, "query"); err != nil {
		t.Fatal(err)
	}
	if err := tier.SetWithCategory(ctx, "c1", []byte("v"), types.NoExpiration, "chart"); err != nil {
		t.Fatal(err)
	}
	mustSet(t, tier, "plain", []byte("v"), types.NoExpiration)

	categories, _ := tier.Categories(ctx)
	if fmt.Sprint(categories) != "[chart query]" {
		t.Errorf("unexpected categories %v", categories)
	}

	removed, err := tier.InvalidateCategory(ctx, "query")
	if err != nil || removed != 1 {
		t.Errorf("expected 1 removed, got %d err=%v", removed, err)
	}
	if _, ok := mustGet(t, tier, "q1"); ok {
		t.Error("expected q1 invalidated")
	}
}

// TestMemoryTier_Statistics tests hit rate consistency
func TestMemoryTier_Statistics(t *testing.T) {
	tier, _ := newTestMemoryTier(10, 0)
	mustSet(t, tier, "k", []byte("v"), types.NoExpiration)

	for i := 0; i < 3; i++ {
		mustGet(t, tier, "k")
	}
	mustGet(t, tier, "missing")

	s := tier.Stats()
	if s.Hits != 3 || s.Misses != 1 || s.Sets != 1 {
		t.Errorf("unexpected counters %+v", s)
	}
	if s.HitRate != 0.75 {
		t.Errorf("expected hit rate 0.75, got %v", s.HitRate)
	}
	if s.TotalOperations != s.Hits+s.Misses+s.Sets+s.Deletes {
		t.Errorf("total operations %d inconsistent", s.TotalOperations)
	}
	if s.ItemCount != 1 {
		t.Errorf("expected item count 1, got %d", s.ItemCount)
	}
}

// TestMemoryTier_Info tests the debugging view
func TestMemoryTier_Info(t *testing.T) {
	tier, clock := newTestMemoryTier(10, 0)
	mustSet(t, tier, "first", []byte("v"), time.Second)
	mustSet(t, tier, "second", []byte("v"), types.NoExpiration)
	clock.Advance(time.Minute)

	info := tier.Info()
	if info.TotalItems != 2 || info.ItemsWithTTL != 1 || info.ExpiredItems != 1 {
		t.Errorf("unexpected info %+v", info)
	}
	if info.OldestKey != "first" || info.NewestKey != "second" {
		t.Errorf("unexpected key order oldest=%q newest=%q", info.OldestKey, info.NewestKey)
	}
	if info.AverageItemSize <= 0 {
		t.Errorf("expected positive average size, got %v", info.AverageItemSize)
	}
}

// TestMemoryTier_Closed tests that a closed tier rejects operations
func TestMemoryTier_Closed(t *testing.T) {
	ctx := context.Background()
	tier, _ := newTestMemoryTier(10, 0)
	if err := tier.Close(); err != nil {
		t.Fatal(err)
	}

	err := tier.Set(ctx, "k", []byte("v"), types.NoExpiration)
	if !errors.HasCode(err, errors.ErrCodeClosed) {
		t.Errorf("expected closed error, got %v", err)
	}
	if _, _, err := tier.Get(ctx, "k"); !errors.HasCode(err, errors.ErrCodeClosed) {
		t.Errorf("expected closed error, got %v", err)
	}
}

// TestMemoryTier_Concurrent tests concurrent access stays within capacity
func TestMemoryTier_Concurrent(t *testing.T) {
	ctx := context.Background()
	tier := NewMemoryTier(&MemoryConfig{MaxItems: 50})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k-%d-%d", g, i%80)
				_ = tier.Set(ctx, key, []byte(key), types.NoExpiration)
				_, _, _ = tier.Get(ctx, key)
				if i%10 == 0 {
					_, _ = tier.Delete(ctx, key)
				}
			}
		}(g)
	}
	wg.Wait()

	n, _ := tier.Size(ctx)
	if n > 50 {
		t.Errorf("size %d exceeds capacity", n)
	}
	keys, _ := tier.Keys(ctx)
	if len(keys) != n {
		t.Errorf("keys/list mismatch: %d keys, size %d", len(keys), n)
	}
}

// TestMemoryTier_SetIfAbsent tests that only missing or expired keys are written
func TestMemoryTier_SetIfAbsent(t *testing.T) {
	ctx := context.Background()
	tier, clock := newTestMemoryTier(10, time.Hour)

	mustSet(t, tier, "k", []byte("new"), types.NoExpiration)
	stored, err := tier.SetIfAbsent(ctx, "k", []byte("old"), types.DefaultTTL)
	if err != nil || stored {
		t.Errorf("SetIfAbsent on live key = %v, %v; want false, nil", stored, err)
	}
	if value, _ := mustGet(t, tier, "k"); string(value) != "new" {
		t.Errorf("live value overwritten: %q", value)
	}

	mustSet(t, tier, "e", []byte("stale"), time.Second)
	clock.Advance(2 * time.Second)
	if stored, _ := tier.SetIfAbsent(ctx, "e", []byte("fresh"), types.DefaultTTL); !stored {
		t.Error("expected expired key to be replaced")
	}
	if stored, _ := tier.SetIfAbsent(ctx, "m", []byte("v"), types.DefaultTTL); !stored {
		t.Error("expected missing key to be stored")
	}
	if value, ok := mustGet(t, tier, "e"); !ok || string(value) != "fresh" {
		t.Errorf("expected fresh, got %q ok=%v", value, ok)
	}
}
