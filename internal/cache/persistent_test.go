package cache

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mattn/go-sqlite3"

	"github.com/auditorhelper/tiercache/internal/compression"
	"github.com/auditorhelper/tiercache/pkg/errors"
	"github.com/auditorhelper/tiercache/pkg/types"
)

func newTestPersistentTier(t *testing.T, config *PersistentConfig) (*PersistentTier, *clockwork.FakeClock) {
	t.Helper()
	if config == nil {
		config = &PersistentConfig{}
	}
	if config.Path == "" {
		config.Path = filepath.Join(t.TempDir(), "cache", "l2.db")
	}
	clock := clockwork.NewFakeClock()
	tier, err := NewPersistentTier(config, WithClock(clock))
	if err != nil {
		t.Fatalf("NewPersistentTier failed: %v", err)
	}
	t.Cleanup(func() { tier.Close() })
	return tier, clock
}

// TestNewPersistentTier tests tier creation and default handling
func TestNewPersistentTier(t *testing.T) {
	tests := []struct {
		name    string
		config  func(dir string) *PersistentConfig
		wantErr errors.ErrorCode
		verify  func(t *testing.T, tier *PersistentTier)
	}{
		{
			name: "defaults applied",
			config: func(dir string) *PersistentConfig {
				return &PersistentConfig{Path: filepath.Join(dir, "nested", "dir", "l2.db")}
			},
			verify: func(t *testing.T, tier *PersistentTier) {
				if tier.config.Compression != compression.Auto {
					t.Errorf("expected auto compression, got %q", tier.config.Compression)
				}
				if tier.compressor.Codec() != compression.S2 {
					t.Errorf("expected auto to resolve to s2, got %q", tier.compressor.Codec())
				}
				if tier.config.MinCompressSize != compression.DefaultMinSize {
					t.Errorf("expected min size %d, got %d", compression.DefaultMinSize, tier.config.MinCompressSize)
				}
				if _, err := os.Stat(tier.config.Path); err != nil {
					t.Errorf("database file not created: %v", err)
				}
			},
		},
		{
			name: "unknown codec rejected",
			config: func(dir string) *PersistentConfig {
				return &PersistentConfig{Path: filepath.Join(dir, "l2.db"), Compression: "lz4"}
			},
			wantErr: errors.ErrCodeInvalidConfig,
		},
		{
			name: "unwritable path rejected",
			config: func(dir string) *PersistentConfig {
				blocker := filepath.Join(dir, "blocker")
				if err := os.WriteFile(blocker, []byte("x"), 0600); err != nil {
					panic(err)
				}
				return &PersistentConfig{Path: filepath.Join(blocker, "sub", "l2.db")}
			},
			wantErr: errors.ErrCodeStorageOpen,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tier, err := NewPersistentTier(tt.config(t.TempDir()))
			if tt.wantErr != "" {
				if !errors.HasCode(err, tt.wantErr) {
					t.Fatalf("expected %s, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer tier.Close()
			if tier.Name() != TierL2 {
				t.Errorf("expected name %q, got %q", TierL2, tier.Name())
			}
			tt.verify(t, tier)
		})
	}
}

// TestPersistentTier_RoundTrip tests basic Set and Get operations
func TestPersistentTier_RoundTrip(t *testing.T) {
	ctx := context.Background()
	tier, _ := newTestPersistentTier(t, nil)

	mustSet(t, tier, "k", []byte("value"), types.NoExpiration)
	got, ok := mustGet(t, tier, "k")
	if !ok || string(got) != "value" {
		t.Fatalf("expected value, got %q ok=%v", got, ok)
	}

	mustSet(t, tier, "k", []byte("replaced"), types.NoExpiration)
	got, _ = mustGet(t, tier, "k")
	if string(got) != "replaced" {
		t.Errorf("expected upsert to replace value, got %q", got)
	}
	if n, _ := tier.Size(ctx); n != 1 {
		t.Errorf("expected a single row, got %d", n)
	}

	if _, ok := mustGet(t, tier, "absent"); ok {
		t.Error("expected miss for absent key")
	}

	s := tier.Stats()
	if s.Hits != 2 || s.Misses != 1 || s.Sets != 2 {
		t.Errorf("unexpected counters %+v", s)
	}
	if s.ItemCount != 1 || s.MemoryUsage <= 0 {
		t.Errorf("expected refreshed gauges, got items=%d memory=%d", s.ItemCount, s.MemoryUsage)
	}
}

// TestPersistentTier_AccessCount tests that hits bump the access counter
func TestPersistentTier_AccessCount(t *testing.T) {
	tier, _ := newTestPersistentTier(t, nil)
	mustSet(t, tier, "k", []byte("v"), types.NoExpiration)
	for i := 0; i < 3; i++ {
		mustGet(t, tier, "k")
	}

	var count int
	if err := tier.db.QueryRow(`SELECT access_count FROM cache_entries WHERE key = 'k'`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("expected access_count 3, got %d", count)
	}
}

// TestPersistentTier_Expiry tests lazy expiry and bulk cleanup
func TestPersistentTier_Expiry(t *testing.T) {
	ctx := context.Background()
	tier, clock := newTestPersistentTier(t, &PersistentConfig{DefaultTTL: time.Hour})

	mustSet(t, tier, "short", []byte("v"), time.Second)
	mustSet(t, tier, "default", []byte("v"), types.DefaultTTL)
	mustSet(t, tier, "forever", []byte("v"), types.NoExpiration)

	clock.Advance(2 * time.Second)
	if _, ok := mustGet(t, tier, "short"); ok {
		t.Error("expected miss after TTL")
	}
	if ok, _ := tier.Exists(ctx, "short"); ok {
		t.Error("Exists should be false after TTL")
	}
	if ok, _ := tier.Exists(ctx, "default"); !ok {
		t.Error("default TTL entry should still exist")
	}
	if n, _ := tier.Size(ctx); n != 3 {
		t.Errorf("expected expired row to remain until cleanup, size=%d", n)
	}

	clock.Advance(2 * time.Hour)
	removed, err := tier.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired returned error: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
	keys, _ := tier.Keys(ctx)
	if len(keys) != 1 || keys[0] != "forever" {
		t.Errorf("expected only forever to remain, got %v", keys)
	}
}

// TestPersistentTier_Compression tests the size and savings thresholds
func TestPersistentTier_Compression(t *testing.T) {
	ctx := context.Background()
	for _, codec := range []string{compression.Auto, compression.Zstd, compression.Snappy, compression.Brotli, compression.Gzip} {
		codec := codec
		t.Run(codec, func(t *testing.T) {
			tier, _ := newTestPersistentTier(t, &PersistentConfig{Compression: codec})

			small := []byte("tiny value")
			large := bytes.Repeat([]byte(`{"task":"review","hours":1.5},`), 200)
			mustSet(t, tier, "small", small, types.NoExpiration)
			mustSet(t, tier, "large", large, types.NoExpiration)

			var compressed bool
			var stored int
			if err := tier.db.QueryRow(`SELECT compressed, length(value) FROM cache_entries WHERE key = 'small'`).Scan(&compressed, &stored); err != nil {
				t.Fatal(err)
			}
			if compressed || stored != len(small) {
				t.Errorf("small value should be stored raw, compressed=%v stored=%d", compressed, stored)
			}

			if err := tier.db.QueryRow(`SELECT compressed, length(value) FROM cache_entries WHERE key = 'large'`).Scan(&compressed, &stored); err != nil {
				t.Fatal(err)
			}
			if !compressed || stored >= len(large) {
				t.Errorf("large value should be compressed, compressed=%v stored=%d of %d", compressed, stored, len(large))
			}

			got, ok := mustGet(t, tier, "large")
			if !ok || !bytes.Equal(got, large) {
				t.Error("decompressed value differs from original")
			}

			info, err := tier.Info(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if info.CompressedEntries != 1 || info.TotalEntries != 2 {
				t.Errorf("unexpected info %+v", info)
			}
			if info.LogicalBytes != int64(len(small)+len(large)) {
				t.Errorf("expected logical bytes %d, got %d", len(small)+len(large), info.LogicalBytes)
			}
		})
	}
}

// TestPersistentTier_CompressionDisabled tests that "none" stores raw bytes
func TestPersistentTier_CompressionDisabled(t *testing.T) {
	tier, _ := newTestPersistentTier(t, &PersistentConfig{Compression: compression.None})
	large := bytes.Repeat([]byte("a"), 10000)
	mustSet(t, tier, "large", large, types.NoExpiration)

	var stored int
	if err := tier.db.QueryRow(`SELECT length(value) FROM cache_entries WHERE key = 'large'`).Scan(&stored); err != nil {
		t.Fatal(err)
	}
	if stored != len(large) {
		t.Errorf("expected raw storage, got %d bytes", stored)
	}
}

// TestPersistentTier_Reopen tests that entries survive a restart, including
// values written with a codec other than the current default
func TestPersistentTier_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "l2.db")
	large := bytes.Repeat([]byte("persist me "), 500)

	first, err := NewPersistentTier(&PersistentConfig{Path: path, Compression: compression.Brotli})
	if err != nil {
		t.Fatal(err)
	}
	mustSet(t, first, "k", large, types.NoExpiration)
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	second, err := NewPersistentTier(&PersistentConfig{Path: path, Compression: compression.S2})
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	got, ok := mustGet(t, second, "k")
	if !ok || !bytes.Equal(got, large) {
		t.Error("expected value to survive reopen")
	}
}

// TestPersistentTier_SchemaMismatch tests that an old schema is discarded
func TestPersistentTier_SchemaMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "l2.db")

	first, err := NewPersistentTier(&PersistentConfig{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	mustSet(t, first, "k", []byte("v"), types.NoExpiration)
	if _, err := first.db.Exec(`UPDATE cache_metadata SET value = '1' WHERE key = 'schema_version'`); err != nil {
		t.Fatal(err)
	}
	first.Close()

	second, err := NewPersistentTier(&PersistentConfig{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	if n, _ := second.Size(context.Background()); n != 0 {
		t.Errorf("expected entries dropped on schema change, got %d", n)
	}
}

// TestPersistentTier_Invalidation tests pattern and category invalidation
func TestPersistentTier_Invalidation(t *testing.T) {
	ctx := context.Background()
	tier, _ := newTestPersistentTier(t, nil)

	entries := []struct {
		key, category string
	}{
		{"app:query:1", "query"},
		{"app:query:2", "query"},
		{"app:chart:1", "chart"},
		{"APP:QUERY:3", ""},
	}
	for _, e := range entries {
		if err := tier.SetWithCategory(ctx, e.key, []byte("v"), types.NoExpiration, e.category); err != nil {
			t.Fatal(err)
		}
	}

	categories, _ := tier.Categories(ctx)
	if len(categories) != 3 {
		t.Errorf("expected chart, default and query categories, got %v", categories)
	}
	keys, _ := tier.KeysInCategory(ctx, "query")
	if len(keys) != 2 {
		t.Errorf("expected 2 query keys, got %v", keys)
	}

	removed, err := tier.InvalidatePattern(ctx, "query:")
	if err != nil || removed != 2 {
		t.Errorf("expected 2 removed case-sensitively, got %d err=%v", removed, err)
	}

	removed, err = tier.InvalidateCategory(ctx, "chart")
	if err != nil || removed != 1 {
		t.Errorf("expected 1 removed by category, got %d err=%v", removed, err)
	}

	info, err := tier.Info(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(info.Categories) != 1 || info.Categories[0].Category != DefaultCategory {
		t.Errorf("expected only the default category left, got %+v", info.Categories)
	}
}

// TestPersistentTier_DeleteClearVacuum tests removal and maintenance
func TestPersistentTier_DeleteClearVacuum(t *testing.T) {
	ctx := context.Background()
	tier, _ := newTestPersistentTier(t, nil)
	mustSet(t, tier, "k1", []byte("v"), types.NoExpiration)
	mustSet(t, tier, "k2", []byte("v"), types.NoExpiration)

	if ok, _ := tier.Delete(ctx, "k1"); !ok {
		t.Error("expected Delete to report existing key")
	}
	if ok, _ := tier.Delete(ctx, "k1"); ok {
		t.Error("expected Delete to report missing key")
	}

	for i := 0; i < 2; i++ {
		if err := tier.Clear(ctx); err != nil {
			t.Fatalf("Clear #%d returned error: %v", i+1, err)
		}
		if n, _ := tier.Size(ctx); n != 0 {
			t.Errorf("expected empty tier after Clear #%d", i+1)
		}
	}

	if err := tier.Vacuum(ctx); err != nil {
		t.Errorf("Vacuum returned error: %v", err)
	}
	if err := tier.Ping(ctx); err != nil {
		t.Errorf("Ping returned error: %v", err)
	}
}

// TestPersistentTier_Errors tests that failures are counted and typed
func TestPersistentTier_Errors(t *testing.T) {
	tier, _ := newTestPersistentTier(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := tier.Get(ctx, "k")
	if !errors.HasCode(err, errors.ErrCodeOperationCanceled) {
		t.Errorf("expected canceled error, got %v", err)
	}
	if tier.Stats().Errors != 1 {
		t.Errorf("expected error counted, got %d", tier.Stats().Errors)
	}

	if err := tier.Close(); err != nil {
		t.Fatal(err)
	}
	if err := tier.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
	err = tier.Set(context.Background(), "k", []byte("v"), types.NoExpiration)
	if !errors.HasCode(err, errors.ErrCodeClosed) {
		t.Errorf("expected closed error, got %v", err)
	}
}

func TestIsBusy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "busy", err: sqlite3.Error{Code: sqlite3.ErrBusy}, want: true},
		{name: "locked wrapped", err: fmt.Errorf("exec: %w", sqlite3.Error{Code: sqlite3.ErrLocked}), want: true},
		{name: "constraint", err: sqlite3.Error{Code: sqlite3.ErrConstraint}},
		{name: "plain", err: context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isBusy(tt.err); got != tt.want {
				t.Errorf("isBusy(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
