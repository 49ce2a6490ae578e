package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	sqlite3 "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/auditorhelper/tiercache/internal/compression"
	"github.com/auditorhelper/tiercache/internal/stats"
	pkgerrors "github.com/auditorhelper/tiercache/pkg/errors"
	"github.com/auditorhelper/tiercache/pkg/retry"
	"github.com/auditorhelper/tiercache/pkg/types"
)

// schemaVersion is bumped whenever the cache_entries layout changes. A
// mismatch drops the table; cached data is always rebuildable.
const schemaVersion = "2"

// DefaultCategory is stored for entries written without a category.
const DefaultCategory = "default"

// PersistentConfig represents L2 persistent tier configuration
type PersistentConfig struct {
	Path            string        `yaml:"path"`
	DefaultTTL      time.Duration `yaml:"default_ttl"`
	Compression     string        `yaml:"compression"`
	MinCompressSize int           `yaml:"min_compress_size"`
	MinSavings      float64       `yaml:"min_savings"`
	CacheSizeKB     int           `yaml:"cache_size_kb"`
	BusyTimeout     time.Duration `yaml:"busy_timeout"`
}

// CategoryInfo summarizes the entries stored under one category
type CategoryInfo struct {
	Category      string  `json:"category"`
	Entries       int64   `json:"entries"`
	SizeBytes     int64   `json:"size_bytes"`
	AverageAccess float64 `json:"average_access"`
}

// PersistentInfo is a debugging view of the persistent tier
type PersistentInfo struct {
	Path              string         `json:"path"`
	Codec             string         `json:"codec"`
	TotalEntries      int64          `json:"total_entries"`
	ExpiredEntries    int64          `json:"expired_entries"`
	CompressedEntries int64          `json:"compressed_entries"`
	LogicalBytes      int64          `json:"logical_bytes"`
	StoredBytes       int64          `json:"stored_bytes"`
	FileSizeBytes     int64          `json:"file_size_bytes"`
	Categories        []CategoryInfo `json:"categories"`
}

// PersistentTier implements a SQLite-backed cache tier with optional compression
type PersistentTier struct {
	db         *sql.DB
	config     *PersistentConfig
	compressor *compression.Compressor
	retryer    *retry.Retryer
	closed     atomic.Bool

	clock  clockwork.Clock
	logger *zap.Logger
	stats  *stats.Collector
}

// NewPersistentTier opens or creates the SQLite database at config.Path
func NewPersistentTier(config *PersistentConfig, opts ...Option) (*PersistentTier, error) {
	if config == nil {
		config = &PersistentConfig{}
	}
	if config.Path == "" {
		config.Path = "tiercache.db"
	}
	if config.Compression == "" {
		config.Compression = compression.Auto
	}
	if config.MinCompressSize <= 0 {
		config.MinCompressSize = compression.DefaultMinSize
	}
	if config.MinSavings <= 0 {
		config.MinSavings = compression.DefaultMinSavings
	}
	if config.CacheSizeKB <= 0 {
		config.CacheSizeKB = 10000
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5 * time.Second
	}

	compressor, err := compression.NewCompressor(config.Compression, config.MinCompressSize, config.MinSavings)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrCodeInvalidConfig, "invalid compression setting").WithTier(TierL2)
	}

	if config.Path != ":memory:" {
		if dir := filepath.Dir(config.Path); dir != "." {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return nil, pkgerrors.Wrap(err, pkgerrors.ErrCodeStorageOpen, "failed to create cache directory").WithTier(TierL2)
			}
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=MEMORY&_synchronous=OFF&_busy_timeout=%d&_cache_size=-%d",
		config.Path, config.BusyTimeout.Milliseconds(), config.CacheSizeKB)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrCodeStorageOpen, "failed to open database").WithTier(TierL2)
	}
	// SQLite serializes writers; one connection also keeps connection PRAGMAs in effect.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrCodeStorageOpen, "failed to ping database").WithTier(TierL2)
	}

	o := newOptions(opts)
	p := &PersistentTier{
		db:         db,
		config:     config,
		compressor: compressor,
		clock:      o.clock,
		logger:     o.logger.Named(TierL2),
		stats:      stats.NewCollector(TierL2, stats.WithClock(o.clock)),
	}
	// busy_timeout covers most contention; the retryer handles the
	// SQLITE_BUSY that can still surface on lock upgrades.
	p.retryer = retry.New(retry.Config{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2,
		Jitter:       true,
		Retryable:    isBusy,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			p.logger.Debug("retrying locked write",
				zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		},
	})

	if err := p.migrate(); err != nil {
		db.Close()
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrCodeStorageOpen, "failed to initialize schema").WithTier(TierL2)
	}

	p.logger.Info("persistent tier ready",
		zap.String("path", config.Path),
		zap.String("codec", compressor.Codec()))
	return p, nil
}

func (p *PersistentTier) migrate() error {
	if _, err := p.db.Exec(`PRAGMA temp_store=MEMORY`); err != nil {
		return fmt.Errorf("failed to set temp_store: %w", err)
	}
	if _, err := p.db.Exec(`CREATE TABLE IF NOT EXISTS cache_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create metadata table: %w", err)
	}

	var version string
	err := p.db.QueryRow(`SELECT value FROM cache_metadata WHERE key = 'schema_version'`).Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version != schemaVersion {
		if version != "" {
			p.logger.Warn("cache schema changed, dropping stored entries",
				zap.String("from", version), zap.String("to", schemaVersion))
		}
		if _, err := p.db.Exec(`DROP TABLE IF EXISTS cache_entries`); err != nil {
			return fmt.Errorf("failed to drop cache table: %w", err)
		}
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS cache_entries (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			category TEXT,
			created_at INTEGER NOT NULL,
			expires_at INTEGER,
			access_count INTEGER NOT NULL DEFAULT 0,
			size_bytes INTEGER NOT NULL,
			compressed INTEGER NOT NULL DEFAULT 0,
			codec TEXT NOT NULL DEFAULT ''
		) WITHOUT ROWID`,
		`CREATE INDEX IF NOT EXISTS idx_cache_entries_expires ON cache_entries(expires_at) WHERE expires_at IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_cache_entries_category ON cache_entries(category)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_entries_access ON cache_entries(access_count DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_entries_created ON cache_entries(created_at)`,
		`INSERT INTO cache_metadata (key, value) VALUES ('schema_version', '` + schemaVersion + `')
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
	}
	for _, query := range queries {
		if _, err := p.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute migration query: %w", err)
		}
	}
	return nil
}

// Name returns the tier label
func (p *PersistentTier) Name() string {
	return TierL2
}

// Get retrieves and decompresses a live value. Expired rows read as misses
// and stay on disk until CleanupExpired; reads do not delete.
func (p *PersistentTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	if err := p.checkOpen("get"); err != nil {
		return nil, false, err
	}

	var (
		stored []byte
		codec  string
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT value, codec FROM cache_entries
		 WHERE key = ? AND (expires_at IS NULL OR expires_at >= ?)`,
		key, p.clock.Now().UnixNano()).Scan(&stored, &codec)
	if errors.Is(err, sql.ErrNoRows) {
		p.stats.RecordMiss(time.Since(start))
		return nil, false, nil
	}
	if err != nil {
		return nil, false, p.fail("get", key, pkgerrors.ErrCodeStorageRead, err)
	}

	value, err := compression.Decompress(stored, codec)
	if err != nil {
		return nil, false, p.fail("get", key, pkgerrors.ErrCodeDecompression, err)
	}

	if _, err := p.db.ExecContext(ctx,
		`UPDATE cache_entries SET access_count = access_count + 1 WHERE key = ?`, key); err != nil {
		p.logger.Debug("failed to bump access count", zap.String("key", key), zap.Error(err))
	}

	p.stats.RecordHit(time.Since(start))
	return value, true, nil
}

// Set stores a value under the default category
func (p *PersistentTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return p.SetWithCategory(ctx, key, value, ttl, DefaultCategory)
}

// SetWithCategory stores a value tagged with a category for group invalidation
func (p *PersistentTier) SetWithCategory(ctx context.Context, key string, value []byte, ttl time.Duration, category string) error {
	start := time.Now()
	if err := p.checkOpen("set"); err != nil {
		return err
	}
	if category == "" {
		category = DefaultCategory
	}

	stored, codec, err := p.compressor.Compress(value)
	if err != nil {
		return p.fail("set", key, pkgerrors.ErrCodeCompression, err)
	}

	now := p.clock.Now()
	var expiresAt sql.NullInt64
	if exp := resolveTTL(now, ttl, p.config.DefaultTTL); !exp.IsZero() {
		expiresAt = sql.NullInt64{Int64: exp.UnixNano(), Valid: true}
	}

	_, err = p.exec(ctx,
		`INSERT INTO cache_entries (key, value, category, created_at, expires_at, access_count, size_bytes, compressed, codec)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			category = excluded.category,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			access_count = 0,
			size_bytes = excluded.size_bytes,
			compressed = excluded.compressed,
			codec = excluded.codec`,
		key, stored, category, now.UnixNano(), expiresAt, len(value), codec != "", codec)
	if err != nil {
		return p.fail("set", key, pkgerrors.ErrCodeStorageWrite, err)
	}

	p.stats.RecordSet(time.Since(start))
	return nil
}

// Delete removes a key and reports whether a row existed
func (p *PersistentTier) Delete(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	if err := p.checkOpen("delete"); err != nil {
		return false, err
	}

	n, err := p.exec(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	if err != nil {
		return false, p.fail("delete", key, pkgerrors.ErrCodeStorageWrite, err)
	}
	if n == 0 {
		return false, nil
	}
	p.stats.RecordDelete(time.Since(start))
	return true, nil
}

// Exists reports whether a live entry is stored under key
func (p *PersistentTier) Exists(ctx context.Context, key string) (bool, error) {
	if err := p.checkOpen("exists"); err != nil {
		return false, err
	}

	var one int
	err := p.db.QueryRowContext(ctx,
		`SELECT 1 FROM cache_entries WHERE key = ? AND (expires_at IS NULL OR expires_at >= ?)`,
		key, p.clock.Now().UnixNano()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, p.fail("exists", key, pkgerrors.ErrCodeStorageRead, err)
	}
	return true, nil
}

// Clear removes every entry
func (p *PersistentTier) Clear(ctx context.Context) error {
	if err := p.checkOpen("clear"); err != nil {
		return err
	}
	if _, err := p.exec(ctx, `DELETE FROM cache_entries`); err != nil {
		return p.fail("clear", "", pkgerrors.ErrCodeStorageWrite, err)
	}
	return nil
}

// CleanupExpired deletes all expired rows in one statement
func (p *PersistentTier) CleanupExpired(ctx context.Context) (int, error) {
	if err := p.checkOpen("cleanup"); err != nil {
		return 0, err
	}
	n, err := p.exec(ctx,
		`DELETE FROM cache_entries WHERE expires_at IS NOT NULL AND expires_at < ?`,
		p.clock.Now().UnixNano())
	if err != nil {
		return 0, p.fail("cleanup", "", pkgerrors.ErrCodeStorageWrite, err)
	}
	if n > 0 {
		p.logger.Debug("removed expired entries", zap.Int64("count", n))
	}
	return int(n), nil
}

// InvalidatePattern removes every key containing substring (case-sensitive)
func (p *PersistentTier) InvalidatePattern(ctx context.Context, substring string) (int, error) {
	if err := p.checkOpen("invalidate"); err != nil {
		return 0, err
	}
	n, err := p.exec(ctx, `DELETE FROM cache_entries WHERE instr(key, ?) > 0`, substring)
	if err != nil {
		return 0, p.fail("invalidate", substring, pkgerrors.ErrCodeStorageWrite, err)
	}
	return int(n), nil
}

// InvalidateCategory removes every entry stored under category
func (p *PersistentTier) InvalidateCategory(ctx context.Context, category string) (int, error) {
	if err := p.checkOpen("invalidate_category"); err != nil {
		return 0, err
	}
	n, err := p.exec(ctx, `DELETE FROM cache_entries WHERE category = ?`, category)
	if err != nil {
		return 0, p.fail("invalidate_category", "", pkgerrors.ErrCodeStorageWrite, err)
	}
	return int(n), nil
}

// KeysInCategory returns the keys stored under category
func (p *PersistentTier) KeysInCategory(ctx context.Context, category string) ([]string, error) {
	if err := p.checkOpen("keys_in_category"); err != nil {
		return nil, err
	}
	return p.queryKeys(ctx, "keys_in_category", `SELECT key FROM cache_entries WHERE category = ? ORDER BY key`, category)
}

// Categories returns the distinct categories currently stored
func (p *PersistentTier) Categories(ctx context.Context) ([]string, error) {
	if err := p.checkOpen("categories"); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT DISTINCT category FROM cache_entries WHERE category IS NOT NULL ORDER BY category`)
	if err != nil {
		return nil, p.fail("categories", "", pkgerrors.ErrCodeStorageRead, err)
	}
	defer rows.Close()

	var categories []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, p.fail("categories", "", pkgerrors.ErrCodeStorageRead, err)
		}
		categories = append(categories, c)
	}
	if err := rows.Err(); err != nil {
		return nil, p.fail("categories", "", pkgerrors.ErrCodeStorageRead, err)
	}
	return categories, nil
}

// Keys returns every stored key, including expired rows not yet purged
func (p *PersistentTier) Keys(ctx context.Context) ([]string, error) {
	if err := p.checkOpen("keys"); err != nil {
		return nil, err
	}
	return p.queryKeys(ctx, "keys", `SELECT key FROM cache_entries ORDER BY key`)
}

// Size returns the number of stored rows
func (p *PersistentTier) Size(ctx context.Context) (int, error) {
	if err := p.checkOpen("size"); err != nil {
		return 0, err
	}
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n); err != nil {
		return 0, p.fail("size", "", pkgerrors.ErrCodeStorageRead, err)
	}
	return n, nil
}

// MemoryUsage returns the database file size in bytes
func (p *PersistentTier) MemoryUsage(ctx context.Context) (int64, error) {
	if p.config.Path == ":memory:" {
		return 0, nil
	}
	fi, err := os.Stat(p.config.Path)
	if err != nil {
		return 0, p.fail("memory_usage", "", pkgerrors.ErrCodeStorageRead, err)
	}
	return fi.Size(), nil
}

// Stats returns tier statistics with item count and file size refreshed
func (p *PersistentTier) Stats() types.TierStats {
	if !p.closed.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		var n int64
		if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n); err == nil {
			p.stats.UpdateItemCount(n)
		}
		if fi, err := os.Stat(p.config.Path); err == nil {
			p.stats.UpdateMemoryUsage(fi.Size())
		}
	}
	return p.stats.Snapshot()
}

// Vacuum rebuilds the database file to reclaim space
func (p *PersistentTier) Vacuum(ctx context.Context) error {
	if err := p.checkOpen("vacuum"); err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, `VACUUM`); err != nil {
		return p.fail("vacuum", "", pkgerrors.ErrCodeStorageWrite, err)
	}
	return nil
}

// Ping verifies the database answers queries
func (p *PersistentTier) Ping(ctx context.Context) error {
	if err := p.checkOpen("ping"); err != nil {
		return err
	}
	var one int
	if err := p.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return p.fail("ping", "", pkgerrors.ErrCodeTierUnavailable, err)
	}
	return nil
}

// Info returns a per-category breakdown of the stored entries
func (p *PersistentTier) Info(ctx context.Context) (*PersistentInfo, error) {
	if err := p.checkOpen("info"); err != nil {
		return nil, err
	}

	info := &PersistentInfo{Path: p.config.Path, Codec: p.compressor.Codec()}
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN expires_at IS NOT NULL AND expires_at < ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(compressed), 0),
			COALESCE(SUM(size_bytes), 0),
			COALESCE(SUM(length(value)), 0)
		 FROM cache_entries`, p.clock.Now().UnixNano()).
		Scan(&info.TotalEntries, &info.ExpiredEntries, &info.CompressedEntries, &info.LogicalBytes, &info.StoredBytes)
	if err != nil {
		return nil, p.fail("info", "", pkgerrors.ErrCodeStorageRead, err)
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT COALESCE(category, ''), COUNT(*), COALESCE(SUM(size_bytes), 0), COALESCE(AVG(access_count), 0)
		 FROM cache_entries GROUP BY category ORDER BY category`)
	if err != nil {
		return nil, p.fail("info", "", pkgerrors.ErrCodeStorageRead, err)
	}
	defer rows.Close()
	for rows.Next() {
		var c CategoryInfo
		if err := rows.Scan(&c.Category, &c.Entries, &c.SizeBytes, &c.AverageAccess); err != nil {
			return nil, p.fail("info", "", pkgerrors.ErrCodeStorageRead, err)
		}
		info.Categories = append(info.Categories, c)
	}
	if err := rows.Err(); err != nil {
		return nil, p.fail("info", "", pkgerrors.ErrCodeStorageRead, err)
	}

	if usage, err := p.MemoryUsage(ctx); err == nil {
		info.FileSizeBytes = usage
	}
	return info, nil
}

// Close closes the database. It is safe to call more than once.
func (p *PersistentTier) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := p.db.Close(); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.ErrCodeInternalError, "failed to close database").WithTier(TierL2)
	}
	return nil
}

// Helper methods

func (p *PersistentTier) exec(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	err := p.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		res, err := p.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// isBusy reports whether err is a transient SQLite lock error
func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func (p *PersistentTier) queryKeys(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, p.fail(op, "", pkgerrors.ErrCodeStorageRead, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, p.fail(op, "", pkgerrors.ErrCodeStorageRead, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, p.fail(op, "", pkgerrors.ErrCodeStorageRead, err)
	}
	return keys, nil
}

func (p *PersistentTier) checkOpen(op string) error {
	if p.closed.Load() {
		return pkgerrors.NewError(pkgerrors.ErrCodeClosed, "persistent tier is closed").
			WithTier(TierL2).WithOperation(op)
	}
	return nil
}

// fail counts and logs a storage failure and converts it to a CacheError.
func (p *PersistentTier) fail(op, key string, code pkgerrors.ErrorCode, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = pkgerrors.ErrCodeOperationTimeout
	case errors.Is(err, context.Canceled):
		code = pkgerrors.ErrCodeOperationCanceled
	}
	p.stats.RecordError()
	p.logger.Warn("persistent tier operation failed",
		zap.String("operation", op),
		zap.String("key", key),
		zap.String("code", string(code)),
		zap.Error(err))
	return pkgerrors.Wrap(err, code, op+" failed").
		WithTier(TierL2).WithOperation(op).WithKey(key)
}
