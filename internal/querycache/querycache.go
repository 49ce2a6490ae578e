// Package querycache caches database query results on top of the tiered
// cache. Keys are derived from the query text and its parameters, and every
// entry is stored under the "query" category so writes can drop them all.
package querycache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// Category is the cache category used for query results
const Category = "query"

// DefaultTTL applies when the caller passes zero
const DefaultTTL = 5 * time.Minute

// Rows is a decoded query result
type Rows []map[string]any

// Backend is the cache the helper stores results in
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	SetWithCategory(ctx context.Context, key string, value []byte, ttl time.Duration, category string) bool
	Clear(ctx context.Context) bool
	InvalidateCategory(ctx context.Context, category string) int
}

// QueryCache stores query results as JSON
type QueryCache struct {
	backend   Backend
	namespace string
	ttl       time.Duration
	logger    *zap.Logger
}

// New returns a helper that prefixes keys with namespace
func New(backend Backend, namespace string, ttl time.Duration, logger *zap.Logger) *QueryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryCache{backend: backend, namespace: namespace, ttl: ttl, logger: logger}
}

// Key returns the cache key for a query and its parameters. Equal inputs give
// equal keys; parameter order matters.
func (q *QueryCache) Key(query string, params ...any) string {
	d := xxhash.New()
	_, _ = d.WriteString(query)
	for _, p := range params {
		_, _ = d.WriteString("\x00")
		_, _ = d.WriteString(fmt.Sprintf("%T:%v", p, p))
	}
	return q.namespace + ":query:" + strconv.FormatUint(d.Sum64(), 16)
}

// GetRows returns cached rows for the query. Undecodable entries are treated
// as misses.
func (q *QueryCache) GetRows(ctx context.Context, query string, params ...any) (Rows, bool) {
	key := q.Key(query, params...)
	data, ok := q.backend.Get(ctx, key)
	if !ok {
		return nil, false
	}

	var rows Rows
	if err := json.Unmarshal(data, &rows); err != nil {
		q.logger.Warn("discarding undecodable query result", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return rows, true
}

// SetRows caches rows for the query. A zero ttl uses the helper default.
func (q *QueryCache) SetRows(ctx context.Context, rows Rows, ttl time.Duration, query string, params ...any) error {
	if ttl <= 0 {
		ttl = q.ttl
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("failed to encode query result: %w", err)
	}

	key := q.Key(query, params...)
	if !q.backend.SetWithCategory(ctx, key, data, ttl, Category) {
		return fmt.Errorf("failed to cache query result %s", key)
	}
	return nil
}

// InvalidateAll drops the whole cache. Repositories call it after any write.
func (q *QueryCache) InvalidateAll(ctx context.Context) bool {
	ok := q.backend.Clear(ctx)
	q.logger.Debug("query cache invalidated", zap.Bool("ok", ok))
	return ok
}

// InvalidateQueries drops only cached query results and returns how many
// entries were removed across tiers
func (q *QueryCache) InvalidateQueries(ctx context.Context) int {
	return q.backend.InvalidateCategory(ctx, Category)
}
