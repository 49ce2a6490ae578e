package cache

import (
	"container/list"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/auditorhelper/tiercache/internal/stats"
	"github.com/auditorhelper/tiercache/pkg/errors"
	"github.com/auditorhelper/tiercache/pkg/types"
)

// entryOverhead approximates the bookkeeping cost of one entry in bytes.
const entryOverhead = 64

// MemoryConfig represents L1 memory tier configuration
type MemoryConfig struct {
	MaxItems   int           `yaml:"max_items"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// MemoryInfo is a debugging view of the memory tier
type MemoryInfo struct {
	TotalItems       int     `json:"total_items"`
	MaxItems         int     `json:"max_items"`
	MemoryUsageBytes int64   `json:"memory_usage_bytes"`
	ExpiredItems     int     `json:"expired_items"`
	ItemsWithTTL     int     `json:"items_with_ttl"`
	OldestKey        string  `json:"oldest_key,omitempty"`
	NewestKey        string  `json:"newest_key,omitempty"`
	AverageItemSize  float64 `json:"average_item_size"`
}

// MemoryTier implements a thread-safe LRU cache with per-entry expiry
type MemoryTier struct {
	mu          sync.Mutex
	items       map[string]*list.Element
	evictList   *list.List
	memoryUsage int64
	closed      bool

	config *MemoryConfig
	clock  clockwork.Clock
	logger *zap.Logger
	stats  *stats.Collector
}

// memoryEntry is the value stored in each list element
type memoryEntry struct {
	key       string
	value     []byte
	category  string
	createdAt time.Time
	expiresAt time.Time
	size      int64
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemoryTier creates a new memory tier
func NewMemoryTier(config *MemoryConfig, opts ...Option) *MemoryTier {
	if config == nil {
		config = &MemoryConfig{
			MaxItems:   1000,
			DefaultTTL: time.Hour,
		}
	}
	if config.MaxItems <= 0 {
		config.MaxItems = 1000
	}

	o := newOptions(opts)
	return &MemoryTier{
		items:     make(map[string]*list.Element),
		evictList: list.New(),
		config:    config,
		clock:     o.clock,
		logger:    o.logger.Named(TierL1),
		stats:     stats.NewCollector(TierL1, stats.WithClock(o.clock)),
	}
}

// Name returns the tier label
func (m *MemoryTier) Name() string {
	return TierL1
}

// Get retrieves a value, treating expired entries as misses
func (m *MemoryTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, false, m.closedError("get")
	}

	element, ok := m.items[key]
	if !ok {
		m.stats.RecordMiss(time.Since(start))
		return nil, false, nil
	}

	entry := element.Value.(*memoryEntry)
	if entry.expired(m.clock.Now()) {
		m.removeElement(element)
		m.stats.RecordMiss(time.Since(start))
		return nil, false, nil
	}

	m.evictList.MoveToFront(element)
	m.stats.RecordHit(time.Since(start))

	result := make([]byte, len(entry.value))
	copy(result, entry.value)
	return result, true, nil
}

// Set stores a value, evicting the least recently used entry when a new key
// would exceed capacity
func (m *MemoryTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return m.SetWithCategory(ctx, key, value, ttl, "")
}

// SetWithCategory stores a value tagged with a category
func (m *MemoryTier) SetWithCategory(ctx context.Context, key string, value []byte, ttl time.Duration, category string) error {
	_, err := m.store(key, value, ttl, category, false)
	return err
}

// SetIfAbsent stores a value only when no live entry exists for key. It
// reports whether the value was stored.
func (m *MemoryTier) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return m.store(key, value, ttl, "", true)
}

func (m *MemoryTier) store(key string, value []byte, ttl time.Duration, category string, onlyIfAbsent bool) (bool, error) {
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		m.stats.RecordError()
		return false, m.closedError("set")
	}

	now := m.clock.Now()
	if element, ok := m.items[key]; ok && onlyIfAbsent {
		if !element.Value.(*memoryEntry).expired(now) {
			return false, nil
		}
	}
	data := make([]byte, len(value))
	copy(data, value)
	size := int64(len(key)+len(value)) + entryOverhead
	expiresAt := resolveTTL(now, ttl, m.config.DefaultTTL)

	if element, ok := m.items[key]; ok {
		entry := element.Value.(*memoryEntry)
		m.memoryUsage -= entry.size
		entry.value = data
		entry.category = category
		entry.createdAt = now
		entry.expiresAt = expiresAt
		entry.size = size
		m.memoryUsage += size
		m.evictList.MoveToFront(element)
	} else {
		for len(m.items) >= m.config.MaxItems && m.evictList.Len() > 0 {
			m.evictOldest()
		}
		entry := &memoryEntry{
			key:       key,
			value:     data,
			category:  category,
			createdAt: now,
			expiresAt: expiresAt,
			size:      size,
		}
		m.items[key] = m.evictList.PushFront(entry)
		m.memoryUsage += size
	}

	m.stats.RecordSet(time.Since(start))
	m.updateGauges()
	return true, nil
}

// Delete removes a key and reports whether it was present
func (m *MemoryTier) Delete(ctx context.Context, key string) (bool, error) {
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, m.closedError("delete")
	}

	element, ok := m.items[key]
	if !ok {
		return false, nil
	}
	m.removeElement(element)
	m.stats.RecordDelete(time.Since(start))
	return true, nil
}

// Exists reports whether a live entry is stored under key
func (m *MemoryTier) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, m.closedError("exists")
	}

	element, ok := m.items[key]
	if !ok {
		return false, nil
	}
	if element.Value.(*memoryEntry).expired(m.clock.Now()) {
		m.removeElement(element)
		return false, nil
	}
	return true, nil
}

// Clear removes every entry
func (m *MemoryTier) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return m.closedError("clear")
	}

	m.items = make(map[string]*list.Element)
	m.evictList.Init()
	m.memoryUsage = 0
	m.updateGauges()
	return nil
}

// CleanupExpired removes all expired entries and returns how many were removed
func (m *MemoryTier) CleanupExpired(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, m.closedError("cleanup")
	}

	now := m.clock.Now()
	removed := 0
	for element := m.evictList.Back(); element != nil; {
		prev := element.Prev()
		if element.Value.(*memoryEntry).expired(now) {
			m.removeElement(element)
			removed++
		}
		element = prev
	}

	if removed > 0 {
		m.logger.Debug("removed expired entries", zap.Int("count", removed))
	}
	return removed, nil
}

// InvalidatePattern removes every key containing substring
func (m *MemoryTier) InvalidatePattern(ctx context.Context, substring string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, m.closedError("invalidate")
	}

	removed := 0
	for key, element := range m.items {
		if strings.Contains(key, substring) {
			m.removeElement(element)
			removed++
		}
	}
	return removed, nil
}

// InvalidateCategory removes every entry stored under category
func (m *MemoryTier) InvalidateCategory(ctx context.Context, category string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, m.closedError("invalidate_category")
	}

	removed := 0
	for _, element := range m.items {
		if element.Value.(*memoryEntry).category == category {
			m.removeElement(element)
			removed++
		}
	}
	return removed, nil
}

// Categories returns the distinct non-empty categories currently stored
func (m *MemoryTier) Categories(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{})
	var categories []string
	for _, element := range m.items {
		c := element.Value.(*memoryEntry).category
		if _, ok := seen[c]; c == "" || ok {
			continue
		}
		seen[c] = struct{}{}
		categories = append(categories, c)
	}
	sort.Strings(categories)
	return categories, nil
}

// Keys returns all stored keys, most recently used first
func (m *MemoryTier) Keys(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.items))
	for element := m.evictList.Front(); element != nil; element = element.Next() {
		keys = append(keys, element.Value.(*memoryEntry).key)
	}
	return keys, nil
}

// Size returns the number of stored entries, including expired ones not yet purged
func (m *MemoryTier) Size(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), nil
}

// MemoryUsage returns the estimated bytes held by the tier
func (m *MemoryTier) MemoryUsage(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memoryUsage, nil
}

// Stats returns tier statistics
func (m *MemoryTier) Stats() types.TierStats {
	return m.stats.Snapshot()
}

// Info returns a debugging view of the tier state
func (m *MemoryTier) Info() MemoryInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	info := MemoryInfo{
		TotalItems:       len(m.items),
		MaxItems:         m.config.MaxItems,
		MemoryUsageBytes: m.memoryUsage,
	}
	for element := m.evictList.Front(); element != nil; element = element.Next() {
		entry := element.Value.(*memoryEntry)
		if !entry.expiresAt.IsZero() {
			info.ItemsWithTTL++
		}
		if entry.expired(now) {
			info.ExpiredItems++
		}
	}
	if front := m.evictList.Front(); front != nil {
		info.NewestKey = front.Value.(*memoryEntry).key
		info.OldestKey = m.evictList.Back().Value.(*memoryEntry).key
		info.AverageItemSize = float64(m.memoryUsage) / float64(len(m.items))
	}
	return info
}

// Close drops all entries; later calls fail with a closed error
func (m *MemoryTier) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = make(map[string]*list.Element)
	m.evictList.Init()
	m.memoryUsage = 0
	m.closed = true
	m.updateGauges()
	return nil
}

// Helper methods. All expect m.mu to be held.

func (m *MemoryTier) removeElement(element *list.Element) {
	entry := element.Value.(*memoryEntry)
	m.evictList.Remove(element)
	delete(m.items, entry.key)
	m.memoryUsage -= entry.size
	m.updateGauges()
}

func (m *MemoryTier) evictOldest() {
	element := m.evictList.Back()
	if element == nil {
		return
	}
	m.logger.Debug("evicting least recently used entry",
		zap.String("key", element.Value.(*memoryEntry).key))
	m.removeElement(element)
	m.stats.RecordEviction()
}

func (m *MemoryTier) updateGauges() {
	m.stats.UpdateMemoryUsage(m.memoryUsage)
	m.stats.UpdateItemCount(int64(len(m.items)))
}

func (m *MemoryTier) closedError(op string) error {
	return errors.NewError(errors.ErrCodeClosed, "memory tier is closed").
		WithTier(TierL1).WithOperation(op)
}
