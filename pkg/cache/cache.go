// Package cache provides an in-memory result cache for read statements.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/corraldb/corral/pkg/models"
)

// Cache defines the interface for caching query results.
type Cache interface {
	// Get retrieves a cached result, or nil on miss or expiry.
	Get(key string) *Entry
	// Put stores a result under the given key and database.
	Put(key, database string, result *models.ExecuteResult, ttl time.Duration)
	// Invalidate removes every entry belonging to the given database and
	// returns the number of entries removed.
	Invalidate(database string) int
	// Clear removes all entries.
	Clear()
	// Len returns the number of live entries.
	Len() int
}

// Entry is a single cached result with expiry metadata.
type Entry struct {
	Result    *models.ExecuteResult
	Database  string
	CreatedAt time.Time
	ExpiresAt time.Time

	key     string
	element *list.Element
}

// ResultCache implements Cache with LRU eviction, TTL expiry checked on read,
// and a per-database key index so invalidation avoids full scans.
type ResultCache struct {
	mu         sync.Mutex
	entries    map[string]*Entry
	order      *list.List // front = most recently used
	byDatabase map[string]map[string]struct{}
	capacity   int
	defaultTTL time.Duration
	stats      *StatsCollector
	clock      func() time.Time
}

// Option configures a ResultCache.
type Option func(*ResultCache)

// WithClock overrides the cache's time source.
func WithClock(clock func() time.Time) Option {
	return func(c *ResultCache) { c.clock = clock }
}

// New creates a result cache with the given entry capacity and default TTL.
func New(capacity int, defaultTTL time.Duration, opts ...Option) *ResultCache {
	if capacity <= 0 {
		capacity = 100
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	c := &ResultCache{
		entries:    make(map[string]*Entry),
		order:      list.New(),
		byDatabase: make(map[string]map[string]struct{}),
		capacity:   capacity,
		defaultTTL: defaultTTL,
		stats:      NewStatsCollector(),
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key derives the cache key from the normalized statement and target database.
func Key(sql, database string) string {
	normalized := strings.ToLower(strings.TrimSpace(sql))
	sum := sha256.Sum256([]byte(database + "\x00" + normalized))
	return hex.EncodeToString(sum[:])
}

// Get retrieves a cached result. Expired entries are removed on read.
func (c *ResultCache) Get(key string) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.stats.RecordMiss()
		return nil
	}
	if c.clock().After(entry.ExpiresAt) {
		c.removeLocked(entry)
		c.stats.RecordMiss()
		return nil
	}
	c.order.MoveToFront(entry.element)
	c.stats.RecordHit()
	return entry
}

// Put stores a result. At capacity, the least recently used entry is evicted.
func (c *ResultCache) Put(key, database string, result *models.ExecuteResult, ttl time.Duration) {
	if result == nil {
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[key]; ok {
		c.removeLocked(existing)
	}
	for len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}

	now := c.clock()
	entry := &Entry{
		Result:    result,
		Database:  database,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		key:       key,
	}
	entry.element = c.order.PushFront(entry)
	c.entries[key] = entry

	keys, ok := c.byDatabase[database]
	if !ok {
		keys = make(map[string]struct{})
		c.byDatabase[database] = keys
	}
	keys[key] = struct{}{}
	c.stats.UpdateSize(len(c.entries))
}

// Invalidate removes every entry keyed to the database.
func (c *ResultCache) Invalidate(database string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys, ok := c.byDatabase[database]
	if !ok {
		return 0
	}
	count := 0
	for key := range keys {
		if entry, ok := c.entries[key]; ok {
			c.removeLocked(entry)
			count++
		}
	}
	c.stats.RecordInvalidation(count)
	return count
}

// Clear removes all entries.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*Entry)
	c.byDatabase = make(map[string]map[string]struct{})
	c.order.Init()
	c.stats.UpdateSize(0)
}

// Len returns the number of live entries.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of cache statistics.
func (c *ResultCache) Stats() Stats {
	return c.stats.Snapshot()
}

func (c *ResultCache) removeLocked(entry *Entry) {
	delete(c.entries, entry.key)
	c.order.Remove(entry.element)
	if keys, ok := c.byDatabase[entry.Database]; ok {
		delete(keys, entry.key)
		if len(keys) == 0 {
			delete(c.byDatabase, entry.Database)
		}
	}
	c.stats.UpdateSize(len(c.entries))
}

func (c *ResultCache) evictOldestLocked() {
	back := c.order.Back()
	if back == nil {
		return
	}
	c.removeLocked(back.Value.(*Entry))
	c.stats.RecordEviction()
}
