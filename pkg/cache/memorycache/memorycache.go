// Package memorycache is the in-process decision cache: an LRU map with
// per-entry TTL, bounded in bytes. Decisions are cheap to recompute, so
// eviction is strict LRU and expiry is only checked on read.
package memorycache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benwis/oso/pkg/cache"
)

// entryOverhead approximates the bookkeeping cost of one entry. Decision
// values are booleans, so the key dominates the real footprint.
const entryOverhead = 100

type entry struct {
	key       string
	value     any
	expiresAt time.Time
	size      int64
}

// Cache is an LRU decision cache with TTL. Safe for concurrent use.
type Cache struct {
	mu sync.Mutex

	entries map[string]*list.Element
	order   *list.List // front = most recently used

	maxSize int64
	ttl     time.Duration
	used    int64

	metrics *counters
}

type counters struct {
	hits    uint64
	misses  uint64
	added   uint64
	evicted uint64
}

func (m *counters) hit() {
	if m != nil {
		m.hits++
	}
}

func (m *counters) miss() {
	if m != nil {
		m.misses++
	}
}

// Config configures the memory cache.
type Config struct {
	// MaxSizeBytes bounds the approximate total size of live entries.
	// Least recently used entries are evicted past it.
	MaxSizeBytes int64

	// DefaultTTL applies when Set is called with a non-positive ttl.
	DefaultTTL time.Duration

	// EnableMetrics turns on hit/miss/eviction counting.
	EnableMetrics bool
}

// New creates an empty cache.
func New(config *Config) (*Cache, error) {
	if config.MaxSizeBytes <= 0 {
		return nil, fmt.Errorf("cache size must be positive, got %d", config.MaxSizeBytes)
	}
	c := &Cache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		maxSize: config.MaxSizeBytes,
		ttl:     config.DefaultTTL,
	}
	if config.EnableMetrics {
		c.metrics = &counters{}
	}
	return c, nil
}

// Get returns the decision stored under key. An expired entry is removed
// and reported as a miss.
func (c *Cache) Get(ctx context.Context, key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.metrics.miss()
		return nil, false
	}
	ent := elem.Value.(*entry)
	if time.Now().After(ent.expiresAt) {
		c.remove(elem)
		c.metrics.miss()
		return nil, false
	}
	c.order.MoveToFront(elem)
	c.metrics.hit()
	return ent.value, true
}

// Set stores a decision under key. A non-positive ttl falls back to the
// configured default.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	size := int64(entryOverhead + len(key))
	expiresAt := time.Now().Add(ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		ent := elem.Value.(*entry)
		c.used += size - ent.size
		ent.value = value
		ent.expiresAt = expiresAt
		ent.size = size
		c.order.MoveToFront(elem)
		return nil
	}

	c.entries[key] = c.order.PushFront(&entry{key: key, value: value, expiresAt: expiresAt, size: size})
	c.used += size
	if c.metrics != nil {
		c.metrics.added++
	}

	for c.used > c.maxSize && c.order.Len() > 0 {
		c.remove(c.order.Back())
		if c.metrics != nil {
			c.metrics.evicted++
		}
	}
	return nil
}

// Delete drops the entry under key, if present.
func (c *Cache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.remove(elem)
	}
	return nil
}

// Clear drops every entry.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.used = 0
	return nil
}

// Close is a no-op; the cache holds no external resources.
func (c *Cache) Close() error {
	return nil
}

// Metrics returns a snapshot of the counters. Zero when metrics are
// disabled.
func (c *Cache) Metrics() *cache.Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.metrics == nil {
		return &cache.Metrics{}
	}
	return &cache.Metrics{
		Hits:        c.metrics.hits,
		Misses:      c.metrics.misses,
		KeysAdded:   c.metrics.added,
		KeysEvicted: c.metrics.evicted,
	}
}

// ResetMetrics zeroes the counters.
func (c *Cache) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.metrics != nil {
		*c.metrics = counters{}
	}
}

// remove unlinks an element; the caller holds the lock.
func (c *Cache) remove(elem *list.Element) {
	c.order.Remove(elem)
	ent := elem.Value.(*entry)
	delete(c.entries, ent.key)
	c.used -= ent.size
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Size returns the approximate total size in bytes.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}
