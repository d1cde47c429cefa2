// Package cache defines the storage contract for memoized authorization
// decisions. Entries are small (a canonical decision key and its outcome)
// and disposable: the engine keys them by rule-base generation, so a policy
// reload orphans stale entries instead of purging them, and implementations
// may drop entries at any time.
package cache

import (
	"context"
	"time"
)

// Cache stores computed decisions under their canonical keys.
type Cache interface {
	// Get returns the decision stored under key, if any.
	Get(ctx context.Context, key string) (any, bool)

	// Set stores a decision under key for at most ttl.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error

	// Delete drops a single entry.
	Delete(ctx context.Context, key string) error

	// Clear drops every entry.
	Clear(ctx context.Context) error

	// Close releases resources held by the cache.
	Close() error

	// Metrics returns a snapshot of cache statistics.
	Metrics() *Metrics
}

// Metrics is a point-in-time snapshot of cache effectiveness.
type Metrics struct {
	Hits        uint64
	Misses      uint64
	KeysAdded   uint64
	KeysEvicted uint64
}

// HitRate returns the fraction of lookups answered from the cache.
func (m *Metrics) HitRate() float64 {
	total := m.Hits + m.Misses
	if total == 0 {
		return 0
	}
	return float64(m.Hits) / float64(total)
}
