package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/benwis/oso/pkg/cache"
	"github.com/benwis/oso/pkg/cache/memorycache"
)

// Collector collects and aggregates metrics for the engine.
type Collector struct {
	// HTTP endpoint metrics
	requests sync.Map // map[string]*uint64 - endpoint -> count
	errors   sync.Map // map[string]*uint64 - endpoint -> error count
	duration sync.Map // map[string]*durationValue - endpoint -> total duration in seconds

	// Decision metrics
	permits uint64
	denies  uint64

	// Policy metrics
	reloads     uint64
	activeRules int64

	// Cache reference (optional, for querying cache-specific metrics)
	cache cache.Cache
}

// durationValue holds duration with mutex for thread-safe updates.
type durationValue struct {
	mu           sync.Mutex
	totalSeconds float64
}

// CacheMetrics holds decision cache performance metrics.
type CacheMetrics struct {
	Hits        uint64
	Misses      uint64
	HitRate     float64
	KeysCurrent int64
	MemoryBytes int64
	Evictions   uint64
}

// EndpointMetrics holds HTTP request metrics.
type EndpointMetrics struct {
	RequestCounts        map[string]uint64
	ErrorCounts          map[string]uint64
	TotalDurationSeconds map[string]float64
}

// DecisionMetrics holds permit / deny counts and policy state.
type DecisionMetrics struct {
	Permits     uint64
	Denies      uint64
	Reloads     uint64
	ActiveRules int64
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{}
}

// SetCache sets the cache instance for collecting cache metrics.
func (c *Collector) SetCache(cache cache.Cache) {
	c.cache = cache
}

// RecordRequest records a request against an endpoint.
func (c *Collector) RecordRequest(endpoint string) {
	counter := c.getOrCreateCounter(&c.requests, endpoint)
	atomic.AddUint64(counter, 1)
}

// RecordError records a failed request against an endpoint.
func (c *Collector) RecordError(endpoint string) {
	counter := c.getOrCreateCounter(&c.errors, endpoint)
	atomic.AddUint64(counter, 1)
}

// RecordDuration records the duration of a request in seconds.
func (c *Collector) RecordDuration(endpoint string, durationSeconds float64) {
	val, _ := c.duration.LoadOrStore(endpoint, &durationValue{})
	dv := val.(*durationValue)

	dv.mu.Lock()
	dv.totalSeconds += durationSeconds
	dv.mu.Unlock()
}

// RecordDecision records the outcome of a permit check.
func (c *Collector) RecordDecision(allowed bool) {
	if allowed {
		atomic.AddUint64(&c.permits, 1)
	} else {
		atomic.AddUint64(&c.denies, 1)
	}
}

// RecordReload records a policy activation and the new rule count.
func (c *Collector) RecordReload(ruleCount int) {
	atomic.AddUint64(&c.reloads, 1)
	atomic.StoreInt64(&c.activeRules, int64(ruleCount))
}

// GetCacheMetrics returns current decision cache metrics.
func (c *Collector) GetCacheMetrics() *CacheMetrics {
	if c.cache == nil {
		return &CacheMetrics{}
	}

	metrics := c.cache.Metrics()
	if metrics == nil {
		return &CacheMetrics{}
	}

	result := &CacheMetrics{
		Hits:      metrics.Hits,
		Misses:    metrics.Misses,
		HitRate:   metrics.HitRate(),
		Evictions: metrics.KeysEvicted,
	}

	// Get current keys and memory if available
	if memCache, ok := c.cache.(*memorycache.Cache); ok {
		result.KeysCurrent = int64(memCache.Len())
		result.MemoryBytes = memCache.Size()
	}

	return result
}

// GetDecisionMetrics returns current decision and policy metrics.
func (c *Collector) GetDecisionMetrics() *DecisionMetrics {
	return &DecisionMetrics{
		Permits:     atomic.LoadUint64(&c.permits),
		Denies:      atomic.LoadUint64(&c.denies),
		Reloads:     atomic.LoadUint64(&c.reloads),
		ActiveRules: atomic.LoadInt64(&c.activeRules),
	}
}

// GetEndpointMetrics returns current HTTP request metrics.
func (c *Collector) GetEndpointMetrics() *EndpointMetrics {
	result := &EndpointMetrics{
		RequestCounts:        make(map[string]uint64),
		ErrorCounts:          make(map[string]uint64),
		TotalDurationSeconds: make(map[string]float64),
	}

	// Collect request counts
	c.requests.Range(func(key, value interface{}) bool {
		endpoint := key.(string)
		count := atomic.LoadUint64(value.(*uint64))
		result.RequestCounts[endpoint] = count
		return true
	})

	// Collect error counts
	c.errors.Range(func(key, value interface{}) bool {
		endpoint := key.(string)
		count := atomic.LoadUint64(value.(*uint64))
		result.ErrorCounts[endpoint] = count
		return true
	})

	// Collect duration totals
	c.duration.Range(func(key, value interface{}) bool {
		endpoint := key.(string)
		dv := value.(*durationValue)
		dv.mu.Lock()
		result.TotalDurationSeconds[endpoint] = dv.totalSeconds
		dv.mu.Unlock()
		return true
	})

	return result
}

// getOrCreateCounter gets or creates a counter for the given key.
func (c *Collector) getOrCreateCounter(m *sync.Map, key string) *uint64 {
	val, _ := m.LoadOrStore(key, new(uint64))
	return val.(*uint64)
}
