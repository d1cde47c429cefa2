package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusExporter exports metrics to Prometheus format.
type PrometheusExporter struct {
	collector *Collector

	// Prometheus metrics
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	cacheHitRate     prometheus.Gauge
	cacheKeys        prometheus.Gauge
	cacheMemoryBytes prometheus.Gauge
	cacheEvictions   prometheus.Counter
	decisions        *prometheus.CounterVec
	policyReloads    prometheus.Counter
	activeRules      prometheus.Gauge
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	httpErrors       *prometheus.CounterVec
}

// NewPrometheusExporter creates a new Prometheus exporter.
func NewPrometheusExporter(collector *Collector) *PrometheusExporter {
	return &PrometheusExporter{
		collector: collector,
		cacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "oso_decision_cache_hits_total",
			Help: "Total number of cache hits for permit decisions",
		}),
		cacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "oso_decision_cache_misses_total",
			Help: "Total number of cache misses for permit decisions",
		}),
		cacheHitRate: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "oso_decision_cache_hit_rate",
			Help: "Current cache hit rate (0.0 to 1.0)",
		}),
		cacheKeys: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "oso_decision_cache_keys_current",
			Help: "Current number of keys in the decision cache",
		}),
		cacheMemoryBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "oso_decision_cache_memory_bytes",
			Help: "Current memory usage of the decision cache in bytes",
		}),
		cacheEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "oso_decision_cache_evictions_total",
			Help: "Total number of cache evictions due to memory limits",
		}),
		decisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oso_decisions_total",
				Help: "Total number of permit decisions by outcome",
			},
			[]string{"result"},
		),
		policyReloads: promauto.NewCounter(prometheus.CounterOpts{
			Name: "oso_policy_reloads_total",
			Help: "Total number of policy activations",
		}),
		activeRules: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "oso_policy_rules_active",
			Help: "Number of rules in the active policy snapshot",
		}),
		httpRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oso_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"endpoint"},
		),
		httpDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "oso_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
			},
			[]string{"endpoint"},
		),
		httpErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oso_http_errors_total",
				Help: "Total number of failed HTTP requests",
			},
			[]string{"endpoint"},
		),
	}
}

// Update updates Gauge metrics from the collector.
// Counters are updated via middleware, so only update gauges here.
// This should be called periodically (e.g., every 10 seconds).
func (e *PrometheusExporter) Update() {
	cacheMetrics := e.collector.GetCacheMetrics()
	e.cacheHitRate.Set(cacheMetrics.HitRate)
	e.cacheKeys.Set(float64(cacheMetrics.KeysCurrent))
	e.cacheMemoryBytes.Set(float64(cacheMetrics.MemoryBytes))

	decisionMetrics := e.collector.GetDecisionMetrics()
	e.activeRules.Set(float64(decisionMetrics.ActiveRules))
}

// RecordRequest records a request in Prometheus.
func (e *PrometheusExporter) RecordRequest(endpoint string) {
	e.httpRequests.WithLabelValues(endpoint).Inc()
}

// RecordDuration records a duration in Prometheus.
func (e *PrometheusExporter) RecordDuration(endpoint string, durationSeconds float64) {
	e.httpDuration.WithLabelValues(endpoint).Observe(durationSeconds)
}

// RecordError records an error in Prometheus.
func (e *PrometheusExporter) RecordError(endpoint string) {
	e.httpErrors.WithLabelValues(endpoint).Inc()
}

// RecordDecision records a permit decision outcome.
func (e *PrometheusExporter) RecordDecision(allowed bool) {
	if allowed {
		e.decisions.WithLabelValues("permit").Inc()
	} else {
		e.decisions.WithLabelValues("deny").Inc()
	}
}

// RecordReload records a policy activation.
func (e *PrometheusExporter) RecordReload() {
	e.policyReloads.Inc()
}

// RecordCacheHit records a cache hit.
func (e *PrometheusExporter) RecordCacheHit() {
	e.cacheHits.Inc()
}

// RecordCacheMiss records a cache miss.
func (e *PrometheusExporter) RecordCacheMiss() {
	e.cacheMisses.Inc()
}

// RecordCacheEviction records a cache eviction.
func (e *PrometheusExporter) RecordCacheEviction() {
	e.cacheEvictions.Inc()
}
