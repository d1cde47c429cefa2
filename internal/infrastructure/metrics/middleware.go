package metrics

import (
	"net/http"
	"time"
)

// statusRecorder captures the status code written by the handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Middleware returns an HTTP middleware that records metrics for each
// request. The endpoint label is the request path as routed.
func Middleware(collector *Collector, exporter *PrometheusExporter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		endpoint := req.URL.Path

		// Record request
		collector.RecordRequest(endpoint)
		if exporter != nil {
			exporter.RecordRequest(endpoint)
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)

		// Record duration
		duration := time.Since(start).Seconds()
		collector.RecordDuration(endpoint, duration)
		if exporter != nil {
			exporter.RecordDuration(endpoint, duration)
		}

		// Record error if any
		if rec.status >= http.StatusInternalServerError {
			collector.RecordError(endpoint)
			if exporter != nil {
				exporter.RecordError(endpoint)
			}
		}
	})
}
