package middleware

import (
	"net/http"
	"strconv"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/corraldb/corral/pkg/metrics"
)

// MetricsMiddleware records request counts and latencies.
type MetricsMiddleware struct {
	collector metrics.Collector
}

// NewMetricsMiddleware creates a new metrics middleware.
func NewMetricsMiddleware(collector metrics.Collector) *MetricsMiddleware {
	return &MetricsMiddleware{collector: collector}
}

// Handler records one counter increment and one latency observation per
// request.
func (m *MetricsMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		timer := m.collector.StartTimer("http_request")

		next.ServeHTTP(ww, r)

		timer.Stop()
		m.collector.IncrementCounter("http_requests_total",
			"method", r.Method,
			"status", strconv.Itoa(ww.Status()),
		)
	})
}
