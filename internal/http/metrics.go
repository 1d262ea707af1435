package http

import (
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalHTTPMetrics *HTTPMetrics
	httpMetricsOnce   sync.Once
)

// HTTPMetrics holds Prometheus metrics for the HTTP server.
type HTTPMetrics struct {
	requestsTotal  *prometheus.CounterVec
	requestDur     *prometheus.HistogramVec
	activeRequests prometheus.Gauge
}

// NewHTTPMetrics registers the HTTP metrics once per process:
//   - depdeck_http_requests_total{method,endpoint,status}
//   - depdeck_http_request_duration_seconds{method,endpoint}
//   - depdeck_http_active_requests
func NewHTTPMetrics() *HTTPMetrics {
	httpMetricsOnce.Do(func() {
		globalHTTPMetrics = &HTTPMetrics{
			requestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "depdeck_http_requests_total",
					Help: "HTTP requests by method, route and status",
				},
				[]string{"method", "endpoint", "status"},
			),
			requestDur: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "depdeck_http_request_duration_seconds",
					Help:    "HTTP request latency",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "endpoint"},
			),
			activeRequests: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "depdeck_http_active_requests",
					Help: "HTTP requests currently being served, SSE streams included",
				},
			),
		}
	})
	return globalHTTPMetrics
}

// MetricsMiddleware returns an Echo middleware that records HTTP metrics.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			m.activeRequests.Inc()
			defer m.activeRequests.Dec()

			err := next(c)

			status := c.Response().Status
			if err != nil {
				status = statusOf(err)
			}
			endpoint := normalizePath(c.Path())
			method := c.Request().Method

			m.requestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
			m.requestDur.WithLabelValues(method, endpoint).Observe(time.Since(start).Seconds())

			return err
		}
	}
}

// normalizePath keeps label cardinality bounded. c.Path() is the route
// template (/api/v1/operations/:id), so only unmatched requests need
// collapsing.
func normalizePath(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
