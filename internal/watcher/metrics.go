package watcher

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultForwarded = "forwarded"
	resultDropped   = "dropped"
	resultError     = "error"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the watcher.
type Metrics struct {
	EventsTotal *prometheus.CounterVec
}

// NewMetrics registers depdeck_watch_events_total{result} once per process.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			EventsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "depdeck_watch_events_total",
					Help: "Filesystem events seen by the project watcher",
				},
				[]string{"result"}, // "forwarded", "dropped" or "error"
			),
		}
	})
	return globalMetrics
}

// RecordEvent counts one raw event.
func (m *Metrics) RecordEvent(result string) {
	m.EventsTotal.WithLabelValues(result).Inc()
}
