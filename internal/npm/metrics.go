package npm

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for npm invocations.
type Metrics struct {
	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	TimeoutsTotal   *prometheus.CounterVec
	DegradedTotal   *prometheus.CounterVec
}

// NewMetrics creates and registers the npm metrics once per process.
//
// Metrics:
//   - depdeck_npm_commands_total{command,outcome}
//   - depdeck_npm_command_duration_seconds{command}
//   - depdeck_npm_timeouts_total{command}
//   - depdeck_status_degraded_total{reason}
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			CommandsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "depdeck_npm_commands_total",
					Help: "Total number of npm invocations by outcome",
				},
				[]string{"command", "outcome"},
			),

			CommandDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "depdeck_npm_command_duration_seconds",
					Help:    "Wall-clock duration of npm invocations in seconds",
					Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
				},
				[]string{"command"},
			),

			TimeoutsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "depdeck_npm_timeouts_total",
					Help: "Total number of npm invocations killed on timeout",
				},
				[]string{"command"},
			),

			DegradedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "depdeck_status_degraded_total",
					Help: "Total number of status checks that produced no data",
				},
				[]string{"reason"},
			),
		}
	})

	return globalMetrics
}

// RecordCommand records one finished invocation.
func (m *Metrics) RecordCommand(command, outcome string, durationSeconds float64) {
	m.CommandsTotal.WithLabelValues(command, outcome).Inc()
	m.CommandDuration.WithLabelValues(command).Observe(durationSeconds)
	if outcome == outcomeTimeout {
		m.TimeoutsTotal.WithLabelValues(command).Inc()
	}
}

// RecordDegraded records a status check that fell back to an empty report.
func (m *Metrics) RecordDegraded(reason DegradedReason) {
	m.DegradedTotal.WithLabelValues(string(reason)).Inc()
}
