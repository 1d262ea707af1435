package audit

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for audits.
type Metrics struct {
	// Findings of the most recent audit, by severity.
	Findings *prometheus.GaugeVec
}

// NewMetrics registers depdeck_audit_findings{severity} once per process.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			Findings: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "depdeck_audit_findings",
					Help: "Vulnerabilities reported by the most recent audit",
				},
				[]string{"severity"},
			),
		}
	})
	return globalMetrics
}

// Record publishes the counts of one audit.
func (m *Metrics) Record(c Counts) {
	m.Findings.WithLabelValues(SeverityInfo).Set(float64(c.Info))
	m.Findings.WithLabelValues(SeverityLow).Set(float64(c.Low))
	m.Findings.WithLabelValues(SeverityModerate).Set(float64(c.Moderate))
	m.Findings.WithLabelValues(SeverityHigh).Set(float64(c.High))
	m.Findings.WithLabelValues(SeverityCritical).Set(float64(c.Critical))
}
