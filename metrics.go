package vectra

import (
	"github.com/hupe1980/vectra/internal/metrics"
)

// MetricsCollector receives operational metrics.
//
// Example:
//
//	m := &vectra.BasicMetricsCollector{}
//	db, _ := vectra.Open(dir, vectra.WithMetricsCollector(m))
//	// ... use db ...
//	stats := m.GetStats()
//	fmt.Printf("Queries: %d, Avg latency: %dns\n", stats.QueryCount, stats.QueryAvgNanos)
type MetricsCollector = metrics.Collector

// NoopMetricsCollector discards all metrics.
type NoopMetricsCollector = metrics.NoopCollector

// BasicMetricsCollector keeps in-memory counters.
type BasicMetricsCollector = metrics.BasicCollector

// MetricsStats is a snapshot of a BasicMetricsCollector.
type MetricsStats = metrics.Stats

// PrometheusCollector exports metrics to a Prometheus registry.
type PrometheusCollector = metrics.PrometheusCollector

// NewPrometheusCollector creates a collector with its own registry.
func NewPrometheusCollector() *PrometheusCollector {
	return metrics.NewPrometheusCollector()
}
