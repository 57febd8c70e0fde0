package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector exports engine events as Prometheus metrics.
type PrometheusCollector struct {
	registry *prometheus.Registry

	opLatency   *prometheus.HistogramVec
	queries     *prometheus.CounterVec
	writes      *prometheus.CounterVec
	checkpoints *prometheus.CounterVec
	ckptBytes   prometheus.Counter
	compactions *prometheus.CounterVec
	reclaimed   prometheus.Counter
	drops       *prometheus.CounterVec
}

// NewPrometheusCollector registers the metrics on a private registry. Use
// Handler to expose them.
func NewPrometheusCollector() *PrometheusCollector {
	p := &PrometheusCollector{
		registry: prometheus.NewRegistry(),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vectra_operation_latency_seconds",
			Help:    "Latency of engine operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"op", "status"}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vectra_queries_total",
			Help: "SQL statements executed",
		}, []string{"kind", "status"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vectra_writes_total",
			Help: "Row writes processed",
		}, []string{"type", "status"}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vectra_checkpoints_total",
			Help: "Checkpoints attempted",
		}, []string{"status"}),
		ckptBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vectra_checkpoint_bytes_total",
			Help: "Bytes written by checkpoints",
		}),
		compactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vectra_compactions_total",
			Help: "Index compactions completed",
		}, []string{"status"}),
		reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vectra_compaction_reclaimed_nodes_total",
			Help: "Tombstoned graph nodes removed by compaction",
		}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vectra_bus_dropped_total",
			Help: "Change-bus messages dropped under backpressure",
		}, []string{"topic"}),
	}
	p.registry.MustRegister(
		p.opLatency,
		p.queries,
		p.writes,
		p.checkpoints,
		p.ckptBytes,
		p.compactions,
		p.reclaimed,
		p.drops,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

// Registry returns the registry the collector writes to.
func (p *PrometheusCollector) Registry() *prometheus.Registry { return p.registry }

// Handler serves the exposition format.
func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordQuery implements Collector.
func (p *PrometheusCollector) RecordQuery(kind string, d time.Duration, err error) {
	p.opLatency.WithLabelValues("query", status(err)).Observe(d.Seconds())
	p.queries.WithLabelValues(kind, status(err)).Inc()
}

// RecordInsert implements Collector.
func (p *PrometheusCollector) RecordInsert(d time.Duration, err error) {
	p.opLatency.WithLabelValues("insert", status(err)).Observe(d.Seconds())
	p.writes.WithLabelValues("insert", status(err)).Inc()
}

// RecordSearch implements Collector.
func (p *PrometheusCollector) RecordSearch(_ int, d time.Duration, err error) {
	p.opLatency.WithLabelValues("search", status(err)).Observe(d.Seconds())
}

// RecordDelete implements Collector.
func (p *PrometheusCollector) RecordDelete(d time.Duration, err error) {
	p.opLatency.WithLabelValues("delete", status(err)).Observe(d.Seconds())
	p.writes.WithLabelValues("delete", status(err)).Inc()
}

// RecordCheckpoint implements Collector.
func (p *PrometheusCollector) RecordCheckpoint(d time.Duration, bytes int64, err error) {
	p.opLatency.WithLabelValues("checkpoint", status(err)).Observe(d.Seconds())
	p.checkpoints.WithLabelValues(status(err)).Inc()
	if err == nil {
		p.ckptBytes.Add(float64(bytes))
	}
}

// RecordCompaction implements Collector.
func (p *PrometheusCollector) RecordCompaction(d time.Duration, reclaimed int, err error) {
	p.opLatency.WithLabelValues("compaction", status(err)).Observe(d.Seconds())
	p.compactions.WithLabelValues(status(err)).Inc()
	if err == nil {
		p.reclaimed.Add(float64(reclaimed))
	}
}

// RecordDrop implements Collector.
func (p *PrometheusCollector) RecordDrop(topic string) {
	p.drops.WithLabelValues(topic).Inc()
}
