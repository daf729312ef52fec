// Package metrics wires the service's Prometheus instrumentation. A
// Metrics value is constructed once at bootstrap and passed by reference to
// the components that produce measurements; there is no package-level
// global registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every metric the dispatcher and worker processes record.
type Metrics struct {
	Registry *prometheus.Registry

	QueueWaiting  *prometheus.GaugeVec
	QueueActive   *prometheus.GaugeVec
	ExecutionTime *prometheus.HistogramVec
	CacheHits     *prometheus.CounterVec
	CacheMisses   *prometheus.CounterVec
	JobsCompleted *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec
}

// New builds a Metrics value with a dedicated registry (never the global
// default registry, so tests and multiple instances in one process don't
// collide on metric registration).
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		QueueWaiting: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sentinel_queue_waiting",
			Help: "Number of jobs waiting in a language queue.",
		}, []string{"queue"}),
		QueueActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sentinel_queue_active",
			Help: "Number of jobs currently claimed and executing for a language queue.",
		}, []string{"queue"}),
		ExecutionTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_execution_duration_seconds",
			Help:    "Wall-clock duration of a single execution, including compile.",
			Buckets: prometheus.DefBuckets,
		}, []string{"language", "status"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_compile_cache_hits_total",
			Help: "Compile cache hits, by language.",
		}, []string{"language"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_compile_cache_misses_total",
			Help: "Compile cache misses, by language.",
		}, []string{"language"}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_jobs_completed_total",
			Help: "Executions whose result status was success, by language.",
		}, []string{"language"}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_jobs_failed_total",
			Help: "Executions whose result status was error, plus every Broker.Fail call including retried ones, by language.",
		}, []string{"language"}),
	}

	reg.MustRegister(
		m.QueueWaiting,
		m.QueueActive,
		m.ExecutionTime,
		m.CacheHits,
		m.CacheMisses,
		m.JobsCompleted,
		m.JobsFailed,
	)

	return m
}
