package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process-wide Prometheus collectors. Each instance owns
// its registry so tests can build as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	Processed         prometheus.Counter
	Rejected          *prometheus.CounterVec // by reason
	QueueOverflow     prometheus.Counter
	QueueDepth        prometheus.Gauge
	Discarded         prometheus.Counter
	ProcessingSeconds prometheus.Histogram
	BudgetOverruns    prometheus.Counter

	EstimatorResets prometheus.Counter
	GatedUpdates    prometheus.Counter
	Degraded        prometheus.Gauge

	Anomalies  *prometheus.CounterVec // by kind
	Violations *prometheus.CounterVec // by tier
	Runs       *prometheus.CounterVec // by metric

	SinkDrops *prometheus.CounterVec // by sink
}

const namespace = "telemetry"

// NewMetrics creates and registers every collector.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Processed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "samples_processed_total",
			Help: "Samples that produced an analytics record.",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "samples_rejected_total",
			Help: "Samples rejected before processing.",
		}, []string{"reason"}),
		QueueOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "queue_overflow_total",
			Help: "Samples dropped from the head of a full input queue.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Samples waiting in the input queue.",
		}),
		Discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "samples_discarded_total",
			Help: "Samples left in the queue when the shutdown grace period expired.",
		}),
		ProcessingSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "processing_seconds",
			Help:    "Per-sample processing time.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 12),
		}),
		BudgetOverruns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "budget_overruns_total",
			Help: "Samples whose processing exceeded the latency budget.",
		}),
		EstimatorResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "estimator_resets_total",
			Help: "Covariance divergence resets.",
		}),
		GatedUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "estimator_gated_total",
			Help: "GPS measurements rejected by the innovation gate.",
		}),
		Degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "estimator_degraded",
			Help: "1 while the estimator is dead reckoning without GPS.",
		}),
		Anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "anomalies_total",
			Help: "Anomaly events emitted.",
		}, []string{"kind"}),
		Violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "limit_violations_total",
			Help: "Limit violations opened.",
		}, []string{"tier"}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "performance_runs_total",
			Help: "Completed performance runs.",
		}, []string{"metric"}),
		SinkDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sink_drops_total",
			Help: "Records dropped by a full sink buffer.",
		}, []string{"sink"}),
	}
	m.Registry.MustRegister(
		m.Processed, m.Rejected, m.QueueOverflow, m.QueueDepth, m.Discarded,
		m.ProcessingSeconds, m.BudgetOverruns,
		m.EstimatorResets, m.GatedUpdates, m.Degraded,
		m.Anomalies, m.Violations, m.Runs, m.SinkDrops,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
