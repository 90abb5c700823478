package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Registry holds the pipeline's metric instruments. A snapshot of every
// instrument is exposed for the monitoring dashboard collaborator.
type Registry struct {
	registry *prometheus.Registry

	// Counters
	EventsTotal        prometheus.Counter
	EventsFailed       prometheus.Counter
	AlertsTotal        *prometheus.CounterVec
	AlertsSuppressed   prometheus.Counter
	ValidationFailures *prometheus.CounterVec
	JobsRetried        prometheus.Counter
	JobsDeadLettered   prometheus.Counter
	BreakerRejections  prometheus.Counter

	// Gauges
	QueueDepth            *prometheus.GaugeVec
	ActiveWorkers         *prometheus.GaugeVec
	PoolActiveConnections prometheus.Gauge
	DLQDepth              *prometheus.GaugeVec

	// Histograms
	ProcessingLatencyMs prometheus.Histogram
	DBQueryMs           prometheus.Histogram
}

// NewRegistry creates the instrument set on a private prometheus
// registry so tests never collide on the default one.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
		EventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_events_total",
			Help: "Audit events accepted by the pipeline",
		}),
		EventsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_events_failed",
			Help: "Audit events that permanently failed processing",
		}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_alerts_total",
			Help: "Alerts raised, by severity",
		}, []string{"severity"}),
		AlertsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_alerts_suppressed",
			Help: "Alert candidates dropped by dedupe",
		}),
		ValidationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_validation_failures",
			Help: "Events rejected by validation, by reason",
		}, []string{"reason"}),
		JobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_jobs_retried",
			Help: "Queue jobs re-enqueued after a retryable failure",
		}),
		JobsDeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_jobs_dead_lettered",
			Help: "Queue jobs routed to the dead-letter queue",
		}),
		BreakerRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_breaker_rejections",
			Help: "Jobs rejected while a circuit breaker was open",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "audit_queue_depth",
			Help: "Pending jobs per queue",
		}, []string{"queue"}),
		ActiveWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "audit_active_workers",
			Help: "Workers currently executing a job, per queue",
		}, []string{"queue"}),
		PoolActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audit_pool_active_connections",
			Help: "Acquired connections in the database pool",
		}),
		DLQDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "audit_dlq_depth",
			Help: "Dead-lettered jobs per queue",
		}, []string{"queue"}),
		ProcessingLatencyMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "audit_processing_latency_ms",
			Help:    "End-to-end job processing latency in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}),
		DBQueryMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "audit_db_query_ms",
			Help:    "Database query duration in milliseconds",
			Buckets: []float64{0.5, 1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}),
	}

	reg.MustRegister(
		r.EventsTotal, r.EventsFailed, r.AlertsTotal, r.AlertsSuppressed,
		r.ValidationFailures, r.JobsRetried, r.JobsDeadLettered, r.BreakerRejections,
		r.QueueDepth, r.ActiveWorkers, r.PoolActiveConnections, r.DLQDepth,
		r.ProcessingLatencyMs, r.DBQueryMs,
	)

	return r
}

// Gatherer exposes the underlying registry for an exposition endpoint.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.registry }

// Snapshot flattens every instrument into name→value pairs for the
// dashboard collaborator. Histograms report _count and _sum.
func (r *Registry) Snapshot() (map[string]float64, error) {
	families, err := r.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("gathering metrics: %w", err)
	}

	snapshot := make(map[string]float64)
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			name := fam.GetName()
			for _, label := range m.GetLabel() {
				name += fmt.Sprintf("{%s=%s}", label.GetName(), label.GetValue())
			}
			switch fam.GetType() {
			case dto.MetricType_COUNTER:
				snapshot[name] = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				snapshot[name] = m.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				snapshot[name+"_count"] = float64(m.GetHistogram().GetSampleCount())
				snapshot[name+"_sum"] = m.GetHistogram().GetSampleSum()
			}
		}
	}
	return snapshot, nil
}
