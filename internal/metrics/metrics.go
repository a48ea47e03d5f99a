// Package metrics exposes engine counters and gauges via Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the engine and the outbox pipeline report
// into. One instance per process; tests create their own.
type Metrics struct {
	registry *prometheus.Registry

	evaluations       *prometheus.CounterVec
	failOpen          prometheus.Counter
	degraded          prometheus.Counter
	velocityErrors    prometheus.Counter
	outboxEnqueued    prometheus.Counter
	outboxDropped     prometheus.Counter
	outboxAppended    prometheus.Counter
	outboxAppendFails prometheus.Counter
	publishSuccess    prometheus.Counter
	publishFailure    prometheus.Counter
	pendingReclaimed  prometheus.Counter

	publishLatency prometheus.Histogram

	outboxLagSeconds    prometheus.Gauge
	outboxPendingTotal  prometheus.Gauge
	outboxPendingOldest prometheus.Gauge
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_evaluations_total",
			Help: "Evaluations by type and engine mode.",
		}, []string{"evaluation_type", "engine_mode"}),
		failOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_fail_open_total",
			Help: "Decisions returned in FAIL_OPEN mode.",
		}),
		degraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_degraded_total",
			Help: "Decisions returned in DEGRADED mode.",
		}),
		velocityErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_velocity_errors_total",
			Help: "Velocity store failures absorbed as DEGRADED.",
		}),
		outboxEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_outbox_enqueued_total",
			Help: "AUTH decisions accepted by the outbox queue.",
		}),
		outboxDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_outbox_dropped_total",
			Help: "Oldest pending records dropped on queue overflow.",
		}),
		outboxAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_outbox_appended_total",
			Help: "Records durably appended to the outbox stream.",
		}),
		outboxAppendFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_outbox_append_failures_total",
			Help: "Stream append attempts that failed.",
		}),
		publishSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_publish_success_total",
			Help: "Decision events acknowledged by the bus.",
		}),
		publishFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_publish_failure_total",
			Help: "Decision event publish failures (entry left unacked).",
		}),
		pendingReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kestrel_outbox_pending_reclaimed_total",
			Help: "Idle pending entries reclaimed from crashed consumers.",
		}),
		publishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kestrel_publish_latency_seconds",
			Help:    "Bus publish latency per outbox entry.",
			Buckets: prometheus.DefBuckets,
		}),
		outboxLagSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kestrel_outbox_lag_seconds",
			Help: "Age of the most recently acked outbox entry.",
		}),
		outboxPendingTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kestrel_outbox_pending_total",
			Help: "Delivered-but-unacked entries in the outbox stream.",
		}),
		outboxPendingOldest: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kestrel_outbox_pending_oldest_idle_ms",
			Help: "Idle time of the oldest pending outbox entry.",
		}),
	}

	reg.MustRegister(
		m.evaluations, m.failOpen, m.degraded, m.velocityErrors,
		m.outboxEnqueued, m.outboxDropped, m.outboxAppended, m.outboxAppendFails,
		m.publishSuccess, m.publishFailure, m.pendingReclaimed,
		m.publishLatency,
		m.outboxLagSeconds, m.outboxPendingTotal, m.outboxPendingOldest,
	)
	return m
}

// Registry returns the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) RecordEvaluation(evalType, mode string) {
	m.evaluations.WithLabelValues(evalType, mode).Inc()
}

func (m *Metrics) IncrementFailOpen()       { m.failOpen.Inc() }
func (m *Metrics) IncrementDegraded()       { m.degraded.Inc() }
func (m *Metrics) IncrementVelocityErrors() { m.velocityErrors.Inc() }

func (m *Metrics) IncrementOutboxEnqueued()      { m.outboxEnqueued.Inc() }
func (m *Metrics) IncrementOutboxDropped()       { m.outboxDropped.Inc() }
func (m *Metrics) IncrementOutboxAppended()      { m.outboxAppended.Inc() }
func (m *Metrics) IncrementOutboxAppendFailure() { m.outboxAppendFails.Inc() }

func (m *Metrics) RecordPublishSuccess(latencySeconds float64) {
	m.publishSuccess.Inc()
	m.publishLatency.Observe(latencySeconds)
}

func (m *Metrics) IncrementPublishFailure() { m.publishFailure.Inc() }

func (m *Metrics) AddPendingReclaimed(n int) {
	m.pendingReclaimed.Add(float64(n))
}

func (m *Metrics) SetOutboxLagSeconds(lag float64) {
	m.outboxLagSeconds.Set(lag)
}

func (m *Metrics) SetOutboxPendingSummary(totalPending int64, oldestIdleMs int64) {
	m.outboxPendingTotal.Set(float64(totalPending))
	m.outboxPendingOldest.Set(float64(oldestIdleMs))
}
