// Package observability collects runtime metrics for the event-sourcing
// pipeline, the write-behind persistence layer and the resilience machinery.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics handles application metrics and monitoring
type Metrics struct {
	stageLatency    *prometheus.HistogramVec
	stageTotal      *prometheus.CounterVec
	ingressDepth    prometheus.Gauge
	ingressRejected prometheus.Counter

	wbQueueDepth   *prometheus.GaugeVec
	wbPendingBytes *prometheus.GaugeVec
	wbFlushLatency prometheus.Histogram
	wbFlushErrors  prometheus.Counter
	wbEvictions    prometheus.Counter

	breakerState  *prometheus.GaugeVec
	invokeAttempt *prometheus.CounterVec

	outboxPublished  prometheus.Counter
	outboxFailed     prometheus.Counter
	outboxDeadLetter prometheus.Counter

	sagaCompleted   *prometheus.CounterVec
	sagaCompensated *prometheus.CounterVec
}

// NewMetrics creates a metrics instance and registers all collectors
// on the given registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		stageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_latency_seconds",
			Help:      "Latency of each pipeline stage per event.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"domain", "stage"}),
		stageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_transitions_total",
			Help:      "Stage transitions by outcome.",
		}, []string{"domain", "stage", "outcome"}),
		ingressDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_ingress_depth",
			Help:      "Events queued at ingress.",
		}),
		ingressRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_ingress_rejected_total",
			Help:      "Submissions rejected with backpressure.",
		}),
		wbQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "writebehind_queue_depth",
			Help:      "Coalesced entries waiting to flush, per partition.",
		}, []string{"partition"}),
		wbPendingBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "writebehind_pending_bytes",
			Help:      "Approximate payload bytes waiting to flush, per partition.",
		}, []string{"partition"}),
		wbFlushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "writebehind_flush_latency_seconds",
			Help:      "Durable-tier flush latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		wbFlushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writebehind_flush_errors_total",
			Help:      "Failed durable-tier flushes.",
		}),
		wbEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hotstore_evictions_total",
			Help:      "Hot-tier evictions.",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Breaker state per resource (0 closed, 1 half-open, 2 open).",
		}, []string{"resource"}),
		invokeAttempt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoker_attempts_total",
			Help:      "Resilient invoker attempts by outcome.",
		}, []string{"resource", "outcome"}),
		outboxPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_published_total",
			Help:      "Outbox rows that reached PUBLISHED.",
		}),
		outboxFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_failed_attempts_total",
			Help:      "Failed outbox publish attempts.",
		}),
		outboxDeadLetter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_dead_lettered_total",
			Help:      "Outbox rows parked in the dead-letter queue.",
		}),
		sagaCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_completed_total",
			Help:      "Sagas that reached COMPLETED.",
		}, []string{"saga_type"}),
		sagaCompensated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_compensated_total",
			Help:      "Sagas that reached COMPENSATED.",
		}, []string{"saga_type"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.stageLatency, m.stageTotal, m.ingressDepth, m.ingressRejected,
			m.wbQueueDepth, m.wbPendingBytes, m.wbFlushLatency, m.wbFlushErrors, m.wbEvictions,
			m.breakerState, m.invokeAttempt,
			m.outboxPublished, m.outboxFailed, m.outboxDeadLetter,
			m.sagaCompleted, m.sagaCompensated,
		)
	}
	return m
}

// NopMetrics returns an unregistered metrics instance for tests.
func NopMetrics() *Metrics {
	return NewMetrics("orderflow_test", nil)
}

// RecordStage records one stage transition for an event.
func (m *Metrics) RecordStage(domain, stage string, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.stageLatency.WithLabelValues(domain, stage).Observe(duration.Seconds())
	m.stageTotal.WithLabelValues(domain, stage, outcome).Inc()
}

// SetIngressDepth sets the current ingress queue depth.
func (m *Metrics) SetIngressDepth(n int) { m.ingressDepth.Set(float64(n)) }

// RecordIngressRejected counts one backpressure rejection.
func (m *Metrics) RecordIngressRejected() { m.ingressRejected.Inc() }

// SetWriteBehindDepth reports queue depth and pending bytes for a partition.
func (m *Metrics) SetWriteBehindDepth(partition string, depth int, bytes int) {
	m.wbQueueDepth.WithLabelValues(partition).Set(float64(depth))
	m.wbPendingBytes.WithLabelValues(partition).Set(float64(bytes))
}

// RecordFlush records a durable-tier flush.
func (m *Metrics) RecordFlush(duration time.Duration, err error) {
	m.wbFlushLatency.Observe(duration.Seconds())
	if err != nil {
		m.wbFlushErrors.Inc()
	}
}

// RecordEviction counts a hot-tier eviction.
func (m *Metrics) RecordEviction() { m.wbEvictions.Inc() }

// SetBreakerState publishes the breaker state for a resource.
func (m *Metrics) SetBreakerState(resource string, state int) {
	m.breakerState.WithLabelValues(resource).Set(float64(state))
}

// RecordInvokeAttempt counts one invoker attempt.
func (m *Metrics) RecordInvokeAttempt(resource string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.invokeAttempt.WithLabelValues(resource, outcome).Inc()
}

// RecordOutboxPublished counts a row reaching PUBLISHED.
func (m *Metrics) RecordOutboxPublished() { m.outboxPublished.Inc() }

// RecordOutboxFailure counts a failed publish attempt.
func (m *Metrics) RecordOutboxFailure() { m.outboxFailed.Inc() }

// RecordOutboxDeadLetter counts a row moved to the dead-letter queue.
func (m *Metrics) RecordOutboxDeadLetter() { m.outboxDeadLetter.Inc() }

// RecordSagaCompleted counts a saga terminalized as COMPLETED.
func (m *Metrics) RecordSagaCompleted(sagaType string) {
	m.sagaCompleted.WithLabelValues(sagaType).Inc()
}

// RecordSagaCompensated counts a saga terminalized as COMPENSATED.
func (m *Metrics) RecordSagaCompensated(sagaType string) {
	m.sagaCompensated.WithLabelValues(sagaType).Inc()
}
