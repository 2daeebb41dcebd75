// Package metrics exposes the orchestrator's Prometheus instrumentation
// (github.com/prometheus/client_golang), one of the teacher's domain
// dependencies. A single Registry is constructed once by cmd/orchestrator
// and threaded through every component that needs to record a measurement,
// rather than relying on the default global registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every metric the orchestrator records.
type Registry struct {
	registerer prometheus.Registerer

	EventsIngestedTotal  *prometheus.CounterVec
	DecisionsFinalised   *prometheus.CounterVec
	WorkflowQueueDepth   prometheus.Histogram
	RiskCallDuration     prometheus.Histogram
	RiskCallRetriesTotal prometheus.Counter
	HandlerDuration      *prometheus.HistogramVec
	BackpressureTotal    *prometheus.CounterVec
	InvariantViolations  prometheus.Counter
	DeadLetteredTotal    *prometheus.CounterVec
}

// New registers every metric against reg and returns the bundle. reg is
// typically prometheus.NewRegistry(), not the global DefaultRegisterer, so
// tests can construct isolated instances.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		registerer: reg,
		EventsIngestedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_events_ingested_total",
			Help: "Total inbound events accepted by the ingress dispatcher, by event_type.",
		}, []string{"event_type"}),
		DecisionsFinalised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_decisions_finalised_total",
			Help: "Total decisions appended to the decision log, by outcome.",
		}, []string{"outcome"}),
		WorkflowQueueDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orchestrator_workflow_queue_depth",
			Help:    "Observed per-workflow actor queue depth at enqueue time.",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64},
		}),
		RiskCallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orchestrator_risk_call_duration_seconds",
			Help:    "Latency of calls to the external risk service, including retries.",
			Buckets: prometheus.DefBuckets,
		}),
		RiskCallRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_risk_call_retries_total",
			Help: "Total retry attempts made against the risk service.",
		}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_handler_duration_seconds",
			Help:    "Latency of a single event's handling by its workflow actor, by event_type.",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type"}),
		BackpressureTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_backpressure_total",
			Help: "Total requests rejected due to a full per-workflow queue.",
		}, []string{"workflow_id"}),
		InvariantViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_invariant_violations_total",
			Help: "Total detected violations of the single-emitter or decision_id-collision invariants.",
		}),
		DeadLetteredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_dead_lettered_total",
			Help: "Total events that exhausted their retry budget and were dead-lettered.",
		}, []string{"event_type"}),
	}

	reg.MustRegister(
		r.EventsIngestedTotal,
		r.DecisionsFinalised,
		r.WorkflowQueueDepth,
		r.RiskCallDuration,
		r.RiskCallRetriesTotal,
		r.HandlerDuration,
		r.BackpressureTotal,
		r.InvariantViolations,
		r.DeadLetteredTotal,
	)

	return r
}
