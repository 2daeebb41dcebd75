// Package serializer implements the Per-Workflow Serializer (spec §4.C): a
// keyed actor per workflow_id that processes that workflow's events one at
// a time, in arrival order, so the State Machine and Store never observe
// concurrent mutation of a single workflow. Actors are created lazily on
// first arrival and reaped after an idle TTL with an empty queue.
package serializer

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/jordigilh/decisionorchestrator/internal/errors"
	"github.com/jordigilh/decisionorchestrator/pkg/decision"
	"github.com/jordigilh/decisionorchestrator/pkg/domain"
	"github.com/jordigilh/decisionorchestrator/pkg/metrics"
	"github.com/jordigilh/decisionorchestrator/pkg/statemachine"
	"github.com/jordigilh/decisionorchestrator/pkg/store"
	"github.com/jordigilh/decisionorchestrator/pkg/telemetry"
)

// Store is the narrow view of pkg/store.Store the Serializer needs. It
// never receives DecisionWriter: only pkg/decision appends to the decision
// log, and this interface makes it structurally impossible for the
// Serializer to do so by accident.
type Store interface {
	store.Reader
	store.WorkflowWriter
	store.EventRecorder
}

// RiskInvoker is the Risk Client capability driven on the invoke_risk side
// effect.
type RiskInvoker interface {
	Evaluate(ctx context.Context, snapshot domain.Workflow) (domain.RiskResult, error)
}

// DecisionFinaliser is the Decision Authority capability driven on
// emit_decision / emit_override_decision side effects.
type DecisionFinaliser interface {
	Finalise(ctx context.Context, workflow domain.Workflow, expectedVersion int64, cause decision.CauseEvent, riskOutcome domain.RiskReturnedPayload, jurisdiction string, overrideCtx *decision.OverrideContext) (domain.Decision, error)
}

// Config bounds the per-workflow actor pool (spec §6.4).
type Config struct {
	// WorkerCap bounds total concurrent event-handling cycles across every
	// workflow actor. Per-workflow ordering is already guaranteed by the
	// keyed actor below; WorkerCap instead bounds inter-workflow
	// parallelism (spec §5: "unbounded up to a configured worker cap").
	WorkerCap       int
	QueueDepth      int
	ActorIdleTTL    time.Duration
	HandlerDeadline time.Duration
}

func (c Config) withDefaults() Config {
	if c.WorkerCap <= 0 {
		c.WorkerCap = 64
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 64
	}
	if c.ActorIdleTTL <= 0 {
		c.ActorIdleTTL = 5 * time.Minute
	}
	if c.HandlerDeadline <= 0 {
		c.HandlerDeadline = 30 * time.Second
	}
	return c
}

// Serializer is the Per-Workflow Serializer.
type Serializer struct {
	store   Store
	policy  statemachine.SignalCompletenessPolicy
	risk    RiskInvoker
	decider DecisionFinaliser
	cfg     Config
	logger  *logrus.Entry
	metrics *metrics.Registry
	tracer  *telemetry.Tracer

	mu     sync.Mutex
	actors map[string]*actor

	// workers bounds total in-flight handle() calls across every actor
	// goroutine to cfg.WorkerCap; each runActor acquires one slot for the
	// full, possibly-recursive handle() chain of a single enqueued event.
	workers chan struct{}
}

type actor struct {
	inbox    chan envelopeJob
	lastSeen time.Time
}

type envelopeJob struct {
	event domain.Envelope
}

// New builds a Serializer. It starts a background goroutine to reap idle
// actors and does not stop until the process exits; cmd/orchestrator owns
// the process lifetime. reg and tracer may both be nil in tests; production
// wiring always supplies both.
func New(st Store, policy statemachine.SignalCompletenessPolicy, risk RiskInvoker, decider DecisionFinaliser, cfg Config, logger *logrus.Logger, reg *metrics.Registry, tracer *telemetry.Tracer) *Serializer {
	resolved := cfg.withDefaults()
	s := &Serializer{
		store:   st,
		policy:  policy,
		risk:    risk,
		decider: decider,
		cfg:     resolved,
		logger:  logger.WithField("component", "serializer"),
		metrics: reg,
		tracer:  tracer,
		actors:  make(map[string]*actor),
		workers: make(chan struct{}, resolved.WorkerCap),
	}
	go s.reapIdleActors()
	return s
}

// Submit hands event to its workflow's actor, creating the workflow row and
// actor on first arrival, and returns once the workflow row exists and the
// event is enqueued — not once it has been processed. The Ingress Dispatcher
// responds "accepted" the moment Submit returns; a client reads the
// eventual outcome (risk evaluation, decision finalisation) back through
// the Query/Projection API rather than over the request. A full actor
// queue surfaces synchronously as ErrorTypeBackpressure, since that check
// happens at enqueue time; the ingress layer maps it to a retriable HTTP
// response.
//
// event_id dedup happens inside the actor (see handle), not here: recording
// the event before enqueueing would mark it seen even if the pipeline later
// failed, so a client retry of the same event_id would be silently
// suppressed instead of reprocessed.
func (s *Serializer) Submit(ctx context.Context, event domain.Envelope) error {
	if _, err := s.store.CreateIfAbsent(ctx, event.WorkflowID, event.TenantID); err != nil {
		return err
	}

	return s.enqueue(event.WorkflowID, envelopeJob{event: event})
}

// enqueue finds or creates the actor for workflowID and hands it job,
// atomically under the Serializer's mutex so actor creation, handoff, and
// idle reaping can never race each other.
func (s *Serializer) enqueue(workflowID string, job envelopeJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actors[workflowID]
	if !ok {
		a = &actor{inbox: make(chan envelopeJob, s.cfg.QueueDepth)}
		s.actors[workflowID] = a
		go s.runActor(workflowID, a)
	}
	a.lastSeen = time.Now()

	select {
	case a.inbox <- job:
		if s.metrics != nil {
			s.metrics.WorkflowQueueDepth.Observe(float64(len(a.inbox)))
		}
		return nil
	default:
		if s.metrics != nil {
			s.metrics.BackpressureTotal.WithLabelValues(workflowID).Inc()
		}
		return apperrors.New(apperrors.ErrorTypeBackpressure, "workflow queue is full").
			WithDetailsf("workflow_id=%s queue_depth=%d", workflowID, s.cfg.QueueDepth)
	}
}

// queueLen reports the current backlog for workflowID's actor, 0 if none
// exists. Exposed for tests that assert on backpressure timing.
func (s *Serializer) queueLen(workflowID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actors[workflowID]
	if !ok {
		return 0
	}
	return len(a.inbox)
}

// runActor processes workflowID's events one at a time. Submit has already
// returned to its caller by the time a job reaches here, so a handle error
// can no longer be reported over the original request: it is logged, and
// the workflow is left in whatever state the failed step committed (or
// didn't), visible to the Query API rather than to the original caller;
// pkg/alerting is not notified.
//
// Each iteration acquires one of cfg.WorkerCap slots before calling handle
// and releases it once handle (and any event it recursively generates,
// e.g. risk.returned) has fully returned, bounding total concurrent
// processing across every workflow actor rather than just this one.
func (s *Serializer) runActor(workflowID string, a *actor) {
	for job := range a.inbox {
		s.workers <- struct{}{}

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandlerDeadline)

		spanCtx := ctx
		var span trace.Span
		if s.tracer != nil {
			spanCtx, span = s.tracer.StartWorkflowSpan(ctx, "serializer.handle", workflowID, string(job.event.EventType), job.event.TenantID)
		}

		start := time.Now()
		err := s.handle(spanCtx, workflowID, job.event)
		if s.metrics != nil {
			s.metrics.HandlerDuration.WithLabelValues(string(job.event.EventType)).Observe(time.Since(start).Seconds())
		}
		if span != nil {
			telemetry.RecordError(span, err)
			span.End()
		}
		cancel()
		<-s.workers

		if err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"workflow_id": workflowID,
				"event_id":    job.event.EventID,
				"event_type":  job.event.EventType,
			}).Error("event handling failed")
		}

		s.mu.Lock()
		a.lastSeen = time.Now()
		s.mu.Unlock()
	}
}

// reapIdleActors periodically deletes actors whose inbox has been empty for
// longer than ActorIdleTTL. It never closes an actor's channel: the actor
// goroutine only exits when the Serializer itself is discarded (process
// shutdown), so a racing enqueue can never send on a channel nobody reads.
func (s *Serializer) reapIdleActors() {
	ticker := time.NewTicker(s.cfg.ActorIdleTTL / 2)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		for id, a := range s.actors {
			if len(a.inbox) == 0 && time.Since(a.lastSeen) > s.cfg.ActorIdleTTL {
				delete(s.actors, id)
			}
		}
		s.mu.Unlock()
	}
}

// handle runs on the single goroutine serializing workflowID, so the
// record-then-apply sequence below can never race with itself.
//
// The event is recorded first, and the record is kept only once applyEvent
// has durably committed the state transition: if applyEvent itself fails
// (store unavailable, stale version, invalid override target), the record
// is rolled back via UnrecordEvent so a retry of the
// same event_id starts over cleanly. Once the transition has committed,
// the record is kept even if runSideEffects subsequently fails: the state
// machine only re-triggers a side effect (e.g. invoke_risk) on the
// specific transition that requests it, so replaying the same event
// against the now-advanced workflow would silently no-op instead of
// retrying the side effect. A workflow parked after a failed side effect
// stays visible through the Query API; replaying the raw event does not
// recover it, and pkg/alerting is not notified of it.
func (s *Serializer) handle(ctx context.Context, workflowID string, event domain.Envelope) error {
	isNew, err := s.store.RecordEvent(ctx, event.EventID, event)
	if err != nil {
		return err
	}
	if !isNew {
		s.logger.WithField("event_id", event.EventID).Debug("duplicate event suppressed")
		return nil
	}

	newWorkflow, sideEffects, err := s.applyEvent(ctx, workflowID, event)
	if err != nil {
		if unrecErr := s.store.UnrecordEvent(ctx, event.EventID); unrecErr != nil {
			s.logger.WithError(unrecErr).WithField("event_id", event.EventID).Error("failed to unrecord event after failed apply")
		}
		return err
	}
	return s.runSideEffects(ctx, newWorkflow, event, sideEffects)
}

func (s *Serializer) applyEvent(ctx context.Context, workflowID string, event domain.Envelope) (domain.Workflow, []statemachine.SideEffect, error) {
	current, _, err := s.store.Load(ctx, workflowID)
	if err != nil {
		return domain.Workflow{}, nil, err
	}

	if event.EventType == domain.EventOverrideApplied && current.State != domain.StateFinalised {
		return domain.Workflow{}, nil, apperrors.Newf(apperrors.ErrorTypeInvalidOverrideTarget,
			"workflow %s is not in a finalised state and cannot be overridden", workflowID).
			WithDetailsf("current_state=%s", current.State)
	}

	var sideEffects []statemachine.SideEffect
	newWorkflow, err := s.store.Apply(ctx, workflowID, current.Version, func(c domain.Workflow) (domain.Workflow, error) {
		result := statemachine.Apply(c, event, s.policy)
		sideEffects = result.SideEffects
		return result.Workflow, nil
	})
	if err != nil {
		return domain.Workflow{}, nil, err
	}
	return newWorkflow, sideEffects, nil
}

func (s *Serializer) runSideEffects(ctx context.Context, workflow domain.Workflow, cause domain.Envelope, effects []statemachine.SideEffect) error {
	for _, effect := range effects {
		switch effect.Kind {
		case statemachine.SideEffectNone, statemachine.SideEffectRecordNoOp:
			continue

		case statemachine.SideEffectInvokeRisk:
			if err := s.invokeRisk(ctx, workflow, cause); err != nil {
				return err
			}

		case statemachine.SideEffectEmitDecision:
			if err := s.emitDecision(ctx, workflow, cause, nil); err != nil {
				return err
			}

		case statemachine.SideEffectEmitOverride:
			overrideCtx, err := overrideContextFrom(cause)
			if err != nil {
				return err
			}
			if err := s.emitDecision(ctx, workflow, cause, overrideCtx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Serializer) invokeRisk(ctx context.Context, workflow domain.Workflow, cause domain.Envelope) error {
	start := time.Now()
	result, riskErr := s.risk.Evaluate(ctx, workflow)
	if s.metrics != nil {
		s.metrics.RiskCallDuration.Observe(time.Since(start).Seconds())
	}
	if riskErr != nil {
		s.logger.WithError(riskErr).WithField("workflow_id", workflow.WorkflowID).Warn("risk evaluation failed")
	}
	riskEvent := domain.Envelope{
		EventID:       cause.EventID + "#risk_returned",
		EventType:     domain.EventRiskReturned,
		WorkflowID:    workflow.WorkflowID,
		TenantID:      workflow.TenantID,
		CorrelationID: cause.CorrelationID,
		Timestamp:     time.Now().UTC(),
		Payload:       domain.RiskReturnedPayload{Result: result, Err: riskErr},
	}
	return s.handle(ctx, workflow.WorkflowID, riskEvent)
}

func (s *Serializer) emitDecision(ctx context.Context, workflow domain.Workflow, cause domain.Envelope, overrideCtx *decision.OverrideContext) error {
	riskOutcome, _ := workflow.Signals["_risk_result"].(domain.RiskReturnedPayload)
	causeEvent := decision.CauseEvent{EventID: cause.EventID, CorrelationID: cause.CorrelationID}
	// jurisdiction is modelled as synonymous with tenant_id: this
	// deployment has at most one policy pack per tenant.
	_, err := s.decider.Finalise(ctx, workflow, workflow.Version, causeEvent, riskOutcome, workflow.TenantID, overrideCtx)
	return err
}

func overrideContextFrom(event domain.Envelope) (*decision.OverrideContext, error) {
	payload, ok := event.Payload.(domain.OverrideAppliedPayload)
	if !ok {
		return nil, apperrors.New(apperrors.ErrorTypeMalformedEvent, "override.applied event missing its payload")
	}
	return &decision.OverrideContext{NewOutcome: payload.NewOutcome, Reason: payload.Reason, AuthorizedBy: payload.AuthorizedBy}, nil
}
