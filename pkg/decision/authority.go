// Package decision implements the Decision Authority (spec §4.F): the only
// component permitted to construct and append decision.finalised records.
// Nothing outside this package holds a store.DecisionWriter reference in the
// dependency graph wired by cmd/orchestrator, which is how the
// single-emitter invariant is enforced structurally rather than by runtime
// checks.
package decision

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/jordigilh/decisionorchestrator/internal/errors"
	"github.com/jordigilh/decisionorchestrator/pkg/alerting"
	"github.com/jordigilh/decisionorchestrator/pkg/domain"
	"github.com/jordigilh/decisionorchestrator/pkg/metrics"
	"github.com/jordigilh/decisionorchestrator/pkg/policy"
	"github.com/jordigilh/decisionorchestrator/pkg/publisher"
	"github.com/jordigilh/decisionorchestrator/pkg/store"
	"github.com/jordigilh/decisionorchestrator/pkg/telemetry"
)

// CacheInvalidator drops a workflow's read-through cache entry after a
// durable mutation. Satisfied by *pkg/cache/redis.Cache; nil when no cache
// is configured (reads then go straight to the Store).
type CacheInvalidator interface {
	Invalidate(ctx context.Context, workflowID string) error
}

// decisionIDNamespace scopes the deterministic UUIDv5 decision_id so it
// cannot collide with UUIDs minted for unrelated purposes elsewhere in the
// system.
var decisionIDNamespace = uuid.MustParse("6f6d4f0a-8c9d-4e53-9b62-2f9a6d8e6a11")

// AuthorityIdentity names this process for decision.authority.decided_by /
// decision_id derivation.
type AuthorityIdentity struct {
	ServiceName    string
	ServiceVersion string
}

func (a AuthorityIdentity) key() string { return a.ServiceName + "@" + a.ServiceVersion }

// CauseEvent is the minimal event context a finalise call needs: the event
// that caused this decision (a signal event, or the override.applied
// event for overrides).
type CauseEvent struct {
	EventID       string
	CorrelationID string
}

// OverrideContext carries the human-supplied override payload when
// finalising an override decision.
type OverrideContext struct {
	NewOutcome   domain.OverrideOutcome
	Reason       string
	AuthorizedBy string
}

// Authority is the Decision Authority. Construct exactly one per process
// and give it (and nothing else) the store's DecisionWriter capability.
type Authority struct {
	writer    store.DecisionWriter
	mapper    policy.OutcomeMappingPolicy
	publisher publisher.Publisher
	notifier  alerting.Notifier
	cache     CacheInvalidator
	identity  AuthorityIdentity
	logger    *logrus.Entry
	metrics   *metrics.Registry
}

// New builds a Decision Authority. writer must not be shared with any other
// component. notifier and cache may both be nil: with no notifier,
// invariant violations are only logged, never paged; with no cache, reads
// fall back to the Store on every request instead of being invalidated.
func New(writer store.DecisionWriter, mapper policy.OutcomeMappingPolicy, pub publisher.Publisher, notifier alerting.Notifier, cache CacheInvalidator, identity AuthorityIdentity, logger *logrus.Logger, reg *metrics.Registry) *Authority {
	return &Authority{
		writer:    writer,
		mapper:    mapper,
		publisher: pub,
		notifier:  notifier,
		cache:     cache,
		identity:  identity,
		logger:    logger.WithField("component", "decision.authority"),
		metrics:   reg,
	}
}

// Finalise implements spec §4.F's algorithm. When overrideCtx is nil this
// finalises a normal risk-based decision; when non-nil it finalises an
// override, with lineage pointing at workflow.CurrentDecisionID.
func (a *Authority) Finalise(ctx context.Context, workflow domain.Workflow, expectedVersion int64, cause CauseEvent, riskOutcome domain.RiskReturnedPayload, jurisdiction string, overrideCtx *OverrideContext) (domain.Decision, error) {
	decisionID := computeDecisionID(workflow.WorkflowID, cause.EventID, a.identity.key())
	risk := riskOutcome.Result

	var outcome domain.Outcome
	var reasonCodes []string
	var confidence float64
	var policyRef domain.PolicyRef

	switch {
	case overrideCtx != nil:
		outcome = domain.Outcome(overrideCtx.NewOutcome)
		reasonCodes = []string{domain.ReasonManualOverride}
		confidence = 1.0
		policyRef = domain.PolicyRef{Jurisdiction: jurisdiction, PackID: "manual-override", PackVersion: "n/a"}

	case riskOutcome.Err != nil:
		// The Risk Client exhausted retries (or hit a permanent failure);
		// the workflow still needs a decision so it does not stall
		// forever, routed to human review with a reason code that
		// distinguishes "try again later" from "will never succeed".
		outcome = domain.OutcomeReview
		if apperrors.IsType(riskOutcome.Err, apperrors.ErrorTypeRiskPermanent) {
			reasonCodes = []string{domain.ReasonRiskUnavailablePermanent}
		} else {
			reasonCodes = []string{domain.ReasonRiskUnavailableTransient}
		}
		policyRef = domain.PolicyRef{Jurisdiction: jurisdiction, PackID: "risk-unavailable", PackVersion: "n/a"}

	default:
		mapping, err := a.mapper.MapOutcome(ctx, jurisdiction, risk)
		if err != nil {
			return domain.Decision{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "outcome mapping policy failed")
		}
		outcome = mapping.Outcome
		reasonCodes = mapping.ReasonCodes
		confidence = mapping.Confidence
		policyRef = domain.PolicyRef{Jurisdiction: jurisdiction, PackID: risk.PolicyID, PackVersion: "1"}
	}

	decision := domain.Decision{
		DecisionID:  decisionID,
		WorkflowID:  workflow.WorkflowID,
		TenantID:    workflow.TenantID,
		Outcome:     outcome,
		Confidence:  confidence,
		ReasonCodes: reasonCodes,
		RiskSummary: risk,
		Policy:      policyRef,
		Authority: domain.Authority{
			DecidedBy:      a.identity.ServiceName,
			ServiceVersion: a.identity.ServiceVersion,
			IsOverride:     overrideCtx != nil,
		},
		Subject: domain.Subject{
			SubjectType: "workflow",
			SubjectID:   workflow.WorkflowID,
			Action:      "resolve",
		},
		CorrelationID: cause.CorrelationID,
		CauseEventID:  cause.EventID,
		Timestamp:     time.Now().UTC(),
	}
	if overrideCtx != nil {
		decision.Authority.ActorID = overrideCtx.AuthorizedBy
		decision.Lineage.SupersedesDecisionID = workflow.CurrentDecisionID
	}

	appended, isNew, err := a.writer.AppendDecision(ctx, workflow.WorkflowID, expectedVersion, decision)
	if err != nil {
		telemetry.RecordError(trace.SpanFromContext(ctx), err)
		if apperrors.IsType(err, apperrors.ErrorTypeInvariantViolation) {
			if a.metrics != nil {
				a.metrics.InvariantViolations.Inc()
			}
			if a.notifier != nil {
				a.notifier.NotifyInvariantViolation(ctx, workflow.WorkflowID, err) //nolint:errcheck // alerting failure must not mask the original error
			}
		}
		return domain.Decision{}, err
	}
	if !isNew {
		a.logger.WithField("decision_id", appended.DecisionID).Debug("duplicate decision append suppressed")
		return appended, nil
	}

	telemetry.AnnotateDecision(trace.SpanFromContext(ctx), appended.DecisionID, string(appended.Outcome))

	if a.metrics != nil {
		a.metrics.DecisionsFinalised.WithLabelValues(string(appended.Outcome)).Inc()
	}
	if a.cache != nil {
		if err := a.cache.Invalidate(ctx, workflow.WorkflowID); err != nil {
			a.logger.WithError(err).WithField("workflow_id", workflow.WorkflowID).Warn("failed to invalidate cache entry after decision append")
		}
	}

	if err := a.publisher.Publish(ctx, appended); err != nil {
		// Publication failure does not undo the append: the decision is
		// already the durable source of truth. At-least-once delivery means
		// the publisher itself is responsible for retrying.
		a.logger.WithError(err).WithField("decision_id", appended.DecisionID).Warn("failed to publish decision.finalised")
	}

	return appended, nil
}

func computeDecisionID(workflowID, causeEventID, authority string) string {
	data := workflowID + "|" + causeEventID + "|" + authority
	return uuid.NewSHA1(decisionIDNamespace, []byte(data)).String()
}
