// Package statemachine implements the workflow State Machine (spec §4.D):
// a pure function of (current_state, event_type, signals, payload) to
// (new_state, signal_updates, side_effects). No IO happens here; the
// returned side effects are declarative instructions the Serializer carries
// out, which keeps this package trivially unit-testable.
package statemachine

import (
	"github.com/jordigilh/decisionorchestrator/pkg/domain"
)

// SideEffectKind enumerates the declarative instructions a transition may
// request.
type SideEffectKind string

const (
	SideEffectNone          SideEffectKind = "none"
	SideEffectInvokeRisk    SideEffectKind = "invoke_risk"
	SideEffectEmitDecision  SideEffectKind = "emit_decision"
	SideEffectEmitOverride  SideEffectKind = "emit_override_decision"
	SideEffectRecordNoOp    SideEffectKind = "record_no_op"
)

// SideEffect is a single instruction returned alongside a transition.
type SideEffect struct {
	Kind SideEffectKind
}

// SignalCompletenessPolicy decides, from a jurisdiction's configured
// required-signal set, whether enough signals have arrived to proceed to
// risk evaluation. Implemented concretely by pkg/policy (OPA-backed).
type SignalCompletenessPolicy interface {
	SignalsComplete(tenantID string, signals map[string]any) bool
}

// Result is the outcome of applying one event to one workflow snapshot.
type Result struct {
	Workflow    domain.Workflow
	SideEffects []SideEffect
}

// Apply advances workflow by one event, per the transition table in spec
// §4.D. It never performs IO; Risk Client invocation and decision emission
// are requested as side effects for the caller (the Serializer) to carry
// out against pkg/riskclient and pkg/decision respectively.
func Apply(workflow domain.Workflow, event domain.Envelope, policy SignalCompletenessPolicy) Result {
	w := workflow.Clone()

	switch event.EventType {
	case domain.EventSelfieUploaded, domain.EventDocumentUploaded, domain.EventMatchCompleted:
		return applySignalEvent(w, event, policy)
	case domain.EventSignalsComplete:
		return applySignalsComplete(w)
	case domain.EventRiskReturned:
		return applyRiskReturned(w, event)
	case domain.EventOverrideApplied:
		return applyOverride(w, event)
	default:
		return Result{Workflow: w, SideEffects: []SideEffect{{Kind: SideEffectRecordNoOp}}}
	}
}

func applySignalEvent(w domain.Workflow, event domain.Envelope, policy SignalCompletenessPolicy) Result {
	switch w.State {
	case domain.StatePending, domain.StateSignalsCollected:
		mergeSignals(w.Signals, event)
		w.State = domain.StateSignalsCollected

		if !w.SignalsCompleteEmitted && policy != nil && policy.SignalsComplete(w.TenantID, w.Signals) {
			w.SignalsCompleteEmitted = true
			w.State = domain.StateRiskEvaluated
			return Result{Workflow: w, SideEffects: []SideEffect{{Kind: SideEffectInvokeRisk}}}
		}
		return Result{Workflow: w, SideEffects: []SideEffect{{Kind: SideEffectNone}}}

	case domain.StateRiskEvaluated:
		// Further signal updates after signals.complete do not re-trigger risk.
		mergeSignals(w.Signals, event)
		return Result{Workflow: w, SideEffects: []SideEffect{{Kind: SideEffectNone}}}

	case domain.StateFinalised, domain.StateSuperseded:
		// Late-arriving signals: recorded, no re-opening of the workflow.
		mergeSignals(w.Signals, event)
		return Result{Workflow: w, SideEffects: []SideEffect{{Kind: SideEffectRecordNoOp}}}

	default:
		return Result{Workflow: w, SideEffects: []SideEffect{{Kind: SideEffectRecordNoOp}}}
	}
}

func applySignalsComplete(w domain.Workflow) Result {
	if w.State != domain.StateSignalsCollected || w.SignalsCompleteEmitted {
		return Result{Workflow: w, SideEffects: []SideEffect{{Kind: SideEffectRecordNoOp}}}
	}
	w.SignalsCompleteEmitted = true
	w.State = domain.StateRiskEvaluated
	return Result{Workflow: w, SideEffects: []SideEffect{{Kind: SideEffectInvokeRisk}}}
}

func applyRiskReturned(w domain.Workflow, event domain.Envelope) Result {
	if w.State != domain.StateRiskEvaluated {
		return Result{Workflow: w, SideEffects: []SideEffect{{Kind: SideEffectRecordNoOp}}}
	}
	if payload, ok := event.Payload.(domain.RiskReturnedPayload); ok {
		w.Signals["_risk_result"] = payload
	}
	w.State = domain.StateFinalised
	return Result{Workflow: w, SideEffects: []SideEffect{{Kind: SideEffectEmitDecision}}}
}

func applyOverride(w domain.Workflow, event domain.Envelope) Result {
	if w.State != domain.StateFinalised {
		// InvalidOverrideTarget is surfaced by the Serializer, which checks the
		// workflow's state before applying an override; the state machine
		// itself stays a pure no-op so it remains total over all states.
		return Result{Workflow: w, SideEffects: []SideEffect{{Kind: SideEffectRecordNoOp}}}
	}
	w.State = domain.StateSuperseded
	return Result{Workflow: w, SideEffects: []SideEffect{{Kind: SideEffectEmitOverride}}}
}

func mergeSignals(signals map[string]any, event domain.Envelope) {
	switch p := event.Payload.(type) {
	case domain.SelfieUploadedPayload:
		signals["liveness_score"] = p.LivenessScore
		signals["liveness_confidence"] = p.Confidence
		signals["face_centered"] = p.FaceCentered
		signals["face_size"] = p.FaceSize
	case domain.DocumentUploadedPayload:
		signals["document_type"] = p.DocumentType
		signals["document_quality"] = p.QualityScore
	case domain.MatchCompletedPayload:
		signals["match_score"] = p.MatchScore
		signals["match_model_ids"] = p.ModelIDs
	}
}
