package statemachine

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/decisionorchestrator/pkg/domain"
)

func TestStateMachine(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "State Machine Suite")
}

type alwaysCompletePolicy struct{ complete bool }

func (p alwaysCompletePolicy) SignalsComplete(string, map[string]any) bool { return p.complete }

func newWorkflow(state domain.WorkflowState) domain.Workflow {
	return domain.Workflow{
		WorkflowID: "wf1",
		TenantID:   "tenant-a",
		State:      state,
		Signals:    map[string]any{},
	}
}

var _ = Describe("Apply", func() {
	It("moves pending to signals_collected on selfie.uploaded without triggering risk", func() {
		w := newWorkflow(domain.StatePending)
		evt := domain.Envelope{EventType: domain.EventSelfieUploaded, Payload: domain.SelfieUploadedPayload{LivenessScore: 0.85}}

		result := Apply(w, evt, alwaysCompletePolicy{complete: false})

		Expect(result.Workflow.State).To(Equal(domain.StateSignalsCollected))
		Expect(result.Workflow.Signals["liveness_score"]).To(Equal(0.85))
		Expect(result.SideEffects).To(ConsistOf(SideEffect{Kind: SideEffectNone}))
	})

	It("transitions to risk_evaluated and requests invoke_risk once signals are complete", func() {
		w := newWorkflow(domain.StateSignalsCollected)
		evt := domain.Envelope{EventType: domain.EventMatchCompleted, Payload: domain.MatchCompletedPayload{MatchScore: 0.88}}

		result := Apply(w, evt, alwaysCompletePolicy{complete: true})

		Expect(result.Workflow.State).To(Equal(domain.StateRiskEvaluated))
		Expect(result.Workflow.SignalsCompleteEmitted).To(BeTrue())
		Expect(result.SideEffects).To(ConsistOf(SideEffect{Kind: SideEffectInvokeRisk}))
	})

	It("emits signals.complete at most once per workflow", func() {
		w := newWorkflow(domain.StateSignalsCollected)
		w.SignalsCompleteEmitted = true
		evt := domain.Envelope{EventType: domain.EventMatchCompleted, Payload: domain.MatchCompletedPayload{MatchScore: 0.5}}

		result := Apply(w, evt, alwaysCompletePolicy{complete: true})

		Expect(result.Workflow.State).To(Equal(domain.StateSignalsCollected))
		Expect(result.SideEffects).To(ConsistOf(SideEffect{Kind: SideEffectNone}))
	})

	It("does not re-trigger risk on further signal updates after risk_evaluated", func() {
		w := newWorkflow(domain.StateRiskEvaluated)
		w.SignalsCompleteEmitted = true
		evt := domain.Envelope{EventType: domain.EventDocumentUploaded, Payload: domain.DocumentUploadedPayload{DocumentType: "passport", QualityScore: 0.9}}

		result := Apply(w, evt, alwaysCompletePolicy{complete: true})

		Expect(result.Workflow.State).To(Equal(domain.StateRiskEvaluated))
		Expect(result.SideEffects).To(ConsistOf(SideEffect{Kind: SideEffectNone}))
	})

	It("finalises on risk.returned from risk_evaluated", func() {
		w := newWorkflow(domain.StateRiskEvaluated)
		evt := domain.Envelope{EventType: domain.EventRiskReturned, Payload: domain.RiskReturnedPayload{Result: domain.RiskResult{Band: domain.RiskBandLow}}}

		result := Apply(w, evt, nil)

		Expect(result.Workflow.State).To(Equal(domain.StateFinalised))
		Expect(result.SideEffects).To(ConsistOf(SideEffect{Kind: SideEffectEmitDecision}))
	})

	It("accepts late-arriving signals after finalised without reopening the workflow", func() {
		w := newWorkflow(domain.StateFinalised)
		w.CurrentDecisionID = "dec-1"
		evt := domain.Envelope{EventType: domain.EventSelfieUploaded, Payload: domain.SelfieUploadedPayload{LivenessScore: 0.99}}

		result := Apply(w, evt, alwaysCompletePolicy{complete: true})

		Expect(result.Workflow.State).To(Equal(domain.StateFinalised))
		Expect(result.Workflow.Signals["liveness_score"]).To(Equal(0.99))
		Expect(result.SideEffects).To(ConsistOf(SideEffect{Kind: SideEffectRecordNoOp}))
	})

	It("supersedes a finalised workflow on override.applied", func() {
		w := newWorkflow(domain.StateFinalised)
		w.CurrentDecisionID = "dec-1"
		evt := domain.Envelope{EventType: domain.EventOverrideApplied, Payload: domain.OverrideAppliedPayload{NewOutcome: domain.OverrideDecline, Reason: "manual review", AuthorizedBy: "inv_007"}}

		result := Apply(w, evt, nil)

		Expect(result.Workflow.State).To(Equal(domain.StateSuperseded))
		Expect(result.SideEffects).To(ConsistOf(SideEffect{Kind: SideEffectEmitOverride}))
	})

	It("no-ops an override against a workflow with no prior decision", func() {
		w := newWorkflow(domain.StatePending)
		evt := domain.Envelope{EventType: domain.EventOverrideApplied, Payload: domain.OverrideAppliedPayload{NewOutcome: domain.OverrideDecline, Reason: "x", AuthorizedBy: "inv_007"}}

		result := Apply(w, evt, nil)

		Expect(result.Workflow.State).To(Equal(domain.StatePending))
		Expect(result.SideEffects).To(ConsistOf(SideEffect{Kind: SideEffectRecordNoOp}))
	})
})
