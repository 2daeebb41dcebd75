package domain

import "time"

// WorkflowState is the closed set of states a Workflow may occupy.
type WorkflowState string

const (
	StatePending           WorkflowState = "pending"
	StateSignalsCollected  WorkflowState = "signals_collected"
	StateRiskEvaluated     WorkflowState = "risk_evaluated"
	StateFinalised         WorkflowState = "finalised"
	StateSuperseded        WorkflowState = "superseded"
)

// Workflow is the mutable per-subject projection the state machine
// advances. It is only ever mutated by the Serializer's active handler for
// its workflow_id.
type Workflow struct {
	WorkflowID           string
	TenantID             string
	State                WorkflowState
	Signals              map[string]any
	CurrentDecisionID    string // empty when none
	SignalsCompleteEmitted bool
	Version              int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Clone returns a deep-enough copy safe for a caller to mutate without
// affecting the original (Signals map is copied).
func (w Workflow) Clone() Workflow {
	cp := w
	cp.Signals = make(map[string]any, len(w.Signals))
	for k, v := range w.Signals {
		cp.Signals[k] = v
	}
	return cp
}

// HasCurrentDecision reports whether the workflow has an authoritative
// decision at all (needed to validate override targets).
func (w Workflow) HasCurrentDecision() bool {
	return w.CurrentDecisionID != ""
}
