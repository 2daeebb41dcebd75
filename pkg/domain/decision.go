package domain

import "time"

// Outcome is the closed set of decision outcomes.
type Outcome string

const (
	OutcomeApprove Outcome = "approve"
	OutcomeReview  Outcome = "review"
	OutcomeDecline Outcome = "decline"
)

// PolicyRef identifies the jurisdiction policy pack that produced a
// decision's outcome mapping.
type PolicyRef struct {
	Jurisdiction string
	PackID       string
	PackVersion  string
}

// Authority identifies the service (and, for overrides, the human actor)
// responsible for a decision.
type Authority struct {
	DecidedBy      string
	ServiceVersion string
	IsOverride     bool
	ActorID        string // set only when IsOverride
}

// Lineage links an override decision to the one it supersedes.
type Lineage struct {
	SupersedesDecisionID string // empty when this is not an override
}

// Subject identifies what the decision is about, for the outbound event.
type Subject struct {
	SubjectType string
	SubjectID   string
	Action      string
}

// Decision is an append-only record in a workflow's decision log. Only
// pkg/decision may construct one destined for Store.AppendDecision.
type Decision struct {
	DecisionID    string
	WorkflowID    string
	TenantID      string
	Outcome       Outcome
	Confidence    float64
	ReasonCodes   []string
	RiskSummary   RiskResult
	Policy        PolicyRef
	Authority     Authority
	Lineage       Lineage
	Subject       Subject
	CorrelationID string
	CauseEventID  string
	Timestamp     time.Time
}

// IsCurrent reports whether this decision is (at the moment it was read)
// the workflow's current, non-superseded decision.
func (d Decision) IsCurrent(workflow Workflow) bool {
	return workflow.CurrentDecisionID == d.DecisionID
}

// Reason codes used across the orchestrator; jurisdictions may add more via
// their policy pack's outcome mapping.
const (
	ReasonRiskUnavailablePermanent = "risk_unavailable_permanent"
	ReasonRiskUnavailableTransient = "risk_unavailable_transient"
	ReasonManualOverride           = "manual_override"
)
