// Package domain holds the wire/data types shared by every orchestrator
// component: events, workflows, and decisions. Types here are closed
// enumerations and immutable-by-convention structs; no component outside
// pkg/decision may construct a Decision value intended for persistence.
package domain

import "time"

// EventType discriminates the inbound and internal event kinds of the
// orchestrator. It is a closed string enum so switches over it can be
// exhaustively checked in review, per the "string-typed outcomes" redesign
// guidance.
type EventType string

const (
	EventSelfieUploaded   EventType = "selfie.uploaded"
	EventDocumentUploaded EventType = "document.uploaded"
	EventMatchCompleted   EventType = "match.completed"
	EventSignalsComplete  EventType = "signals.complete" // internal only
	EventRiskReturned     EventType = "risk.returned"    // internal only
	EventOverrideApplied  EventType = "override.applied"
)

// InternalOnly reports whether t may only be produced by the state machine
// itself, never accepted from an external caller.
func (t EventType) InternalOnly() bool {
	return t == EventSignalsComplete || t == EventRiskReturned
}

// Known reports whether t is one of the enumerated event kinds.
func (t EventType) Known() bool {
	switch t {
	case EventSelfieUploaded, EventDocumentUploaded, EventMatchCompleted,
		EventSignalsComplete, EventRiskReturned, EventOverrideApplied:
		return true
	default:
		return false
	}
}

// Envelope is the canonical, validated representation of an inbound event.
// Event is never mutated after construction.
type Envelope struct {
	EventID       string
	EventType     EventType
	WorkflowID    string
	TenantID      string
	CorrelationID string
	Timestamp     time.Time
	Payload       Payload
}

// Payload is implemented by every typed, per-event_type payload, so the
// state machine consumes well-typed data rather than a generic map.
type Payload interface {
	isPayload()
}

// SelfieUploadedPayload is the payload of selfie.uploaded.
type SelfieUploadedPayload struct {
	LivenessScore float64
	Confidence    float64
	FaceCentered  bool
	FaceSize      float64
}

func (SelfieUploadedPayload) isPayload() {}

// DocumentUploadedPayload is the payload of document.uploaded.
type DocumentUploadedPayload struct {
	DocumentType string
	QualityScore float64
}

func (DocumentUploadedPayload) isPayload() {}

// MatchCompletedPayload is the payload of match.completed.
type MatchCompletedPayload struct {
	MatchScore float64
	ModelIDs   []string
}

func (MatchCompletedPayload) isPayload() {}

// SignalsCompletePayload carries no additional data; it is a pure trigger.
type SignalsCompletePayload struct{}

func (SignalsCompletePayload) isPayload() {}

// RiskReturnedPayload carries the outcome of a Risk Client call back into
// the state machine as an event.
type RiskReturnedPayload struct {
	Result RiskResult
	Err    error // non-nil when the risk call ultimately failed
}

func (RiskReturnedPayload) isPayload() {}

// OverrideOutcome is the closed enum of outcomes a human override may set.
type OverrideOutcome string

const (
	OverrideApprove OverrideOutcome = "approve"
	OverrideReview  OverrideOutcome = "review"
	OverrideDecline OverrideOutcome = "decline"
)

// OverrideAppliedPayload is the payload of override.applied.
type OverrideAppliedPayload struct {
	NewOutcome   OverrideOutcome
	Reason       string
	AuthorizedBy string
}

func (OverrideAppliedPayload) isPayload() {}

// RiskBand is the coarse risk classification returned by the Risk Client,
// consumed by the outcome-mapping policy.
type RiskBand string

const (
	RiskBandLow      RiskBand = "low"
	RiskBandMedium   RiskBand = "medium"
	RiskBandHigh     RiskBand = "high"
	RiskBandCritical RiskBand = "critical"
)

// RiskResult is the opaque structured value a successful Risk Client call
// returns; it becomes the decision's risk_summary verbatim.
type RiskResult struct {
	Band     RiskBand
	Score    float64
	Raw      map[string]any
	PolicyID string
}
