// Package envelope implements the Event Envelope & Validator component
// (spec §4.A): it accepts a raw, untyped submission and either rejects it
// or produces a well-typed domain.Envelope that every downstream component
// can consume exhaustively.
package envelope

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/jordigilh/decisionorchestrator/internal/errors"
	"github.com/jordigilh/decisionorchestrator/pkg/domain"
)

// Raw is the untyped shape a caller submits over the wire (JSON body,
// message bus payload, etc.) before validation and payload discrimination.
type Raw struct {
	EventID       string         `json:"event_id" validate:"required"`
	EventType     string         `json:"event_type" validate:"required"`
	WorkflowID    string         `json:"workflow_id" validate:"required"`
	TenantID      string         `json:"tenant_id" validate:"required"`
	CorrelationID string         `json:"correlation_id"`
	Timestamp     time.Time      `json:"timestamp" validate:"required"`
	Payload       map[string]any `json:"payload"`
}

var structValidator = validator.New()

// Validator validates and normalises raw submissions into domain.Envelope
// values. It is stateless and safe for concurrent use.
type Validator struct{}

// New creates an envelope Validator.
func New() *Validator { return &Validator{} }

// Validate checks field presence, event type membership, and payload
// shape, normalises timestamps to UTC, and strips surrounding whitespace
// from identifiers.
func (v *Validator) Validate(raw Raw) (domain.Envelope, error) {
	raw.EventID = strings.TrimSpace(raw.EventID)
	raw.WorkflowID = strings.TrimSpace(raw.WorkflowID)
	raw.TenantID = strings.TrimSpace(raw.TenantID)
	raw.CorrelationID = strings.TrimSpace(raw.CorrelationID)
	raw.EventType = strings.TrimSpace(raw.EventType)

	if err := structValidator.Struct(raw); err != nil {
		return domain.Envelope{}, apperrors.Wrap(err, apperrors.ErrorTypeMalformedEvent, "envelope failed required-field validation")
	}

	eventType := domain.EventType(raw.EventType)
	if !eventType.Known() {
		return domain.Envelope{}, apperrors.Newf(apperrors.ErrorTypeUnknownEventType, "unknown event type %q", raw.EventType)
	}
	if eventType.InternalOnly() {
		return domain.Envelope{}, apperrors.Newf(apperrors.ErrorTypeUnknownEventType, "event type %q may not be submitted externally", raw.EventType)
	}

	payload, err := decodePayload(eventType, raw.Payload)
	if err != nil {
		return domain.Envelope{}, err
	}

	return domain.Envelope{
		EventID:       raw.EventID,
		EventType:     eventType,
		WorkflowID:    raw.WorkflowID,
		TenantID:      raw.TenantID,
		CorrelationID: raw.CorrelationID,
		Timestamp:     raw.Timestamp.UTC(),
		Payload:       payload,
	}, nil
}

func decodePayload(t domain.EventType, raw map[string]any) (domain.Payload, error) {
	switch t {
	case domain.EventSelfieUploaded:
		return domain.SelfieUploadedPayload{
			LivenessScore: floatField(raw, "liveness_score"),
			Confidence:    floatField(raw, "confidence"),
			FaceCentered:  boolField(raw, "face_centered"),
			FaceSize:      floatField(raw, "face_size"),
		}, nil
	case domain.EventDocumentUploaded:
		docType, _ := raw["document_type"].(string)
		if docType == "" {
			return nil, apperrors.New(apperrors.ErrorTypeMalformedEvent, "document.uploaded requires document_type")
		}
		return domain.DocumentUploadedPayload{
			DocumentType: docType,
			QualityScore: floatField(raw, "quality_score"),
		}, nil
	case domain.EventMatchCompleted:
		var modelIDs []string
		if raw["model_ids"] != nil {
			if list, ok := raw["model_ids"].([]any); ok {
				for _, v := range list {
					if s, ok := v.(string); ok {
						modelIDs = append(modelIDs, s)
					}
				}
			}
		}
		return domain.MatchCompletedPayload{
			MatchScore: floatField(raw, "match_score"),
			ModelIDs:   modelIDs,
		}, nil
	case domain.EventOverrideApplied:
		outcome, _ := raw["new_outcome"].(string)
		reason, _ := raw["reason"].(string)
		actor, _ := raw["authorized_by"].(string)
		if strings.TrimSpace(reason) == "" {
			return nil, apperrors.New(apperrors.ErrorTypeMalformedEvent, "override.applied requires a non-empty reason")
		}
		if actor == "" {
			return nil, apperrors.New(apperrors.ErrorTypeMalformedEvent, "override.applied requires authorized_by")
		}
		switch domain.OverrideOutcome(outcome) {
		case domain.OverrideApprove, domain.OverrideReview, domain.OverrideDecline:
		default:
			return nil, apperrors.Newf(apperrors.ErrorTypeMalformedEvent, "override.applied has invalid new_outcome %q", outcome)
		}
		return domain.OverrideAppliedPayload{
			NewOutcome:   domain.OverrideOutcome(outcome),
			Reason:       reason,
			AuthorizedBy: actor,
		}, nil
	default:
		return nil, apperrors.Newf(apperrors.ErrorTypeUnknownEventType, "no payload schema registered for %q", t)
	}
}

func floatField(raw map[string]any, key string) float64 {
	switch v := raw[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	default:
		return 0
	}
}

func boolField(raw map[string]any, key string) bool {
	b, _ := raw[key].(bool)
	return b
}
