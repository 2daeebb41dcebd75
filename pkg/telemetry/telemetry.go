// Package telemetry provides a thin OpenTelemetry (go.opentelemetry.io/otel)
// tracing helper so every orchestrator component annotates its spans with
// the same workflow/event/decision attributes, instead of each package
// reaching for the otel API directly with inconsistent naming.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps a named otel.Tracer for the orchestrator's span conventions.
type Tracer struct {
	tracer trace.Tracer
}

// New returns a Tracer backed by the global TracerProvider under the given
// instrumentation name (cmd/orchestrator configures the provider itself).
func New(instrumentationName string) *Tracer {
	return &Tracer{tracer: otel.Tracer(instrumentationName)}
}

// StartWorkflowSpan starts a span for work on a given workflow, tagging it
// with workflow_id, event_type, and tenant_id.
func (t *Tracer) StartWorkflowSpan(ctx context.Context, spanName, workflowID, eventType, tenantID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("workflow_id", workflowID),
		attribute.String("event_type", eventType),
		attribute.String("tenant_id", tenantID),
	))
}

// AnnotateDecision adds decision_id and outcome attributes to an in-flight
// span, typically the span started by StartWorkflowSpan for the event that
// triggered finalisation.
func AnnotateDecision(span trace.Span, decisionID, outcome string) {
	span.SetAttributes(
		attribute.String("decision_id", decisionID),
		attribute.String("outcome", outcome),
	)
}

// RecordError marks span as failed and attaches err, the conventional otel
// pattern for surfacing a handler failure in a trace.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
