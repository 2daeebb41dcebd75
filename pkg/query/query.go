// Package query implements the Query/Projection API (spec §4.H): pure
// reads over workflow and decision state for investigator tooling. It only
// ever takes store.Reader, never the Serializer's actor map, so a read
// storm can never contend the per-workflow mutation path.
package query

import (
	"context"
	"fmt"

	"github.com/itchyny/gojq"

	"github.com/jordigilh/decisionorchestrator/pkg/domain"
	"github.com/jordigilh/decisionorchestrator/pkg/store"
)

// Reader is the read-only store capability this package depends on.
type Reader interface {
	Load(ctx context.Context, workflowID string) (domain.Workflow, []domain.Decision, error)
	ListWorkflows(ctx context.Context, filter store.ListFilter) ([]domain.Workflow, error)
}

// TimelineEntry is one decision in a workflow's timeline, annotated with
// whether it is the current (non-superseded) decision and what it
// supersedes, per spec §4.H.
type TimelineEntry struct {
	Decision   domain.Decision
	IsCurrent  bool
	Supersedes string
}

// API serves read-only queries over workflow/decision state.
type API struct {
	reader Reader
}

// New builds a query API over reader.
func New(reader Reader) *API {
	return &API{reader: reader}
}

// GetCurrent returns the workflow's current decision, or nil if none has
// been finalised yet.
func (a *API) GetCurrent(ctx context.Context, workflowID string) (*domain.Decision, error) {
	workflow, decisions, err := a.reader.Load(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !workflow.HasCurrentDecision() {
		return nil, nil
	}
	for _, d := range decisions {
		if d.DecisionID == workflow.CurrentDecisionID {
			return &d, nil
		}
	}
	return nil, nil
}

// GetTimeline returns every decision ever appended to workflowID, in
// chronological (append) order, each annotated with is_current/supersedes.
func (a *API) GetTimeline(ctx context.Context, workflowID string) ([]TimelineEntry, error) {
	workflow, decisions, err := a.reader.Load(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	entries := make([]TimelineEntry, len(decisions))
	for i, d := range decisions {
		entries[i] = TimelineEntry{
			Decision:   d,
			IsCurrent:  d.DecisionID == workflow.CurrentDecisionID,
			Supersedes: d.Lineage.SupersedesDecisionID,
		}
	}
	return entries, nil
}

// ListWorkflows returns every workflow matching filter's tenant/state/time
// bounds.
func (a *API) ListWorkflows(ctx context.Context, filter store.ListFilter) ([]domain.Workflow, error) {
	return a.reader.ListWorkflows(ctx, filter)
}

// FilterWorkflows additionally narrows a ListWorkflows result with a gojq
// expression (github.com/itchyny/gojq) evaluated against each workflow's
// JSON projection, e.g. `.state == "finalised" and .signals_complete_emitted`.
// This is the free-form escape hatch investigators reach for when
// ListFilter's fixed fields are not enough.
func (a *API) FilterWorkflows(ctx context.Context, filter store.ListFilter, jqExpr string) ([]domain.Workflow, error) {
	workflows, err := a.reader.ListWorkflows(ctx, filter)
	if err != nil {
		return nil, err
	}
	if jqExpr == "" {
		return workflows, nil
	}

	query, err := gojq.Parse(jqExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid filter expression: %w", err)
	}

	var out []domain.Workflow
	for _, w := range workflows {
		matched, err := matchesJQ(query, w)
		if err != nil {
			return nil, err
		}
		if matched {
			out = append(out, w)
		}
	}
	return out, nil
}

func matchesJQ(query *gojq.Query, workflow domain.Workflow) (bool, error) {
	input := map[string]any{
		"workflow_id":              workflow.WorkflowID,
		"tenant_id":                workflow.TenantID,
		"state":                    string(workflow.State),
		"signals":                  workflow.Signals,
		"current_decision_id":      workflow.CurrentDecisionID,
		"signals_complete_emitted": workflow.SignalsCompleteEmitted,
		"version":                  workflow.Version,
	}

	iter := query.Run(input)
	v, ok := iter.Next()
	if !ok {
		return false, nil
	}
	if err, ok := v.(error); ok {
		return false, err
	}
	result, _ := v.(bool)
	return result, nil
}
