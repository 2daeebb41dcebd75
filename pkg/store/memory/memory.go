// Package memory is a reference Store implementation (spec §4.B) backed by
// an in-process map. It is used by unit tests and as the default store for
// single-process deployments that do not need cross-process durability; the
// production path is pkg/store/postgres.
package memory

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/jordigilh/decisionorchestrator/internal/errors"
	"github.com/jordigilh/decisionorchestrator/pkg/domain"
	"github.com/jordigilh/decisionorchestrator/pkg/store"
)

type record struct {
	workflow  domain.Workflow
	decisions []domain.Decision
}

// Store is an in-memory, mutex-guarded implementation of store.Store.
// Safe for concurrent use; a single mutex guards every record, so all
// operations are serialised across workflows.
type Store struct {
	mu          sync.Mutex
	workflows   map[string]*record
	decisionIDs map[string]string // decision_id -> workflow_id, for cross-workflow idempotency checks
	events      map[string]domain.Envelope
}

// New creates an empty in-memory Store.
func New() *Store {
	return &Store{
		workflows:   make(map[string]*record),
		decisionIDs: make(map[string]string),
		events:      make(map[string]domain.Envelope),
	}
}

func (s *Store) Load(_ context.Context, workflowID string) (domain.Workflow, []domain.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.workflows[workflowID]
	if !ok {
		return domain.Workflow{}, nil, store.ErrNotFound
	}
	decisions := make([]domain.Decision, len(rec.decisions))
	copy(decisions, rec.decisions)
	return rec.workflow.Clone(), decisions, nil
}

func (s *Store) ListWorkflows(_ context.Context, filter store.ListFilter) ([]domain.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Workflow
	for _, rec := range s.workflows {
		w := rec.workflow
		if filter.TenantID != "" && w.TenantID != filter.TenantID {
			continue
		}
		if filter.State != "" && w.State != filter.State {
			continue
		}
		if filter.Since != 0 && w.UpdatedAt.UnixNano() < filter.Since {
			continue
		}
		if filter.Until != 0 && w.UpdatedAt.UnixNano() > filter.Until {
			continue
		}
		out = append(out, w.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CreateIfAbsent(_ context.Context, workflowID, tenantID string) (domain.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.workflows[workflowID]; ok {
		return rec.workflow.Clone(), nil
	}
	now := time.Now()
	w := domain.Workflow{
		WorkflowID: workflowID,
		TenantID:   tenantID,
		State:      domain.StatePending,
		Signals:    map[string]any{},
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.workflows[workflowID] = &record{workflow: w}
	return w.Clone(), nil
}

func (s *Store) Apply(_ context.Context, workflowID string, expectedVersion int64, mutate store.Mutation) (domain.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.workflows[workflowID]
	if !ok {
		return domain.Workflow{}, store.ErrNotFound
	}
	if rec.workflow.Version != expectedVersion {
		return domain.Workflow{}, apperrors.Newf(apperrors.ErrorTypeStaleVersion,
			"expected version %d, stored version %d", expectedVersion, rec.workflow.Version)
	}

	next, err := mutate(rec.workflow.Clone())
	if err != nil {
		return domain.Workflow{}, err
	}
	next.Version = rec.workflow.Version + 1
	next.UpdatedAt = time.Now()
	rec.workflow = next
	return next.Clone(), nil
}

func (s *Store) AppendDecision(_ context.Context, workflowID string, expectedVersion int64, decision domain.Decision) (domain.Decision, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.workflows[workflowID]
	if !ok {
		return domain.Decision{}, false, store.ErrNotFound
	}

	if existingWorkflowID, dup := s.decisionIDs[decision.DecisionID]; dup {
		if existingWorkflowID != workflowID {
			return domain.Decision{}, false, apperrors.New(apperrors.ErrorTypeInvariantViolation, "decision_id collision across workflows")
		}
		for _, d := range rec.decisions {
			if d.DecisionID == decision.DecisionID {
				return d, false, nil // duplicate: idempotent no-op
			}
		}
	}

	if rec.workflow.Version != expectedVersion {
		return domain.Decision{}, false, apperrors.Newf(apperrors.ErrorTypeStaleVersion,
			"expected version %d, stored version %d", expectedVersion, rec.workflow.Version)
	}

	rec.decisions = append(rec.decisions, decision)
	s.decisionIDs[decision.DecisionID] = workflowID

	next := rec.workflow.Clone()
	next.CurrentDecisionID = decision.DecisionID
	next.State = domain.StateFinalised
	next.Version = rec.workflow.Version + 1
	next.UpdatedAt = time.Now()
	rec.workflow = next

	return decision, true, nil
}

func (s *Store) RecordEvent(_ context.Context, eventID string, event domain.Envelope) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[eventID]; exists {
		return false, nil
	}
	s.events[eventID] = event
	return true, nil
}

func (s *Store) UnrecordEvent(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.events, eventID)
	return nil
}

var _ store.Store = (*Store)(nil)
