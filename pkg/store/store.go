// Package store defines the Workflow Store contract (spec §4.B): durable
// per-workflow state plus an append-only decision log. Concrete
// implementations live in pkg/store/memory (reference/testing) and
// pkg/store/postgres (production, sqlx+pgx backed).
package store

import (
	"context"

	"github.com/jordigilh/decisionorchestrator/pkg/domain"
)

// Mutation is applied to a workflow snapshot under the store's optimistic
// concurrency check; it returns the new snapshot (Signals/State/etc. already
// advanced) for the store to persist.
type Mutation func(current domain.Workflow) (domain.Workflow, error)

// Store is the durable per-workflow state + decision log contract. Every
// operation is durable before it returns. Only pkg/decision is wired with
// the AppendDecision capability in the dependency graph built by
// cmd/orchestrator — other components receive a narrower read/write view
// via the Reader/WorkflowWriter interfaces below.
type Store interface {
	Reader
	WorkflowWriter
	DecisionWriter
	EventRecorder
}

// Reader is the read-only surface used by the Query/Projection API (4.H),
// so reads never need the mutation capability and can be served without
// contending the serializer lock.
type Reader interface {
	Load(ctx context.Context, workflowID string) (domain.Workflow, []domain.Decision, error)
	ListWorkflows(ctx context.Context, filter ListFilter) ([]domain.Workflow, error)
}

// WorkflowWriter is the workflow-state mutation surface used by the State
// Machine (4.D) via the Serializer.
type WorkflowWriter interface {
	CreateIfAbsent(ctx context.Context, workflowID, tenantID string) (domain.Workflow, error)
	Apply(ctx context.Context, workflowID string, expectedVersion int64, mutate Mutation) (domain.Workflow, error)
}

// DecisionWriter is the single capability the Decision Authority (4.F) uses
// to append to the immutable decision log.
type DecisionWriter interface {
	AppendDecision(ctx context.Context, workflowID string, expectedVersion int64, decision domain.Decision) (domain.Decision, bool, error)
}

// EventRecorder records raw events for event_id idempotency ahead of
// dispatch (spec §4.B record_event). RecordEvent is called from inside the
// per-workflow actor, immediately before the event's state transition
// commits, so the isNew check and the mutation it gates happen on the
// same goroutine and can never race with themselves. UnrecordEvent
// compensates a RecordEvent whose state transition then failed to commit,
// so a client's retry of the same event_id is treated as new rather than
// silently suppressed.
type EventRecorder interface {
	RecordEvent(ctx context.Context, eventID string, event domain.Envelope) (isNew bool, err error)
	UnrecordEvent(ctx context.Context, eventID string) error
}

// ListFilter narrows a ListWorkflows query for investigator use (4.H).
type ListFilter struct {
	TenantID string
	State    domain.WorkflowState // empty = any
	Since    int64                // unix nanos, 0 = unbounded
	Until    int64                // unix nanos, 0 = unbounded
	Limit    int
}

// ErrNotFound is returned by Load when workflowID has never been seen.
var ErrNotFound = newSentinel("workflow not found")

type sentinelErr struct{ msg string }

func (e *sentinelErr) Error() string { return e.msg }

func newSentinel(msg string) error { return &sentinelErr{msg: msg} }
