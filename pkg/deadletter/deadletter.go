// Package deadletter retains events that exhausted their retry budget
// (spec §9 open question, resolved in SPEC_FULL.md: default max_attempts=5)
// so an operator can inspect them. Neither the Query API nor any HTTP route
// exposes them, and nothing here resubmits them.
package deadletter

import (
	"context"
	"sync"
	"time"

	"github.com/jordigilh/decisionorchestrator/pkg/domain"
)

// Entry is one dead-lettered event.
type Entry struct {
	Event          domain.Envelope
	Reason         string
	Attempts       int
	DeadLetteredAt time.Time
}

// Store retains dead-lettered events for operator inspection.
type Store interface {
	Record(ctx context.Context, event domain.Envelope, reason string, attempts int) error
	List(ctx context.Context, tenantID string) ([]Entry, error)
}

// MemoryStore is an in-process Store and the only implementation;
// cmd/orchestrator wires it, so dead letters do not survive a restart.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Record(_ context.Context, event domain.Envelope, reason string, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, Entry{Event: event, Reason: reason, Attempts: attempts, DeadLetteredAt: time.Now().UTC()})
	return nil
}

func (m *MemoryStore) List(_ context.Context, tenantID string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tenantID == "" {
		out := make([]Entry, len(m.entries))
		copy(out, m.entries)
		return out, nil
	}
	var out []Entry
	for _, e := range m.entries {
		if e.Event.TenantID == tenantID {
			out = append(out, e)
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
