// Package redis provides a read-through cache for the Query/Projection API
// (spec §4.H), backed by github.com/redis/go-redis/v9, one of the
// teacher's domain dependencies. Caching here is purely an optimization:
// every cache miss falls back to the Store. Every decision append
// invalidates the affected workflow_id's entry; other workflow-state
// changes do not, so an entry can lag those until its TTL expires.
package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jordigilh/decisionorchestrator/pkg/domain"
)

// Cache wraps a redis.Client with the orchestrator's key conventions.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New wraps an already-constructed *redis.Client. cmd/orchestrator owns
// building the client (address, password, DB, TLS) from configuration.
func New(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{client: client, ttl: ttl}
}

type cachedWorkflow struct {
	Workflow  domain.Workflow   `json:"workflow"`
	Decisions []domain.Decision `json:"decisions"`
}

func workflowKey(workflowID string) string { return "orchestrator:workflow:" + workflowID }

// GetCurrent returns the cached (workflow, decisions) pair for workflowID,
// and false if there was no cache entry (a cache miss, not an error).
func (c *Cache) GetCurrent(ctx context.Context, workflowID string) (domain.Workflow, []domain.Decision, bool, error) {
	raw, err := c.client.Get(ctx, workflowKey(workflowID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return domain.Workflow{}, nil, false, nil
		}
		return domain.Workflow{}, nil, false, err
	}

	var cached cachedWorkflow
	if err := json.Unmarshal(raw, &cached); err != nil {
		return domain.Workflow{}, nil, false, err
	}
	return cached.Workflow, cached.Decisions, true, nil
}

// PutCurrent populates the cache after a Store read, at the freshly-read
// version.
func (c *Cache) PutCurrent(ctx context.Context, workflow domain.Workflow, decisions []domain.Decision) error {
	raw, err := json.Marshal(cachedWorkflow{Workflow: workflow, Decisions: decisions})
	if err != nil {
		return err
	}
	return c.client.Set(ctx, workflowKey(workflow.WorkflowID), raw, c.ttl).Err()
}

// Invalidate drops workflowID's cache entry. Called by the Decision
// Authority after each new decision append, so the next read observes the
// new decision instead of a stale cached copy.
func (c *Cache) Invalidate(ctx context.Context, workflowID string) error {
	return c.client.Del(ctx, workflowKey(workflowID)).Err()
}
