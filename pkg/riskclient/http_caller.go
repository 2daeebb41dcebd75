package riskclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jordigilh/decisionorchestrator/pkg/domain"
)

// HTTPCaller is the production Caller: a plain net/http POST against the
// configured risk-service endpoint. No HTTP client library appears among
// the teacher's or the pack's domain dependencies for this concern, so this
// is built directly on net/http (documented in the grounding ledger).
type HTTPCaller struct {
	endpoint string
	client   *http.Client
}

// NewHTTPCaller builds an HTTPCaller posting to endpoint using client.
func NewHTTPCaller(endpoint string, client *http.Client) *HTTPCaller {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPCaller{endpoint: endpoint, client: client}
}

type evaluateRequest struct {
	WorkflowID string         `json:"workflow_id"`
	TenantID   string         `json:"tenant_id"`
	Signals    map[string]any `json:"signals"`
}

type evaluateResponse struct {
	Band     domain.RiskBand `json:"band"`
	Score    float64         `json:"score"`
	PolicyID string          `json:"policy_id"`
	Raw      map[string]any  `json:"raw"`
}

// Evaluate posts the workflow's signals to the risk service and decodes its
// response. A non-2xx response below 500 is treated as PermanentError (the
// request itself was rejected and retrying it verbatim would not help); a
// 5xx or transport error is TransientError, making it eligible for Client's
// retry loop.
func (c *HTTPCaller) Evaluate(ctx context.Context, snapshot domain.Workflow) (domain.RiskResult, error) {
	body, err := json.Marshal(evaluateRequest{
		WorkflowID: snapshot.WorkflowID,
		TenantID:   snapshot.TenantID,
		Signals:    snapshot.Signals,
	})
	if err != nil {
		return domain.RiskResult{}, PermanentError{Cause: fmt.Errorf("encode risk request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.RiskResult{}, PermanentError{Cause: fmt.Errorf("build risk request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.RiskResult{}, TransientError{Cause: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 500 {
		return domain.RiskResult{}, TransientError{Cause: fmt.Errorf("risk service returned %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return domain.RiskResult{}, PermanentError{Cause: fmt.Errorf("risk service rejected request with %d", resp.StatusCode)}
	}

	var out evaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.RiskResult{}, PermanentError{Cause: fmt.Errorf("decode risk response: %w", err)}
	}

	return domain.RiskResult{Band: out.Band, Score: out.Score, PolicyID: out.PolicyID, Raw: out.Raw}, nil
}

var _ Caller = (*HTTPCaller)(nil)
