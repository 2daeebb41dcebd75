// Package riskclient implements the Risk Client (spec §4.E): a synchronous
// call to an external risk service guarded by a per-call timeout, bounded
// retries with exponential backoff and jitter for transient failures, and a
// circuit breaker (github.com/sony/gobreaker) so a struggling risk service
// fails fast instead of piling up retries across every in-flight workflow.
package riskclient

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/sony/gobreaker"

	apperrors "github.com/jordigilh/decisionorchestrator/internal/errors"
	"github.com/jordigilh/decisionorchestrator/pkg/domain"
	"github.com/jordigilh/decisionorchestrator/pkg/metrics"
)

// Caller is the synchronous collaborator interface the spec describes as
// external (§1); Client wraps an implementation of it with timeout, retry,
// and circuit-breaking policy. A production Caller would be an HTTP client
// against the risk service; tests substitute a fake.
type Caller interface {
	Evaluate(ctx context.Context, snapshot domain.Workflow) (domain.RiskResult, error)
}

// Policy configures retry/backoff/timeout behaviour (spec §6.4).
type Policy struct {
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Client is the Risk Client: Evaluate either returns a result or an
// *errors.AppError of type ErrorTypeRiskTransient or ErrorTypeRiskPermanent.
type Client struct {
	caller  Caller
	policy  Policy
	breaker *gobreaker.CircuitBreaker
	rand    *rand.Rand
	metrics *metrics.Registry
}

// New builds a Client around caller using policy, with a circuit breaker
// that opens once at least 5 requests have been counted and 60% or more of
// them failed (counts are not reset while closed). reg may be nil in tests; production wiring
// always supplies it so orchestrator_risk_call_retries_total is observable.
func New(caller Caller, policy Policy, reg *metrics.Registry) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "risk-client",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
	})
	return &Client{caller: caller, policy: policy, breaker: breaker, rand: rand.New(rand.NewSource(time.Now().UnixNano())), metrics: reg}
}

// Evaluate calls the risk service, retrying TransientError per policy with
// exponential backoff and full jitter, capped by the overall context
// deadline. A PermanentError or exhausted retries are returned as a
// classified *errors.AppError for the state machine to act on.
func (c *Client) Evaluate(ctx context.Context, snapshot domain.Workflow) (domain.RiskResult, error) {
	var lastErr error

	for attempt := 0; attempt <= c.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			if c.metrics != nil {
				c.metrics.RiskCallRetriesTotal.Inc()
			}
			wait := c.backoffDelay(attempt)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return domain.RiskResult{}, apperrors.Wrap(ctx.Err(), apperrors.ErrorTypeRiskTransient, "risk context cancelled during backoff")
			}
		}

		result, err := c.callOnce(ctx, snapshot)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if isPermanent(err) {
			return domain.RiskResult{}, apperrors.Wrap(err, apperrors.ErrorTypeRiskPermanent, "risk service returned a permanent error")
		}
		if !isTransient(err) {
			return domain.RiskResult{}, apperrors.Wrap(err, apperrors.ErrorTypeRiskPermanent, "risk service returned an unclassified error")
		}
	}

	return domain.RiskResult{}, apperrors.Wrap(lastErr, apperrors.ErrorTypeRiskTransient, "risk service retries exhausted")
}

func (c *Client) callOnce(ctx context.Context, snapshot domain.Workflow) (domain.RiskResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.policy.Timeout)
	defer cancel()

	out, err := c.breaker.Execute(func() (any, error) {
		return c.caller.Evaluate(callCtx, snapshot)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return domain.RiskResult{}, TransientError{Cause: err}
		}
		return domain.RiskResult{}, err
	}
	return out.(domain.RiskResult), nil
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	base := c.policy.BackoffBase
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	backoffCap := c.policy.BackoffCap
	if backoffCap <= 0 {
		backoffCap = 10 * time.Second
	}
	exp := base << uint(attempt-1)
	if exp <= 0 || exp > backoffCap {
		exp = backoffCap
	}
	return time.Duration(c.rand.Int63n(int64(exp)))
}

// TransientError marks a risk-call failure the caller should retry.
type TransientError struct{ Cause error }

func (e TransientError) Error() string { return "risk call transient failure: " + e.Cause.Error() }
func (e TransientError) Unwrap() error { return e.Cause }

// PermanentError marks a risk-call failure that will never succeed on
// retry (e.g. a 4xx from the risk service, or a schema violation).
type PermanentError struct{ Cause error }

func (e PermanentError) Error() string { return "risk call permanent failure: " + e.Cause.Error() }
func (e PermanentError) Unwrap() error { return e.Cause }

func isTransient(err error) bool {
	var t TransientError
	return errors.As(err, &t)
}

func isPermanent(err error) bool {
	var p PermanentError
	return errors.As(err, &p)
}
