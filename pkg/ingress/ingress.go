// Package ingress implements the Ingress Dispatcher (spec §4.G): the HTTP
// surface that accepts events, validates and hands them to the Serializer,
// and answers read queries via the Query/Projection API. Routing is
// github.com/go-chi/chi/v5 with github.com/go-chi/cors, both teacher
// dependencies.
package ingress

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	apperrors "github.com/jordigilh/decisionorchestrator/internal/errors"
	"github.com/jordigilh/decisionorchestrator/pkg/deadletter"
	"github.com/jordigilh/decisionorchestrator/pkg/domain"
	"github.com/jordigilh/decisionorchestrator/pkg/envelope"
	"github.com/jordigilh/decisionorchestrator/pkg/metrics"
	"github.com/jordigilh/decisionorchestrator/pkg/query"
	"github.com/jordigilh/decisionorchestrator/pkg/store"
)

// Submitter is the Serializer capability the dispatcher drives.
type Submitter interface {
	Submit(ctx context.Context, event domain.Envelope) error
}

// RetryPolicy bounds the dead-lettering retry loop for transient Submit
// failures (store unavailability, mostly). Permanent failures (validation,
// invalid override target) are never retried.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = 50 * time.Millisecond
	}
	if p.BackoffCap <= 0 {
		p.BackoffCap = 2 * time.Second
	}
	return p
}

// Dispatcher wires the HTTP routes of spec §4.G/§4.H together.
type Dispatcher struct {
	validator  *envelope.Validator
	submitter  Submitter
	query      *query.API
	deadLetter deadletter.Store
	metrics    *metrics.Registry
	retry      RetryPolicy
	logger     *logrus.Entry
	rand       *rand.Rand
}

// New builds a Dispatcher and its chi.Router.
func New(submitter Submitter, queryAPI *query.API, deadLetter deadletter.Store, reg *metrics.Registry, retry RetryPolicy, allowedOrigins []string, logger *logrus.Logger) (*Dispatcher, chi.Router) {
	d := &Dispatcher{
		validator:  envelope.New(),
		submitter:  submitter,
		query:      queryAPI,
		deadLetter: deadLetter,
		metrics:    reg,
		retry:      retry.withDefaults(),
		logger:     logger.WithField("component", "ingress"),
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}))

	r.Get("/health", d.handleHealth)
	r.Get("/ready", d.handleReady)
	r.Post("/events", d.handleSubmitEvent)
	r.Get("/workflows/{workflowID}/current", d.handleGetCurrent)
	r.Get("/workflows/{workflowID}/decisions", d.handleGetTimeline)
	r.Get("/workflows", d.handleListWorkflows)

	return d, r
}

func (d *Dispatcher) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (d *Dispatcher) handleReady(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (d *Dispatcher) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	var raw envelope.Raw
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, apperrors.Wrap(err, apperrors.ErrorTypeMalformedEvent, "request body is not valid JSON"))
		return
	}

	event, err := d.validator.Validate(raw)
	if err != nil {
		writeError(w, err)
		return
	}

	d.metrics.EventsIngestedTotal.WithLabelValues(string(event.EventType)).Inc()

	if err := d.submitWithRetry(r.Context(), event); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "event_id": event.EventID})
}

// submitWithRetry retries a transient Submit failure with exponential
// backoff and full jitter, up to RetryPolicy.MaxAttempts, then dead-letters
// the event rather than failing the request forever.
func (d *Dispatcher) submitWithRetry(ctx context.Context, event domain.Envelope) error {
	var lastErr error
	for attempt := 0; attempt < d.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(d.backoffDelay(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := d.submitter.Submit(ctx, event)
		if err == nil {
			return nil
		}
		lastErr = err
		if !apperrors.IsRetriable(err) {
			return err
		}
	}

	d.metrics.DeadLetteredTotal.WithLabelValues(string(event.EventType)).Inc()
	if d.deadLetter != nil {
		if recErr := d.deadLetter.Record(ctx, event, string(apperrors.GetType(lastErr)), d.retry.MaxAttempts); recErr != nil {
			d.logger.WithError(recErr).WithField("event_id", event.EventID).Error("failed to record dead-lettered event")
		}
	}
	d.logger.WithError(lastErr).WithField("event_id", event.EventID).Error("event dead-lettered after exhausting retries")
	return lastErr
}

func (d *Dispatcher) backoffDelay(attempt int) time.Duration {
	exp := d.retry.BackoffBase << uint(attempt-1)
	if exp <= 0 || exp > d.retry.BackoffCap {
		exp = d.retry.BackoffCap
	}
	return time.Duration(d.rand.Int63n(int64(exp)))
}

func (d *Dispatcher) handleGetCurrent(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	decision, err := d.query.GetCurrent(r.Context(), workflowID)
	if err != nil {
		writeError(w, err)
		return
	}
	if decision == nil {
		writeJSON(w, http.StatusOK, map[string]any{"current_decision": nil})
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (d *Dispatcher) handleGetTimeline(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	timeline, err := d.query.GetTimeline(r.Context(), workflowID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, timeline)
}

func (d *Dispatcher) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{
		TenantID: r.URL.Query().Get("tenant_id"),
		State:    domain.WorkflowState(r.URL.Query().Get("state")),
	}
	jqExpr := r.URL.Query().Get("filter")

	workflows, err := d.query.FilterWorkflows(r.Context(), filter, jqExpr)
	if err != nil {
		writeError(w, apperrors.Wrap(err, apperrors.ErrorTypeValidation, "invalid filter expression"))
		return
	}
	writeJSON(w, http.StatusOK, workflows)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperrors.GetStatusCode(err), map[string]string{"error": apperrors.SafeErrorMessage(err)})
}
