// Package postgres is the production Workflow Store (spec §4.B), backed by
// PostgreSQL via sqlx and the pgx/v5 stdlib driver. Schema migrations live
// under pkg/store/postgres/migrations and are applied with goose.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	apperrors "github.com/jordigilh/decisionorchestrator/internal/errors"
	"github.com/jordigilh/decisionorchestrator/pkg/domain"
	"github.com/jordigilh/decisionorchestrator/pkg/store"
)

// Store is a sqlx-backed implementation of store.Store.
type Store struct {
	db     *sqlx.DB
	logger *logrus.Entry
}

// New wraps an already-connected sqlx.DB (driver "pgx").
func New(db *sqlx.DB, logger *logrus.Logger) *Store {
	return &Store{db: db, logger: logger.WithField("component", "store.postgres")}
}

type workflowRow struct {
	WorkflowID        string    `db:"workflow_id"`
	TenantID          string    `db:"tenant_id"`
	State             string    `db:"state"`
	Signals           []byte    `db:"signals"`
	CurrentDecisionID sql.NullString `db:"current_decision_id"`
	SignalsComplete   bool      `db:"signals_complete_emitted"`
	Version           int64     `db:"version"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (r workflowRow) toDomain() (domain.Workflow, error) {
	var signals map[string]any
	if len(r.Signals) > 0 {
		if err := json.Unmarshal(r.Signals, &signals); err != nil {
			return domain.Workflow{}, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "decode signals column")
		}
	} else {
		signals = map[string]any{}
	}
	return domain.Workflow{
		WorkflowID:             r.WorkflowID,
		TenantID:               r.TenantID,
		State:                  domain.WorkflowState(r.State),
		Signals:                signals,
		CurrentDecisionID:      r.CurrentDecisionID.String,
		SignalsCompleteEmitted: r.SignalsComplete,
		Version:                r.Version,
		CreatedAt:              r.CreatedAt,
		UpdatedAt:              r.UpdatedAt,
	}, nil
}

type decisionRow struct {
	DecisionID            string    `db:"decision_id"`
	WorkflowID            string    `db:"workflow_id"`
	TenantID              string    `db:"tenant_id"`
	Outcome               string    `db:"outcome"`
	Confidence            float64   `db:"confidence"`
	ReasonCodes           []byte    `db:"reason_codes"`
	RiskSummary           []byte    `db:"risk_summary"`
	PolicyJurisdiction    string    `db:"policy_jurisdiction"`
	PolicyPackID          string    `db:"policy_pack_id"`
	PolicyPackVersion     string    `db:"policy_pack_version"`
	DecidedBy             string    `db:"decided_by"`
	ServiceVersion        string    `db:"service_version"`
	IsOverride            bool      `db:"is_override"`
	ActorID               sql.NullString `db:"actor_id"`
	SupersedesDecisionID  sql.NullString `db:"supersedes_decision_id"`
	SubjectType           string    `db:"subject_type"`
	SubjectID             string    `db:"subject_id"`
	SubjectAction         string    `db:"subject_action"`
	CorrelationID         string    `db:"correlation_id"`
	CauseEventID          string    `db:"cause_event_id"`
	Timestamp             time.Time `db:"timestamp"`
	Seq                   int64     `db:"seq"`
}

func (r decisionRow) toDomain() (domain.Decision, error) {
	var codes []string
	if len(r.ReasonCodes) > 0 {
		if err := json.Unmarshal(r.ReasonCodes, &codes); err != nil {
			return domain.Decision{}, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "decode reason_codes column")
		}
	}
	var risk domain.RiskResult
	if len(r.RiskSummary) > 0 {
		if err := json.Unmarshal(r.RiskSummary, &risk); err != nil {
			return domain.Decision{}, apperrors.Wrap(err, apperrors.ErrorTypeDatabase, "decode risk_summary column")
		}
	}
	return domain.Decision{
		DecisionID:    r.DecisionID,
		WorkflowID:    r.WorkflowID,
		TenantID:      r.TenantID,
		Outcome:       domain.Outcome(r.Outcome),
		Confidence:    r.Confidence,
		ReasonCodes:   codes,
		RiskSummary:   risk,
		Policy:        domain.PolicyRef{Jurisdiction: r.PolicyJurisdiction, PackID: r.PolicyPackID, PackVersion: r.PolicyPackVersion},
		Authority:     domain.Authority{DecidedBy: r.DecidedBy, ServiceVersion: r.ServiceVersion, IsOverride: r.IsOverride, ActorID: r.ActorID.String},
		Lineage:       domain.Lineage{SupersedesDecisionID: r.SupersedesDecisionID.String},
		Subject:       domain.Subject{SubjectType: r.SubjectType, SubjectID: r.SubjectID, Action: r.SubjectAction},
		CorrelationID: r.CorrelationID,
		CauseEventID:  r.CauseEventID,
		Timestamp:     r.Timestamp,
	}, nil
}

func (s *Store) Load(ctx context.Context, workflowID string) (domain.Workflow, []domain.Decision, error) {
	var wr workflowRow
	err := s.db.GetContext(ctx, &wr, `SELECT * FROM workflows WHERE workflow_id = $1`, workflowID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Workflow{}, nil, store.ErrNotFound
	}
	if err != nil {
		return domain.Workflow{}, nil, apperrors.NewDatabaseError("load workflow", err)
	}
	w, err := wr.toDomain()
	if err != nil {
		return domain.Workflow{}, nil, err
	}

	var rows []decisionRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM decisions WHERE workflow_id = $1 ORDER BY seq ASC`, workflowID); err != nil {
		return domain.Workflow{}, nil, apperrors.NewDatabaseError("load decisions", err)
	}
	decisions := make([]domain.Decision, 0, len(rows))
	for _, row := range rows {
		d, err := row.toDomain()
		if err != nil {
			return domain.Workflow{}, nil, err
		}
		decisions = append(decisions, d)
	}
	return w, decisions, nil
}

func (s *Store) ListWorkflows(ctx context.Context, filter store.ListFilter) ([]domain.Workflow, error) {
	query := `SELECT * FROM workflows WHERE 1=1`
	args := []any{}
	n := 0
	arg := func(v any) string {
		n++
		args = append(args, v)
		return "$" + itoa(n)
	}
	if filter.TenantID != "" {
		query += " AND tenant_id = " + arg(filter.TenantID)
	}
	if filter.State != "" {
		query += " AND state = " + arg(string(filter.State))
	}
	if filter.Since != 0 {
		query += " AND extract(epoch from updated_at) * 1e9 >= " + arg(filter.Since)
	}
	if filter.Until != 0 {
		query += " AND extract(epoch from updated_at) * 1e9 <= " + arg(filter.Until)
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	var rows []workflowRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, apperrors.NewDatabaseError("list workflows", err)
	}
	out := make([]domain.Workflow, 0, len(rows))
	for _, r := range rows {
		w, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func (s *Store) CreateIfAbsent(ctx context.Context, workflowID, tenantID string) (domain.Workflow, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (workflow_id, tenant_id, state, signals, version, created_at, updated_at)
		VALUES ($1, $2, $3, '{}'::jsonb, 1, $4, $4)
		ON CONFLICT (workflow_id) DO NOTHING`,
		workflowID, tenantID, string(domain.StatePending), now)
	if err != nil {
		return domain.Workflow{}, apperrors.NewDatabaseError("create workflow", err)
	}
	w, _, err := s.Load(ctx, workflowID)
	return w, err
}

func (s *Store) Apply(ctx context.Context, workflowID string, expectedVersion int64, mutate store.Mutation) (domain.Workflow, error) {
	current, _, err := s.Load(ctx, workflowID)
	if err != nil {
		return domain.Workflow{}, err
	}
	if current.Version != expectedVersion {
		return domain.Workflow{}, apperrors.Newf(apperrors.ErrorTypeStaleVersion, "expected version %d, stored version %d", expectedVersion, current.Version)
	}
	next, err := mutate(current)
	if err != nil {
		return domain.Workflow{}, err
	}

	signalsJSON, err := json.Marshal(next.Signals)
	if err != nil {
		return domain.Workflow{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "encode signals")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows SET state=$1, signals=$2, current_decision_id=$3, signals_complete_emitted=$4,
			version=version+1, updated_at=$5
		WHERE workflow_id=$6 AND version=$7`,
		string(next.State), signalsJSON, nullString(next.CurrentDecisionID), next.SignalsCompleteEmitted,
		time.Now().UTC(), workflowID, expectedVersion)
	if err != nil {
		return domain.Workflow{}, apperrors.NewDatabaseError("apply workflow mutation", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return domain.Workflow{}, apperrors.New(apperrors.ErrorTypeStaleVersion, "concurrent writer advanced the workflow first")
	}

	updated, _, err := s.Load(ctx, workflowID)
	return updated, err
}

func (s *Store) AppendDecision(ctx context.Context, workflowID string, expectedVersion int64, decision domain.Decision) (domain.Decision, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Decision{}, false, apperrors.NewDatabaseError("begin append_decision tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var existing decisionRow
	err = tx.GetContext(ctx, &existing, `SELECT * FROM decisions WHERE decision_id = $1`, decision.DecisionID)
	if err == nil {
		d, derr := existing.toDomain()
		if derr != nil {
			return domain.Decision{}, false, derr
		}
		return d, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Decision{}, false, apperrors.NewDatabaseError("check decision idempotency", err)
	}

	var currentVersion int64
	if err := tx.GetContext(ctx, &currentVersion, `SELECT version FROM workflows WHERE workflow_id = $1 FOR UPDATE`, workflowID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Decision{}, false, store.ErrNotFound
		}
		return domain.Decision{}, false, apperrors.NewDatabaseError("lock workflow row", err)
	}
	if currentVersion != expectedVersion {
		return domain.Decision{}, false, apperrors.Newf(apperrors.ErrorTypeStaleVersion, "expected version %d, stored version %d", expectedVersion, currentVersion)
	}

	reasonCodesJSON, _ := json.Marshal(decision.ReasonCodes)
	riskJSON, _ := json.Marshal(decision.RiskSummary)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO decisions (
			decision_id, workflow_id, tenant_id, outcome, confidence, reason_codes, risk_summary,
			policy_jurisdiction, policy_pack_id, policy_pack_version, decided_by, service_version,
			is_override, actor_id, supersedes_decision_id, subject_type, subject_id, subject_action,
			correlation_id, cause_event_id, timestamp, seq
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM decisions WHERE workflow_id = $2))`,
		decision.DecisionID, decision.WorkflowID, decision.TenantID, string(decision.Outcome), decision.Confidence,
		reasonCodesJSON, riskJSON, decision.Policy.Jurisdiction, decision.Policy.PackID, decision.Policy.PackVersion,
		decision.Authority.DecidedBy, decision.Authority.ServiceVersion, decision.Authority.IsOverride,
		nullString(decision.Authority.ActorID), nullString(decision.Lineage.SupersedesDecisionID),
		decision.Subject.SubjectType, decision.Subject.SubjectID, decision.Subject.Action,
		decision.CorrelationID, decision.CauseEventID, decision.Timestamp)
	if err != nil {
		return domain.Decision{}, false, apperrors.NewDatabaseError("insert decision", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE workflows SET current_decision_id=$1, state=$2, version=version+1, updated_at=$3 WHERE workflow_id=$4`,
		decision.DecisionID, string(domain.StateFinalised), time.Now().UTC(), workflowID)
	if err != nil {
		return domain.Decision{}, false, apperrors.NewDatabaseError("advance workflow after decision", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Decision{}, false, apperrors.NewDatabaseError("commit append_decision tx", err)
	}
	return decision, true, nil
}

func (s *Store) RecordEvent(ctx context.Context, eventID string, event domain.Envelope) (bool, error) {
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "encode event payload")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, event_type, workflow_id, tenant_id, correlation_id, timestamp, payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, string(event.EventType), event.WorkflowID, event.TenantID, event.CorrelationID, event.Timestamp, payloadJSON)
	if err != nil {
		return false, apperrors.NewDatabaseError("record event", err)
	}
	affected, _ := res.RowsAffected()
	return affected == 1, nil
}

// UnrecordEvent deletes a previously recorded event so a later retry with
// the same event_id is treated as new. Called by the serializer when the
// state transition fails to commit after RecordEvent already succeeded.
func (s *Store) UnrecordEvent(ctx context.Context, eventID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE event_id = $1`, eventID); err != nil {
		return apperrors.NewDatabaseError("unrecord event", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

var _ store.Store = (*Store)(nil)
