// Package pgstore provides a PostgreSQL implementation of alert.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/vanguard/internal/alert"
)

var tracer = otel.Tracer("github.com/linnemanlabs/vanguard/internal/alert/pgstore")

//go:embed schema.sql
var schema string

// Store persists alerts in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on the given pool and returns a ready Store.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const alertColumns = `id, tenant_id, signal, status, verdict, likelihood, confidence, severity,
	human_message, attention_state, ack_deadline, acked_at, notification_status,
	failure_reason, created_at, updated_at, completed_at`

// Get retrieves an alert by ID.
func (s *Store) Get(ctx context.Context, id string) (*alert.Alert, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Get", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = $1`
	a, err := scanAlertRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if a == nil {
		return nil, false, nil
	}
	return a, true, nil
}

// Put inserts or updates an alert. The tenant id is written once at insert
// and never updated after.
func (s *Store) Put(ctx context.Context, a *alert.Alert) error {
	ctx, span := tracer.Start(ctx, "pgstore.Put", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
	))
	defer span.End()

	signalJSON, err := json.Marshal(a.Signal)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}

	query := `INSERT INTO alerts (` + alertColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	ON CONFLICT (id) DO UPDATE SET
		signal              = EXCLUDED.signal,
		status              = EXCLUDED.status,
		verdict             = EXCLUDED.verdict,
		likelihood          = EXCLUDED.likelihood,
		confidence          = EXCLUDED.confidence,
		severity            = EXCLUDED.severity,
		human_message       = EXCLUDED.human_message,
		attention_state     = EXCLUDED.attention_state,
		ack_deadline        = EXCLUDED.ack_deadline,
		acked_at            = EXCLUDED.acked_at,
		notification_status = EXCLUDED.notification_status,
		failure_reason      = EXCLUDED.failure_reason,
		updated_at          = EXCLUDED.updated_at,
		completed_at        = EXCLUDED.completed_at`

	_, err = s.pool.Exec(ctx, query,
		a.ID, a.TenantID, signalJSON, string(a.Status), string(a.Verdict), a.Likelihood,
		a.Confidence, string(a.Severity), a.HumanMessage, string(a.AttentionState),
		nullTime(a.AckDeadline), nullTime(a.AckedAt), string(a.NotificationStatus),
		a.FailureReason, a.CreatedAt, nullTime(a.UpdatedAt), nullTime(a.CompletedAt),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upsert alert: %w", err)
	}
	return nil
}

// ListByTenant returns the most recent alerts for a tenant. An empty tenant
// id returns no rows.
func (s *Store) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*alert.Alert, error) {
	if tenantID == "" {
		return nil, nil
	}

	ctx, span := tracer.Start(ctx, "pgstore.ListByTenant", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, query, tenantID, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []*alert.Alert
	for rows.Next() {
		a, err := scanAlertRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return out, nil
}

// GetInvestigation retrieves the investigation record for an alert.
func (s *Store) GetInvestigation(ctx context.Context, alertID string) (*alert.Investigation, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.GetInvestigation", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	var (
		inv         alert.Investigation
		historyJSON []byte
		actionsJSON []byte
		planJSON    []byte
		updatedAt   *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT alert_id, tenant_id, investigation_count, next_check_minutes, ai_assessment,
			investigation_history, recommended_actions, investigation_plan, camera_analysis, updated_at
		 FROM alert_investigations WHERE alert_id = $1`, alertID,
	).Scan(&inv.AlertID, &inv.TenantID, &inv.Count, &inv.NextCheckMinutes, &inv.Assessment,
		&historyJSON, &actionsJSON, &planJSON, &inv.CameraAnalysis, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, fmt.Errorf("scan investigation: %w", err)
	}

	if err := json.Unmarshal(historyJSON, &inv.History); err != nil {
		return nil, false, fmt.Errorf("unmarshal history: %w", err)
	}
	if err := json.Unmarshal(actionsJSON, &inv.RecommendedSteps); err != nil {
		return nil, false, fmt.Errorf("unmarshal recommended actions: %w", err)
	}
	if err := json.Unmarshal(planJSON, &inv.InvestigationPlan); err != nil {
		return nil, false, fmt.Errorf("unmarshal investigation plan: %w", err)
	}
	if updatedAt != nil {
		inv.UpdatedAt = *updatedAt
	}
	return &inv, true, nil
}

// PutInvestigation upserts the investigation record. The stored count never
// decreases even if the caller passes a smaller value.
func (s *Store) PutInvestigation(ctx context.Context, inv *alert.Investigation) error {
	ctx, span := tracer.Start(ctx, "pgstore.PutInvestigation", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
	))
	defer span.End()

	historyJSON, err := json.Marshal(emptySlice(inv.History))
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	actionsJSON, err := json.Marshal(emptySlice(inv.RecommendedSteps))
	if err != nil {
		return fmt.Errorf("marshal recommended actions: %w", err)
	}
	planJSON, err := json.Marshal(emptySlice(inv.InvestigationPlan))
	if err != nil {
		return fmt.Errorf("marshal investigation plan: %w", err)
	}

	query := `INSERT INTO alert_investigations (
		alert_id, tenant_id, investigation_count, next_check_minutes, ai_assessment,
		investigation_history, recommended_actions, investigation_plan, camera_analysis, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	ON CONFLICT (alert_id) DO UPDATE SET
		investigation_count   = GREATEST(alert_investigations.investigation_count, EXCLUDED.investigation_count),
		next_check_minutes    = EXCLUDED.next_check_minutes,
		ai_assessment         = EXCLUDED.ai_assessment,
		investigation_history = EXCLUDED.investigation_history,
		recommended_actions   = EXCLUDED.recommended_actions,
		investigation_plan    = EXCLUDED.investigation_plan,
		camera_analysis       = EXCLUDED.camera_analysis,
		updated_at            = EXCLUDED.updated_at`

	_, err = s.pool.Exec(ctx, query,
		inv.AlertID, inv.TenantID, inv.Count, inv.NextCheckMinutes, inv.Assessment,
		historyJSON, actionsJSON, planJSON, inv.CameraAnalysis, nullTime(inv.UpdatedAt),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upsert investigation: %w", err)
	}
	return nil
}

// AddMetrics accumulates the delta into the alert's metrics row.
func (s *Store) AddMetrics(ctx context.Context, delta *alert.Metrics) error {
	ctx, span := tracer.Start(ctx, "pgstore.AddMetrics", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
	))
	defer span.End()

	query := `INSERT INTO alert_metrics (alert_id, tenant_id, pipeline_ms, total_tokens, cost_estimate, ai_calls)
	VALUES ($1,$2,$3,$4,$5,$6)
	ON CONFLICT (alert_id) DO UPDATE SET
		pipeline_ms   = alert_metrics.pipeline_ms + EXCLUDED.pipeline_ms,
		total_tokens  = alert_metrics.total_tokens + EXCLUDED.total_tokens,
		cost_estimate = alert_metrics.cost_estimate + EXCLUDED.cost_estimate,
		ai_calls      = alert_metrics.ai_calls + EXCLUDED.ai_calls`

	_, err := s.pool.Exec(ctx, query,
		delta.AlertID, delta.TenantID, delta.PipelineMS, delta.TotalTokens, delta.CostEstimate, delta.AICalls,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("add metrics: %w", err)
	}
	return nil
}

// GetMetrics retrieves the metrics row for an alert.
func (s *Store) GetMetrics(ctx context.Context, alertID string) (*alert.Metrics, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.GetMetrics", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	var m alert.Metrics
	err := s.pool.QueryRow(ctx,
		`SELECT alert_id, tenant_id, pipeline_ms, total_tokens, cost_estimate, ai_calls
		 FROM alert_metrics WHERE alert_id = $1`, alertID,
	).Scan(&m.AlertID, &m.TenantID, &m.PipelineMS, &m.TotalTokens, &m.CostEstimate, &m.AICalls)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, fmt.Errorf("scan metrics: %w", err)
	}
	return &m, true, nil
}

// ListAckOverdue returns alerts past their ack deadline still pending ack.
func (s *Store) ListAckOverdue(ctx context.Context, now time.Time) ([]*alert.Alert, error) {
	ctx, span := tracer.Start(ctx, "pgstore.ListAckOverdue", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + alertColumns + ` FROM alerts
	WHERE attention_state = 'pending_ack' AND ack_deadline IS NOT NULL AND ack_deadline <= $1`
	rows, err := s.pool.Query(ctx, query, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query overdue alerts: %w", err)
	}
	defer rows.Close()

	var out []*alert.Alert
	for rows.Next() {
		a, err := scanAlertRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate overdue alerts: %w", err)
	}
	return out, nil
}

// scanAlertRow scans a single row into an alert.Alert.
// Returns (nil, nil) when no row is found.
func scanAlertRow(row pgx.Row) (*alert.Alert, error) {
	var (
		a            alert.Alert
		signalJSON   []byte
		status       string
		verdict      string
		severity     string
		attention    string
		notifyStatus string
		ackDeadline  *time.Time
		ackedAt      *time.Time
		updatedAt    *time.Time
		completedAt  *time.Time
	)

	err := row.Scan(
		&a.ID, &a.TenantID, &signalJSON, &status, &verdict, &a.Likelihood, &a.Confidence,
		&severity, &a.HumanMessage, &attention, &ackDeadline, &ackedAt, &notifyStatus,
		&a.FailureReason, &a.CreatedAt, &updatedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	if err := json.Unmarshal(signalJSON, &a.Signal); err != nil {
		return nil, fmt.Errorf("unmarshal signal: %w", err)
	}
	a.Status = alert.Status(status)
	a.Verdict = alert.Verdict(verdict)
	a.Severity = alert.Severity(severity)
	a.AttentionState = alert.AttentionState(attention)
	a.NotificationStatus = alert.NotificationStatus(notifyStatus)
	if ackDeadline != nil {
		a.AckDeadline = *ackDeadline
	}
	if ackedAt != nil {
		a.AckedAt = *ackedAt
	}
	if updatedAt != nil {
		a.UpdatedAt = *updatedAt
	}
	if completedAt != nil {
		a.CompletedAt = *completedAt
	}
	return &a, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func emptySlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
