// Package pgstore provides a PostgreSQL implementation of notify.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/vanguard/internal/notify"
)

var tracer = otel.Tracer("github.com/linnemanlabs/vanguard/internal/notify/pgstore")

//go:embed schema.sql
var schema string

// Store persists notification state in PostgreSQL.
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

const resultColumns = `id, tenant_id, alert_id, channel, contact_id, contact_name, recipient,
	provider_sid, status_current, error, created_at, updated_at`

// PutResult inserts or updates a notification result.
func (s *Store) PutResult(ctx context.Context, r *notify.Result) error {
	ctx, span := tracer.Start(ctx, "pgstore.PutResult", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
	))
	defer span.End()

	query := `INSERT INTO notification_results (` + resultColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	ON CONFLICT (id) DO UPDATE SET
		provider_sid   = EXCLUDED.provider_sid,
		status_current = EXCLUDED.status_current,
		error          = EXCLUDED.error,
		updated_at     = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, query,
		r.ID, r.TenantID, r.AlertID, string(r.Channel), r.ContactID, r.ContactName, r.To,
		r.ProviderSID, string(r.StatusCurrent), r.Error, r.CreatedAt, nullTime(r.UpdatedAt),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upsert notification result: %w", err)
	}
	return nil
}

// GetResult retrieves a notification result by ID.
func (s *Store) GetResult(ctx context.Context, id string) (*notify.Result, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.GetResult", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + resultColumns + ` FROM notification_results WHERE id = $1`
	r, err := scanResultRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if r == nil {
		return nil, false, nil
	}
	return r, true, nil
}

// GetResultBySID retrieves a notification result by its carrier SID.
func (s *Store) GetResultBySID(ctx context.Context, sid string) (*notify.Result, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.GetResultBySID", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	if sid == "" {
		return nil, false, nil
	}
	query := `SELECT ` + resultColumns + ` FROM notification_results WHERE provider_sid = $1
		ORDER BY created_at DESC LIMIT 1`
	r, err := scanResultRow(s.pool.QueryRow(ctx, query, sid))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if r == nil {
		return nil, false, nil
	}
	return r, true, nil
}

// ListResultsByAlert returns all notification results for one alert.
func (s *Store) ListResultsByAlert(ctx context.Context, alertID string) ([]*notify.Result, error) {
	ctx, span := tracer.Start(ctx, "pgstore.ListResultsByAlert", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + resultColumns + ` FROM notification_results WHERE alert_id = $1 ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query, alertID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query notification results: %w", err)
	}
	defer rows.Close()

	var out []*notify.Result
	for rows.Next() {
		r, err := scanResultRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notification results: %w", err)
	}
	return out, nil
}

// AppendDeliveryEvent appends one carrier webhook log entry.
func (s *Store) AppendDeliveryEvent(ctx context.Context, ev *notify.DeliveryEvent) error {
	ctx, span := tracer.Start(ctx, "pgstore.AppendDeliveryEvent", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO notification_delivery_events (id, result_id, tenant_id, status, accepted, raw, received_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		ev.ID, ev.ResultID, ev.TenantID, string(ev.Status), ev.Accepted, ev.Raw, ev.ReceivedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("insert delivery event: %w", err)
	}
	return nil
}

// PutContact inserts or updates a contact.
func (s *Store) PutContact(ctx context.Context, c *notify.Contact) error {
	ctx, span := tracer.Start(ctx, "pgstore.PutContact", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
	))
	defer span.End()

	query := `INSERT INTO contacts (id, tenant_id, name, type, phone, priority, active, vehicle_id, driver_id)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	ON CONFLICT (id) DO UPDATE SET
		name       = EXCLUDED.name,
		type       = EXCLUDED.type,
		phone      = EXCLUDED.phone,
		priority   = EXCLUDED.priority,
		active     = EXCLUDED.active,
		vehicle_id = EXCLUDED.vehicle_id,
		driver_id  = EXCLUDED.driver_id`

	_, err := s.pool.Exec(ctx, query,
		c.ID, c.TenantID, c.Name, string(c.Type), c.Phone, c.Priority, c.Active, c.VehicleID, c.DriverID,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upsert contact: %w", err)
	}
	return nil
}

// ListActiveContacts returns active contacts of the given types for a tenant,
// ordered by priority. An empty tenant id returns no rows.
func (s *Store) ListActiveContacts(ctx context.Context, tenantID string, types ...notify.ContactType) ([]*notify.Contact, error) {
	if tenantID == "" {
		return nil, nil
	}

	ctx, span := tracer.Start(ctx, "pgstore.ListActiveContacts", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	typeNames := make([]string, len(types))
	for i, t := range types {
		typeNames[i] = string(t)
	}

	query := `SELECT id, tenant_id, name, type, phone, priority, active, vehicle_id, driver_id
	FROM contacts
	WHERE tenant_id = $1 AND active AND (cardinality($2::text[]) = 0 OR type = ANY($2))
	ORDER BY priority, id`

	rows, err := s.pool.Query(ctx, query, tenantID, typeNames)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	var out []*notify.Contact
	for rows.Next() {
		var c notify.Contact
		var ctype string
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Name, &ctype, &c.Phone, &c.Priority, &c.Active, &c.VehicleID, &c.DriverID); err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		c.Type = notify.ContactType(ctype)
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contacts: %w", err)
	}
	return out, nil
}

// scanResultRow scans a single row into a notify.Result.
// Returns (nil, nil) when no row is found.
func scanResultRow(row pgx.Row) (*notify.Result, error) {
	var (
		r         notify.Result
		channel   string
		status    string
		updatedAt *time.Time
	)
	err := row.Scan(
		&r.ID, &r.TenantID, &r.AlertID, &channel, &r.ContactID, &r.ContactName, &r.To,
		&r.ProviderSID, &status, &r.Error, &r.CreatedAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}
	r.Channel = notify.Channel(channel)
	r.StatusCurrent = notify.DeliveryStatus(status)
	if updatedAt != nil {
		r.UpdatedAt = *updatedAt
	}
	return &r, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
