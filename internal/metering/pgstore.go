package metering

import (
	"context"
	_ "embed"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5/pgxpool"
)

var tracer = otel.Tracer("github.com/linnemanlabs/vanguard/internal/metering")

//go:embed schema.sql
var schema string

// PGStore persists usage events in PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore applies the schema on the given pool and returns a ready store.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool) (*PGStore, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

// Insert stores the event unless its idempotency key was already recorded.
func (s *PGStore) Insert(ctx context.Context, ev Event) (bool, error) {
	ctx, span := tracer.Start(ctx, "metering.Insert", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO usage_events (idempotency_key, tenant_id, meter, entity_id, quantity, recorded_at)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		ev.Key, ev.TenantID, ev.Meter, ev.EntityID, ev.Quantity, ev.RecordedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("insert usage event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
