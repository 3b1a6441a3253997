package events

import (
	"context"
	_ "embed"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5/pgxpool"
)

var tracer = otel.Tracer("github.com/linnemanlabs/vanguard/internal/events")

//go:embed schema.sql
var schema string

// PGLog appends domain events to PostgreSQL.
type PGLog struct {
	pool *pgxpool.Pool
}

// NewPGLog applies the schema on the given pool and returns a ready log.
func NewPGLog(ctx context.Context, pool *pgxpool.Pool) (*PGLog, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PGLog{pool: pool}, nil
}

// Emit appends one event row.
func (l *PGLog) Emit(ctx context.Context, ev Event) error {
	ctx, span := tracer.Start(ctx, "events.Emit", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	_, err := l.pool.Exec(ctx,
		`INSERT INTO domain_events (id, tenant_id, alert_id, type, payload, occurred_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		ev.ID, ev.TenantID, ev.AlertID, string(ev.Type), ev.Payload, ev.OccurredAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("insert domain event: %w", err)
	}
	return nil
}

// MemLog appends domain events in memory. Suitable for dev/testing.
type MemLog struct {
	mu     sync.Mutex
	events []Event
}

// NewMemLog initializes a new in-memory log.
func NewMemLog() *MemLog {
	return &MemLog{}
}

// Emit appends one event.
func (l *MemLog) Emit(_ context.Context, ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

// Events returns all recorded events (test helper).
func (l *MemLog) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}
