package alert

import (
	"context"
	"time"
)

// Store is the persistence interface for alerts and their child records.
//
// Tenant-scoped queries fail closed: an empty tenant id returns no rows.
type Store interface {
	Get(ctx context.Context, id string) (*Alert, bool, error)
	Put(ctx context.Context, a *Alert) error
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]*Alert, error)

	GetInvestigation(ctx context.Context, alertID string) (*Investigation, bool, error)
	PutInvestigation(ctx context.Context, inv *Investigation) error

	// AddMetrics accumulates the delta into the alert's metrics row,
	// creating it if absent. Values only ever grow.
	AddMetrics(ctx context.Context, delta *Metrics) error
	GetMetrics(ctx context.Context, alertID string) (*Metrics, bool, error)

	// ListAckOverdue returns alerts whose acknowledgement deadline has
	// passed without an ack and which have not already been escalated.
	ListAckOverdue(ctx context.Context, now time.Time) ([]*Alert, error)
}
