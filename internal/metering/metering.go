// Package metering emits idempotent per-tenant billing usage events.
// Redelivery of the same job cannot double-count: each event carries an
// idempotency key and at most one row is stored per key.
package metering

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// Well-known meters.
const (
	MeterAlertsProcessed  = "alerts_processed"
	MeterAITokens         = "ai_tokens"
	MeterNotificationSend = "notification_sends"
)

// Event is one billable usage delta.
type Event struct {
	TenantID   string    `json:"tenant_id"`
	Meter      string    `json:"meter"`
	EntityID   string    `json:"entity_id"`
	Quantity   int64     `json:"quantity"`
	Key        string    `json:"idempotency_key"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Key builds the canonical idempotency key for a usage event.
func Key(tenantID, meter, entityID string) string {
	return tenantID + ":" + meter + ":" + entityID
}

// Emitter records usage events. Implementations are chosen at composition
// time; a disabled tenant gets the Nop.
type Emitter interface {
	Record(ctx context.Context, ev Event) error
}

// Nop is an Emitter that records nothing.
type Nop struct{}

// Record implements Emitter.
func (Nop) Record(context.Context, Event) error { return nil }

// Store persists usage events. Insert returns false when the idempotency key
// was already recorded.
type Store interface {
	Insert(ctx context.Context, ev Event) (bool, error)
}

// Recorder is a store-backed Emitter.
type Recorder struct {
	store  Store
	logger log.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(store Store, logger log.Logger) *Recorder {
	if logger == nil {
		logger = log.Nop()
	}
	return &Recorder{store: store, logger: logger}
}

// Record stores the event, filling in the canonical key and timestamp when
// absent. A duplicate key is a quiet no-op.
func (r *Recorder) Record(ctx context.Context, ev Event) error {
	if ev.TenantID == "" {
		return fmt.Errorf("metering: event missing tenant id")
	}
	if ev.Meter == "" {
		return fmt.Errorf("metering: event missing meter")
	}
	if ev.Key == "" {
		ev.Key = Key(ev.TenantID, ev.Meter, ev.EntityID)
	}
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now()
	}

	inserted, err := r.store.Insert(ctx, ev)
	if err != nil {
		return fmt.Errorf("metering: insert usage event: %w", err)
	}
	if !inserted {
		r.logger.Info(ctx, "usage event already recorded, skipping",
			"tenant_id", ev.TenantID,
			"meter", ev.Meter,
			"key", ev.Key,
		)
	}
	return nil
}
