// Package events appends immutable domain events for significant alert
// transitions. The side-channel is best-effort: emit failures are logged by
// callers and never affect state-machine correctness.
package events

import (
	"context"
	"encoding/json"
	"time"
)

// Type identifies a domain event.
type Type string

const (
	TypeProcessingStarted     Type = "processing_started"
	TypeInvestigating         Type = "investigating"
	TypeCompleted             Type = "completed"
	TypeFailed                Type = "failed"
	TypeNotificationEscalated Type = "notification_escalated"
	TypeAttentionEscalated    Type = "attention_escalated"
	TypeAcknowledged          Type = "acknowledged"
)

// Event is one immutable domain event record.
type Event struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	AlertID    string          `json:"alert_id"`
	Type       Type            `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Emitter appends domain events. Implementations are chosen at composition
// time; a disabled tenant gets the Nop.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// Nop is an Emitter that records nothing.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(context.Context, Event) error { return nil }

// Fanout emits to every wrapped emitter, returning the first error after
// trying all of them.
type Fanout []Emitter

// Emit implements Emitter.
func (f Fanout) Emit(ctx context.Context, ev Event) error {
	var first error
	for _, e := range f {
		if err := e.Emit(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
