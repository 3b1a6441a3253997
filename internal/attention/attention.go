// Package attention tracks the acknowledgement SLA for alerts that demand a
// human response. It rides alongside triage: attention failures never block
// or fail the alert pipeline.
package attention

import (
	"context"
	"encoding/json"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/vanguard/internal/alert"
	"github.com/linnemanlabs/vanguard/internal/events"
	"github.com/linnemanlabs/vanguard/internal/tenant"
)

// DefaultAckSLA applies when a tenant has no explicit ack window configured.
const DefaultAckSLA = 15 * time.Minute

// Engine arms, sweeps, and resolves acknowledgement tracking.
type Engine struct {
	store   alert.Store
	emitter events.Emitter
	logger  log.Logger
	now     func() time.Time
}

// New creates an Engine.
func New(store alert.Store, emitter events.Emitter, logger log.Logger) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &Engine{
		store:   store,
		emitter: emitter,
		logger:  logger,
		now:     time.Now,
	}
}

// InitAlert arms acknowledgement tracking on a newly triaged alert. Only
// critical alerts and panic signals get an ack deadline, and only for tenants
// with attention enabled. The mutation is in-memory; the caller persists the
// alert as part of its own write. Never returns: any internal panic is
// contained here so triage cannot be taken down by SLA bookkeeping.
func (e *Engine) InitAlert(ctx context.Context, a *alert.Alert, settings *tenant.Settings) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn(ctx, "attention init panicked", "alert_id", a.ID, "panic", r)
		}
	}()

	if settings == nil || !settings.AttentionEnabled {
		return
	}
	if a.Severity != alert.SeverityCritical && a.Signal.Kind != alert.SignalPanicButton {
		return
	}
	if a.AttentionState != "" && a.AttentionState != alert.AttentionNone {
		return
	}

	sla := DefaultAckSLA
	if settings.AckSLAMinutes > 0 {
		sla = time.Duration(settings.AckSLAMinutes) * time.Minute
	}

	a.AttentionState = alert.AttentionPendingAck
	a.AckDeadline = e.now().Add(sla)

	e.logger.Info(ctx, "ack tracking armed",
		"alert_id", a.ID,
		"tenant_id", a.TenantID,
		"deadline", a.AckDeadline,
	)
}

// Sweep escalates every alert whose ack deadline passed before now. It
// returns how many alerts were escalated; per-alert write failures are
// logged and do not stop the sweep.
func (e *Engine) Sweep(ctx context.Context, now time.Time) (int, error) {
	overdue, err := e.store.ListAckOverdue(ctx, now)
	if err != nil {
		return 0, err
	}

	escalated := 0
	for _, a := range overdue {
		a.AttentionState = alert.AttentionEscalated
		a.UpdatedAt = now
		if err := e.store.Put(ctx, a); err != nil {
			e.logger.Error(ctx, err, "failed to escalate overdue alert", "alert_id", a.ID)
			continue
		}
		escalated++

		payload, _ := json.Marshal(map[string]any{"ack_deadline": a.AckDeadline})
		if err := e.emitter.Emit(ctx, events.Event{
			ID:         ulid.Make().String(),
			TenantID:   a.TenantID,
			AlertID:    a.ID,
			Type:       events.TypeAttentionEscalated,
			Payload:    payload,
			OccurredAt: now,
		}); err != nil {
			e.logger.Warn(ctx, "attention event emit failed", "alert_id", a.ID, "error", err)
		}

		e.logger.Warn(ctx, "alert unacknowledged past deadline, escalated",
			"alert_id", a.ID,
			"tenant_id", a.TenantID,
			"deadline", a.AckDeadline,
		)
	}
	return escalated, nil
}

// Loop runs Sweep on the given interval until ctx is cancelled.
func (e *Engine) Loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := e.Sweep(ctx, now); err != nil {
				e.logger.Error(ctx, err, "attention sweep failed")
			}
		}
	}
}

// Acknowledge marks an alert as acknowledged by a human. Acknowledging an
// alert that was never armed, or one already acked, is a no-op.
func (e *Engine) Acknowledge(ctx context.Context, alertID string) (*alert.Alert, error) {
	a, found, err := e.store.Get(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	switch a.AttentionState {
	case alert.AttentionPendingAck, alert.AttentionEscalated:
	default:
		return a, nil
	}

	now := e.now()
	a.AttentionState = alert.AttentionAcked
	a.AckedAt = now
	a.UpdatedAt = now
	if err := e.store.Put(ctx, a); err != nil {
		return nil, err
	}

	if err := e.emitter.Emit(ctx, events.Event{
		ID:         ulid.Make().String(),
		TenantID:   a.TenantID,
		AlertID:    a.ID,
		Type:       events.TypeAcknowledged,
		OccurredAt: now,
	}); err != nil {
		e.logger.Warn(ctx, "ack event emit failed", "alert_id", a.ID, "error", err)
	}

	return a, nil
}
