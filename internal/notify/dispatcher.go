// Package notify resolves recipients, fans notifications out per channel
// through the carrier, and tracks delivery status per send attempt.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/vanguard/internal/ai"
	"github.com/linnemanlabs/vanguard/internal/alert"
	"github.com/linnemanlabs/vanguard/internal/metering"
	"github.com/linnemanlabs/vanguard/internal/tenant"
)

// Carrier sends a message on one channel and returns the provider SID.
type Carrier interface {
	SendSMS(ctx context.Context, to, body string) (string, error)
	SendWhatsApp(ctx context.Context, to, body string) (string, error)
	PlaceCall(ctx context.Context, to, script string) (string, error)
}

// Dispatcher owns the escalation fan-out. Channel sends run sequentially but
// are failure-isolated: one failed send never prevents or rolls back sibling
// dispatches, and every attempt leaves a NotificationResult row.
type Dispatcher struct {
	store    Store
	resolver *Resolver
	carrier  Carrier
	meter    metering.Emitter
	logger   log.Logger
	now      func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(store Store, resolver *Resolver, carrier Carrier, meter metering.Emitter, logger log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Nop()
	}
	if meter == nil {
		meter = metering.Nop{}
	}
	return &Dispatcher{
		store:    store,
		resolver: resolver,
		carrier:  carrier,
		meter:    meter,
		logger:   logger,
		now:      time.Now,
	}
}

// Dispatch fans a notification decision out to resolved recipients.
//
// should_notify=false with no matching monitor-matrix entry is a no-op: zero
// rows, zero carrier calls. A matrix entry for the decision's risk tier
// forces notification on even when the AI declined; it never suppresses one.
func (d *Dispatcher) Dispatch(ctx context.Context, a *alert.Alert, dec *ai.Decision, settings *tenant.Settings) (*Outcome, error) {
	matrix, hasMatrix := settings.MonitorMatrix[dec.Assessment.RiskEscalation]
	if !dec.Notification.ShouldNotify && !hasMatrix {
		return &Outcome{}, nil
	}

	channels := mergeChannels(dec.Notification.ChannelsToUse, matrix.Channels, settings)
	tokens := mergeTokens(dec.Notification.Recipients, matrix.Recipients)

	contacts, err := d.resolver.Resolve(ctx, a.TenantID, tokens, a.Signal.VehicleID, a.Signal.DriverID)
	if err != nil {
		return nil, err
	}

	body := messageText(a, dec)
	script := dec.Notification.CallScript
	if script == "" {
		script = body
	}

	meter := d.meterFor(settings)
	out := &Outcome{}
	for _, ch := range channels {
		for _, c := range contacts {
			r := d.send(ctx, a, ch, c, body, script, meter)
			out.Attempted++
			if r.Error == "" {
				out.Succeeded++
			} else {
				out.Failed++
			}
		}
	}
	return out, nil
}

// meterFor honors the tenant's metering toggle.
func (d *Dispatcher) meterFor(settings *tenant.Settings) metering.Emitter {
	if settings == nil || !settings.MeteringEnabled {
		return metering.Nop{}
	}
	return d.meter
}

// EscalatePanic is the dedicated fan-out for critical panic alerts. It
// notifies every active monitoring-team and supervisor contact (supervisors
// on both WhatsApp and SMS), places voice calls to emergency contacts, and
// reports escalation even when no contacts exist.
func (d *Dispatcher) EscalatePanic(ctx context.Context, a *alert.Alert, dec *ai.Decision, settings *tenant.Settings) (*Outcome, error) {
	// panic escalation ignores channel enablement: life-safety path
	meter := d.meterFor(settings)

	body := messageText(a, dec)
	script := dec.Notification.CallScript
	if script == "" {
		script = body
	}

	out := &Outcome{Escalated: true}

	responders, err := d.store.ListActiveContacts(ctx, a.TenantID, ContactMonitoringTeam, ContactSupervisor)
	if err != nil {
		return out, fmt.Errorf("list responder contacts: %w", err)
	}
	for _, c := range responders {
		if c.Type == ContactSupervisor {
			// dual-send so the supervisor is reached even if one channel lags
			for _, ch := range []Channel{ChannelWhatsApp, ChannelSMS} {
				r := d.send(ctx, a, ch, c, body, script, meter)
				out.Attempted++
				countResult(out, r)
			}
			continue
		}
		r := d.send(ctx, a, ChannelSMS, c, body, script, meter)
		out.Attempted++
		countResult(out, r)
	}

	emergency, err := d.store.ListActiveContacts(ctx, a.TenantID, ContactEmergency)
	if err != nil {
		return out, fmt.Errorf("list emergency contacts: %w", err)
	}
	for _, c := range emergency {
		r := d.send(ctx, a, ChannelVoice, c, body, script, meter)
		out.Attempted++
		countResult(out, r)
	}

	if out.Attempted == 0 {
		d.logger.Warn(ctx, "panic escalation found no contacts",
			"alert_id", a.ID,
			"tenant_id", a.TenantID,
		)
	}
	return out, nil
}

// send performs one carrier attempt and always persists a NotificationResult
// row, successful or not. Carrier failures are recovered here.
func (d *Dispatcher) send(ctx context.Context, a *alert.Alert, ch Channel, c *Contact, body, script string, meter metering.Emitter) *Result {
	r := &Result{
		ID:            ulid.Make().String(),
		TenantID:      a.TenantID,
		AlertID:       a.ID,
		Channel:       ch,
		ContactID:     c.ID,
		ContactName:   c.Name,
		To:            c.Phone,
		StatusCurrent: StatusQueued,
		CreatedAt:     d.now(),
	}

	var sid string
	var err error
	switch ch {
	case ChannelSMS:
		sid, err = d.carrier.SendSMS(ctx, c.Phone, body)
	case ChannelWhatsApp:
		sid, err = d.carrier.SendWhatsApp(ctx, c.Phone, body)
	case ChannelVoice:
		sid, err = d.carrier.PlaceCall(ctx, c.Phone, script)
	default:
		err = fmt.Errorf("unsupported channel %q", ch)
	}

	if err != nil {
		r.StatusCurrent = StatusFailed
		r.Error = err.Error()
		d.logger.Error(ctx, err, "carrier send failed",
			"alert_id", a.ID,
			"channel", string(ch),
			"contact_id", c.ID,
		)
	} else {
		r.StatusCurrent = StatusSent
		r.ProviderSID = sid
	}

	if perr := d.store.PutResult(ctx, r); perr != nil {
		d.logger.Error(ctx, perr, "failed to persist notification result",
			"alert_id", a.ID,
			"channel", string(ch),
		)
	}

	// one metering event per attempted channel send
	if merr := meter.Record(ctx, metering.Event{
		TenantID: a.TenantID,
		Meter:    metering.MeterNotificationSend,
		EntityID: a.ID + ":" + string(ch) + ":" + c.ID,
		Quantity: 1,
	}); merr != nil {
		d.logger.Warn(ctx, "metering record failed", "alert_id", a.ID, "error", merr)
	}

	return r
}

func countResult(out *Outcome, r *Result) {
	if r.Error == "" {
		out.Succeeded++
	} else {
		out.Failed++
	}
}

// mergeChannels unions requested and matrix channels, keeping only channels
// the tenant has enabled.
func mergeChannels(requested, forced []string, settings *tenant.Settings) []Channel {
	var out []Channel
	seen := make(map[Channel]bool)
	for _, raw := range append(append([]string{}, requested...), forced...) {
		ch := Channel(raw)
		switch ch {
		case ChannelSMS, ChannelWhatsApp, ChannelVoice:
		default:
			continue
		}
		if seen[ch] || !settings.ChannelEnabled(raw) {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out
}

func mergeTokens(requested, forced []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, tok := range append(append([]string{}, requested...), forced...) {
		if tok == "" || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}

func messageText(a *alert.Alert, dec *ai.Decision) string {
	if dec.Notification.MessageText != "" {
		return dec.Notification.MessageText
	}
	if dec.HumanMessage != "" {
		return dec.HumanMessage
	}
	return fmt.Sprintf("Safety alert for vehicle %s: %s", a.Signal.VehicleID, a.Signal.Description)
}
