// Package pipeline drives the alert lifecycle: initial triage, scheduled
// revalidation, notification fan-out, and failure handling. It is the only
// writer of alert status transitions.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/vanguard/internal/ai"
	"github.com/linnemanlabs/vanguard/internal/alert"
	"github.com/linnemanlabs/vanguard/internal/events"
	"github.com/linnemanlabs/vanguard/internal/jobs"
	"github.com/linnemanlabs/vanguard/internal/media"
	"github.com/linnemanlabs/vanguard/internal/metering"
	"github.com/linnemanlabs/vanguard/internal/notify"
	"github.com/linnemanlabs/vanguard/internal/notify/slack"
	"github.com/linnemanlabs/vanguard/internal/preload"
	"github.com/linnemanlabs/vanguard/internal/telemetry"
	"github.com/linnemanlabs/vanguard/internal/tenant"
)

var tracer = otel.Tracer("github.com/linnemanlabs/vanguard/internal/pipeline")

const (
	// MaxInvestigations caps how many monitoring passes one alert may get.
	MaxInvestigations = 10

	// DefaultRecheckMinutes applies when neither the AI nor the tenant set
	// a recheck interval.
	DefaultRecheckMinutes = 30
)

// ConfigurationError marks an alert as unprocessable due to tenant setup,
// not a transient fault.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// Interpreter is the AI triage collaborator.
type Interpreter interface {
	Ingest(ctx context.Context, req *ai.TriageRequest) (*ai.Decision, error)
	Revalidate(ctx context.Context, req *ai.TriageRequest) (*ai.Decision, error)
}

// ContextLoader assembles telemetry context bundles.
type ContextLoader interface {
	Initial(ctx context.Context, settings *tenant.Settings, sig *alert.Signal) (*preload.Context, error)
	Incremental(ctx context.Context, settings *tenant.Settings, a *alert.Alert) (*preload.Context, error)
}

// Notifier fans decisions out to recipients.
type Notifier interface {
	Dispatch(ctx context.Context, a *alert.Alert, dec *ai.Decision, settings *tenant.Settings) (*notify.Outcome, error)
	EscalatePanic(ctx context.Context, a *alert.Alert, dec *ai.Decision, settings *tenant.Settings) (*notify.Outcome, error)
}

// AttentionHook arms acknowledgement tracking on a triaged alert.
type AttentionHook interface {
	InitAlert(ctx context.Context, a *alert.Alert, settings *tenant.Settings)
}

// Describer resolves a specific behavior description for a signal.
type Describer interface {
	Lookup(ctx context.Context, token, locale, vehicleID string, around time.Time) (string, bool, error)
}

// OpsNotifier reports incidents that need human eyes.
type OpsNotifier interface {
	Send(ctx context.Context, inc *slack.Incident) error
}

// Deps bundles the Service collaborators.
type Deps struct {
	Store     alert.Store
	Tenants   tenant.Provider
	Interp    Interpreter
	Loader    ContextLoader
	Notifier  Notifier
	Attention AttentionHook
	Describer Describer
	Queue     jobs.Queue
	Meter     metering.Emitter
	Emitter   events.Emitter
	Ops       OpsNotifier
	Hooks     Hooks
	Logger    log.Logger
}

// Service is the alert lifecycle engine.
type Service struct {
	store     alert.Store
	tenants   tenant.Provider
	interp    Interpreter
	loader    ContextLoader
	notifier  Notifier
	attention AttentionHook
	describer Describer
	queue     jobs.Queue
	meter     metering.Emitter
	emitter   events.Emitter
	ops       OpsNotifier
	hooks     Hooks
	logger    log.Logger
	now       func() time.Time
}

// NewService creates a Service.
func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = log.Nop()
	}
	if d.Meter == nil {
		d.Meter = metering.Nop{}
	}
	if d.Emitter == nil {
		d.Emitter = events.Nop{}
	}
	return &Service{
		store:     d.Store,
		tenants:   d.Tenants,
		interp:    d.Interp,
		loader:    d.Loader,
		notifier:  d.Notifier,
		attention: d.Attention,
		describer: d.Describer,
		queue:     d.Queue,
		meter:     d.Meter,
		emitter:   d.Emitter,
		ops:       d.Ops,
		hooks:     d.Hooks,
		logger:    d.Logger,
		now:       time.Now,
	}
}

// Process runs the initial triage pass for a pending alert. Redelivery of a
// job whose alert already left pending is a no-op with zero external calls.
func (s *Service) Process(ctx context.Context, alertID string) error {
	ctx, span := tracer.Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.String("vanguard.alert.id", alertID),
	))
	defer span.End()

	a, found, err := s.store.Get(ctx, alertID)
	if err != nil {
		return fmt.Errorf("load alert %s: %w", alertID, err)
	}
	if !found {
		return fmt.Errorf("alert %s not found", alertID)
	}
	if a.Status != alert.StatusPending {
		s.logger.Info(ctx, "alert not pending, skipping process",
			"alert_id", a.ID, "status", string(a.Status))
		return nil
	}

	L := s.logger.With("alert_id", a.ID, "tenant_id", a.TenantID)
	settings, err := s.settingsFor(ctx, a)
	if err != nil {
		s.fail(ctx, a, nil, err)
		return nil
	}

	start := s.now()
	s.emitEvent(ctx, a, settings, events.TypeProcessingStarted, nil)

	s.normalizeDescription(ctx, a, settings)

	pctx, err := s.loader.Initial(ctx, settings, &a.Signal)
	if err != nil {
		s.fail(ctx, a, settings, fmt.Errorf("preload context: %w", err))
		return nil
	}

	req := s.triageRequest(a, settings, pctx, nil, 0)
	dec, err := s.interpret(ctx, "ingest", a, func(ctx context.Context) (*ai.Decision, error) {
		return s.interp.Ingest(ctx, req)
	})
	s.hooks.aiCall("ingest", tokensOf(dec), time.Since(start).Seconds(), err != nil)
	if err != nil {
		s.fail(ctx, a, settings, err)
		return nil
	}

	s.recordUsage(ctx, a, settings, dec, 0, time.Since(start))
	s.persistEvidence(ctx, a, dec)

	inv := &alert.Investigation{AlertID: a.ID, TenantID: a.TenantID}
	if prev, ok, gerr := s.store.GetInvestigation(ctx, a.ID); gerr == nil && ok {
		inv = prev
	}

	s.applyDecision(ctx, L, a, settings, dec, inv, start)
	return nil
}

// Revalidate runs one scheduled monitoring pass. Only investigating alerts
// are revalidated; anything else is a stale schedule and a no-op.
func (s *Service) Revalidate(ctx context.Context, alertID string) error {
	ctx, span := tracer.Start(ctx, "pipeline.revalidate", trace.WithAttributes(
		attribute.String("vanguard.alert.id", alertID),
	))
	defer span.End()

	a, found, err := s.store.Get(ctx, alertID)
	if err != nil {
		return fmt.Errorf("load alert %s: %w", alertID, err)
	}
	if !found {
		return fmt.Errorf("alert %s not found", alertID)
	}
	if a.Status != alert.StatusInvestigating {
		s.logger.Info(ctx, "alert not investigating, skipping revalidation",
			"alert_id", a.ID, "status", string(a.Status))
		return nil
	}

	L := s.logger.With("alert_id", a.ID, "tenant_id", a.TenantID)
	settings, err := s.settingsFor(ctx, a)
	if err != nil {
		s.fail(ctx, a, nil, err)
		return nil
	}

	inv := &alert.Investigation{AlertID: a.ID, TenantID: a.TenantID}
	if prev, ok, gerr := s.store.GetInvestigation(ctx, a.ID); gerr != nil {
		return fmt.Errorf("load investigation %s: %w", a.ID, gerr)
	} else if ok {
		inv = prev
	}

	// investigation budget exhausted: close out without another AI call
	if inv.Count >= MaxInvestigations {
		s.closeExhausted(ctx, L, a, settings, inv)
		return nil
	}

	start := s.now()
	pctx, err := s.loader.Incremental(ctx, settings, a)
	if err != nil {
		s.fail(ctx, a, settings, fmt.Errorf("preload incremental context: %w", err))
		return nil
	}

	req := s.triageRequest(a, settings, pctx, inv.History, inv.Count+1)
	dec, err := s.interpret(ctx, "revalidate", a, func(ctx context.Context) (*ai.Decision, error) {
		return s.interp.Revalidate(ctx, req)
	})
	s.hooks.aiCall("revalidate", tokensOf(dec), time.Since(start).Seconds(), err != nil)
	if err != nil {
		s.fail(ctx, a, settings, err)
		return nil
	}

	s.recordUsage(ctx, a, settings, dec, inv.Count+1, time.Since(start))
	s.persistEvidence(ctx, a, dec)

	s.applyDecision(ctx, L, a, settings, dec, inv, start)
	return nil
}

// applyDecision commits an AI decision: it advances the investigation record,
// moves the alert to investigating or completed, fans out notifications, and
// schedules the next recheck when monitoring continues.
func (s *Service) applyDecision(ctx context.Context, L log.Logger, a *alert.Alert, settings *tenant.Settings, dec *ai.Decision, inv *alert.Investigation, start time.Time) {
	now := s.now()

	if raw, err := json.Marshal(dec.Assessment); err == nil {
		inv.Assessment = raw
	}
	inv.RecommendedSteps = dec.Assessment.RecommendedActions
	if len(dec.AlertContext.InvestigationPlan) > 0 {
		inv.InvestigationPlan = dec.AlertContext.InvestigationPlan
	}
	if dec.CameraAnalysis != nil {
		if raw, err := json.Marshal(dec.CameraAnalysis); err == nil {
			inv.CameraAnalysis = raw
		}
	}
	inv.UpdatedAt = now

	monitoring := dec.Assessment.RequiresMonitoring && inv.Count < MaxInvestigations
	nextCheck := 0
	if monitoring {
		nextCheck = s.recheckMinutes(dec, settings)
		inv.Count++
		inv.NextCheckMinutes = nextCheck
		inv.History = append(inv.History, alert.InvestigationStep{
			CheckedAt:        now,
			Verdict:          alert.Verdict(dec.Assessment.Verdict),
			Reason:           dec.Assessment.MonitoringReason,
			NextCheckMinutes: nextCheck,
		})
	} else {
		inv.History = append(inv.History, alert.InvestigationStep{
			CheckedAt: now,
			Verdict:   alert.Verdict(dec.Assessment.Verdict),
			Reason:    dec.Assessment.Reasoning,
		})
	}

	if err := s.store.PutInvestigation(ctx, inv); err != nil {
		L.Error(ctx, err, "failed to persist investigation")
	}

	if monitoring {
		if a.Status.CanTransition(alert.StatusInvestigating) {
			a.Status = alert.StatusInvestigating
		}
	} else {
		if a.Status.CanTransition(alert.StatusCompleted) {
			a.Status = alert.StatusCompleted
		}
		a.Verdict = alert.Verdict(dec.Assessment.Verdict)
		a.Likelihood = dec.Assessment.Likelihood
		a.Confidence = dec.Assessment.Confidence
		a.HumanMessage = dec.HumanMessage
		a.CompletedAt = now
	}

	s.dispatchNotifications(ctx, L, a, dec, settings)

	if s.attention != nil {
		s.attention.InitAlert(ctx, a, settings)
	}

	a.UpdatedAt = now
	if err := s.store.Put(ctx, a); err != nil {
		L.Error(ctx, err, "failed to persist alert")
		return
	}

	if monitoring {
		s.emitEvent(ctx, a, settings, events.TypeInvestigating, map[string]any{
			"investigation_count": inv.Count,
			"next_check_minutes":  nextCheck,
		})
		job := jobs.Job{Kind: jobs.KindRevalidate, AlertID: a.ID, TenantID: a.TenantID}
		if err := s.queue.EnqueueAfter(ctx, time.Duration(nextCheck)*time.Minute, job); err != nil {
			L.Error(ctx, err, "failed to schedule revalidation")
		} else {
			s.hooks.revalidationScheduled()
		}
		L.Info(ctx, "alert under investigation",
			"investigation_count", inv.Count,
			"next_check_minutes", nextCheck,
		)
	} else {
		s.emitEvent(ctx, a, settings, events.TypeCompleted, map[string]any{
			"verdict":    string(a.Verdict),
			"confidence": a.Confidence,
		})
		L.Info(ctx, "alert completed",
			"verdict", string(a.Verdict),
			"confidence", a.Confidence,
		)
	}

	s.hooks.processed(string(a.Status), string(a.Severity), time.Since(start).Seconds())
}

// closeExhausted completes an alert whose investigation budget ran out. The
// AI is not consulted; the verdict is needs_review by definition.
func (s *Service) closeExhausted(ctx context.Context, L log.Logger, a *alert.Alert, settings *tenant.Settings, inv *alert.Investigation) {
	now := s.now()

	inv.History = append(inv.History, alert.InvestigationStep{
		CheckedAt: now,
		Verdict:   alert.VerdictNeedsReview,
		Reason:    "investigation limit reached",
	})
	inv.UpdatedAt = now
	if err := s.store.PutInvestigation(ctx, inv); err != nil {
		L.Error(ctx, err, "failed to persist investigation")
	}

	if a.Status.CanTransition(alert.StatusCompleted) {
		a.Status = alert.StatusCompleted
	}
	a.Verdict = alert.VerdictNeedsReview
	a.HumanMessage = "Investigation limit reached; review manually."
	a.CompletedAt = now
	a.UpdatedAt = now
	if err := s.store.Put(ctx, a); err != nil {
		L.Error(ctx, err, "failed to persist alert")
		return
	}

	s.emitEvent(ctx, a, settings, events.TypeCompleted, map[string]any{
		"verdict": string(alert.VerdictNeedsReview),
		"reason":  "investigation limit reached",
	})
	L.Warn(ctx, "investigation limit reached, closing alert for review",
		"investigation_count", inv.Count,
	)
	s.hooks.processed(string(a.Status), string(a.Severity), 0)
}

// dispatchNotifications routes the decision to the panic fan-out or the
// regular dispatcher and records the outcome on the alert. Notification
// failures never fail the pipeline.
func (s *Service) dispatchNotifications(ctx context.Context, L log.Logger, a *alert.Alert, dec *ai.Decision, settings *tenant.Settings) {
	if s.notifier == nil {
		return
	}

	if a.Signal.Kind == alert.SignalPanicButton && a.Severity == alert.SeverityCritical {
		out, err := s.notifier.EscalatePanic(ctx, a, dec, settings)
		if err != nil {
			L.Error(ctx, err, "panic escalation failed")
		}
		a.NotificationStatus = alert.NotificationEscalated
		s.emitEvent(ctx, a, settings, events.TypeNotificationEscalated, map[string]any{
			"attempted": outAttempted(out),
		})
		s.opsNotify(ctx, a, slack.KindPanicEscalated, "panic button escalated to response contacts")
		s.hooks.notified(out)
		return
	}

	out, err := s.notifier.Dispatch(ctx, a, dec, settings)
	if err != nil {
		L.Error(ctx, err, "notification dispatch failed")
		return
	}
	if out.Attempted > 0 {
		a.NotificationStatus = alert.NotificationNotified
	}
	s.hooks.notified(out)
}

// fail moves an alert to failed and records why. Critical failures page a
// human through the ops channel.
func (s *Service) fail(ctx context.Context, a *alert.Alert, settings *tenant.Settings, cause error) {
	if !a.Status.CanTransition(alert.StatusFailed) {
		s.logger.Warn(ctx, "cannot fail alert in terminal status",
			"alert_id", a.ID, "status", string(a.Status), "cause", cause)
		return
	}

	now := s.now()
	a.Status = alert.StatusFailed
	a.FailureReason = cause.Error()
	a.UpdatedAt = now
	if err := s.store.Put(ctx, a); err != nil {
		s.logger.Error(ctx, err, "failed to persist failed alert", "alert_id", a.ID)
	}

	s.emitEvent(ctx, a, settings, events.TypeFailed, map[string]any{
		"reason": cause.Error(),
	})

	if a.Severity == alert.SeverityCritical {
		s.logger.Error(ctx, cause, "critical alert processing failed",
			"alert_id", a.ID, "tenant_id", a.TenantID)
		s.opsNotify(ctx, a, slack.KindPipelineFailure, cause.Error())
	} else {
		s.logger.Warn(ctx, "alert processing failed",
			"alert_id", a.ID, "tenant_id", a.TenantID, "reason", cause.Error())
	}

	s.hooks.processed(string(alert.StatusFailed), string(a.Severity), 0)
}

// recordUsage accumulates per-alert pipeline accounting and emits idempotent
// usage events. revision distinguishes the ingest pass (0) from each
// revalidation so redelivery cannot double-bill.
func (s *Service) recordUsage(ctx context.Context, a *alert.Alert, settings *tenant.Settings, dec *ai.Decision, revision int, elapsed time.Duration) {
	delta := &alert.Metrics{
		AlertID:      a.ID,
		TenantID:     a.TenantID,
		PipelineMS:   elapsed.Milliseconds(),
		TotalTokens:  dec.Execution.TotalTokens,
		CostEstimate: dec.Execution.CostEstimate,
		AICalls:      1,
	}
	if err := s.store.AddMetrics(ctx, delta); err != nil {
		s.logger.Warn(ctx, "failed to accumulate alert metrics", "alert_id", a.ID, "error", err)
	}

	if settings == nil || !settings.MeteringEnabled {
		return
	}

	if dec.Execution.TotalTokens > 0 {
		s.meterRecord(ctx, a, metering.Event{
			TenantID: a.TenantID,
			Meter:    metering.MeterAITokens,
			EntityID: a.ID + ":r" + strconv.Itoa(revision),
			Quantity: int64(dec.Execution.TotalTokens),
		})
	}
	if revision == 0 {
		s.meterRecord(ctx, a, metering.Event{
			TenantID: a.TenantID,
			Meter:    metering.MeterAlertsProcessed,
			EntityID: a.ID,
			Quantity: 1,
		})
	}
}

func (s *Service) meterRecord(ctx context.Context, a *alert.Alert, ev metering.Event) {
	if err := s.meter.Record(ctx, ev); err != nil {
		s.logger.Warn(ctx, "metering record failed",
			"alert_id", a.ID, "meter", ev.Meter, "error", err)
	}
}

// persistEvidence fans remote evidence URLs out to async download jobs.
// Fire-and-forget: a lost clip never blocks triage.
func (s *Service) persistEvidence(ctx context.Context, a *alert.Alert, dec *ai.Decision) {
	if s.queue == nil {
		return
	}
	for _, u := range dec.MediaURLs() {
		if !media.IsRemote(u) {
			continue
		}
		job := jobs.Job{Kind: jobs.KindPersistMedia, AlertID: a.ID, TenantID: a.TenantID, URL: u}
		if err := s.queue.Enqueue(ctx, job); err != nil {
			s.logger.Warn(ctx, "failed to enqueue media persist", "alert_id", a.ID, "url", u, "error", err)
		}
	}
}

// normalizeDescription replaces a generic placeholder description with the
// provider's behavior label when one exists near the signal timestamp. Best
// effort: lookup failures leave the placeholder in place.
func (s *Service) normalizeDescription(ctx context.Context, a *alert.Alert, settings *tenant.Settings) {
	if s.describer == nil || !telemetry.IsGenericDescription(a.Signal.Description) {
		return
	}
	name, ok, err := s.describer.Lookup(ctx, settings.ProviderToken, settings.Locale, a.Signal.VehicleID, a.Signal.OccurredAt)
	if err != nil {
		s.logger.Warn(ctx, "description lookup failed", "alert_id", a.ID, "error", err)
		return
	}
	if ok {
		a.Signal.Description = name
	}
}

// interpret wraps one AI collaborator call in a span carrying the alert
// identity and the resulting token count.
func (s *Service) interpret(ctx context.Context, op string, a *alert.Alert, call func(context.Context) (*ai.Decision, error)) (*ai.Decision, error) {
	ctx, span := tracer.Start(ctx, "ai.triage", trace.WithAttributes(
		attribute.String("vanguard.ai.operation", op),
		attribute.String("vanguard.alert.id", a.ID),
		attribute.String("vanguard.tenant.id", a.TenantID),
	))
	defer span.End()

	dec, err := call(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("vanguard.ai.total_tokens", dec.Execution.TotalTokens))
	return dec, nil
}

func (s *Service) settingsFor(ctx context.Context, a *alert.Alert) (*tenant.Settings, error) {
	settings, found, err := s.tenants.Get(ctx, a.TenantID)
	if err != nil {
		return nil, fmt.Errorf("resolve tenant %s: %w", a.TenantID, err)
	}
	if !found {
		return nil, &ConfigurationError{Reason: "unknown tenant " + a.TenantID}
	}
	if settings.ProviderToken == "" {
		return nil, &ConfigurationError{Reason: "tenant " + a.TenantID + " has no provider token"}
	}
	return settings, nil
}

func (s *Service) recheckMinutes(dec *ai.Decision, settings *tenant.Settings) int {
	if dec.Assessment.NextCheckMinutes > 0 {
		return dec.Assessment.NextCheckMinutes
	}
	if settings.DefaultRecheckMinutes > 0 {
		return settings.DefaultRecheckMinutes
	}
	return DefaultRecheckMinutes
}

func (s *Service) triageRequest(a *alert.Alert, settings *tenant.Settings, pctx *preload.Context, history []alert.InvestigationStep, num int) *ai.TriageRequest {
	return &ai.TriageRequest{
		TenantID:         a.TenantID,
		TenantConfig:     settings,
		AlertID:          a.ID,
		Signal:           a.Signal,
		PreloadedContext: pctx,
		History:          history,
		InvestigationNum: num,
	}
}

// emitEvent appends one domain event, honoring the tenant toggle. Best
// effort only.
func (s *Service) emitEvent(ctx context.Context, a *alert.Alert, settings *tenant.Settings, typ events.Type, payload map[string]any) {
	if settings != nil && !settings.DomainEventsEnabled {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	err := s.emitter.Emit(ctx, events.Event{
		ID:         ulid.Make().String(),
		TenantID:   a.TenantID,
		AlertID:    a.ID,
		Type:       typ,
		Payload:    raw,
		OccurredAt: s.now(),
	})
	if err != nil {
		s.logger.Warn(ctx, "domain event emit failed",
			"alert_id", a.ID, "type", string(typ), "error", err)
	}
}

func (s *Service) opsNotify(ctx context.Context, a *alert.Alert, kind, reason string) {
	if s.ops == nil {
		return
	}
	inc := &slack.Incident{
		Kind:       kind,
		AlertID:    a.ID,
		TenantID:   a.TenantID,
		Severity:   string(a.Severity),
		VehicleID:  a.Signal.VehicleID,
		Reason:     reason,
		OccurredAt: s.now(),
	}
	if err := s.ops.Send(ctx, inc); err != nil {
		s.logger.Warn(ctx, "ops notification failed", "alert_id", a.ID, "error", err)
	}
}

func tokensOf(dec *ai.Decision) int {
	if dec == nil {
		return 0
	}
	return dec.Execution.TotalTokens
}

func outAttempted(out *notify.Outcome) int {
	if out == nil {
		return 0
	}
	return out.Attempted
}
