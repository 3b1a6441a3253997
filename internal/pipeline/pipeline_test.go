package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/vanguard/internal/ai"
	"github.com/linnemanlabs/vanguard/internal/alert"
	"github.com/linnemanlabs/vanguard/internal/alert/memstore"
	"github.com/linnemanlabs/vanguard/internal/events"
	"github.com/linnemanlabs/vanguard/internal/jobs"
	"github.com/linnemanlabs/vanguard/internal/metering"
	"github.com/linnemanlabs/vanguard/internal/notify"
	"github.com/linnemanlabs/vanguard/internal/preload"
	"github.com/linnemanlabs/vanguard/internal/tenant"
)

type fakeInterp struct {
	mu          sync.Mutex
	ingestDec   *ai.Decision
	ingestErr   error
	revalDec    *ai.Decision
	revalErr    error
	ingestCalls int
	revalCalls  int
}

func (f *fakeInterp) Ingest(_ context.Context, _ *ai.TriageRequest) (*ai.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ingestCalls++
	return f.ingestDec, f.ingestErr
}

func (f *fakeInterp) Revalidate(_ context.Context, _ *ai.TriageRequest) (*ai.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revalCalls++
	return f.revalDec, f.revalErr
}

type fakeLoader struct {
	initialCalls     int
	incrementalCalls int
	err              error
}

func (f *fakeLoader) Initial(_ context.Context, _ *tenant.Settings, _ *alert.Signal) (*preload.Context, error) {
	f.initialCalls++
	return &preload.Context{}, f.err
}

func (f *fakeLoader) Incremental(_ context.Context, _ *tenant.Settings, _ *alert.Alert) (*preload.Context, error) {
	f.incrementalCalls++
	return &preload.Context{Incremental: true}, f.err
}

type fakeNotifier struct {
	dispatchOut   *notify.Outcome
	panicOut      *notify.Outcome
	dispatchCalls int
	panicCalls    int
}

func (f *fakeNotifier) Dispatch(_ context.Context, _ *alert.Alert, _ *ai.Decision, _ *tenant.Settings) (*notify.Outcome, error) {
	f.dispatchCalls++
	if f.dispatchOut == nil {
		return &notify.Outcome{}, nil
	}
	return f.dispatchOut, nil
}

func (f *fakeNotifier) EscalatePanic(_ context.Context, _ *alert.Alert, _ *ai.Decision, _ *tenant.Settings) (*notify.Outcome, error) {
	f.panicCalls++
	if f.panicOut == nil {
		return &notify.Outcome{Escalated: true}, nil
	}
	return f.panicOut, nil
}

type delayedJob struct {
	delay time.Duration
	job   jobs.Job
}

type fakeQueue struct {
	mu      sync.Mutex
	delayed []delayedJob
}

func (f *fakeQueue) Enqueue(ctx context.Context, j jobs.Job) error {
	return f.EnqueueAfter(ctx, 0, j)
}

func (f *fakeQueue) EnqueueAfter(_ context.Context, d time.Duration, j jobs.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delayed = append(f.delayed, delayedJob{delay: d, job: j})
	return nil
}

func (f *fakeQueue) jobs() []delayedJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delayedJob(nil), f.delayed...)
}

type env struct {
	store    *memstore.Store
	interp   *fakeInterp
	loader   *fakeLoader
	notifier *fakeNotifier
	queue    *fakeQueue
	meters   *metering.MemStore
	eventLog *events.MemLog
	svc      *Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store:    memstore.New(),
		interp:   &fakeInterp{},
		loader:   &fakeLoader{},
		notifier: &fakeNotifier{},
		queue:    &fakeQueue{},
		meters:   metering.NewMemStore(),
		eventLog: events.NewMemLog(),
	}
	reg := tenant.NewRegistry([]*tenant.Settings{{
		ID:                    "acme",
		ProviderToken:         "tok-1",
		Locale:                "en",
		EnabledChannels:       map[string]bool{"sms": true, "whatsapp": true, "voice": true},
		DefaultRecheckMinutes: 20,
		MeteringEnabled:       true,
		DomainEventsEnabled:   true,
	}, {
		ID:   "tokenless",
		Name: "missing provider token",
	}})
	e.svc = NewService(Deps{
		Store:    e.store,
		Tenants:  reg,
		Interp:   e.interp,
		Loader:   e.loader,
		Notifier: e.notifier,
		Queue:    e.queue,
		Meter:    metering.NewRecorder(e.meters, log.Nop()),
		Emitter:  e.eventLog,
		Logger:   log.Nop(),
	})
	return e
}

func pendingAlert(id, tenantID string) *alert.Alert {
	return &alert.Alert{
		ID:       id,
		TenantID: tenantID,
		Status:   alert.StatusPending,
		Severity: alert.SeverityWarning,
		Signal: alert.Signal{
			ID:          "sig-" + id,
			TenantID:    tenantID,
			VehicleID:   "veh-1",
			Kind:        alert.SignalSafetyEvent,
			Description: "Harsh Braking",
			OccurredAt:  time.Now().Add(-time.Minute),
		},
		CreatedAt: time.Now(),
	}
}

func completeDecision(verdict string) *ai.Decision {
	return &ai.Decision{
		Assessment: ai.Assessment{
			Verdict:    verdict,
			Likelihood: "high",
			Confidence: 0.9,
		},
		HumanMessage: "All clear.",
		Execution:    ai.Execution{TotalTokens: 1200, CostEstimate: 0.04},
	}
}

func monitoringDecision(nextMinutes int) *ai.Decision {
	d := completeDecision("needs_review")
	d.Assessment.RequiresMonitoring = true
	d.Assessment.MonitoringReason = "vehicle still moving"
	d.Assessment.NextCheckMinutes = nextMinutes
	return d
}

func mustPut(t *testing.T, e *env, a *alert.Alert) {
	t.Helper()
	if err := e.store.Put(context.Background(), a); err != nil {
		t.Fatal(err)
	}
}

func TestProcess_CompletesWithVerdict(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.interp.ingestDec = completeDecision("likely_false_positive")
	ctx := context.Background()
	mustPut(t, e, pendingAlert("a1", "acme"))

	if err := e.svc.Process(ctx, "a1"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, _, _ := e.store.Get(ctx, "a1")
	if got.Status != alert.StatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if got.Verdict != alert.VerdictLikelyFalsePositive {
		t.Errorf("verdict = %q, want likely_false_positive", got.Verdict)
	}
	if got.HumanMessage != "All clear." {
		t.Errorf("human message = %q", got.HumanMessage)
	}
	if got.CompletedAt.IsZero() {
		t.Error("CompletedAt should be set")
	}

	m, ok, _ := e.store.GetMetrics(ctx, "a1")
	if !ok || m.TotalTokens != 1200 || m.AICalls != 1 {
		t.Errorf("metrics = %+v, want tokens 1200 and 1 AI call", m)
	}

	var types []string
	for _, ev := range e.eventLog.Events() {
		types = append(types, string(ev.Type))
	}
	if len(types) != 2 || types[0] != "processing_started" || types[1] != "completed" {
		t.Errorf("event types = %v, want [processing_started completed]", types)
	}
}

func TestProcess_NonPendingIsNoOp(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	a := pendingAlert("a1", "acme")
	a.Status = alert.StatusCompleted
	mustPut(t, e, a)

	if err := e.svc.Process(ctx, "a1"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if e.interp.ingestCalls != 0 {
		t.Errorf("ingest calls = %d, want 0", e.interp.ingestCalls)
	}
	if e.loader.initialCalls != 0 {
		t.Errorf("loader calls = %d, want 0", e.loader.initialCalls)
	}
	if e.notifier.dispatchCalls != 0 {
		t.Errorf("dispatch calls = %d, want 0", e.notifier.dispatchCalls)
	}
}

func TestProcess_MissingProviderTokenFails(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	mustPut(t, e, pendingAlert("a1", "tokenless"))

	if err := e.svc.Process(ctx, "a1"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, _, _ := e.store.Get(ctx, "a1")
	if got.Status != alert.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if !strings.Contains(got.FailureReason, "configuration error") {
		t.Errorf("failure reason = %q, want configuration error", got.FailureReason)
	}
	if e.interp.ingestCalls != 0 {
		t.Errorf("ingest calls = %d, want 0 on configuration failure", e.interp.ingestCalls)
	}
}

func TestProcess_AIPipelineErrorFails(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.interp.ingestErr = &ai.PipelineError{Reason: "agent crashed"}
	ctx := context.Background()
	mustPut(t, e, pendingAlert("a1", "acme"))

	if err := e.svc.Process(ctx, "a1"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, _, _ := e.store.Get(ctx, "a1")
	if got.Status != alert.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if !strings.Contains(got.FailureReason, "agent crashed") {
		t.Errorf("failure reason = %q, want to contain cause", got.FailureReason)
	}

	last := e.eventLog.Events()[len(e.eventLog.Events())-1]
	if last.Type != events.TypeFailed {
		t.Errorf("last event = %q, want failed", last.Type)
	}
}

func TestProcess_MonitoringSchedulesRevalidation(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.interp.ingestDec = monitoringDecision(45)
	ctx := context.Background()
	mustPut(t, e, pendingAlert("a1", "acme"))

	if err := e.svc.Process(ctx, "a1"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, _, _ := e.store.Get(ctx, "a1")
	if got.Status != alert.StatusInvestigating {
		t.Fatalf("status = %q, want investigating", got.Status)
	}

	inv, ok, _ := e.store.GetInvestigation(ctx, "a1")
	if !ok {
		t.Fatal("investigation record missing")
	}
	if inv.Count != 1 {
		t.Errorf("count = %d, want 1", inv.Count)
	}
	if len(inv.History) != 1 || inv.History[0].NextCheckMinutes != 45 {
		t.Errorf("history = %+v, want one step with 45m recheck", inv.History)
	}

	jj := e.queue.jobs()
	if len(jj) != 1 {
		t.Fatalf("queued jobs = %d, want 1", len(jj))
	}
	if jj[0].job.Kind != jobs.KindRevalidate || jj[0].delay != 45*time.Minute {
		t.Errorf("job = %+v delay %v, want revalidate after 45m", jj[0].job, jj[0].delay)
	}
}

func TestProcess_MonitoringUsesTenantDefaultRecheck(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.interp.ingestDec = monitoringDecision(0)
	ctx := context.Background()
	mustPut(t, e, pendingAlert("a1", "acme"))

	if err := e.svc.Process(ctx, "a1"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	jj := e.queue.jobs()
	if len(jj) != 1 || jj[0].delay != 20*time.Minute {
		t.Fatalf("jobs = %+v, want one with tenant default 20m delay", jj)
	}
}

func TestProcess_PanicEscalates(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.interp.ingestDec = completeDecision("confirmed_violation")
	e.notifier.panicOut = &notify.Outcome{Attempted: 3, Succeeded: 3, Escalated: true}
	ctx := context.Background()

	a := pendingAlert("p1", "acme")
	a.Severity = alert.SeverityCritical
	a.Signal.Kind = alert.SignalPanicButton
	mustPut(t, e, a)

	if err := e.svc.Process(ctx, "p1"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if e.notifier.panicCalls != 1 {
		t.Fatalf("panic calls = %d, want 1", e.notifier.panicCalls)
	}
	if e.notifier.dispatchCalls != 0 {
		t.Errorf("dispatch calls = %d, want 0 on panic path", e.notifier.dispatchCalls)
	}

	got, _, _ := e.store.Get(ctx, "p1")
	if got.NotificationStatus != alert.NotificationEscalated {
		t.Errorf("notification status = %q, want escalated", got.NotificationStatus)
	}

	var sawEscalation bool
	for _, ev := range e.eventLog.Events() {
		if ev.Type == events.TypeNotificationEscalated {
			sawEscalation = true
		}
	}
	if !sawEscalation {
		t.Error("expected notification_escalated event")
	}
}

func TestProcess_NoNotificationLeavesStatusNone(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.interp.ingestDec = completeDecision("likely_false_positive")
	e.notifier.dispatchOut = &notify.Outcome{}
	ctx := context.Background()
	mustPut(t, e, pendingAlert("a1", "acme"))

	if err := e.svc.Process(ctx, "a1"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, _, _ := e.store.Get(ctx, "a1")
	if got.NotificationStatus != "" && got.NotificationStatus != alert.NotificationNone {
		t.Errorf("notification status = %q, want none", got.NotificationStatus)
	}
}

func TestProcess_NotifiedWhenAttempted(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.interp.ingestDec = completeDecision("confirmed_violation")
	e.notifier.dispatchOut = &notify.Outcome{Attempted: 2, Succeeded: 1, Failed: 1}
	ctx := context.Background()
	mustPut(t, e, pendingAlert("a1", "acme"))

	if err := e.svc.Process(ctx, "a1"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, _, _ := e.store.Get(ctx, "a1")
	if got.NotificationStatus != alert.NotificationNotified {
		t.Errorf("notification status = %q, want notified", got.NotificationStatus)
	}
}

func TestProcess_MetersUsageOnce(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.interp.ingestDec = completeDecision("likely_false_positive")
	ctx := context.Background()
	mustPut(t, e, pendingAlert("a1", "acme"))

	if err := e.svc.Process(ctx, "a1"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	byMeter := map[string]int{}
	for _, ev := range e.meters.Events() {
		byMeter[ev.Meter]++
	}
	if byMeter[metering.MeterAlertsProcessed] != 1 {
		t.Errorf("alerts_processed events = %d, want 1", byMeter[metering.MeterAlertsProcessed])
	}
	if byMeter[metering.MeterAITokens] != 1 {
		t.Errorf("ai_tokens events = %d, want 1", byMeter[metering.MeterAITokens])
	}
}

func TestRevalidate_NonInvestigatingIsNoOp(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	a := pendingAlert("a1", "acme")
	a.Status = alert.StatusCompleted
	mustPut(t, e, a)

	if err := e.svc.Revalidate(ctx, "a1"); err != nil {
		t.Fatalf("Revalidate: %v", err)
	}
	if e.interp.revalCalls != 0 {
		t.Errorf("revalidate calls = %d, want 0", e.interp.revalCalls)
	}
}

func TestRevalidate_ContinuesMonitoring(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.interp.revalDec = monitoringDecision(15)
	ctx := context.Background()

	a := pendingAlert("a1", "acme")
	a.Status = alert.StatusInvestigating
	mustPut(t, e, a)
	if err := e.store.PutInvestigation(ctx, &alert.Investigation{
		AlertID: "a1", TenantID: "acme", Count: 2,
		History: []alert.InvestigationStep{{Verdict: alert.VerdictNeedsReview}, {Verdict: alert.VerdictNeedsReview}},
	}); err != nil {
		t.Fatal(err)
	}

	if err := e.svc.Revalidate(ctx, "a1"); err != nil {
		t.Fatalf("Revalidate: %v", err)
	}

	if e.loader.incrementalCalls != 1 {
		t.Errorf("incremental loads = %d, want 1", e.loader.incrementalCalls)
	}

	inv, _, _ := e.store.GetInvestigation(ctx, "a1")
	if inv.Count != 3 {
		t.Errorf("count = %d, want 3", inv.Count)
	}
	if len(inv.History) != 3 {
		t.Errorf("history len = %d, want 3", len(inv.History))
	}

	jj := e.queue.jobs()
	if len(jj) != 1 || jj[0].delay != 15*time.Minute {
		t.Fatalf("jobs = %+v, want one 15m revalidate", jj)
	}
}

func TestRevalidate_CapClosesWithoutAICall(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()

	a := pendingAlert("a1", "acme")
	a.Status = alert.StatusInvestigating
	mustPut(t, e, a)
	if err := e.store.PutInvestigation(ctx, &alert.Investigation{
		AlertID: "a1", TenantID: "acme", Count: MaxInvestigations,
	}); err != nil {
		t.Fatal(err)
	}

	if err := e.svc.Revalidate(ctx, "a1"); err != nil {
		t.Fatalf("Revalidate: %v", err)
	}

	if e.interp.revalCalls != 0 {
		t.Fatalf("revalidate calls = %d, want 0 at cap", e.interp.revalCalls)
	}
	if e.loader.incrementalCalls != 0 {
		t.Errorf("incremental loads = %d, want 0 at cap", e.loader.incrementalCalls)
	}

	got, _, _ := e.store.Get(ctx, "a1")
	if got.Status != alert.StatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if got.Verdict != alert.VerdictNeedsReview {
		t.Errorf("verdict = %q, want needs_review", got.Verdict)
	}
}

func TestRevalidate_CapFromMonitoringDecision(t *testing.T) {
	t.Parallel()

	// a monitoring decision at count 9 takes the last slot; the next pass
	// must close out without calling the AI again
	e := newEnv(t)
	e.interp.revalDec = monitoringDecision(5)
	ctx := context.Background()

	a := pendingAlert("a1", "acme")
	a.Status = alert.StatusInvestigating
	mustPut(t, e, a)
	if err := e.store.PutInvestigation(ctx, &alert.Investigation{
		AlertID: "a1", TenantID: "acme", Count: MaxInvestigations - 1,
	}); err != nil {
		t.Fatal(err)
	}

	if err := e.svc.Revalidate(ctx, "a1"); err != nil {
		t.Fatalf("Revalidate: %v", err)
	}
	inv, _, _ := e.store.GetInvestigation(ctx, "a1")
	if inv.Count != MaxInvestigations {
		t.Fatalf("count = %d, want %d", inv.Count, MaxInvestigations)
	}

	if err := e.svc.Revalidate(ctx, "a1"); err != nil {
		t.Fatalf("second Revalidate: %v", err)
	}
	if e.interp.revalCalls != 1 {
		t.Errorf("revalidate calls = %d, want 1 (cap pass makes no AI call)", e.interp.revalCalls)
	}

	got, _, _ := e.store.Get(ctx, "a1")
	if got.Status != alert.StatusCompleted || got.Verdict != alert.VerdictNeedsReview {
		t.Errorf("alert = %q/%q, want completed/needs_review", got.Status, got.Verdict)
	}
}

func TestProcess_UnknownTenantFails(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	ctx := context.Background()
	mustPut(t, e, pendingAlert("a1", "ghost"))

	if err := e.svc.Process(ctx, "a1"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, _, _ := e.store.Get(ctx, "a1")
	if got.Status != alert.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if e.interp.ingestCalls != 0 {
		t.Errorf("ingest calls = %d, want 0", e.interp.ingestCalls)
	}
}

func TestProcess_CreatesSpans(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	e := newEnv(t)
	e.interp.ingestDec = completeDecision("confirmed_violation")
	ctx := context.Background()
	mustPut(t, e, pendingAlert("a1", "acme"))

	if err := e.svc.Process(ctx, "a1"); err != nil {
		t.Fatalf("Process: %v", err)
	}

	spans := exporter.GetSpans()
	counts := make(map[string]int)
	for _, s := range spans {
		counts[s.Name]++
	}
	if counts["pipeline.process"] != 1 {
		t.Errorf("pipeline.process spans = %d, want 1", counts["pipeline.process"])
	}
	if counts["ai.triage"] != 1 {
		t.Errorf("ai.triage spans = %d, want 1", counts["ai.triage"])
	}

	for _, s := range spans {
		if s.Name != "ai.triage" {
			continue
		}
		attrs := make(map[string]string)
		for _, kv := range s.Attributes {
			attrs[string(kv.Key)] = kv.Value.Emit()
		}
		if attrs["vanguard.ai.operation"] != "ingest" {
			t.Errorf("ai.triage operation = %q, want ingest", attrs["vanguard.ai.operation"])
		}
		if attrs["vanguard.alert.id"] != "a1" {
			t.Errorf("ai.triage alert id = %q, want a1", attrs["vanguard.alert.id"])
		}
		if attrs["vanguard.ai.total_tokens"] != "1200" {
			t.Errorf("ai.triage total tokens = %q, want 1200", attrs["vanguard.ai.total_tokens"])
		}
	}
}

func TestConfigurationError_Is(t *testing.T) {
	t.Parallel()

	var cfgErr *ConfigurationError
	err := error(&ConfigurationError{Reason: "no token"})
	if !errors.As(err, &cfgErr) {
		t.Fatal("errors.As should match ConfigurationError")
	}
	if !strings.Contains(err.Error(), "no token") {
		t.Errorf("error = %q", err.Error())
	}
}
