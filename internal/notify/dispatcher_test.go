package notify_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/linnemanlabs/vanguard/internal/ai"
	"github.com/linnemanlabs/vanguard/internal/alert"
	"github.com/linnemanlabs/vanguard/internal/metering"
	"github.com/linnemanlabs/vanguard/internal/notify"
	"github.com/linnemanlabs/vanguard/internal/notify/memstore"
	"github.com/linnemanlabs/vanguard/internal/tenant"
)

// fakeCarrier records sends and fails any destination listed in failTo.
type fakeCarrier struct {
	sms      []string
	whatsapp []string
	calls    []string
	failTo   map[string]bool
	nextSID  int
}

func (f *fakeCarrier) sid() string {
	f.nextSID++
	return "SM" + strings.Repeat("0", 3) + string(rune('0'+f.nextSID))
}

func (f *fakeCarrier) SendSMS(_ context.Context, to, _ string) (string, error) {
	f.sms = append(f.sms, to)
	if f.failTo[to] {
		return "", errors.New("carrier returned 400: invalid number")
	}
	return f.sid(), nil
}

func (f *fakeCarrier) SendWhatsApp(_ context.Context, to, _ string) (string, error) {
	f.whatsapp = append(f.whatsapp, to)
	if f.failTo[to] {
		return "", errors.New("carrier returned 400: invalid number")
	}
	return f.sid(), nil
}

func (f *fakeCarrier) PlaceCall(_ context.Context, to, _ string) (string, error) {
	f.calls = append(f.calls, to)
	if f.failTo[to] {
		return "", errors.New("carrier returned 400: invalid number")
	}
	return f.sid(), nil
}

func testSettings() *tenant.Settings {
	return &tenant.Settings{
		ID: "acme",
		EnabledChannels: map[string]bool{
			"sms":      true,
			"whatsapp": true,
			"voice":    true,
		},
		MonitorMatrix: map[string]tenant.MatrixEntry{
			"immediate": {Channels: []string{"sms"}, Recipients: []string{"monitoring_team"}},
		},
		MeteringEnabled: true,
	}
}

func testAlert() *alert.Alert {
	return &alert.Alert{
		ID:       "alert-1",
		TenantID: "acme",
		Signal: alert.Signal{
			VehicleID:   "veh-9",
			DriverID:    "drv-3",
			Description: "harsh braking",
		},
	}
}

func seedContact(t *testing.T, store *memstore.Store, c *notify.Contact) {
	t.Helper()
	c.TenantID = "acme"
	c.Active = true
	if err := store.PutContact(context.Background(), c); err != nil {
		t.Fatalf("seed contact: %v", err)
	}
}

func newDispatcher(t *testing.T, carrier notify.Carrier) (*notify.Dispatcher, *memstore.Store, *metering.MemStore) {
	t.Helper()
	store := memstore.New()
	meters := metering.NewMemStore()
	d := notify.NewDispatcher(store, notify.NewResolver(store), carrier, metering.NewRecorder(meters, nil), nil)
	return d, store, meters
}

func TestDispatch_NoOpWhenAIDeclines(t *testing.T) {
	t.Parallel()

	fc := &fakeCarrier{}
	d, store, _ := newDispatcher(t, fc)
	seedContact(t, store, &notify.Contact{ID: "c1", Type: notify.ContactOperator, Phone: "+1555"})

	dec := &ai.Decision{}
	out, err := d.Dispatch(context.Background(), testAlert(), dec, testSettings())
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if out.Attempted != 0 {
		t.Errorf("Attempted = %d, want 0", out.Attempted)
	}
	if len(fc.sms)+len(fc.whatsapp)+len(fc.calls) != 0 {
		t.Error("carrier was called for a declined notification")
	}
	rows, _ := store.ListResultsByAlert(context.Background(), "alert-1")
	if len(rows) != 0 {
		t.Errorf("got %d result rows, want 0", len(rows))
	}
}

func TestDispatch_SendsAndPersists(t *testing.T) {
	t.Parallel()

	fc := &fakeCarrier{}
	d, store, meters := newDispatcher(t, fc)
	seedContact(t, store, &notify.Contact{ID: "op1", Type: notify.ContactOperator, Phone: "+15550001", VehicleID: "veh-9"})

	dec := &ai.Decision{
		Notification: ai.NotificationDecision{
			ShouldNotify:  true,
			ChannelsToUse: []string{"sms"},
			Recipients:    []string{"operator"},
			MessageText:   "vehicle veh-9 needs attention",
		},
	}

	out, err := d.Dispatch(context.Background(), testAlert(), dec, testSettings())
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if out.Attempted != 1 || out.Succeeded != 1 || out.Failed != 0 {
		t.Fatalf("outcome = %+v, want 1 attempted 1 succeeded", out)
	}

	rows, _ := store.ListResultsByAlert(context.Background(), "alert-1")
	if len(rows) != 1 {
		t.Fatalf("got %d result rows, want 1", len(rows))
	}
	r := rows[0]
	if r.StatusCurrent != notify.StatusSent {
		t.Errorf("StatusCurrent = %s, want sent", r.StatusCurrent)
	}
	if r.ProviderSID == "" {
		t.Error("sent row missing provider SID")
	}
	if r.Channel != notify.ChannelSMS || r.ContactID != "op1" {
		t.Errorf("row = %+v", r)
	}

	evs := meters.Events()
	if len(evs) != 1 {
		t.Fatalf("got %d metering events, want 1", len(evs))
	}
	if evs[0].Meter != metering.MeterNotificationSend || evs[0].EntityID != "alert-1:sms:op1" {
		t.Errorf("metering event = %+v", evs[0])
	}
}

func TestDispatch_CarrierFailureIsIsolated(t *testing.T) {
	t.Parallel()

	fc := &fakeCarrier{failTo: map[string]bool{"+1bad": true}}
	d, store, _ := newDispatcher(t, fc)
	seedContact(t, store, &notify.Contact{ID: "op1", Type: notify.ContactOperator, Phone: "+1bad", VehicleID: "veh-9"})
	seedContact(t, store, &notify.Contact{ID: "sup1", Type: notify.ContactSupervisor, Phone: "+1good"})

	dec := &ai.Decision{
		Notification: ai.NotificationDecision{
			ShouldNotify:  true,
			ChannelsToUse: []string{"sms"},
			Recipients:    []string{"operator", "supervisor"},
		},
	}

	out, err := d.Dispatch(context.Background(), testAlert(), dec, testSettings())
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if out.Attempted != 2 || out.Succeeded != 1 || out.Failed != 1 {
		t.Fatalf("outcome = %+v, want 2/1/1", out)
	}

	rows, _ := store.ListResultsByAlert(context.Background(), "alert-1")
	if len(rows) != 2 {
		t.Fatalf("got %d result rows, want 2 (failure must leave a row too)", len(rows))
	}
	var failed, sent int
	for _, r := range rows {
		switch r.StatusCurrent {
		case notify.StatusFailed:
			failed++
			if r.Error == "" {
				t.Error("failed row missing error text")
			}
		case notify.StatusSent:
			sent++
		}
	}
	if failed != 1 || sent != 1 {
		t.Errorf("rows: %d failed %d sent, want 1/1", failed, sent)
	}
}

func TestDispatch_MatrixForcesNotification(t *testing.T) {
	t.Parallel()

	fc := &fakeCarrier{}
	d, store, _ := newDispatcher(t, fc)
	seedContact(t, store, &notify.Contact{ID: "mt1", Type: notify.ContactMonitoringTeam, Phone: "+15559"})

	// AI declined but the risk tier has a matrix entry.
	dec := &ai.Decision{
		Assessment:   ai.Assessment{RiskEscalation: "immediate"},
		Notification: ai.NotificationDecision{ShouldNotify: false},
	}

	out, err := d.Dispatch(context.Background(), testAlert(), dec, testSettings())
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if out.Attempted != 1 || out.Succeeded != 1 {
		t.Fatalf("outcome = %+v, want forced send to monitoring team", out)
	}
	if len(fc.sms) != 1 {
		t.Errorf("sms sends = %d, want 1", len(fc.sms))
	}
}

func TestDispatch_DisabledChannelFiltered(t *testing.T) {
	t.Parallel()

	fc := &fakeCarrier{}
	d, store, _ := newDispatcher(t, fc)
	seedContact(t, store, &notify.Contact{ID: "op1", Type: notify.ContactOperator, Phone: "+1555", VehicleID: "veh-9"})

	settings := testSettings()
	settings.EnabledChannels["whatsapp"] = false

	dec := &ai.Decision{
		Notification: ai.NotificationDecision{
			ShouldNotify:  true,
			ChannelsToUse: []string{"whatsapp", "sms", "carrier-pigeon"},
			Recipients:    []string{"operator"},
		},
	}

	out, err := d.Dispatch(context.Background(), testAlert(), dec, settings)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if out.Attempted != 1 {
		t.Fatalf("Attempted = %d, want 1 (sms only)", out.Attempted)
	}
	if len(fc.whatsapp) != 0 {
		t.Error("disabled whatsapp channel was used")
	}
	if len(fc.sms) != 1 {
		t.Error("enabled sms channel was not used")
	}
}

func TestDispatch_MeteringDisabledTenant(t *testing.T) {
	t.Parallel()

	fc := &fakeCarrier{}
	d, store, meters := newDispatcher(t, fc)
	seedContact(t, store, &notify.Contact{ID: "op1", Type: notify.ContactOperator, Phone: "+1555", VehicleID: "veh-9"})

	settings := testSettings()
	settings.MeteringEnabled = false

	dec := &ai.Decision{
		Notification: ai.NotificationDecision{
			ShouldNotify:  true,
			ChannelsToUse: []string{"sms"},
			Recipients:    []string{"operator"},
		},
	}

	if _, err := d.Dispatch(context.Background(), testAlert(), dec, settings); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if got := len(meters.Events()); got != 0 {
		t.Errorf("got %d metering events for a metering-disabled tenant, want 0", got)
	}
}

func TestEscalatePanic_FansOut(t *testing.T) {
	t.Parallel()

	fc := &fakeCarrier{}
	d, store, _ := newDispatcher(t, fc)
	seedContact(t, store, &notify.Contact{ID: "mt1", Type: notify.ContactMonitoringTeam, Phone: "+1mt", Priority: 1})
	seedContact(t, store, &notify.Contact{ID: "sup1", Type: notify.ContactSupervisor, Phone: "+1sup", Priority: 2})
	seedContact(t, store, &notify.Contact{ID: "em1", Type: notify.ContactEmergency, Phone: "+1911", Priority: 1})

	out, err := d.EscalatePanic(context.Background(), testAlert(), &ai.Decision{}, testSettings())
	if err != nil {
		t.Fatalf("EscalatePanic() error = %v", err)
	}
	if !out.Escalated {
		t.Error("Escalated = false")
	}
	// monitoring team sms + supervisor whatsapp + supervisor sms + emergency call
	if out.Attempted != 4 {
		t.Fatalf("Attempted = %d, want 4", out.Attempted)
	}
	if len(fc.sms) != 2 {
		t.Errorf("sms sends = %d, want 2 (monitoring team + supervisor)", len(fc.sms))
	}
	if len(fc.whatsapp) != 1 || fc.whatsapp[0] != "+1sup" {
		t.Errorf("whatsapp sends = %v, want supervisor only", fc.whatsapp)
	}
	if len(fc.calls) != 1 || fc.calls[0] != "+1911" {
		t.Errorf("voice calls = %v, want emergency only", fc.calls)
	}

	rows, _ := store.ListResultsByAlert(context.Background(), "alert-1")
	if len(rows) != 4 {
		t.Errorf("got %d result rows, want 4", len(rows))
	}
}

func TestEscalatePanic_NoContactsStillEscalated(t *testing.T) {
	t.Parallel()

	d, _, _ := newDispatcher(t, &fakeCarrier{})

	out, err := d.EscalatePanic(context.Background(), testAlert(), &ai.Decision{}, testSettings())
	if err != nil {
		t.Fatalf("EscalatePanic() error = %v", err)
	}
	if !out.Escalated {
		t.Error("Escalated = false, want true even with no contacts")
	}
	if out.Attempted != 0 {
		t.Errorf("Attempted = %d, want 0", out.Attempted)
	}
}
