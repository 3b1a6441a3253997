package notify_test

import (
	"context"
	"testing"

	"github.com/linnemanlabs/vanguard/internal/notify"
	"github.com/linnemanlabs/vanguard/internal/notify/memstore"
)

func TestResolve_OperatorVehicleAssociationWins(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	seedContact(t, store, &notify.Contact{ID: "default", Type: notify.ContactOperator, Phone: "+1a", Priority: 1})
	seedContact(t, store, &notify.Contact{ID: "assigned", Type: notify.ContactOperator, Phone: "+1b", Priority: 5, VehicleID: "veh-9"})

	r := notify.NewResolver(store)
	got, err := r.Resolve(context.Background(), "acme", []string{"operator"}, "veh-9", "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "assigned" {
		t.Fatalf("got %+v, want the vehicle-assigned operator despite worse priority", got)
	}
}

func TestResolve_OperatorDriverAssociation(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	seedContact(t, store, &notify.Contact{ID: "default", Type: notify.ContactOperator, Phone: "+1a", Priority: 1})
	seedContact(t, store, &notify.Contact{ID: "drv-op", Type: notify.ContactOperator, Phone: "+1b", Priority: 9, DriverID: "drv-3"})

	r := notify.NewResolver(store)
	got, err := r.Resolve(context.Background(), "acme", []string{"operator"}, "", "drv-3")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "drv-op" {
		t.Fatalf("got %+v, want the driver-assigned operator", got)
	}
}

func TestResolve_OperatorFallsBackToDefault(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	seedContact(t, store, &notify.Contact{ID: "other", Type: notify.ContactOperator, Phone: "+1a", Priority: 1, VehicleID: "veh-other"})
	seedContact(t, store, &notify.Contact{ID: "default", Type: notify.ContactOperator, Phone: "+1b", Priority: 2})

	r := notify.NewResolver(store)
	got, err := r.Resolve(context.Background(), "acme", []string{"operator"}, "veh-9", "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "default" {
		t.Fatalf("got %+v, want the unassociated default, never another vehicle's operator", got)
	}
}

func TestResolve_BestPriorityWinsForTeams(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	seedContact(t, store, &notify.Contact{ID: "second", Type: notify.ContactSupervisor, Phone: "+1a", Priority: 2})
	seedContact(t, store, &notify.Contact{ID: "first", Type: notify.ContactSupervisor, Phone: "+1b", Priority: 1})

	r := notify.NewResolver(store)
	got, err := r.Resolve(context.Background(), "acme", []string{"supervisor"}, "", "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "first" {
		t.Fatalf("got %+v, want the priority-1 supervisor", got)
	}
}

func TestResolve_UnknownTokensSkipped(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	seedContact(t, store, &notify.Contact{ID: "mt1", Type: notify.ContactMonitoringTeam, Phone: "+1a"})

	r := notify.NewResolver(store)
	got, err := r.Resolve(context.Background(), "acme", []string{"owner", "monitoring_team", ""}, "", "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "mt1" {
		t.Fatalf("got %+v, want just the monitoring team contact", got)
	}
}

func TestResolve_DeduplicatesAcrossTokens(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	seedContact(t, store, &notify.Contact{ID: "mt1", Type: notify.ContactMonitoringTeam, Phone: "+1a"})

	r := notify.NewResolver(store)
	got, err := r.Resolve(context.Background(), "acme", []string{"monitoring_team", "monitoring_team"}, "", "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d contacts, want duplicate token collapsed to 1", len(got))
	}
}

func TestResolve_EmptyTenantFailsClosed(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	seedContact(t, store, &notify.Contact{ID: "mt1", Type: notify.ContactMonitoringTeam, Phone: "+1a"})

	r := notify.NewResolver(store)
	got, err := r.Resolve(context.Background(), "", []string{"monitoring_team"}, "", "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %+v, want no contacts for an empty tenant id", got)
	}
}
