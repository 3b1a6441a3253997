package events

import (
	"context"
	"errors"
	"testing"
	"time"
)

type failingEmitter struct{ err error }

func (f failingEmitter) Emit(context.Context, Event) error { return f.err }

func TestMemLog_Emit(t *testing.T) {
	t.Parallel()

	l := NewMemLog()
	ev := Event{
		ID:         "e1",
		TenantID:   "acme",
		AlertID:    "a1",
		Type:       TypeCompleted,
		OccurredAt: time.Now(),
	}
	if err := l.Emit(context.Background(), ev); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	got := l.Events()
	if len(got) != 1 || got[0].ID != "e1" || got[0].Type != TypeCompleted {
		t.Fatalf("events = %+v", got)
	}
}

func TestFanout_EmitsToAll(t *testing.T) {
	t.Parallel()

	a := NewMemLog()
	b := NewMemLog()
	fan := Fanout{a, b}

	if err := fan.Emit(context.Background(), Event{ID: "e1"}); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Errorf("emitters saw %d/%d events, want 1/1", len(a.Events()), len(b.Events()))
	}
}

func TestFanout_ContinuesPastFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("broker down")
	tail := NewMemLog()
	fan := Fanout{failingEmitter{err: boom}, tail}

	err := fan.Emit(context.Background(), Event{ID: "e1"})
	if !errors.Is(err, boom) {
		t.Errorf("Emit() error = %v, want first failure returned", err)
	}
	if len(tail.Events()) != 1 {
		t.Error("later emitter was skipped after a failure")
	}
}

func TestNop(t *testing.T) {
	t.Parallel()

	if err := (Nop{}).Emit(context.Background(), Event{}); err != nil {
		t.Errorf("Nop.Emit() error = %v", err)
	}
}
