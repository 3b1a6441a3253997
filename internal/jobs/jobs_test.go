package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEnqueue_RunsHandler(t *testing.T) {
	t.Parallel()

	r := NewRunner(nil)
	done := make(chan Job, 1)
	r.Register(KindProcess, func(_ context.Context, j Job) error {
		done <- j
		return nil
	})

	j := Job{Kind: KindProcess, AlertID: "a1", TenantID: "acme"}
	if err := r.Enqueue(context.Background(), j); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	select {
	case got := <-done:
		if got.AlertID != "a1" || got.TenantID != "acme" {
			t.Errorf("job = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
	if err := r.Close(context.Background()); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestEnqueue_UnregisteredKind(t *testing.T) {
	t.Parallel()

	r := NewRunner(nil)
	err := r.Enqueue(context.Background(), Job{Kind: KindRevalidate, AlertID: "a1"})
	if err == nil {
		t.Fatal("expected error for unregistered kind")
	}
}

func TestEnqueueAfter_Delays(t *testing.T) {
	t.Parallel()

	r := NewRunner(nil)
	ran := make(chan time.Time, 1)
	r.Register(KindRevalidate, func(context.Context, Job) error {
		ran <- time.Now()
		return nil
	})

	start := time.Now()
	if err := r.EnqueueAfter(context.Background(), 50*time.Millisecond, Job{Kind: KindRevalidate, AlertID: "a1"}); err != nil {
		t.Fatalf("EnqueueAfter() error = %v", err)
	}

	select {
	case at := <-ran:
		if at.Sub(start) < 50*time.Millisecond {
			t.Errorf("handler ran after %v, want >= 50ms", at.Sub(start))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("delayed handler never ran")
	}
	_ = r.Close(context.Background())
}

func TestSameAlertJobsSerialized(t *testing.T) {
	t.Parallel()

	r := NewRunner(nil)
	var (
		mu      sync.Mutex
		running int
		maxSeen int
	)
	var wg sync.WaitGroup
	wg.Add(4)
	r.Register(KindProcess, func(context.Context, Job) error {
		defer wg.Done()
		mu.Lock()
		running++
		if running > maxSeen {
			maxSeen = running
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()
		return nil
	})

	for i := 0; i < 4; i++ {
		if err := r.Enqueue(context.Background(), Job{Kind: KindProcess, AlertID: "same"}); err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("saw %d concurrent handlers for one alert, want 1", maxSeen)
	}
	_ = r.Close(context.Background())
}

func TestDifferentAlertsRunConcurrently(t *testing.T) {
	t.Parallel()

	r := NewRunner(nil)
	started := make(chan string, 2)
	release := make(chan struct{})
	r.Register(KindProcess, func(_ context.Context, j Job) error {
		started <- j.AlertID
		<-release
		return nil
	})

	_ = r.Enqueue(context.Background(), Job{Kind: KindProcess, AlertID: "a1"})
	_ = r.Enqueue(context.Background(), Job{Kind: KindProcess, AlertID: "a2"})

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("jobs for distinct alerts did not overlap")
		}
	}
	close(release)
	_ = r.Close(context.Background())
}

func TestClose_CancelsPendingDelayedJobs(t *testing.T) {
	t.Parallel()

	r := NewRunner(nil)
	var ran atomic.Bool
	r.Register(KindRevalidate, func(context.Context, Job) error {
		ran.Store(true)
		return nil
	})

	if err := r.EnqueueAfter(context.Background(), time.Hour, Job{Kind: KindRevalidate, AlertID: "a1"}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if ran.Load() {
		t.Error("delayed job ran despite shutdown")
	}
}

func TestHandlerErrorDoesNotPropagate(t *testing.T) {
	t.Parallel()

	r := NewRunner(nil)
	done := make(chan struct{})
	r.Register(KindPersistMedia, func(context.Context, Job) error {
		defer close(done)
		return errors.New("download failed")
	})

	// a failing handler is logged, never surfaced to the enqueuer
	if err := r.Enqueue(context.Background(), Job{Kind: KindPersistMedia, URL: "http://x/y.jpg"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
	_ = r.Close(context.Background())
}
