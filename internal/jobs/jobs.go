// Package jobs provides the async work queue for alert processing. Dispatch
// is at-least-once with explicit delayed scheduling; handlers for a given
// alert never run concurrently with each other. Top-level jobs run a single
// attempt; failure handling is the handler's responsibility, retry/backoff
// for monitoring is modeled as delayed re-dispatch by the pipeline, not
// queue retry.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// Kind identifies what a job does.
type Kind string

const (
	// KindProcess runs the initial alert triage pass.
	KindProcess Kind = "process"

	// KindRevalidate runs a scheduled monitoring recheck.
	KindRevalidate Kind = "revalidate"

	// KindPersistMedia downloads one remote evidence URL.
	KindPersistMedia Kind = "persist_media"
)

// Job is an immutable work request.
type Job struct {
	Kind     Kind
	AlertID  string
	TenantID string
	URL      string // persist_media only
}

// Handler executes one job.
type Handler func(ctx context.Context, j Job) error

// Queue dispatches jobs now or after a delay.
type Queue interface {
	Enqueue(ctx context.Context, j Job) error
	EnqueueAfter(ctx context.Context, d time.Duration, j Job) error
}

// Runner is an in-process Queue backed by goroutines. Process and revalidate
// jobs for the same alert are serialized through a per-alert mutex so at most
// one is in flight at a time.
type Runner struct {
	mu       sync.Mutex
	handlers map[Kind]Handler
	locks    map[string]*sync.Mutex
	logger   log.Logger
	wg       sync.WaitGroup
	base     context.Context
	cancel   context.CancelFunc
}

// NewRunner creates a Runner. Jobs run on a background context detached from
// the enqueueing request.
func NewRunner(logger log.Logger) *Runner {
	if logger == nil {
		logger = log.Nop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Runner{
		handlers: make(map[Kind]Handler),
		locks:    make(map[string]*sync.Mutex),
		logger:   logger,
		base:     base,
		cancel:   cancel,
	}
}

// Register binds a handler to a job kind. Must be called before Enqueue.
func (r *Runner) Register(k Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[k] = h
}

// Enqueue dispatches a job immediately.
func (r *Runner) Enqueue(ctx context.Context, j Job) error {
	return r.EnqueueAfter(ctx, 0, j)
}

// EnqueueAfter dispatches a job after the given delay. The job runs on the
// runner's background context, detached from the enqueueing request, so the
// delay timer keeps running after the request ends.
func (r *Runner) EnqueueAfter(_ context.Context, d time.Duration, j Job) error {
	r.mu.Lock()
	h, ok := r.handlers[j.Kind]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("jobs: no handler registered for kind %q", j.Kind)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		if d > 0 {
			select {
			case <-time.After(d):
			case <-r.base.Done():
				return
			}
		}

		jctx := log.WithContext(r.base, r.logger)
		if j.Kind == KindProcess || j.Kind == KindRevalidate {
			lock := r.lockFor(j.AlertID)
			lock.Lock()
			defer lock.Unlock()
		}

		if err := h(jctx, j); err != nil {
			// single attempt: the handler owns failure semantics
			r.logger.Error(jctx, err, "job failed",
				"kind", string(j.Kind),
				"alert_id", j.AlertID,
				"tenant_id", j.TenantID,
			)
		}
	}()
	return nil
}

// Close stops accepting delayed work and waits for in-flight jobs, bounded
// by the context deadline.
func (r *Runner) Close(ctx context.Context) error {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("jobs: shutdown timed out: %w", ctx.Err())
	}
}

func (r *Runner) lockFor(alertID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.locks[alertID]; ok {
		return l
	}
	l := &sync.Mutex{}
	r.locks[alertID] = l
	return l
}
