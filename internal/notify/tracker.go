package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/linnemanlabs/go-core/log"
)

// carrierStatuses maps provider callback statuses (message and call
// vocabularies) onto the delivery lattice.
var carrierStatuses = map[string]DeliveryStatus{
	"queued":      StatusQueued,
	"accepted":    StatusQueued,
	"sending":     StatusSending,
	"sent":        StatusSent,
	"delivered":   StatusDelivered,
	"read":        StatusRead,
	"failed":      StatusFailed,
	"undelivered": StatusUndelivered,
	// call lifecycle
	"initiated":   StatusSending,
	"ringing":     StatusSending,
	"in-progress": StatusSent,
	"completed":   StatusDelivered,
	"busy":        StatusUndelivered,
	"no-answer":   StatusUndelivered,
	"canceled":    StatusFailed,
}

// MapCarrierStatus translates a provider callback status into a
// DeliveryStatus. Unknown statuses are reported, not guessed.
func MapCarrierStatus(s string) (DeliveryStatus, bool) {
	st, ok := carrierStatuses[s]
	return st, ok
}

// Tracker applies carrier delivery callbacks to notification results.
type Tracker struct {
	store  Store
	logger log.Logger
	now    func() time.Time
}

// NewTracker creates a Tracker.
func NewTracker(store Store, logger log.Logger) *Tracker {
	if logger == nil {
		logger = log.Nop()
	}
	return &Tracker{store: store, logger: logger, now: time.Now}
}

// HandleCallback applies one provider webhook to the result identified by
// sid. It returns whether the callback advanced the delivery status. Every
// callback, accepted or stale, lands in the append-only delivery event log;
// callbacks for unknown SIDs are dropped with a warning.
func (t *Tracker) HandleCallback(ctx context.Context, sid, carrierStatus string, raw []byte) (bool, error) {
	status, ok := MapCarrierStatus(carrierStatus)
	if !ok {
		t.logger.Warn(ctx, "unknown carrier callback status",
			"sid", sid,
			"status", carrierStatus,
		)
		return false, nil
	}

	r, found, err := t.store.GetResultBySID(ctx, sid)
	if err != nil {
		return false, fmt.Errorf("load result for sid %s: %w", sid, err)
	}
	if !found {
		t.logger.Warn(ctx, "carrier callback for unknown sid", "sid", sid)
		return false, nil
	}

	advanced := r.UpdateStatusFromCallback(status)
	if advanced {
		if err := t.store.PutResult(ctx, r); err != nil {
			return false, fmt.Errorf("persist result %s: %w", r.ID, err)
		}
	} else {
		t.logger.Info(ctx, "stale carrier callback ignored",
			"result_id", r.ID,
			"current", string(r.StatusCurrent),
			"callback", string(status),
		)
	}

	ev := &DeliveryEvent{
		ID:         uuid.NewString(),
		ResultID:   r.ID,
		TenantID:   r.TenantID,
		Status:     status,
		Accepted:   advanced,
		Raw:        raw,
		ReceivedAt: t.now(),
	}
	if err := t.store.AppendDeliveryEvent(ctx, ev); err != nil {
		t.logger.Error(ctx, err, "failed to append delivery event", "result_id", r.ID)
	}

	return advanced, nil
}
