package notify

import (
	"encoding/json"
	"time"
)

// Channel is a notification delivery channel.
type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelVoice    Channel = "voice"
)

// ContactType classifies a tenant-scoped recipient.
type ContactType string

const (
	ContactOperator       ContactType = "operator"
	ContactMonitoringTeam ContactType = "monitoring_team"
	ContactSupervisor     ContactType = "supervisor"
	ContactEmergency      ContactType = "emergency"
	ContactDispatch       ContactType = "dispatch"
)

// Contact is a tenant-scoped notification recipient.
type Contact struct {
	ID        string      `json:"id"`
	TenantID  string      `json:"tenant_id"`
	Name      string      `json:"name"`
	Type      ContactType `json:"type"`
	Phone     string      `json:"phone"`
	Priority  int         `json:"priority"` // lower is higher priority
	Active    bool        `json:"active"`
	VehicleID string      `json:"vehicle_id,omitempty"`
	DriverID  string      `json:"driver_id,omitempty"`
}

// DeliveryStatus is the carrier-reported state of one send attempt.
// It advances along a forward-only lattice:
//
//	queued < sending < sent < delivered < read
//
// with failed/undelivered reachable from any non-terminal state.
type DeliveryStatus string

const (
	StatusQueued      DeliveryStatus = "queued"
	StatusSending     DeliveryStatus = "sending"
	StatusSent        DeliveryStatus = "sent"
	StatusDelivered   DeliveryStatus = "delivered"
	StatusRead        DeliveryStatus = "read"
	StatusFailed      DeliveryStatus = "failed"
	StatusUndelivered DeliveryStatus = "undelivered"
)

var statusRank = map[DeliveryStatus]int{
	StatusQueued:    0,
	StatusSending:   1,
	StatusSent:      2,
	StatusDelivered: 3,
	StatusRead:      4,
}

// Terminal reports whether no further progress is possible from s.
func (s DeliveryStatus) Terminal() bool {
	switch s {
	case StatusDelivered, StatusRead, StatusFailed, StatusUndelivered:
		return true
	}
	return false
}

// canAdvance reports whether next is forward progress from cur.
func canAdvance(cur, next DeliveryStatus) bool {
	if next == StatusFailed || next == StatusUndelivered {
		return !cur.Terminal()
	}
	nr, ok := statusRank[next]
	if !ok {
		return false
	}
	cr, ok := statusRank[cur]
	if !ok {
		// current is a failure state; nothing advances from it
		return false
	}
	return nr > cr
}

// Result is one row per (alert, channel, recipient) send attempt.
type Result struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	AlertID       string         `json:"alert_id"`
	Channel       Channel        `json:"channel"`
	ContactID     string         `json:"contact_id,omitempty"`
	ContactName   string         `json:"contact_name,omitempty"`
	To            string         `json:"to"`
	ProviderSID   string         `json:"provider_sid,omitempty"`
	StatusCurrent DeliveryStatus `json:"status_current"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at,omitempty"`
}

// UpdateStatusFromCallback applies a carrier status callback. Only forward
// progress on the lattice (or a terminal failure from a non-terminal state)
// is accepted; stale or out-of-order callbacks return false and leave the
// status unchanged.
func (r *Result) UpdateStatusFromCallback(next DeliveryStatus) bool {
	if !canAdvance(r.StatusCurrent, next) {
		return false
	}
	r.StatusCurrent = next
	r.UpdatedAt = time.Now()
	return true
}

// DeliveryEvent is one append-only carrier webhook log entry.
type DeliveryEvent struct {
	ID         string          `json:"id"`
	ResultID   string          `json:"result_id"`
	TenantID   string          `json:"tenant_id"`
	Status     DeliveryStatus  `json:"status"`
	Accepted   bool            `json:"accepted"`
	Raw        json.RawMessage `json:"raw,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Outcome summarizes one dispatch fan-out.
type Outcome struct {
	Attempted int
	Succeeded int
	Failed    int
	Escalated bool
}
