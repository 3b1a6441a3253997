package alert

import (
	"encoding/json"
	"time"
)

// Status tracks where an alert is in its lifecycle.
type Status string

const (
	// StatusPending means created, not yet processed
	StatusPending Status = "pending"

	// StatusInvestigating means the AI asked to monitor and recheck later
	StatusInvestigating Status = "investigating"

	// StatusCompleted means triage finished with a verdict
	StatusCompleted Status = "completed"

	// StatusFailed means finished with an unrecoverable error
	StatusFailed Status = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// transition. Any non-terminal status may move to failed.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	switch s {
	case StatusPending:
		return next == StatusInvestigating || next == StatusCompleted
	case StatusInvestigating:
		return next == StatusInvestigating || next == StatusCompleted
	}
	return false
}

// Severity classifies how urgent an alert is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Verdict is the AI-assigned classification of an alert.
type Verdict string

const (
	VerdictConfirmedViolation  Verdict = "confirmed_violation"
	VerdictLikelyFalsePositive Verdict = "likely_false_positive"
	VerdictNeedsReview         Verdict = "needs_review"
)

// AttentionState tracks acknowledgement-SLA handling, disjoint from the
// AI-verdict fields so the sweep can run concurrently with triage.
type AttentionState string

const (
	AttentionNone       AttentionState = "none"
	AttentionPendingAck AttentionState = "pending_ack"
	AttentionEscalated  AttentionState = "escalated"
	AttentionAcked      AttentionState = "acked"
)

// NotificationStatus summarizes the notification fan-out outcome on the alert.
type NotificationStatus string

const (
	NotificationNone      NotificationStatus = "none"
	NotificationNotified  NotificationStatus = "notified"
	NotificationEscalated NotificationStatus = "escalated"
)

// SignalKind distinguishes ingested telemetry event types.
type SignalKind string

const (
	SignalSafetyEvent SignalKind = "safety_event"
	SignalPanicButton SignalKind = "panic_button"
)

// Signal is the raw ingested telemetry event. It is written once at ingest;
// only the description may later be normalized from a generic placeholder.
type Signal struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	VehicleID   string          `json:"vehicle_id"`
	DriverID    string          `json:"driver_id,omitempty"`
	Kind        SignalKind      `json:"kind"`
	Description string          `json:"description"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// Alert is the mutable lifecycle record for one signal. TenantID is immutable
// and propagates from the signal to every child row.
type Alert struct {
	ID                 string             `json:"id"`
	TenantID           string             `json:"tenant_id"`
	Signal             Signal             `json:"signal"`
	Status             Status             `json:"status"`
	Verdict            Verdict            `json:"verdict,omitempty"`
	Likelihood         string             `json:"likelihood,omitempty"`
	Confidence         float64            `json:"confidence,omitempty"`
	Severity           Severity           `json:"severity"`
	HumanMessage       string             `json:"human_message,omitempty"`
	AttentionState     AttentionState     `json:"attention_state,omitempty"`
	AckDeadline        time.Time          `json:"ack_deadline,omitempty"`
	AckedAt            time.Time          `json:"acked_at,omitempty"`
	NotificationStatus NotificationStatus `json:"notification_status,omitempty"`
	FailureReason      string             `json:"failure_reason,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at,omitempty"`
	CompletedAt        time.Time          `json:"completed_at,omitempty"`
}

// InvestigationStep is one append-only entry in an alert's monitoring history.
type InvestigationStep struct {
	CheckedAt        time.Time `json:"checked_at"`
	Verdict          Verdict   `json:"verdict"`
	Reason           string    `json:"reason,omitempty"`
	NextCheckMinutes int       `json:"next_check_minutes,omitempty"`
}

// Investigation is the per-alert AI investigation record. Count is monotonic
// non-decreasing; History is append-only.
type Investigation struct {
	AlertID          string              `json:"alert_id"`
	TenantID         string              `json:"tenant_id"`
	Count            int                 `json:"investigation_count"`
	NextCheckMinutes int                 `json:"next_check_minutes,omitempty"`
	Assessment        json.RawMessage     `json:"ai_assessment,omitempty"`
	History           []InvestigationStep `json:"investigation_history,omitempty"`
	RecommendedSteps  []string            `json:"recommended_actions,omitempty"`
	InvestigationPlan []string            `json:"investigation_plan,omitempty"`
	CameraAnalysis    json.RawMessage     `json:"camera_analysis,omitempty"`
	UpdatedAt         time.Time           `json:"updated_at,omitempty"`
}

// Metrics is the one-row-per-alert pipeline accounting record. Fields are
// accumulated additively; stored values never shrink.
type Metrics struct {
	AlertID      string  `json:"alert_id"`
	TenantID     string  `json:"tenant_id"`
	PipelineMS   int64   `json:"pipeline_ms"`
	TotalTokens  int     `json:"total_tokens"`
	CostEstimate float64 `json:"cost_estimate"`
	AICalls      int     `json:"ai_calls"`
}
