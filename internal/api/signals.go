package api

import (
	"encoding/json"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/vanguard/internal/alert"
	"github.com/linnemanlabs/vanguard/internal/jobs"
)

// ingestRequest is the wire shape of a raw signal submission.
type ingestRequest struct {
	TenantID    string          `json:"tenant_id"`
	VehicleID   string          `json:"vehicle_id"`
	DriverID    string          `json:"driver_id,omitempty"`
	Kind        string          `json:"kind"`
	Severity    string          `json:"severity,omitempty"`
	Description string          `json:"description,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

func (a *API) handleIngestSignal(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.TenantID == "" || req.VehicleID == "" {
		writeJSONError(w, "tenant_id and vehicle_id are required", http.StatusBadRequest)
		return
	}

	if a.tenants != nil {
		if _, found, err := a.tenants.Get(r.Context(), req.TenantID); err != nil {
			a.logger.Error(r.Context(), err, "tenant lookup failed", "tenant_id", req.TenantID)
			writeJSONError(w, "internal error", http.StatusInternalServerError)
			return
		} else if !found {
			writeJSONError(w, "unknown tenant", http.StatusBadRequest)
			return
		}
	}

	kind := alert.SignalKind(req.Kind)
	if kind != alert.SignalPanicButton {
		kind = alert.SignalSafetyEvent
	}

	occurred := req.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}

	severity := alert.Severity(req.Severity)
	switch severity {
	case alert.SeverityInfo, alert.SeverityWarning, alert.SeverityCritical:
	default:
		severity = alert.SeverityWarning
	}
	// a panic button press is always critical
	if kind == alert.SignalPanicButton {
		severity = alert.SeverityCritical
	}

	id := ulid.Make().String()
	now := time.Now()
	al := &alert.Alert{
		ID:       id,
		TenantID: req.TenantID,
		Status:   alert.StatusPending,
		Severity: severity,
		Signal: alert.Signal{
			ID:          ulid.Make().String(),
			TenantID:    req.TenantID,
			VehicleID:   req.VehicleID,
			DriverID:    req.DriverID,
			Kind:        kind,
			Description: req.Description,
			OccurredAt:  occurred,
			Raw:         req.Raw,
		},
		CreatedAt: now,
	}

	if err := a.store.Put(r.Context(), al); err != nil {
		a.logger.Error(r.Context(), err, "failed to store alert", "alert_id", id)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	job := jobs.Job{Kind: jobs.KindProcess, AlertID: id, TenantID: req.TenantID}
	if err := a.queue.Enqueue(r.Context(), job); err != nil {
		a.logger.Error(r.Context(), err, "failed to enqueue processing", "alert_id", id)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"alert_id": id,
	})
}

// alertResponse is an alert with its investigation record, when one exists.
type alertResponse struct {
	*alert.Alert
	Investigation *alert.Investigation `json:"investigation,omitempty"`
}

func (a *API) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("vanguard.alert.id", id))

	al, ok, err := a.store.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get alert", "id", id)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		writeJSONError(w, "not found", http.StatusNotFound)
		return
	}

	span.SetAttributes(attribute.String("vanguard.alert.status", string(al.Status)))

	resp := alertResponse{Alert: al}
	if inv, ok, invErr := a.store.GetInvestigation(r.Context(), id); invErr == nil && ok {
		resp.Investigation = inv
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (a *API) handleAckAlert(w http.ResponseWriter, r *http.Request) {
	if a.acks == nil {
		writeJSONError(w, "acknowledgement disabled", http.StatusNotImplemented)
		return
	}

	id := chi.URLParam(r, "id")
	al, err := a.acks.Acknowledge(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to acknowledge alert", "id", id)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if al == nil {
		writeJSONError(w, "not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(al)
}
