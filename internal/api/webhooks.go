package api

import (
	"encoding/json"
	"net/http"

	"github.com/linnemanlabs/vanguard/internal/ai"
)

// handleCarrierCallback receives provider delivery webhooks. The provider
// posts form-encoded bodies with either message or call field names.
func (a *API) handleCarrierCallback(w http.ResponseWriter, r *http.Request) {
	if a.tracker == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := r.ParseForm(); err != nil {
		writeJSONError(w, "invalid form body", http.StatusBadRequest)
		return
	}

	sid := r.PostFormValue("MessageSid")
	status := r.PostFormValue("MessageStatus")
	if sid == "" {
		sid = r.PostFormValue("CallSid")
		status = r.PostFormValue("CallStatus")
	}
	if sid == "" || status == "" {
		writeJSONError(w, "missing sid or status", http.StatusBadRequest)
		return
	}

	raw, _ := json.Marshal(r.PostForm)
	if _, err := a.tracker.HandleCallback(r.Context(), sid, status, raw); err != nil {
		a.logger.Error(r.Context(), err, "carrier callback failed", "sid", sid)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
		return
	}

	// always 204: the provider retries on anything else and the stale case
	// is already handled
	w.WriteHeader(http.StatusNoContent)
}

// analyzeRequest is the wire shape of an on-demand analysis request.
type analyzeRequest struct {
	TenantID  string          `json:"tenant_id"`
	VehicleID string          `json:"vehicle_id"`
	Question  string          `json:"question,omitempty"`
	Extra     json.RawMessage `json:"extra,omitempty"`
}

func (a *API) handleAnalyzeOnDemand(w http.ResponseWriter, r *http.Request) {
	if a.analyzer == nil {
		writeJSONError(w, "analysis disabled", http.StatusNotImplemented)
		return
	}

	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if req.TenantID == "" {
		writeJSONError(w, "tenant_id is required", http.StatusBadRequest)
		return
	}

	var cfg any
	if a.tenants != nil {
		settings, found, err := a.tenants.Get(r.Context(), req.TenantID)
		if err != nil {
			a.logger.Error(r.Context(), err, "tenant lookup failed", "tenant_id", req.TenantID)
			writeJSONError(w, "internal error", http.StatusInternalServerError)
			return
		}
		if !found {
			writeJSONError(w, "unknown tenant", http.StatusBadRequest)
			return
		}
		cfg = settings
	}

	dec, err := a.analyzer.AnalyzeOnDemand(r.Context(), &ai.TriageRequest{
		TenantID:     req.TenantID,
		TenantConfig: cfg,
		Signal: map[string]any{
			"vehicle_id": req.VehicleID,
			"question":   req.Question,
		},
		Extra: req.Extra,
	})
	if err != nil {
		a.logger.Error(r.Context(), err, "on-demand analysis failed", "tenant_id", req.TenantID)
		writeJSONError(w, "analysis failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(dec)
}
