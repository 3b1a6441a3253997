// Package api exposes the HTTP surface: signal ingest, alert reads,
// acknowledgement, on-demand analysis, and the carrier delivery webhook.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/vanguard/internal/ai"
	"github.com/linnemanlabs/vanguard/internal/alert"
	"github.com/linnemanlabs/vanguard/internal/authmw"
	"github.com/linnemanlabs/vanguard/internal/jobs"
	"github.com/linnemanlabs/vanguard/internal/tenant"
)

// Acknowledger resolves a pending acknowledgement.
type Acknowledger interface {
	Acknowledge(ctx context.Context, alertID string) (*alert.Alert, error)
}

// CallbackHandler applies a carrier delivery callback.
type CallbackHandler interface {
	HandleCallback(ctx context.Context, sid, carrierStatus string, raw []byte) (bool, error)
}

// Analyzer runs one-off analyses outside the alert lifecycle.
type Analyzer interface {
	AnalyzeOnDemand(ctx context.Context, req *ai.TriageRequest) (*ai.Decision, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger   log.Logger
	store    alert.Store
	tenants  tenant.Provider
	queue    jobs.Queue
	acks     Acknowledger
	tracker  CallbackHandler
	analyzer Analyzer
}

// Deps bundles the API collaborators.
type Deps struct {
	Logger   log.Logger
	Store    alert.Store
	Tenants  tenant.Provider
	Queue    jobs.Queue
	Acks     Acknowledger
	Tracker  CallbackHandler
	Analyzer Analyzer
}

// New creates a new API handler.
func New(d Deps) *API {
	if d.Logger == nil {
		d.Logger = log.Nop()
	}
	if d.Store == nil {
		panic(xerrors.New("alert store is required"))
	}
	if d.Queue == nil {
		panic(xerrors.New("job queue is required"))
	}
	return &API{
		logger:   d.Logger,
		store:    d.Store,
		tenants:  d.Tenants,
		queue:    d.Queue,
		acks:     d.Acks,
		tracker:  d.Tracker,
		analyzer: d.Analyzer,
	}
}

// RegisterRoutes attaches API endpoints to the router. The carrier webhook is
// mounted outside the bearer group: the provider authenticates its own way.
func (a *API) RegisterRoutes(r chi.Router, apiToken string) {
	r.Route("/api/v1", func(r chi.Router) {
		if apiToken != "" {
			r.Use(authmw.BearerToken(apiToken))
		}
		r.Post("/signals", a.handleIngestSignal)
		r.Get("/alerts/{id}", a.handleGetAlert)
		r.Post("/alerts/{id}/ack", a.handleAckAlert)
		r.Post("/analysis", a.handleAnalyzeOnDemand)
	})
	r.Post("/api/v1/webhooks/carrier", a.handleCarrierCallback)
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	http.Error(w, `{"error":"`+msg+`"}`, code)
}
