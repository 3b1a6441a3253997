// Package preload gathers bounded time-windowed telemetry context for a
// signal before it is handed to the AI interpreter.
package preload

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/vanguard/internal/alert"
	"github.com/linnemanlabs/vanguard/internal/kvstore"
	"github.com/linnemanlabs/vanguard/internal/telemetry"
	"github.com/linnemanlabs/vanguard/internal/tenant"
)

// DefaultWindow is how far back the initial context load reaches.
const DefaultWindow = 30 * time.Minute

// Context is the preloaded telemetry bundle sent to the AI service.
type Context struct {
	VehicleStats []telemetry.VehicleStats `json:"vehicle_stats,omitempty"`
	SafetyEvents []telemetry.SafetyEvent  `json:"safety_events,omitempty"`
	Trips        []telemetry.Trip         `json:"trips,omitempty"`
	Media        []telemetry.MediaItem    `json:"media,omitempty"`
	WindowStart  time.Time                `json:"window_start"`
	WindowEnd    time.Time                `json:"window_end"`
	Incremental  bool                     `json:"incremental,omitempty"`
}

// Preloader assembles Context bundles. Incremental loads track a per-alert
// watermark in the tenant-scoped KV store so each recheck only carries what
// changed since the previous pass.
type Preloader struct {
	telemetry *telemetry.Client
	kv        kvstore.Store
	window    time.Duration
	logger    log.Logger
	now       func() time.Time
}

// New creates a Preloader. A zero window uses DefaultWindow.
func New(tc *telemetry.Client, kv kvstore.Store, window time.Duration, logger log.Logger) *Preloader {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Preloader{
		telemetry: tc,
		kv:        kv,
		window:    window,
		logger:    logger,
		now:       time.Now,
	}
}

// Initial loads the full context window around a signal.
func (p *Preloader) Initial(ctx context.Context, settings *tenant.Settings, sig *alert.Signal) (*Context, error) {
	end := p.now()
	start := sig.OccurredAt.Add(-p.window)
	return p.load(ctx, settings, sig.VehicleID, start, end, false)
}

// Incremental loads context since the last check for an alert, then advances
// the watermark.
func (p *Preloader) Incremental(ctx context.Context, settings *tenant.Settings, a *alert.Alert) (*Context, error) {
	end := p.now()
	start := end.Add(-p.window)

	key := "lastcheck:" + a.ID
	if v, ok, err := p.kv.Get(ctx, a.TenantID, key); err != nil {
		p.logger.Warn(ctx, "watermark read failed, using full window", "alert_id", a.ID, "error", err)
	} else if ok {
		if t, perr := time.Parse(time.RFC3339Nano, v); perr == nil {
			start = t
		}
	}

	c, err := p.load(ctx, settings, a.Signal.VehicleID, start, end, true)
	if err != nil {
		return nil, err
	}

	if err := p.kv.Set(ctx, a.TenantID, key, end.UTC().Format(time.RFC3339Nano)); err != nil {
		p.logger.Warn(ctx, "watermark write failed", "alert_id", a.ID, "error", err)
	}
	return c, nil
}

func (p *Preloader) load(ctx context.Context, settings *tenant.Settings, vehicleID string, start, end time.Time, incremental bool) (*Context, error) {
	ids := []string{vehicleID}
	token := settings.ProviderToken

	stats, err := p.telemetry.VehicleStatsFor(ctx, token, ids)
	if err != nil {
		return nil, fmt.Errorf("preload vehicle stats: %w", err)
	}
	events, err := p.telemetry.SafetyEvents(ctx, token, ids, start, end)
	if err != nil {
		return nil, fmt.Errorf("preload safety events: %w", err)
	}
	trips, err := p.telemetry.Trips(ctx, token, ids, start, end)
	if err != nil {
		return nil, fmt.Errorf("preload trips: %w", err)
	}
	media, err := p.telemetry.Media(ctx, token, ids, start, end)
	if err != nil {
		// media is enrichment only; a missing clip should not stop triage
		p.logger.Warn(ctx, "preload media failed", "vehicle_id", vehicleID, "error", err)
		media = nil
	}

	return &Context{
		VehicleStats: stats,
		SafetyEvents: events,
		Trips:        trips,
		Media:        media,
		WindowStart:  start,
		WindowEnd:    end,
		Incremental:  incremental,
	}, nil
}
