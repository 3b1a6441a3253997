// Package telemetry provides the read-only client for the vehicle telemetry
// provider: vehicle stats, safety events, trips, and media, plus localized
// behavior-label names for description normalization.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout = 30 * time.Second
	maxPages       = 20
)

// Client calls the telemetry provider REST API. Credentials are per tenant,
// passed on each call.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a telemetry provider client.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// VehicleStats is a snapshot of a vehicle's latest reported state.
type VehicleStats struct {
	VehicleID    string    `json:"vehicle_id"`
	SpeedMPH     float64   `json:"speed_mph,omitempty"`
	EngineState  string    `json:"engine_state,omitempty"`
	FuelPercent  float64   `json:"fuel_percent,omitempty"`
	Latitude     float64   `json:"latitude,omitempty"`
	Longitude    float64   `json:"longitude,omitempty"`
	ReportedAt   time.Time `json:"reported_at,omitempty"`
	OdometerMi   float64   `json:"odometer_mi,omitempty"`
	DriverID     string    `json:"driver_id,omitempty"`
}

// SafetyEvent is one provider-recorded safety event.
type SafetyEvent struct {
	ID            string    `json:"id"`
	VehicleID     string    `json:"vehicle_id"`
	DriverID      string    `json:"driver_id,omitempty"`
	BehaviorLabel string    `json:"behavior_label,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
	SpeedMPH      float64   `json:"speed_mph,omitempty"`
	Latitude      float64   `json:"latitude,omitempty"`
	Longitude     float64   `json:"longitude,omitempty"`
}

// Trip is one provider-recorded trip.
type Trip struct {
	ID        string    `json:"id"`
	VehicleID string    `json:"vehicle_id"`
	DriverID  string    `json:"driver_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	DistanceMi float64  `json:"distance_mi,omitempty"`
}

// MediaItem is one provider-hosted media reference (dashcam still or clip).
type MediaItem struct {
	ID         string    `json:"id"`
	VehicleID  string    `json:"vehicle_id"`
	URL        string    `json:"url"`
	CapturedAt time.Time `json:"captured_at,omitempty"`
	Kind       string    `json:"kind,omitempty"`
}

type page struct {
	Data       json.RawMessage `json:"data"`
	Pagination struct {
		EndCursor   string `json:"endCursor"`
		HasNextPage bool   `json:"hasNextPage"`
	} `json:"pagination"`
}

// VehicleStatsFor fetches the latest stats for the given vehicles. The
// provider may return records outside the requested set; those are dropped.
func (c *Client) VehicleStatsFor(ctx context.Context, token string, vehicleIDs []string) ([]VehicleStats, error) {
	var all []VehicleStats
	err := c.paginate(ctx, token, "/fleet/vehicles/stats", url.Values{
		"vehicleIds": {strings.Join(vehicleIDs, ",")},
	}, func(data json.RawMessage) error {
		var batch []VehicleStats
		if err := json.Unmarshal(data, &batch); err != nil {
			return fmt.Errorf("unmarshal vehicle stats: %w", err)
		}
		want := idSet(vehicleIDs)
		for _, s := range batch {
			if want[s.VehicleID] {
				all = append(all, s)
			}
		}
		return nil
	})
	return all, err
}

// SafetyEvents fetches safety events for the given vehicles in [from, to].
func (c *Client) SafetyEvents(ctx context.Context, token string, vehicleIDs []string, from, to time.Time) ([]SafetyEvent, error) {
	var all []SafetyEvent
	err := c.paginate(ctx, token, "/fleet/safety-events", url.Values{
		"vehicleIds": {strings.Join(vehicleIDs, ",")},
		"startTime":  {from.UTC().Format(time.RFC3339)},
		"endTime":    {to.UTC().Format(time.RFC3339)},
	}, func(data json.RawMessage) error {
		var batch []SafetyEvent
		if err := json.Unmarshal(data, &batch); err != nil {
			return fmt.Errorf("unmarshal safety events: %w", err)
		}
		want := idSet(vehicleIDs)
		for _, ev := range batch {
			if want[ev.VehicleID] {
				all = append(all, ev)
			}
		}
		return nil
	})
	return all, err
}

// Trips fetches trips for the given vehicles overlapping [from, to].
func (c *Client) Trips(ctx context.Context, token string, vehicleIDs []string, from, to time.Time) ([]Trip, error) {
	var all []Trip
	err := c.paginate(ctx, token, "/fleet/trips", url.Values{
		"vehicleIds": {strings.Join(vehicleIDs, ",")},
		"startTime":  {from.UTC().Format(time.RFC3339)},
		"endTime":    {to.UTC().Format(time.RFC3339)},
	}, func(data json.RawMessage) error {
		var batch []Trip
		if err := json.Unmarshal(data, &batch); err != nil {
			return fmt.Errorf("unmarshal trips: %w", err)
		}
		want := idSet(vehicleIDs)
		for _, tr := range batch {
			if want[tr.VehicleID] {
				all = append(all, tr)
			}
		}
		return nil
	})
	return all, err
}

// Media fetches media references for the given vehicles in [from, to].
func (c *Client) Media(ctx context.Context, token string, vehicleIDs []string, from, to time.Time) ([]MediaItem, error) {
	var all []MediaItem
	err := c.paginate(ctx, token, "/fleet/media", url.Values{
		"vehicleIds": {strings.Join(vehicleIDs, ",")},
		"startTime":  {from.UTC().Format(time.RFC3339)},
		"endTime":    {to.UTC().Format(time.RFC3339)},
	}, func(data json.RawMessage) error {
		var batch []MediaItem
		if err := json.Unmarshal(data, &batch); err != nil {
			return fmt.Errorf("unmarshal media: %w", err)
		}
		want := idSet(vehicleIDs)
		for _, m := range batch {
			if want[m.VehicleID] {
				all = append(all, m)
			}
		}
		return nil
	})
	return all, err
}

// paginate walks a cursor-paginated endpoint, calling collect for each page.
func (c *Client) paginate(ctx context.Context, token, path string, params url.Values, collect func(json.RawMessage) error) error {
	cursor := ""
	for range maxPages {
		q := url.Values{}
		for k, v := range params {
			q[k] = v
		}
		if cursor != "" {
			q.Set("after", cursor)
		}

		p, err := c.getPage(ctx, token, path, q)
		if err != nil {
			return err
		}
		if err := collect(p.Data); err != nil {
			return err
		}
		if !p.Pagination.HasNextPage || p.Pagination.EndCursor == "" {
			return nil
		}
		cursor = p.Pagination.EndCursor
	}
	return fmt.Errorf("telemetry: %s: pagination exceeded %d pages", path, maxPages)
}

func (c *Client) getPage(ctx context.Context, token, path string, q url.Values) (*page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telemetry: get %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("telemetry: read %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telemetry: %s returned %d: %s", path, resp.StatusCode, truncateBody(body))
	}

	var p page
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("telemetry: unmarshal %s: %w", path, err)
	}
	return &p, nil
}

func idSet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func truncateBody(b []byte) string {
	const limit = 512
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "..."
}
