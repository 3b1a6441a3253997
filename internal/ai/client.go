// Package ai provides the client for the external AI triage service and the
// decision types it returns.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 120 * time.Second

// Client calls the AI triage service.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// New creates a new AI service client.
func New(baseURL, authToken string) *Client {
	return &Client{
		baseURL:   baseURL,
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// envelope is the raw wire shape of an AI service response. A decision and
// an error report share one shape; Status distinguishes them.
type envelope struct {
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
	Stats  struct {
		ActiveRequests int `json:"active_requests"`
	} `json:"stats,omitempty"`

	Decision
}

// Ingest runs the initial triage pass for an alert.
func (c *Client) Ingest(ctx context.Context, req *TriageRequest) (*Decision, error) {
	return c.post(ctx, "/alerts/ingest", req)
}

// Revalidate runs a subsequent monitoring pass for an alert.
func (c *Client) Revalidate(ctx context.Context, req *TriageRequest) (*Decision, error) {
	return c.post(ctx, "/alerts/revalidate", req)
}

// AnalyzeOnDemand runs a one-off analysis outside the alert lifecycle.
func (c *Client) AnalyzeOnDemand(ctx context.Context, req *TriageRequest) (*Decision, error) {
	return c.post(ctx, "/analysis/on-demand", req)
}

func (c *Client) post(ctx context.Context, path string, req *TriageRequest) (*Decision, error) {
	body, err := json.Marshal(map[string]any{"payload": req})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if unmarshalErr := json.Unmarshal(respBody, &env); unmarshalErr != nil && resp.StatusCode == http.StatusOK {
		return nil, &ValidationError{Reason: fmt.Sprintf("unparseable body: %v", unmarshalErr)}
	}

	// 503 with an error body is backpressure, not a server fault.
	if resp.StatusCode == http.StatusServiceUnavailable && env.Error != "" {
		return nil, &CapacityError{ActiveRequests: env.Stats.ActiveRequests}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("AI service error %d: %s", resp.StatusCode, string(respBody))
	}

	if env.Status == "error" {
		return nil, &PipelineError{Reason: env.Error}
	}
	if env.Assessment.Verdict == "" {
		return nil, &ValidationError{Reason: "missing verdict"}
	}

	dec := env.Decision
	return &dec, nil
}
