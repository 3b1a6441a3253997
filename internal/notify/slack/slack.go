// Package slack posts operational incidents to Slack via incoming webhooks.
// It is the human back-channel for the cases automation cannot close on its
// own: critical pipeline failures and panic escalations.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	maxReasonLen = 3000
	httpTimeout  = 10 * time.Second
)

// Incident kinds.
const (
	KindPipelineFailure = "pipeline_failure"
	KindPanicEscalated  = "panic_escalated"
)

// Incident is one operational event worth a human's attention.
type Incident struct {
	Kind       string
	AlertID    string
	TenantID   string
	Severity   string
	VehicleID  string
	Reason     string
	OccurredAt time.Time
}

// Notifier posts incidents to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

// Send posts an incident to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, inc *Incident) error {
	if n.webhookURL == "" {
		return nil
	}

	msg := buildMessage(inc)

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(inc *Incident) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(inc),
			{"type": "divider"},
			fieldsBlock(inc),
			{"type": "divider"},
			reasonBlock(inc),
			{"type": "divider"},
			contextBlock(inc),
		},
	}
}

func headerBlock(inc *Incident) map[string]any {
	title := "Alert Pipeline Failure"
	if inc.Kind == KindPanicEscalated {
		title = "Panic Escalated"
	}
	text := fmt.Sprintf("%s %s: %s", kindEmoji(inc.Kind), title, inc.AlertID)

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(inc *Incident) map[string]any {
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Tenant:* %s", inc.TenantID),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Severity:* %s", inc.Severity),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Vehicle:* %s", inc.VehicleID),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func reasonBlock(inc *Incident) map[string]any {
	text := truncate(inc.Reason, maxReasonLen)
	if text == "" {
		text = "_No details available._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Details*\n\n%s", text),
		},
	}
}

func contextBlock(inc *Incident) map[string]any {
	ts := inc.OccurredAt
	if ts.IsZero() {
		ts = time.Now()
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("vanguard • alert %s • %s", inc.AlertID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func kindEmoji(kind string) string {
	if kind == KindPanicEscalated {
		return "\U0001f6a8" // rotating light
	}
	return "\U0001f534" // red circle
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
