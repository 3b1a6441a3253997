// Package carrier sends SMS, WhatsApp, and voice notifications through a
// Twilio-compatible REST API.
package carrier

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
	defaultBaseURL = "https://api.twilio.com"
	apiVersion     = "2010-04-01"
	httpTimeout    = 30 * time.Second
)

// Error is a failed carrier API call. Send failures are isolated per
// recipient and recorded as failed notification results; they never abort a
// sibling dispatch.
type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("carrier returned %d: %s", e.StatusCode, e.Body)
}

// Config holds carrier account credentials and sender identities.
type Config struct {
	BaseURL     string
	AccountSID  string
	AuthToken   string
	FromNumber  string
	CallbackURL string // webhook for async delivery status, optional
}

// Client calls the carrier REST API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a carrier client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: httpTimeout,
		},
	}
}

// SendSMS sends a text message and returns the provider message SID.
func (c *Client) SendSMS(ctx context.Context, to, body string) (string, error) {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.cfg.FromNumber)
	form.Set("Body", body)
	if c.cfg.CallbackURL != "" {
		form.Set("StatusCallback", c.cfg.CallbackURL)
	}
	return c.post(ctx, "Messages.json", form)
}

// SendWhatsApp sends a WhatsApp message and returns the provider message SID.
func (c *Client) SendWhatsApp(ctx context.Context, to, body string) (string, error) {
	form := url.Values{}
	form.Set("To", "whatsapp:"+to)
	form.Set("From", "whatsapp:"+c.cfg.FromNumber)
	form.Set("Body", body)
	if c.cfg.CallbackURL != "" {
		form.Set("StatusCallback", c.cfg.CallbackURL)
	}
	return c.post(ctx, "Messages.json", form)
}

// PlaceCall places a voice call that reads the script aloud and returns the
// provider call SID.
func (c *Client) PlaceCall(ctx context.Context, to, script string) (string, error) {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.cfg.FromNumber)
	form.Set("Twiml", "<Response><Say>"+xmlEscape(script)+"</Say></Response>")
	if c.cfg.CallbackURL != "" {
		form.Set("StatusCallback", c.cfg.CallbackURL)
	}
	return c.post(ctx, "Calls.json", form)
}

func (c *Client) post(ctx context.Context, resource string, form url.Values) (string, error) {
	endpoint := fmt.Sprintf("%s/%s/Accounts/%s/%s", c.cfg.BaseURL, apiVersion, c.cfg.AccountSID, resource)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", &Error{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 512)}
	}

	var out struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if out.SID == "" {
		return "", fmt.Errorf("carrier response missing sid")
	}
	return out.SID, nil
}

func xmlEscape(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&apos;",
	)
	return r.Replace(s)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
