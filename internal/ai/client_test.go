package ai

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
)

func mockedClient(t *testing.T) *Client {
	t.Helper()
	c := New("http://ai.test", "tok-ai")
	httpmock.ActivateNonDefault(c.httpClient)
	t.Cleanup(httpmock.DeactivateAndReset)
	return c
}

const goodDecision = `{
	"assessment": {
		"verdict": "confirmed_violation",
		"likelihood": "high",
		"confidence": 0.92,
		"requires_monitoring": true,
		"next_check_minutes": 45
	},
	"human_message": "Harsh braking confirmed.",
	"notification_decision": {"should_notify": true, "channels_to_use": ["sms"]},
	"execution": {"total_tokens": 1200}
}`

func TestIngest_Success(t *testing.T) {
	c := mockedClient(t)

	httpmock.RegisterResponder(http.MethodPost, "http://ai.test/alerts/ingest",
		func(req *http.Request) (*http.Response, error) {
			if got := req.Header.Get("Authorization"); got != "Bearer tok-ai" {
				t.Errorf("Authorization = %q", got)
			}
			return httpmock.NewStringResponse(http.StatusOK, goodDecision), nil
		})

	dec, err := c.Ingest(context.Background(), &TriageRequest{TenantID: "acme", AlertID: "a1"})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if dec.Assessment.Verdict != "confirmed_violation" || dec.Assessment.Confidence != 0.92 {
		t.Errorf("assessment = %+v", dec.Assessment)
	}
	if !dec.Assessment.RequiresMonitoring || dec.Assessment.NextCheckMinutes != 45 {
		t.Errorf("monitoring fields = %+v", dec.Assessment)
	}
	if dec.Execution.TotalTokens != 1200 {
		t.Errorf("TotalTokens = %d", dec.Execution.TotalTokens)
	}
}

func TestPost_CapacityError(t *testing.T) {
	c := mockedClient(t)

	httpmock.RegisterResponder(http.MethodPost, "http://ai.test/alerts/ingest",
		httpmock.NewStringResponder(http.StatusServiceUnavailable,
			`{"error": "at capacity", "stats": {"active_requests": 32}}`))

	_, err := c.Ingest(context.Background(), &TriageRequest{})
	var capErr *CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("error = %v, want CapacityError", err)
	}
	if capErr.ActiveRequests != 32 {
		t.Errorf("ActiveRequests = %d, want 32", capErr.ActiveRequests)
	}
}

func TestPost_PipelineError(t *testing.T) {
	c := mockedClient(t)

	httpmock.RegisterResponder(http.MethodPost, "http://ai.test/alerts/revalidate",
		httpmock.NewStringResponder(http.StatusOK,
			`{"status": "error", "error": "agent timed out"}`))

	_, err := c.Revalidate(context.Background(), &TriageRequest{})
	var pipeErr *PipelineError
	if !errors.As(err, &pipeErr) {
		t.Fatalf("error = %v, want PipelineError", err)
	}
	if pipeErr.Reason != "agent timed out" {
		t.Errorf("Reason = %q", pipeErr.Reason)
	}
}

func TestPost_MissingVerdict(t *testing.T) {
	c := mockedClient(t)

	httpmock.RegisterResponder(http.MethodPost, "http://ai.test/alerts/ingest",
		httpmock.NewStringResponder(http.StatusOK, `{"assessment": {"confidence": 0.5}}`))

	_, err := c.Ingest(context.Background(), &TriageRequest{})
	var valErr *ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
}

func TestPost_UnparseableBody(t *testing.T) {
	c := mockedClient(t)

	httpmock.RegisterResponder(http.MethodPost, "http://ai.test/alerts/ingest",
		httpmock.NewStringResponder(http.StatusOK, `not json at all`))

	_, err := c.Ingest(context.Background(), &TriageRequest{})
	var valErr *ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
}

func TestPost_ServerError(t *testing.T) {
	c := mockedClient(t)

	httpmock.RegisterResponder(http.MethodPost, "http://ai.test/analysis/on-demand",
		httpmock.NewStringResponder(http.StatusInternalServerError, `boom`))

	_, err := c.AnalyzeOnDemand(context.Background(), &TriageRequest{})
	if err == nil {
		t.Fatal("expected error for 500")
	}
	var capErr *CapacityError
	if errors.As(err, &capErr) {
		t.Error("500 misclassified as capacity backpressure")
	}
}

func TestDecisionMediaURLs(t *testing.T) {
	t.Parallel()

	dec := &Decision{
		CameraAnalysis: &CameraAnalysis{MediaURLs: []string{"https://m/1.jpg", "https://m/2.jpg"}},
		Execution: Execution{
			AgentsExecuted: []AgentExecution{
				{Name: "camera", Tools: []ToolExecution{
					{Name: "snapshot", MediaURLs: []string{"https://m/2.jpg", "https://m/3.mp4"}},
				}},
			},
		},
	}

	got := dec.MediaURLs()
	want := []string{"https://m/1.jpg", "https://m/2.jpg", "https://m/3.mp4"}
	if len(got) != len(want) {
		t.Fatalf("MediaURLs() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("MediaURLs()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
