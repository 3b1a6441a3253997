package ai

import "encoding/json"

// TriageRequest is the payload sent to the AI triage service. TenantConfig
// and PreloadedContext are opaque to this package.
type TriageRequest struct {
	TenantID         string          `json:"tenant_id"`
	TenantConfig     any             `json:"tenant_config,omitempty"`
	AlertID          string          `json:"alert_id"`
	Signal           any             `json:"signal"`
	PreloadedContext any             `json:"preloaded_context,omitempty"`
	History          any             `json:"investigation_history,omitempty"`
	InvestigationNum int             `json:"investigation_number,omitempty"`
	Extra            json.RawMessage `json:"extra,omitempty"`
}

// Assessment is the AI's classification of the alert.
type Assessment struct {
	Verdict            string   `json:"verdict"`
	Likelihood         string   `json:"likelihood"`
	Confidence         float64  `json:"confidence"`
	Reasoning          string   `json:"reasoning,omitempty"`
	RecommendedActions []string `json:"recommended_actions,omitempty"`
	RiskEscalation     string   `json:"risk_escalation,omitempty"`
	RequiresMonitoring bool     `json:"requires_monitoring"`
	MonitoringReason   string   `json:"monitoring_reason,omitempty"`
	NextCheckMinutes   int      `json:"next_check_minutes,omitempty"`
}

// AlertContext carries the AI's triage framing for the alert.
type AlertContext struct {
	AlertKind         string   `json:"alert_kind,omitempty"`
	TriageNotes       string   `json:"triage_notes,omitempty"`
	InvestigationPlan []string `json:"investigation_plan,omitempty"`
}

// NotificationDecision is the AI's recommendation on who to notify and how.
type NotificationDecision struct {
	ShouldNotify    bool     `json:"should_notify"`
	EscalationLevel string   `json:"escalation_level,omitempty"`
	MessageText     string   `json:"message_text,omitempty"`
	CallScript      string   `json:"call_script,omitempty"`
	ChannelsToUse   []string `json:"channels_to_use,omitempty"`
	Recipients      []string `json:"recipients,omitempty"`
	Reason          string   `json:"reason,omitempty"`
}

// ToolExecution reports one tool run by an AI agent, including any media it
// captured.
type ToolExecution struct {
	Name      string   `json:"name"`
	MediaURLs []string `json:"media_urls,omitempty"`
}

// AgentExecution reports one agent run inside the AI pipeline.
type AgentExecution struct {
	Name  string          `json:"name"`
	Tools []ToolExecution `json:"tools,omitempty"`
}

// Execution carries accounting data for the AI run.
type Execution struct {
	TotalTokens    int              `json:"total_tokens,omitempty"`
	CostEstimate   float64          `json:"cost_estimate,omitempty"`
	AgentsExecuted []AgentExecution `json:"agents_executed,omitempty"`
}

// CameraAnalysis is the optional dashcam analysis section of a decision.
type CameraAnalysis struct {
	Summary   string   `json:"summary,omitempty"`
	MediaURLs []string `json:"media_urls,omitempty"`
}

// Decision is a validated AI triage response.
type Decision struct {
	Assessment     Assessment           `json:"assessment"`
	AlertContext   AlertContext         `json:"alert_context"`
	HumanMessage   string               `json:"human_message,omitempty"`
	Notification   NotificationDecision `json:"notification_decision"`
	Execution      Execution            `json:"execution"`
	CameraAnalysis *CameraAnalysis      `json:"camera_analysis,omitempty"`
}

// MediaURLs collects every remote media reference in the decision:
// camera analysis plus anything captured by agent tools. Order is stable,
// duplicates removed.
func (d *Decision) MediaURLs() []string {
	var out []string
	seen := make(map[string]bool)
	add := func(u string) {
		if u == "" || seen[u] {
			return
		}
		seen[u] = true
		out = append(out, u)
	}

	if d.CameraAnalysis != nil {
		for _, u := range d.CameraAnalysis.MediaURLs {
			add(u)
		}
	}
	for _, ag := range d.Execution.AgentsExecuted {
		for _, tool := range ag.Tools {
			for _, u := range tool.MediaURLs {
				add(u)
			}
		}
	}
	return out
}
