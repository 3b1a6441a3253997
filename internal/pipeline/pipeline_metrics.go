package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/vanguard/internal/notify"
)

// Metrics holds Prometheus metrics for the alert pipeline.
type Metrics struct {
	ProcessedTotal         *prometheus.CounterVec
	PipelineDuration       *prometheus.HistogramVec
	AICallsTotal           *prometheus.CounterVec
	AICallDuration         *prometheus.HistogramVec
	AITokens               prometheus.Histogram
	NotificationSends      *prometheus.CounterVec
	PanicEscalationsTotal  prometheus.Counter
	RevalidationsScheduled prometheus.Counter
}

// NewMetrics registers and returns pipeline metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vanguard_alerts_processed_total",
			Help: "Total pipeline passes by resulting status and severity.",
		}, []string{"status", "severity"}),
		PipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vanguard_pipeline_duration_seconds",
			Help:    "Duration of pipeline passes in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s .. ~512s
		}, []string{"status"}),
		AICallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vanguard_ai_calls_total",
			Help: "Total AI service calls by endpoint and outcome.",
		}, []string{"endpoint", "status"}),
		AICallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vanguard_ai_call_duration_seconds",
			Help:    "Duration of AI service calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8), // 1s .. ~128s
		}, []string{"endpoint"}),
		AITokens: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vanguard_ai_tokens",
			Help:    "Tokens consumed per AI call.",
			Buckets: prometheus.ExponentialBuckets(100, 2, 12), // 100 .. ~409600
		}),
		NotificationSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vanguard_notification_sends_total",
			Help: "Total notification send attempts by result.",
		}, []string{"result"}),
		PanicEscalationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vanguard_panic_escalations_total",
			Help: "Total panic escalation fan-outs.",
		}),
		RevalidationsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vanguard_revalidations_scheduled_total",
			Help: "Total monitoring rechecks scheduled.",
		}),
	}

	reg.MustRegister(
		m.ProcessedTotal,
		m.PipelineDuration,
		m.AICallsTotal,
		m.AICallDuration,
		m.AITokens,
		m.NotificationSends,
		m.PanicEscalationsTotal,
		m.RevalidationsScheduled,
	)

	return m
}

// Hooks returns a Hooks that increments the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnAICall: func(endpoint string, tokens int, duration float64, failed bool) {
			status := "success"
			if failed {
				status = "error"
			}
			m.AICallsTotal.WithLabelValues(endpoint, status).Inc()
			m.AICallDuration.WithLabelValues(endpoint).Observe(duration)
			if tokens > 0 {
				m.AITokens.Observe(float64(tokens))
			}
		},
		OnProcessed: func(status, severity string, duration float64) {
			m.ProcessedTotal.WithLabelValues(status, severity).Inc()
			m.PipelineDuration.WithLabelValues(status).Observe(duration)
		},
		OnNotified: func(out *notify.Outcome) {
			m.NotificationSends.WithLabelValues("success").Add(float64(out.Succeeded))
			m.NotificationSends.WithLabelValues("failed").Add(float64(out.Failed))
			if out.Escalated {
				m.PanicEscalationsTotal.Inc()
			}
		},
		OnRevalidationScheduled: func() {
			m.RevalidationsScheduled.Inc()
		},
	}
}
