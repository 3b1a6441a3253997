package pipeline

import "github.com/linnemanlabs/vanguard/internal/notify"

// Hooks are optional observation points on the pipeline. Nil fields are
// skipped; hooks must not block.
type Hooks struct {
	OnAICall                func(endpoint string, tokens int, duration float64, failed bool)
	OnProcessed             func(status, severity string, duration float64)
	OnNotified              func(out *notify.Outcome)
	OnRevalidationScheduled func()
}

func (h Hooks) aiCall(endpoint string, tokens int, duration float64, failed bool) {
	if h.OnAICall != nil {
		h.OnAICall(endpoint, tokens, duration, failed)
	}
}

func (h Hooks) processed(status, severity string, duration float64) {
	if h.OnProcessed != nil {
		h.OnProcessed(status, severity, duration)
	}
}

func (h Hooks) notified(out *notify.Outcome) {
	if h.OnNotified != nil && out != nil {
		h.OnNotified(out)
	}
}

func (h Hooks) revalidationScheduled() {
	if h.OnRevalidationScheduled != nil {
		h.OnRevalidationScheduled()
	}
}
