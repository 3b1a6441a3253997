package ai

import "fmt"

// CapacityError indicates the AI service rejected the request with a 503
// because it is at capacity. Fatal for the attempt but distinguishable so
// callers can apply backoff policy.
type CapacityError struct {
	ActiveRequests int
}

func (e *CapacityError) Error() string {
	return "AI service at capacity"
}

// PipelineError indicates the AI service itself reported a failed run.
type PipelineError struct {
	Reason string
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("AI service pipeline error: %s", e.Reason)
}

// ValidationError indicates a malformed AI response.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid AI response: %s", e.Reason)
}
