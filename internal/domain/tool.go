package domain

// ToolPhase is the lifecycle position of a tool invocation.
type ToolPhase string

const (
	ToolPhaseStart ToolPhase = "start"
	ToolPhaseEnd   ToolPhase = "end"
)

// ToolActivity is the ephemeral indicator shown while the assistant calls a
// tool. It is never part of the transcript and never persisted.
type ToolActivity struct {
	Name         string    `json:"name"`
	InputSummary string    `json:"input_summary,omitempty"`
	Phase        ToolPhase `json:"phase"`
	Status       string    `json:"status"`
}
