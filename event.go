package strand

import (
	"context"
	"time"
)

// AgentEventType identifies the kind of run stream event.
type AgentEventType string

// Configurable events, filtered per-manifest by Streaming.Events.
const (
	EventToolCall   AgentEventType = "tool-call"
	EventToolResult AgentEventType = "tool-result"
	EventTextDelta  AgentEventType = "text-delta"
	EventStepStart  AgentEventType = "step-start"
	EventStepFinish AgentEventType = "step-finish"
)

// Lifecycle events, always emitted.
const (
	EventAgentStarted   AgentEventType = "agent-started"
	EventAgentDone      AgentEventType = "agent-done"
	EventAgentSuspended AgentEventType = "agent-suspended"
	EventAgentError     AgentEventType = "agent-error"
	EventAgentCancelled AgentEventType = "agent-cancelled"
)

// configurableEvents is the full set a manifest may enable.
var configurableEvents = map[AgentEventType]bool{
	EventToolCall:   true,
	EventToolResult: true,
	EventTextDelta:  true,
	EventStepStart:  true,
	EventStepFinish: true,
}

// AgentEvent is one externally visible event on the run stream. Fields are
// populated per event type; the envelope guarantees lifecycle ordering
// (agent-started first, exactly one terminal family last).
type AgentEvent struct {
	Type             AgentEventType `json:"type"`
	ManifestID       string         `json:"manifest_id,omitempty"`
	ParentManifestID string         `json:"parent_manifest_id,omitempty"`
	StepNumber       int            `json:"step_number,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`

	// StateID is set on agent-started and agent-suspended.
	StateID string `json:"state_id,omitempty"`

	// Content carries the text delta (text-delta) or tool result content
	// (tool-result).
	Content string `json:"content,omitempty"`

	// Tool call fields (tool-call, tool-result).
	ToolCall *ToolCall `json:"tool_call,omitempty"`
	IsError  bool      `json:"is_error,omitempty"`

	// Suspension is set on agent-suspended.
	Suspension *ToolApprovalSuspension `json:"suspension,omitempty"`

	// Output is set on agent-done.
	Output *RunOutput `json:"output,omitempty"`

	// Error fields, set on agent-error.
	Code         ErrorCode `json:"code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`

	// Step finish fields.
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}

// sendEvent delivers ev into ch unless ch is nil or ctx is done. Returns
// false when the send was dropped due to cancellation.
func sendEvent(ctx context.Context, ch chan<- AgentEvent, ev AgentEvent) bool {
	if ch == nil {
		return true
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
