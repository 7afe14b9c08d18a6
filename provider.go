package strand

import (
	"context"
	"encoding/json"
)

// ProviderConfig names the LLM backend a manifest runs on.
type ProviderConfig struct {
	Name     string          `json:"name"`  // e.g. "openai", "anthropic"
	Model    string          `json:"model"` // e.g. "gpt-4o"
	Settings json.RawMessage `json:"settings,omitempty"`
}

// StreamPartType identifies the kind of provider stream part.
type StreamPartType string

const (
	// PartTextDelta carries an incremental text chunk from the LLM.
	PartTextDelta StreamPartType = "text-delta"
	// PartToolCall carries a complete tool call requested by the LLM.
	PartToolCall StreamPartType = "tool-call"
	// PartToolApprovalRequest carries a tool call that requires human
	// approval before execution. Emitted instead of PartToolCall for calls
	// matched by the manifest's human-in-the-loop policy.
	PartToolApprovalRequest StreamPartType = "tool-approval-request"
	// PartFinishStep closes one LLM step, carrying finish reason and usage.
	PartFinishStep StreamPartType = "finish-step"
)

// StreamPart is one element of a provider completion stream. Parts with
// types not listed above are ignored by the step streamer.
type StreamPart struct {
	Type StreamPartType

	// Text is set for PartTextDelta.
	Text string
	// ToolCall is set for PartToolCall.
	ToolCall *ToolCall
	// Approval is set for PartToolApprovalRequest.
	Approval *ToolApprovalSuspension
	// FinishReason and Usage are set for PartFinishStep.
	FinishReason string
	Usage        Usage
}

// CompletionRequest describes one streaming LLM step.
type CompletionRequest struct {
	Provider ProviderConfig
	Messages []Message
	Tools    []ToolDefinition
	// ToolChoice forces a specific tool ("" = provider default, "auto",
	// "none", or a tool name).
	ToolChoice string
	// ActiveTools, when non-nil, restricts the tools visible to the LLM for
	// this step to the named subset.
	ActiveTools []string
	// MaxSteps bounds provider-internal looping. The step loop always sets 1:
	// one request, one step.
	MaxSteps int
	// RequireApproval lists tool names whose calls must be surfaced as
	// PartToolApprovalRequest instead of PartToolCall. When
	// ApproveByDefault is set, every tool call not in the list also
	// requires approval.
	RequireApproval  []string
	ApproveByDefault bool
}

// CompletionsGateway abstracts the streaming LLM backend.
//
// StreamCompletion writes parts into ch as they arrive and returns once the
// stream ends. It must not close ch (the caller owns it) and must honor ctx
// cancellation. A non-nil error invalidates the step: the step streamer
// discards partial aggregates.
type CompletionsGateway interface {
	StreamCompletion(ctx context.Context, req CompletionRequest, ch chan<- StreamPart) error
}
