package strand

import (
	"context"
	"encoding/json"
	"log/slog"
)

// ToolDefinition describes a tool to the LLM.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"` // JSON Schema
}

// ToolCall is a tool invocation requested by the LLM.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolResultPart is the LLM-facing shape of one tool call's outcome.
// Tool errors are carried here too: they never fail the loop.
type ToolResultPart struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// SubAgentSuspension is reported by a sub-agent tool executor when the child
// run suspended instead of completing.
type SubAgentSuspension struct {
	StateID         string                   `json:"state_id"`
	ManifestID      string                   `json:"manifest_id"`
	ManifestVersion string                   `json:"manifest_version"`
	Suspensions     []ToolApprovalSuspension `json:"suspensions,omitempty"`
	Stacks          []SuspensionStack        `json:"stacks,omitempty"`
}

// ToolOutcome is the terminal value of one tool execution: a success value,
// an error (LLM-visible, not a run failure), or a sub-agent suspension.
type ToolOutcome struct {
	Value     string
	Err       *Error
	Retryable bool
	Suspended *SubAgentSuspension
}

// SuccessOutcome creates a successful tool outcome.
func SuccessOutcome(value string) ToolOutcome {
	return ToolOutcome{Value: value}
}

// ErrorOutcome creates a failed tool outcome. The error surfaces to the LLM
// as an error-flagged tool result part.
func ErrorOutcome(err *Error, retryable bool) ToolOutcome {
	return ToolOutcome{Err: err, Retryable: retryable}
}

// ExecContext carries per-step execution context into tool executors.
type ExecContext struct {
	StateID          string
	ManifestID       string
	ParentManifestID string
	StepNumber       int
	Messages         []Message
	Logger           *slog.Logger
}

// ToolExecutor runs one tool call, optionally emitting events into ch along
// the way, and returns the terminal outcome. Executors must honor ctx
// cancellation and must not close ch. ch may be nil (blocking mode).
type ToolExecutor func(ctx context.Context, ec ExecContext, call ToolCall, ch chan<- AgentEvent) (ToolOutcome, error)

// AgentTool pairs a tool definition with its executor and approval policy.
type AgentTool struct {
	Definition       ToolDefinition
	RequiresApproval bool
	Execute          ToolExecutor
}

// ToolSet indexes the tools of one run by name.
type ToolSet map[string]AgentTool

// approvalNames lists the tools of the set that need a human approval
// before execution.
func (ts ToolSet) approvalNames() []string {
	var names []string
	for name, t := range ts {
		if t.RequiresApproval {
			names = append(names, name)
		}
	}
	return names
}

// FuncTool wraps a plain function as an AgentTool. The function receives the
// raw JSON arguments and returns the result content or an error. Errors
// become LLM-visible tool results, not run failures.
func FuncTool(def ToolDefinition, fn func(ctx context.Context, args json.RawMessage) (string, error)) AgentTool {
	return AgentTool{
		Definition: def,
		Execute: func(ctx context.Context, _ ExecContext, call ToolCall, _ chan<- AgentEvent) (ToolOutcome, error) {
			out, err := fn(ctx, call.Args)
			if err != nil {
				return ErrorOutcome(WrapError(CodeTool, call.Name+" failed", err), false), nil
			}
			return SuccessOutcome(out), nil
		},
	}
}
