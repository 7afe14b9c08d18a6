package strand

import (
	"context"
	"encoding/json"
)

// HookInfo is passed to run-level hooks.
type HookInfo struct {
	RunID      string
	ManifestID string
	StepNumber int
	Messages   []Message
}

// StepStartInfo is passed to the OnStepStart hook.
type StepStartInfo struct {
	RunID      string
	ManifestID string
	StepNumber int
	Messages   []Message
}

// StepOverrides lets OnStepStart replace per-step inputs. Nil fields leave
// the carried values untouched; a non-nil Messages slice replaces the loop's
// carried messages for this and subsequent steps.
type StepOverrides struct {
	Messages    []Message
	ToolChoice  string
	ActiveTools []string
}

// StepFinishInfo is passed to the OnStepFinish hook.
type StepFinishInfo struct {
	RunID      string
	ManifestID string
	StepNumber int
	Step       StepResult
}

// SubAgentMapper converts the raw arguments of a sub-agent tool call into
// the child run's prompt. The default mapper reads a {"task": "..."} object.
type SubAgentMapper func(args json.RawMessage) (string, error)

// Hooks carries a manifest's optional callbacks as capabilities, not
// inheritance: every field may be nil, and call sites nil-check.
//
// Non-terminal hooks (OnAgentStart, OnAgentResume, OnStepStart,
// OnStepFinish) abort the run with a terminal error when they fail.
// Terminal hooks fire after state is finalized; their error is surfaced to
// the caller but the state stays durable.
type Hooks struct {
	OnAgentStart  func(ctx context.Context, info HookInfo) error
	OnAgentResume func(ctx context.Context, info HookInfo, resolved []ToolApprovalSuspension) error
	OnStepStart   func(ctx context.Context, info StepStartInfo) (*StepOverrides, error)
	OnStepFinish  func(ctx context.Context, info StepFinishInfo) error

	OnAgentComplete  func(ctx context.Context, info HookInfo, output *RunOutput) error
	OnAgentSuspend   func(ctx context.Context, info HookInfo, suspensions []ToolApprovalSuspension) error
	OnAgentCancelled func(ctx context.Context, info HookInfo) error
	OnAgentError     func(ctx context.Context, info HookInfo, runErr error) error

	// ToolExecutors binds executors to the manifest's declared tools.
	// A declared tool without an executor dispatches as unknown-tool.
	ToolExecutors map[string]ToolExecutor

	// SubAgentMappers overrides argument-to-prompt mapping per sub-agent
	// tool name. Absent entries use the default {"task": ...} mapper.
	SubAgentMappers map[string]SubAgentMapper
}
