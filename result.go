package strand

import "encoding/json"

// RunOutput is the payload of a completed run.
type RunOutput struct {
	// Text is the final assistant text (last step's accumulated text).
	Text string `json:"text,omitempty"`
	// Output carries the validated output-tool arguments when the manifest
	// declares an output tool and the LLM called it.
	Output json.RawMessage `json:"output,omitempty"`
	// FinishReason is the provider finish reason of the final step.
	FinishReason string `json:"finish_reason,omitempty"`
	// Usage aggregates token usage across all steps.
	Usage Usage `json:"usage"`
	// Steps records the run's per-step traces in order.
	Steps []StepResult `json:"steps,omitempty"`
}

// RunResultKind discriminates AgentRunResult.
type RunResultKind string

const (
	RunComplete       RunResultKind = "complete"
	RunSuspended      RunResultKind = "suspended"
	RunCancelled      RunResultKind = "cancelled"
	RunError          RunResultKind = "error"
	RunAlreadyRunning RunResultKind = "already-running"
)

// AgentRunResult is the external terminal value of one execution attempt.
type AgentRunResult struct {
	Kind  RunResultKind
	RunID string

	// Output is set for RunComplete.
	Output *RunOutput

	// Suspensions and SuspensionStacks are set for RunSuspended:
	// Suspensions are this run's own approval gates, SuspensionStacks
	// describe suspended descendants.
	Suspensions      []ToolApprovalSuspension
	SuspensionStacks []SuspensionStack

	// Err is set for RunError.
	Err error
}

// buildRunOutput assembles the completed-run payload from recorded steps.
func buildRunOutput(steps []StepResult, output json.RawMessage) *RunOutput {
	out := &RunOutput{Output: output, Steps: steps}
	for _, s := range steps {
		out.Usage.add(s.Usage)
	}
	if len(steps) > 0 {
		last := steps[len(steps)-1]
		out.Text = last.Text
		out.FinishReason = last.FinishReason
	}
	return out
}
