package strand

import "encoding/json"

// --- Suspension model ---

// SuspensionTypeToolApproval is the only suspension type today. The field
// exists so persisted states stay forward-compatible if other suspension
// kinds are added.
const SuspensionTypeToolApproval = "tool-approval"

// ToolApprovalSuspension is a durable pause awaiting a human approval for a
// single tool call. Created when the provider emits a tool-approval-request
// part; persisted on the suspending state; cleared when a matching approval
// response drives a resume.
type ToolApprovalSuspension struct {
	Type        string          `json:"type"`
	ApprovalID  string          `json:"approval_id"`
	ToolCallID  string          `json:"tool_call_id"`
	ToolName    string          `json:"tool_name"`
	ToolArgs    json.RawMessage `json:"tool_args,omitempty"`
	Description string          `json:"description,omitempty"`
}

// SuspendedBranch records one suspended sub-agent tool call within a step.
// A single partially-suspended step may carry several branches (parallel
// sub-agents).
type SuspendedBranch struct {
	ToolCallID           string                   `json:"tool_call_id"`
	ChildStateID         string                   `json:"child_state_id"`
	ChildManifestID      string                   `json:"child_manifest_id"`
	ChildManifestVersion string                   `json:"child_manifest_version"`
	Suspensions          []ToolApprovalSuspension `json:"suspensions,omitempty"`
	ChildStacks          []SuspensionStack        `json:"child_stacks,omitempty"`
}

// StackAgent is one frame in a suspension stack. PendingToolCallID is the
// tool call that invoked the next-level child; it is empty on the last frame
// when the leaf suspension belongs to that frame itself.
type StackAgent struct {
	ManifestID        string `json:"manifest_id"`
	ManifestVersion   string `json:"manifest_version"`
	StateID           string `json:"state_id"`
	PendingToolCallID string `json:"pending_tool_call_id,omitempty"`
}

// SuspensionStack describes the ancestor chain from the root run down to one
// suspended leaf. Agents[0] is the outermost ancestor. The stack is data,
// not control flow: resumption re-invokes the orchestrator with the persisted
// child state id rather than walking a saved runtime stack.
type SuspensionStack struct {
	Agents         []StackAgent           `json:"agents"`
	LeafSuspension ToolApprovalSuspension `json:"leaf_suspension"`
}

// buildSuspensionStacks composes per-step suspended branches into ordered
// ancestor chains, one stack per distinct leaf suspension.
//
// For a branch whose child itself carries stacks (deeper nesting), the
// current agent's frame is prepended to each child stack. For a direct child
// suspension, a two-frame stack is emitted per leaf suspension.
func buildSuspensionStacks(m *AgentManifest, stateID string, branches []SuspendedBranch) []SuspensionStack {
	var stacks []SuspensionStack
	for _, branch := range branches {
		current := StackAgent{
			ManifestID:        m.ID,
			ManifestVersion:   m.Version,
			StateID:           stateID,
			PendingToolCallID: branch.ToolCallID,
		}
		if len(branch.ChildStacks) > 0 {
			for _, child := range branch.ChildStacks {
				agents := make([]StackAgent, 0, len(child.Agents)+1)
				agents = append(agents, current)
				agents = append(agents, child.Agents...)
				stacks = append(stacks, SuspensionStack{
					Agents:         agents,
					LeafSuspension: child.LeafSuspension,
				})
			}
			continue
		}
		childFrame := StackAgent{
			ManifestID:      branch.ChildManifestID,
			ManifestVersion: branch.ChildManifestVersion,
			StateID:         branch.ChildStateID,
		}
		for _, susp := range branch.Suspensions {
			stacks = append(stacks, SuspensionStack{
				Agents:         []StackAgent{current, childFrame},
				LeafSuspension: susp,
			})
		}
	}
	return stacks
}

// findStackByApproval returns the stack whose leaf suspension carries the
// given approval id, or nil.
func findStackByApproval(stacks []SuspensionStack, approvalID string) *SuspensionStack {
	for i := range stacks {
		if stacks[i].LeafSuspension.ApprovalID == approvalID {
			return &stacks[i]
		}
	}
	return nil
}
