package strand

import (
	"context"
	"fmt"
)

// resume dispatches an approval response against a suspended run. The
// approval targets either one of the run's own suspensions (the run paused
// at its approval gate) or the leaf of a suspension stack (a descendant
// paused somewhere below). Both paths re-enter the run envelope with a
// custom runFunc that settles the approval before the loop continues.
func (x *Executor) resume(ctx context.Context, set ManifestSet, m *AgentManifest, state *AgentRunState, response ContinueResponse, parent *ParentContext, ch chan<- AgentEvent) (AgentRunResult, error) {
	parentManifestID := ""
	if parent != nil {
		parentManifestID = parent.ManifestID
	}

	messages, err := refreshMessageURLs(ctx, x.storage, state.RunID, state.Messages)
	if err != nil {
		return AgentRunResult{Kind: RunError, RunID: state.RunID, Err: err}, err
	}
	ls := loopState{
		messages:      messages,
		steps:         state.Steps,
		stepNumber:    state.CurrentStepNumber,
		outputRetries: state.OutputRetries,
	}

	if own := state.findOwnSuspension(response.ApprovalID); own != nil {
		resolved := *own
		return x.runEnvelope(ctx, envelopeParams{
			set:              set,
			manifest:         m,
			state:            state,
			parentManifestID: parentManifestID,
			resolved:         []ToolApprovalSuspension{resolved},
			ls:               ls,
			run:              x.approvalRunFunc(state, resolved, response),
		}, ch)
	}

	if stack := findStackByApproval(state.SuspensionStacks, response.ApprovalID); stack != nil {
		return x.runEnvelope(ctx, envelopeParams{
			set:              set,
			manifest:         m,
			state:            state,
			parentManifestID: parentManifestID,
			resolved:         []ToolApprovalSuspension{stack.LeafSuspension},
			ls:               ls,
			run:              x.stackRunFunc(set, state, *stack, response),
		}, ch)
	}

	rerr := Errorf(CodeNotFound, "approval %s not pending on run %s", response.ApprovalID, state.RunID)
	return AgentRunResult{Kind: RunError, RunID: state.RunID, Err: rerr}, rerr
}

// resumePending re-enters a run suspended with pending tool results but no
// open approvals or stacks of its own to settle: the stored results are
// replayed into the conversation and the loop continues.
func (x *Executor) resumePending(ctx context.Context, set ManifestSet, m *AgentManifest, state *AgentRunState, parent *ParentContext, ch chan<- AgentEvent) (AgentRunResult, error) {
	parentManifestID := ""
	if parent != nil {
		parentManifestID = parent.ManifestID
	}
	messages, err := refreshMessageURLs(ctx, x.storage, state.RunID, state.Messages)
	if err != nil {
		return AgentRunResult{Kind: RunError, RunID: state.RunID, Err: err}, err
	}
	pending := state.PendingToolResults
	return x.runEnvelope(ctx, envelopeParams{
		set:              set,
		manifest:         m,
		state:            state,
		parentManifestID: parentManifestID,
		ls: loopState{
			messages:      messages,
			steps:         state.Steps,
			stepNumber:    state.CurrentStepNumber,
			outputRetries: state.OutputRetries,
		},
		run: func(ctx context.Context, cfg loopConfig, ls loopState, ch chan<- AgentEvent) loopResult {
			ls.messages = spliceToolResults(ls.messages, pending)
			return runLoop(ctx, cfg, ls, ch)
		},
	}, ch)
}

// approvalRunFunc settles one of the run's own approval-gate suspensions:
// the approved tool executes now (a denial becomes an error-flagged tool
// result without execution), and the outcome joins the pending results.
// With other approvals of the same step still open, the run re-suspends
// without touching the loop; once the last one settles, all accumulated
// results are replayed and the loop continues.
func (x *Executor) approvalRunFunc(state *AgentRunState, resolved ToolApprovalSuspension, response ContinueResponse) runFunc {
	return func(ctx context.Context, cfg loopConfig, ls loopState, ch chan<- AgentEvent) loopResult {
		remaining := make([]ToolApprovalSuspension, 0, len(state.Suspensions))
		for _, s := range state.Suspensions {
			if s.ApprovalID != resolved.ApprovalID {
				remaining = append(remaining, s)
			}
		}

		call := ToolCall{ID: resolved.ToolCallID, Name: resolved.ToolName, Args: resolved.ToolArgs}
		var outcome ToolOutcome
		if response.Approved {
			outcome = executeOne(ctx, call, cfg.tools, ExecContext{
				StateID:          cfg.stateID,
				ManifestID:       cfg.manifest.ID,
				ParentManifestID: cfg.parentManifestID,
				StepNumber:       ls.stepNumber,
				Messages:         cloneMessages(ls.messages),
				Logger:           cfg.logger,
			}, ch)
		} else {
			outcome = ErrorOutcome(NewError(CodeForbidden, deniedContent(response.Reason)), false)
		}

		// An approved sub-agent tool can itself suspend: its branch replaces
		// this suspension and the run stays suspended.
		if outcome.Suspended != nil {
			res := suspendedResult(ls)
			res.suspensions = remaining
			res.branches = []SuspendedBranch{{
				ToolCallID:           call.ID,
				ChildStateID:         outcome.Suspended.StateID,
				ChildManifestID:      outcome.Suspended.ManifestID,
				ChildManifestVersion: outcome.Suspended.ManifestVersion,
				Suspensions:          outcome.Suspended.Suspensions,
				ChildStacks:          outcome.Suspended.Stacks,
			}}
			return res
		}

		part := toolResultPart(call, outcome)
		emitToolResult(ctx, cfg, ls.stepNumber, part, ch)
		pending := append(append([]ToolResultPart{}, state.PendingToolResults...), part)

		if len(remaining) > 0 {
			res := suspendedResult(ls)
			res.suspensions = remaining
			res.completedToolResults = pending
			return res
		}

		ls.messages = spliceToolResults(ls.messages, pending)
		return runLoop(ctx, cfg, ls, ch)
	}
}

// stackRunFunc settles a descendant's suspension by recursively resuming
// the child run at the next frame down. The child's terminal folds back
// into this run: completion (or failure) becomes the branch's tool result,
// another suspension rebuilds the branch's stacks. The loop only continues
// once every suspended branch of the step has produced a result.
func (x *Executor) stackRunFunc(set ManifestSet, state *AgentRunState, stack SuspensionStack, response ContinueResponse) runFunc {
	return func(ctx context.Context, cfg loopConfig, ls loopState, ch chan<- AgentEvent) loopResult {
		branchCallID := stack.Agents[0].PendingToolCallID
		childFrame := stack.Agents[1]

		child, err := set.Resolve(childFrame.ManifestID, childFrame.ManifestVersion)
		if err != nil {
			res := errorResult(ls, WrapError(CodeNotFound, "resolve suspended child", err))
			return res
		}

		childInput := AgentInput{
			Kind:     InputApproval,
			RunID:    childFrame.StateID,
			Response: &response,
		}
		parentCtx := &ParentContext{
			StateID:    cfg.stateID,
			ManifestID: cfg.manifest.ID,
			ToolCallID: branchCallID,
		}
		childRes, err := x.execute(ctx, set, child, childInput, parentCtx, ch)
		if err != nil && childRes.Kind != RunSuspended {
			return errorResult(ls, WrapError(CodeTool, "resume sub-agent "+child.ID, err))
		}

		// Stacks for the other branches stay pending regardless of this
		// branch's outcome.
		others := make([]SuspensionStack, 0, len(state.SuspensionStacks))
		for _, s := range state.SuspensionStacks {
			if s.Agents[0].PendingToolCallID != branchCallID {
				others = append(others, s)
			}
		}

		if childRes.Kind == RunSuspended {
			res := suspendedResult(ls)
			res.completedToolResults = state.PendingToolResults
			res.stacks = others
			res.branches = []SuspendedBranch{{
				ToolCallID:           branchCallID,
				ChildStateID:         childRes.RunID,
				ChildManifestID:      child.ID,
				ChildManifestVersion: child.Version,
				Suspensions:          childRes.Suspensions,
				ChildStacks:          childRes.SuspensionStacks,
			}}
			return res
		}

		outcome := subAgentOutcome(child, childRes)
		call := ToolCall{ID: branchCallID, Name: subAgentToolName(cfg.manifest, child.ID)}
		part := toolResultPart(call, outcome)
		emitToolResult(ctx, cfg, ls.stepNumber, part, ch)
		pending := append(append([]ToolResultPart{}, state.PendingToolResults...), part)

		if len(others) > 0 {
			res := suspendedResult(ls)
			res.completedToolResults = pending
			res.stacks = others
			return res
		}

		ls.messages = spliceToolResults(ls.messages, pending)
		return runLoop(ctx, cfg, ls, ch)
	}
}

// subAgentToolName recovers the tool name a manifest exposes for a child
// manifest id.
func subAgentToolName(m *AgentManifest, childID string) string {
	for _, ref := range m.SubAgents {
		if ref.ManifestID == childID {
			return ref.ToolName()
		}
	}
	return "agent_" + childID
}

// spliceToolResults appends stored tool results to the transcript, ordered
// by the suspended assistant turn's tool calls so the conversation reads as
// if the step had completed in place. Results without a matching call keep
// their stored order at the end.
func spliceToolResults(messages []Message, pending []ToolResultPart) []Message {
	if len(pending) == 0 {
		return messages
	}
	byCall := make(map[string]ToolResultPart, len(pending))
	for _, p := range pending {
		byCall[p.ToolCallID] = p
	}
	var calls []ToolCall
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" && len(messages[i].ToolCalls) > 0 {
			calls = messages[i].ToolCalls
			break
		}
	}
	out := messages
	for _, call := range calls {
		if p, ok := byCall[call.ID]; ok {
			out = append(out, ToolResultMessage(p.ToolCallID, p.Content))
			delete(byCall, call.ID)
		}
	}
	for _, p := range pending {
		if _, ok := byCall[p.ToolCallID]; ok {
			out = append(out, ToolResultMessage(p.ToolCallID, p.Content))
			delete(byCall, p.ToolCallID)
		}
	}
	return out
}

// suspendedResult builds a loopSuspended result carrying the current loop
// state unchanged.
func suspendedResult(ls loopState) loopResult {
	return loopResult{
		kind:          loopSuspended,
		messages:      ls.messages,
		steps:         ls.steps,
		stepNumber:    ls.stepNumber,
		outputRetries: ls.outputRetries,
	}
}

// errorResult builds a loopError result carrying the current loop state.
func errorResult(ls loopState, err error) loopResult {
	return loopResult{
		kind:          loopError,
		err:           err,
		messages:      ls.messages,
		steps:         ls.steps,
		stepNumber:    ls.stepNumber,
		outputRetries: ls.outputRetries,
	}
}

// emitToolResult emits a tool-result event for a freshly settled call.
func emitToolResult(ctx context.Context, cfg loopConfig, stepNumber int, part ToolResultPart, ch chan<- AgentEvent) {
	if !cfg.allowed[EventToolResult] {
		return
	}
	sendEvent(ctx, ch, AgentEvent{
		Type:             EventToolResult,
		ManifestID:       cfg.manifest.ID,
		ParentManifestID: cfg.parentManifestID,
		StepNumber:       stepNumber,
		ToolCall:         &ToolCall{ID: part.ToolCallID, Name: part.ToolName},
		Content:          part.Content,
		IsError:          part.IsError,
	})
}

// deniedContent is the LLM-visible content of a denied tool call.
func deniedContent(reason string) string {
	if reason == "" {
		return "tool call denied by user"
	}
	return fmt.Sprintf("tool call denied by user: %s", reason)
}
