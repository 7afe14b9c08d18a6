package strand

import (
	"context"
	"fmt"
	"sync"
)

// maxParallelDispatch caps the number of concurrent tool call goroutines to
// avoid overwhelming external services with unbounded parallelism.
const maxParallelDispatch = 10

// dispatchVerdict is the folded outcome of one step's tool calls.
//
// results holds the LLM-facing parts for every completed call (including
// tool errors and unknown tools), in the order of the original tool calls.
// When suspended is set, results carries only the completed peers; the
// suspended calls appear as branches so the loop can build suspension stacks
// and replay the completed results on resume.
type dispatchVerdict struct {
	suspended bool
	branches  []SuspendedBranch
	results   []ToolResultPart
}

// dispatchTools runs all tool calls of one step in parallel and streams
// their events into ch as they arrive. Events interleave first-to-arrive
// across calls; result ordering follows the input calls. An individual
// tool's error or panic becomes a normal error-flagged result, never a loop
// failure. Empty calls return an immediate completed verdict.
func dispatchTools(ctx context.Context, calls []ToolCall, tools ToolSet, ec ExecContext, ch chan<- AgentEvent) dispatchVerdict {
	if len(calls) == 0 {
		return dispatchVerdict{}
	}

	outcomes := make([]ToolOutcome, len(calls))

	// Fast path: single call, no goroutine needed.
	if len(calls) == 1 {
		outcomes[0] = executeOne(ctx, calls[0], tools, ec, ch)
		return foldOutcomes(calls, outcomes)
	}

	type workItem struct {
		idx  int
		call ToolCall
	}
	workCh := make(chan workItem, len(calls))
	for i, call := range calls {
		workCh <- workItem{idx: i, call: call}
	}
	close(workCh)

	numWorkers := min(len(calls), maxParallelDispatch)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for range numWorkers {
		go func() {
			defer wg.Done()
			for w := range workCh {
				if ctx.Err() != nil {
					outcomes[w.idx] = ErrorOutcome(WrapError(CodeTool, w.call.Name, ctx.Err()), false)
					continue
				}
				outcomes[w.idx] = executeOne(ctx, w.call, tools, ec, ch)
			}
		}()
	}
	wg.Wait()

	return foldOutcomes(calls, outcomes)
}

// executeOne resolves and runs a single tool call with panic recovery. A
// missing tool yields a fixed unknown-tool error outcome. Executor events
// pass straight through to ch, interleaving with peers by arrival order.
func executeOne(ctx context.Context, call ToolCall, tools ToolSet, ec ExecContext, ch chan<- AgentEvent) (outcome ToolOutcome) {
	tool, ok := tools[call.Name]
	if !ok || tool.Execute == nil {
		return ErrorOutcome(Errorf(CodeTool, "unknown tool: %s", call.Name), false)
	}
	defer func() {
		if p := recover(); p != nil {
			outcome = ErrorOutcome(Errorf(CodeTool, "tool %q panic: %v", call.Name, p), false)
		}
	}()
	out, err := tool.Execute(ctx, ec, call, ch)
	if err != nil {
		return ErrorOutcome(WrapError(CodeTool, call.Name+" failed", err), false)
	}
	return out
}

// foldOutcomes converts per-call outcomes into the step verdict.
func foldOutcomes(calls []ToolCall, outcomes []ToolOutcome) dispatchVerdict {
	var verdict dispatchVerdict
	for i, call := range calls {
		out := outcomes[i]
		if out.Suspended != nil {
			verdict.suspended = true
			verdict.branches = append(verdict.branches, SuspendedBranch{
				ToolCallID:           call.ID,
				ChildStateID:         out.Suspended.StateID,
				ChildManifestID:      out.Suspended.ManifestID,
				ChildManifestVersion: out.Suspended.ManifestVersion,
				Suspensions:          out.Suspended.Suspensions,
				ChildStacks:          out.Suspended.Stacks,
			})
			continue
		}
		verdict.results = append(verdict.results, toolResultPart(call, out))
	}
	return verdict
}

// toolResultPart converts a non-suspended outcome to its LLM-facing shape.
func toolResultPart(call ToolCall, out ToolOutcome) ToolResultPart {
	part := ToolResultPart{ToolCallID: call.ID, ToolName: call.Name}
	if out.Err != nil {
		part.IsError = true
		part.Content = fmt.Sprintf("error: %s", out.Err.Message)
		if out.Err.Err != nil {
			part.Content = fmt.Sprintf("error: %s: %v", out.Err.Message, out.Err.Err)
		}
		return part
	}
	part.Content = out.Value
	return part
}
