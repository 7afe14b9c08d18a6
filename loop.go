package strand

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// loopKind discriminates loopResult.
type loopKind int

const (
	loopComplete loopKind = iota
	loopSuspended
	loopCancelled
	loopError
)

// loopResult is the internal terminal value of the step loop, carrying both
// the verdict and the final carried state for the envelope to persist.
type loopResult struct {
	kind loopKind

	// output is set for loopComplete.
	output *RunOutput

	// suspended fields: suspensions are this run's own approval gates
	// (approval-gate suspension); branches and completedToolResults come
	// from a partially-suspended tool dispatch (sub-agent suspension).
	suspensions          []ToolApprovalSuspension
	branches             []SuspendedBranch
	completedToolResults []ToolResultPart
	// stacks carries pre-built suspension stacks from resume paths; the
	// envelope persists them alongside stacks built from branches.
	stacks []SuspensionStack

	// err is set for loopError.
	err error

	// Final carried state, persisted by the envelope in every verdict.
	messages      []Message
	steps         []StepResult
	stepNumber    int
	outputRetries int
}

// loopConfig holds everything runLoop needs beyond the carried state.
type loopConfig struct {
	manifest         *AgentManifest
	gateway          CompletionsGateway
	tools            ToolSet
	toolDefs         []ToolDefinition
	stateID          string
	parentManifestID string
	// startTime is when this execution attempt began; previousElapsed is
	// the accumulated execution time of earlier attempts (excluding time
	// suspended). Both feed the per-iteration timeout check.
	startTime       time.Time
	previousElapsed time.Duration
	allowed         map[AgentEventType]bool
	validator       *outputValidator
	logger          *slog.Logger
	tracer          Tracer
}

// loopState is the state carried across loop iterations.
type loopState struct {
	messages      []Message
	steps         []StepResult
	stepNumber    int
	outputRetries int
}

// runLoop is the decision machine driving a run to a terminal loopResult.
// Per iteration: cancellation check, timeout check, step-start hook, LLM
// step, approval gate, tool dispatch, sub-agent suspension check, output
// validation, step record, step-finish hook, stop check.
func runLoop(ctx context.Context, cfg loopConfig, ls loopState, ch chan<- AgentEvent) loopResult {
	final := func(kind loopKind) loopResult {
		return loopResult{
			kind:          kind,
			messages:      ls.messages,
			steps:         ls.steps,
			stepNumber:    ls.stepNumber,
			outputRetries: ls.outputRetries,
		}
	}

	for {
		// Cancellation check.
		if ctx.Err() != nil {
			return final(loopCancelled)
		}

		// Timeout check. Uses monotonic elapsed across resumes; an
		// in-flight step is never interrupted, the check fires at the
		// next iteration boundary.
		if cfg.manifest.Timeout > 0 {
			elapsed := cfg.previousElapsed + time.Since(cfg.startTime)
			if elapsed > cfg.manifest.Timeout {
				res := final(loopError)
				res.err = Errorf(CodeTimeout, "agent %s exceeded timeout of %s (elapsed %s)",
					cfg.manifest.ID, cfg.manifest.Timeout, elapsed.Round(time.Millisecond))
				return res
			}
		}

		ls.stepNumber++

		iterCtx := ctx
		var iterSpan Span
		if cfg.tracer != nil {
			iterCtx, iterSpan = cfg.tracer.Start(ctx, "run.step",
				StringAttr("manifest.id", cfg.manifest.ID),
				IntAttr("step", ls.stepNumber))
		}
		endIter := func() {
			if iterSpan != nil {
				iterSpan.End()
			}
		}

		// Step-start hook. May replace messages for the rest of the run
		// and override tool choice / active tools for this step.
		var toolChoice string
		var activeTools []string
		if cfg.manifest.Hooks.OnStepStart != nil {
			overrides, err := cfg.manifest.Hooks.OnStepStart(iterCtx, StepStartInfo{
				RunID:      cfg.stateID,
				ManifestID: cfg.manifest.ID,
				StepNumber: ls.stepNumber,
				Messages:   cloneMessages(ls.messages),
			})
			if err != nil {
				endIter()
				res := final(loopError)
				res.err = WrapError(CodeInternal, "step-start hook", err)
				return res
			}
			if overrides != nil {
				if overrides.Messages != nil {
					ls.messages = overrides.Messages
				}
				toolChoice = overrides.ToolChoice
				activeTools = overrides.ActiveTools
			}
		}

		if cfg.allowed[EventStepStart] {
			sendEvent(iterCtx, ch, stepStartEvent(cfg.manifest.ID, cfg.parentManifestID, ls.stepNumber))
		}

		// One LLM step.
		agg, err := streamStep(iterCtx, stepConfig{
			gateway:          cfg.gateway,
			provider:         cfg.manifest.Provider,
			messages:         ls.messages,
			tools:            cfg.toolDefs,
			toolChoice:       toolChoice,
			activeTools:      activeTools,
			requireApproval:  cfg.tools.approvalNames(),
			approveByDefault: cfg.manifest.HumanInTheLoop.DefaultRequiresApproval,
			allowed:          cfg.allowed,
			stepNumber:       ls.stepNumber,
			manifestID:       cfg.manifest.ID,
			parentManifestID: cfg.parentManifestID,
		}, ch)
		if err != nil {
			endIter()
			if ctx.Err() != nil {
				return final(loopCancelled)
			}
			res := final(loopError)
			res.err = err
			return res
		}

		assistant := Message{Role: "assistant", Content: agg.text, ToolCalls: agg.toolCalls}

		// Approval gate: any approval request suspends the step before tool
		// execution. The assistant turn persists without tool results.
		if len(agg.approvals) > 0 {
			ls.messages = append(ls.messages, assistant)
			endIter()
			res := final(loopSuspended)
			res.suspensions = agg.approvals
			return res
		}

		// The output-tool call is virtual: it is validated, never dispatched.
		outputCall := cfg.validator.findCall(agg.toolCalls)
		dispatchCalls := agg.toolCalls
		if outputCall != nil {
			dispatchCalls = make([]ToolCall, 0, len(agg.toolCalls)-1)
			for _, call := range agg.toolCalls {
				if call.ID != outputCall.ID {
					dispatchCalls = append(dispatchCalls, call)
				}
			}
		}

		// Parallel tool dispatch with fair event interleaving.
		verdict := dispatchTools(iterCtx, dispatchCalls, cfg.tools, ExecContext{
			StateID:          cfg.stateID,
			ManifestID:       cfg.manifest.ID,
			ParentManifestID: cfg.parentManifestID,
			StepNumber:       ls.stepNumber,
			Messages:         cloneMessages(ls.messages),
			Logger:           cfg.logger,
		}, ch)

		// Tool-result events for completed calls only; suspended branches
		// emit nothing until their resume.
		if cfg.allowed[EventToolResult] {
			for _, part := range verdict.results {
				sendEvent(iterCtx, ch, AgentEvent{
					Type:             EventToolResult,
					ManifestID:       cfg.manifest.ID,
					ParentManifestID: cfg.parentManifestID,
					StepNumber:       ls.stepNumber,
					ToolCall:         &ToolCall{ID: part.ToolCallID, Name: part.ToolName},
					Content:          part.Content,
					IsError:          part.IsError,
				})
			}
		}

		// Sub-agent suspension: the assistant turn persists without the
		// completed peers' results; those travel in completedToolResults
		// and are replayed into the conversation on resume.
		if verdict.suspended {
			ls.messages = append(ls.messages, assistant)
			endIter()
			res := final(loopSuspended)
			res.branches = verdict.branches
			res.completedToolResults = verdict.results
			return res
		}

		// Output-tool validation.
		var outputArgs json.RawMessage
		if outputCall != nil {
			v, detail := cfg.validator.validate(outputCall, ls.outputRetries, cfg.manifest.outputMaxRetries())
			switch v {
			case outputInvalid:
				ls.outputRetries++
				ls.messages = append(ls.messages, assistant)
				for _, part := range verdict.results {
					ls.messages = append(ls.messages, ToolResultMessage(part.ToolCallID, part.Content))
				}
				ls.messages = append(ls.messages, cfg.validator.retryResultMessage(outputCall, detail))
				cfg.logger.Warn("output validation failed, retrying",
					"manifest", cfg.manifest.ID, "step", ls.stepNumber,
					"retries", ls.outputRetries, "detail", detail)
				endIter()
				continue
			case outputRetriesExceeded:
				endIter()
				res := final(loopError)
				res.err = Errorf(CodeValidation, "output validation failed after %d retries: %s",
					ls.outputRetries+1, detail)
				return res
			case outputValid:
				outputArgs = outputCall.Args
			}
		}

		// Record the step.
		step := StepResult{
			StepNumber:   ls.stepNumber,
			Text:         agg.text,
			ToolCalls:    agg.toolCalls,
			ToolResults:  verdict.results,
			FinishReason: agg.finishReason,
			Usage:        agg.usage,
		}
		ls.steps = append(ls.steps, step)

		// Step-finish hook.
		if cfg.manifest.Hooks.OnStepFinish != nil {
			if err := cfg.manifest.Hooks.OnStepFinish(iterCtx, StepFinishInfo{
				RunID:      cfg.stateID,
				ManifestID: cfg.manifest.ID,
				StepNumber: ls.stepNumber,
				Step:       step,
			}); err != nil {
				endIter()
				res := final(loopError)
				res.err = WrapError(CodeInternal, "step-finish hook", err)
				return res
			}
		}

		if cfg.allowed[EventStepFinish] {
			sendEvent(iterCtx, ch, stepFinishEvent(cfg.manifest.ID, cfg.parentManifestID, step))
		}
		endIter()

		// Append the iteration messages. Done before the stop check so a
		// completed state carries its final assistant turn and a later
		// reply input continues from a consistent transcript.
		ls.messages = append(ls.messages, assistant)
		for _, part := range verdict.results {
			ls.messages = append(ls.messages, ToolResultMessage(part.ToolCallID, part.Content))
		}
		if outputCall != nil {
			ls.messages = append(ls.messages, cfg.validator.acceptResultMessage(outputCall))
		}

		// Stop check: configured conditions, text-only policy, or a valid
		// structured output.
		if outputArgs != nil || cfg.manifest.shouldStop(ls.stepNumber, step) {
			res := final(loopComplete)
			res.output = buildRunOutput(ls.steps, outputArgs)
			return res
		}
	}
}
