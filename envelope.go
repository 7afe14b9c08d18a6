package strand

import (
	"context"
	"time"
)

// runFunc drives the loop phase of an envelope. The normal path is runLoop;
// resume paths wrap it to splice approval outcomes or re-invoke suspended
// descendants before the loop continues.
type runFunc func(ctx context.Context, cfg loopConfig, ls loopState, ch chan<- AgentEvent) loopResult

// envelopeParams configures one execution attempt of a run.
type envelopeParams struct {
	set              ManifestSet
	manifest         *AgentManifest
	state            *AgentRunState
	isNew            bool
	parentManifestID string
	// resolved carries the suspensions answered by this resume, passed to
	// the OnAgentResume hook.
	resolved []ToolApprovalSuspension
	// ls is the initial carried loop state (messages already prepared).
	ls loopState
	// run defaults to runLoop when nil.
	run runFunc
}

// runEnvelope brackets the step loop with lock, state, hook, and event
// management: acquire lock, persist running state, fire start/resume hook,
// emit agent-started, drive the loop, clear cancellation, finalize state,
// fire the terminal hook, emit the terminal event, release the lock.
//
// The returned error reports envelope-level failures (infrastructure, hook
// errors); run-level failures travel inside the result.
func (x *Executor) runEnvelope(ctx context.Context, p envelopeParams, ch chan<- AgentEvent) (AgentRunResult, error) {
	state := p.state
	runID := state.RunID

	// Acquire the run lock. A held lock means another executor owns this
	// run: no hooks fire, no events are emitted.
	handle, err := x.locks.Acquire(ctx, runID)
	if err != nil {
		return AgentRunResult{Kind: RunError, RunID: runID, Err: err},
			WrapError(CodeInternal, "acquire run lock", err)
	}
	if handle == nil {
		x.logger.Info("run lock busy", "run_id", runID)
		return AgentRunResult{Kind: RunAlreadyRunning, RunID: runID}, nil
	}
	defer func() {
		if err := handle.Release(context.WithoutCancel(ctx)); err != nil {
			x.logger.Warn("release run lock failed", "run_id", runID, "error", err)
		}
	}()

	// Persist the running state before hooks so hook lookups succeed.
	now := time.Now()
	if p.isNew {
		state.CreatedAt = now
		state.StartedAt = &now
		state.SchemaVersion = stateSchemaVersion
	}
	state.Status = StatusRunning
	state.UpdatedAt = now

	persisted, err := serializeMessages(ctx, x.storage, runID, p.ls.messages)
	if err != nil {
		return AgentRunResult{Kind: RunError, RunID: runID, Err: err}, err
	}
	// Serialized messages (bytes offloaded, URLs minted) become the live
	// messages too, so the loop and any resume see the same transcript.
	p.ls.messages = persisted
	state.Messages = persisted
	if err := x.states.Set(ctx, runID, state, x.stateTTL); err != nil {
		return AgentRunResult{Kind: RunError, RunID: runID, Err: err},
			WrapError(CodeInternal, "persist run state", err)
	}

	// Start or resume hook.
	info := HookInfo{
		RunID:      runID,
		ManifestID: p.manifest.ID,
		StepNumber: p.ls.stepNumber,
		Messages:   cloneMessages(p.ls.messages),
	}
	if p.isNew {
		if p.manifest.Hooks.OnAgentStart != nil {
			if err := p.manifest.Hooks.OnAgentStart(ctx, info); err != nil {
				return x.failBeforeLoop(ctx, p, WrapError(CodeInternal, "agent-start hook", err), ch)
			}
		}
	} else if p.manifest.Hooks.OnAgentResume != nil {
		if err := p.manifest.Hooks.OnAgentResume(ctx, info, p.resolved); err != nil {
			return x.failBeforeLoop(ctx, p, WrapError(CodeInternal, "agent-resume hook", err), ch)
		}
	}

	sendEvent(ctx, ch, AgentEvent{
		Type:             EventAgentStarted,
		ManifestID:       p.manifest.ID,
		ParentManifestID: p.parentManifestID,
		StateID:          runID,
	})

	// Cancellation watcher: external operators set a flag in the
	// cancellation cache; the watcher folds it into context cancellation,
	// the single source of truth at loop decision points.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	if x.cancels != nil {
		go x.watchCancellation(runCtx, runID, cancelRun)
	}

	validator, err := newOutputValidator(p.manifest.OutputTool)
	if err != nil {
		return x.failBeforeLoop(ctx, p, err, ch)
	}
	tools, toolDefs := x.buildTools(p.set, p.manifest)

	startTime := time.Now()
	cfg := loopConfig{
		manifest:         p.manifest,
		gateway:          x.gateway,
		tools:            tools,
		toolDefs:         toolDefs,
		stateID:          runID,
		parentManifestID: p.parentManifestID,
		startTime:        startTime,
		previousElapsed:  time.Duration(state.ElapsedExecutionMs) * time.Millisecond,
		allowed:          p.manifest.allowedEvents(),
		validator:        validator,
		logger:           x.logger,
		tracer:           x.tracer,
	}

	run := p.run
	if run == nil {
		run = runLoop
	}
	x.logger.Info("run started", "run_id", runID, "manifest", p.manifest.Key(), "resume", !p.isNew)
	lr := run(runCtx, cfg, p.ls, ch)

	// Clear the cancellation flag; failures are logged and swallowed.
	if x.cancels != nil {
		clearCtx := context.WithoutCancel(ctx)
		if err := x.cancels.Del(clearCtx, runID); err != nil {
			x.logger.Warn("clear cancellation flag failed", "run_id", runID, "error", err)
		}
	}

	return x.finalize(ctx, p, state, startTime, lr, ch)
}

// failBeforeLoop handles a hook or setup error that occurs after the state
// was marked running but before the loop started: the state finalizes as
// failed, the error hook fires, and a single agent-error event is emitted.
func (x *Executor) failBeforeLoop(ctx context.Context, p envelopeParams, err error, ch chan<- AgentEvent) (AgentRunResult, error) {
	lr := loopResult{
		kind:          loopError,
		err:           err,
		messages:      p.ls.messages,
		steps:         p.ls.steps,
		stepNumber:    p.ls.stepNumber,
		outputRetries: p.ls.outputRetries,
	}
	startTime := time.Now()
	if res, ferr := x.finalize(ctx, p, p.state, startTime, lr, ch); ferr != nil {
		return res, ferr
	}
	return AgentRunResult{Kind: RunError, RunID: p.state.RunID, Err: err}, err
}

// finalize persists the terminal state, fires the terminal hook, and emits
// the terminal event. The terminal hook runs after persistence: a failing
// terminal hook surfaces as the envelope's error but the state is durable.
func (x *Executor) finalize(ctx context.Context, p envelopeParams, state *AgentRunState, startTime time.Time, lr loopResult, ch chan<- AgentEvent) (AgentRunResult, error) {
	runID := state.RunID
	m := p.manifest
	now := time.Now()

	persistCtx := context.WithoutCancel(ctx)
	persisted, serr := serializeMessages(persistCtx, x.storage, runID, lr.messages)
	if serr != nil {
		// A snapshot that cannot be serialized cannot be suspended or
		// resumed; degrade the verdict to an error and persist text-only.
		x.logger.Error("serialize messages failed", "run_id", runID, "error", serr)
		lr.kind = loopError
		lr.err = serr
		persisted = lr.messages
	}

	state.Messages = persisted
	state.Steps = lr.steps
	state.CurrentStepNumber = lr.stepNumber
	state.OutputRetries = lr.outputRetries
	state.UpdatedAt = now
	state.ElapsedExecutionMs += time.Since(startTime).Milliseconds()

	state.Suspensions = nil
	state.SuspensionStacks = nil
	state.PendingToolResults = nil

	var result AgentRunResult
	switch lr.kind {
	case loopComplete:
		state.Status = StatusCompleted
		result = AgentRunResult{Kind: RunComplete, RunID: runID, Output: lr.output}
	case loopSuspended:
		state.Status = StatusSuspended
		stacks := append([]SuspensionStack{}, lr.stacks...)
		stacks = append(stacks, buildSuspensionStacks(m, runID, lr.branches)...)
		state.Suspensions = lr.suspensions
		state.SuspensionStacks = stacks
		state.PendingToolResults = lr.completedToolResults
		for _, b := range lr.branches {
			state.addChildState(b.ChildStateID)
		}
		result = AgentRunResult{
			Kind:             RunSuspended,
			RunID:            runID,
			Suspensions:      lr.suspensions,
			SuspensionStacks: stacks,
		}
	case loopCancelled:
		state.Status = StatusCancelled
		result = AgentRunResult{Kind: RunCancelled, RunID: runID}
	case loopError:
		state.Status = StatusFailed
		result = AgentRunResult{Kind: RunError, RunID: runID, Err: lr.err}
	}

	if err := x.states.Set(persistCtx, runID, state, x.stateTTL); err != nil {
		x.logger.Error("persist terminal state failed", "run_id", runID, "error", err)
		result = AgentRunResult{Kind: RunError, RunID: runID,
			Err: WrapError(CodeInternal, "persist terminal state", err)}
		sendEvent(persistCtx, ch, errorEvent(m, p.parentManifestID, result.Err))
		return result, result.Err
	}

	// Terminal hook. The state is already durable; a hook error surfaces
	// as the envelope's return error without changing the persisted state.
	var hookErr error
	info := HookInfo{RunID: runID, ManifestID: m.ID, StepNumber: lr.stepNumber}
	switch lr.kind {
	case loopComplete:
		if m.Hooks.OnAgentComplete != nil {
			hookErr = m.Hooks.OnAgentComplete(ctx, info, lr.output)
		}
	case loopSuspended:
		if m.Hooks.OnAgentSuspend != nil {
			hookErr = m.Hooks.OnAgentSuspend(ctx, info, state.leafSuspensions())
		}
	case loopCancelled:
		if m.Hooks.OnAgentCancelled != nil {
			hookErr = m.Hooks.OnAgentCancelled(ctx, info)
		}
	case loopError:
		if m.Hooks.OnAgentError != nil {
			hookErr = m.Hooks.OnAgentError(ctx, info, lr.err)
		}
	}
	if hookErr != nil {
		hookErr = WrapError(CodeInternal, "terminal hook", hookErr)
	}

	// Terminal event: the last event of this envelope. A suspended run
	// emits one agent-suspended per leaf suspension.
	switch lr.kind {
	case loopComplete:
		x.logger.Info("run completed", "run_id", runID, "steps", len(lr.steps))
		sendEvent(persistCtx, ch, AgentEvent{
			Type:             EventAgentDone,
			ManifestID:       m.ID,
			ParentManifestID: p.parentManifestID,
			Output:           lr.output,
		})
	case loopSuspended:
		x.logger.Info("run suspended", "run_id", runID,
			"suspensions", len(state.Suspensions), "stacks", len(state.SuspensionStacks))
		for _, susp := range state.leafSuspensions() {
			s := susp
			sendEvent(persistCtx, ch, AgentEvent{
				Type:             EventAgentSuspended,
				ManifestID:       m.ID,
				ParentManifestID: p.parentManifestID,
				StateID:          runID,
				Suspension:       &s,
			})
		}
	case loopCancelled:
		x.logger.Info("run cancelled", "run_id", runID)
		sendEvent(persistCtx, ch, AgentEvent{
			Type:             EventAgentCancelled,
			ManifestID:       m.ID,
			ParentManifestID: p.parentManifestID,
		})
	case loopError:
		x.logger.Warn("run failed", "run_id", runID, "error", lr.err)
		sendEvent(persistCtx, ch, errorEvent(m, p.parentManifestID, lr.err))
	}

	return result, hookErr
}

// errorEvent builds the agent-error terminal event.
func errorEvent(m *AgentManifest, parentManifestID string, err error) AgentEvent {
	return AgentEvent{
		Type:             EventAgentError,
		ManifestID:       m.ID,
		ParentManifestID: parentManifestID,
		Code:             CodeOf(err),
		ErrorMessage:     MessageOf(err),
	}
}

// watchCancellation polls the cancellation cache and cancels the run
// context when a cancel flag appears. Poll errors are logged and retried.
func (x *Executor) watchCancellation(ctx context.Context, runID string, cancel context.CancelFunc) {
	ticker := time.NewTicker(x.cancelPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flagged, err := x.cancels.Get(ctx, runID)
			if err != nil {
				x.logger.Warn("cancellation poll failed", "run_id", runID, "error", err)
				continue
			}
			if flagged {
				x.logger.Info("cancellation requested", "run_id", runID)
				cancel()
				return
			}
		}
	}
}
