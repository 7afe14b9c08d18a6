package strand

import (
	"context"
	"time"
)

// stepConfig is everything one LLM step needs.
type stepConfig struct {
	gateway          CompletionsGateway
	provider         ProviderConfig
	messages         []Message
	tools            []ToolDefinition
	toolChoice       string
	activeTools      []string
	requireApproval  []string
	approveByDefault bool
	allowed          map[AgentEventType]bool
	stepNumber       int
	manifestID       string
	parentManifestID string
}

// stepAggregate is the normalized terminal value of one LLM step. The
// accumulation contract is orthogonal to the emission contract: a manifest
// that filters out every configurable event still gets a complete aggregate.
type stepAggregate struct {
	text         string
	toolCalls    []ToolCall
	approvals    []ToolApprovalSuspension
	finishReason string
	usage        Usage
}

// streamStep drives one streaming completion: it forwards the allowed
// configurable events into ch and accumulates every part into the aggregate
// regardless of the allowed set. A gateway error invalidates the whole step;
// no partial aggregate is returned.
func streamStep(ctx context.Context, cfg stepConfig, ch chan<- AgentEvent) (stepAggregate, error) {
	var agg stepAggregate

	parts := make(chan StreamPart, 64)
	errCh := make(chan error, 1)
	go func() {
		errCh <- cfg.gateway.StreamCompletion(ctx, CompletionRequest{
			Provider:         cfg.provider,
			Messages:         cfg.messages,
			Tools:            cfg.tools,
			ToolChoice:       cfg.toolChoice,
			ActiveTools:      cfg.activeTools,
			MaxSteps:         1,
			RequireApproval:  cfg.requireApproval,
			ApproveByDefault: cfg.approveByDefault,
		}, parts)
		close(parts)
	}()

	for part := range parts {
		switch part.Type {
		case PartTextDelta:
			agg.text += part.Text
			if cfg.allowed[EventTextDelta] {
				sendEvent(ctx, ch, AgentEvent{
					Type:             EventTextDelta,
					ManifestID:       cfg.manifestID,
					ParentManifestID: cfg.parentManifestID,
					StepNumber:       cfg.stepNumber,
					Content:          part.Text,
				})
			}
		case PartToolCall:
			if part.ToolCall == nil {
				continue
			}
			agg.toolCalls = append(agg.toolCalls, *part.ToolCall)
			if cfg.allowed[EventToolCall] {
				sendEvent(ctx, ch, AgentEvent{
					Type:             EventToolCall,
					ManifestID:       cfg.manifestID,
					ParentManifestID: cfg.parentManifestID,
					StepNumber:       cfg.stepNumber,
					ToolCall:         part.ToolCall,
				})
			}
		case PartToolApprovalRequest:
			if part.Approval == nil {
				continue
			}
			approval := *part.Approval
			if approval.Type == "" {
				approval.Type = SuspensionTypeToolApproval
			}
			if approval.ApprovalID == "" {
				approval.ApprovalID = NewApprovalID()
			}
			agg.approvals = append(agg.approvals, approval)
			// The matching tool call still joins the aggregate so the
			// suspending state records the full assistant turn.
			agg.toolCalls = append(agg.toolCalls, ToolCall{
				ID:   approval.ToolCallID,
				Name: approval.ToolName,
				Args: approval.ToolArgs,
			})
		case PartFinishStep:
			agg.finishReason = part.FinishReason
			agg.usage.add(part.Usage)
		default:
			// Unknown part types are ignored by contract.
		}
	}
	if err := <-errCh; err != nil {
		return stepAggregate{}, WrapError(CodeProvider, "stream completion", err)
	}
	return agg, nil
}

// stepStartEvent builds the step-start event for the given step.
func stepStartEvent(manifestID, parentManifestID string, stepNumber int) AgentEvent {
	return AgentEvent{
		Type:             EventStepStart,
		ManifestID:       manifestID,
		ParentManifestID: parentManifestID,
		StepNumber:       stepNumber,
		Timestamp:        time.Now(),
	}
}

// stepFinishEvent builds the step-finish event for a completed step.
func stepFinishEvent(manifestID, parentManifestID string, step StepResult) AgentEvent {
	usage := step.Usage
	return AgentEvent{
		Type:             EventStepFinish,
		ManifestID:       manifestID,
		ParentManifestID: parentManifestID,
		StepNumber:       step.StepNumber,
		FinishReason:     step.FinishReason,
		Usage:            &usage,
		Timestamp:        time.Now(),
	}
}
