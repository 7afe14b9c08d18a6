package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/loomworks/strand"
)

// readSSE consumes an OpenAI SSE stream, forwarding text deltas into ch as
// they arrive and accumulating tool calls across chunks. Tool-call parts are
// emitted at end of stream (arguments arrive as string fragments and are
// only valid JSON once complete), followed by the finish-step part. Calls
// matched by the approval policy surface as approval-request parts.
//
// readSSE never closes ch; the gateway's caller owns it.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func readSSE(ctx context.Context, body io.Reader, policy approvalPolicy, ch chan<- strand.StreamPart) error {
	scanner := bufio.NewScanner(body)
	// Increase buffer for large SSE payloads.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	// Tool calls stream incrementally: each chunk carries an index and
	// argument string fragments.
	type partialToolCall struct {
		ID   string
		Name string
		Args strings.Builder
	}
	var toolCalls []partialToolCall
	var finishReason string
	var totals strand.Usage

	for scanner.Scan() {
		line := scanner.Text()

		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		// End-of-stream sentinel.
		if data == "[DONE]" {
			break
		}

		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}

		if chunk.Usage != nil {
			totals.InputTokens = chunk.Usage.PromptTokens
			totals.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			// Usage-only chunk (some providers send this).
			continue
		}

		c := chunk.Choices[0]
		if c.FinishReason != "" {
			finishReason = c.FinishReason
		}
		delta := c.Delta
		if delta == nil {
			continue
		}

		if delta.Content != "" {
			if err := send(ctx, ch, strand.StreamPart{
				Type: strand.PartTextDelta,
				Text: delta.Content,
			}); err != nil {
				return err
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			for len(toolCalls) <= idx {
				toolCalls = append(toolCalls, partialToolCall{})
			}
			if tc.ID != "" {
				toolCalls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[idx].Args.WriteString(tc.Function.Arguments)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	for _, tc := range toolCalls {
		args := json.RawMessage(tc.Args.String())
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		call := strand.ToolCall{ID: tc.ID, Name: tc.Name, Args: args}
		var part strand.StreamPart
		if policy.requires(tc.Name) {
			part = strand.StreamPart{
				Type: strand.PartToolApprovalRequest,
				Approval: &strand.ToolApprovalSuspension{
					ToolCallID: call.ID,
					ToolName:   call.Name,
					ToolArgs:   call.Args,
				},
			}
		} else {
			part = strand.StreamPart{Type: strand.PartToolCall, ToolCall: &call}
		}
		if err := send(ctx, ch, part); err != nil {
			return err
		}
	}

	if finishReason == "" {
		finishReason = "stop"
		if len(toolCalls) > 0 {
			finishReason = "tool_calls"
		}
	}
	return send(ctx, ch, strand.StreamPart{
		Type:         strand.PartFinishStep,
		FinishReason: finishReason,
		Usage:        totals,
	})
}

// send writes one part, honoring context cancellation.
func send(ctx context.Context, ch chan<- strand.StreamPart, part strand.StreamPart) error {
	select {
	case ch <- part:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// approvalPolicy decides which tool calls need human approval.
type approvalPolicy struct {
	names     map[string]bool
	byDefault bool
}

func newApprovalPolicy(names []string, byDefault bool) approvalPolicy {
	p := approvalPolicy{byDefault: byDefault}
	if len(names) > 0 {
		p.names = make(map[string]bool, len(names))
		for _, n := range names {
			p.names[n] = true
		}
	}
	return p
}

func (p approvalPolicy) requires(name string) bool {
	if p.names[name] {
		return true
	}
	return p.byDefault
}
