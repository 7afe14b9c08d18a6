package strand

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// outputVerdict is the result of validating an output-tool call.
type outputVerdict int

const (
	outputValid outputVerdict = iota
	outputInvalid
	outputRetriesExceeded
)

// outputValidator compiles the manifest's output-tool schema once per run.
type outputValidator struct {
	tool   *OutputTool
	schema *jsonschema.Schema
}

// newOutputValidator compiles the output-tool schema. A nil tool yields a
// nil validator (no output tool declared).
func newOutputValidator(tool *OutputTool) (*outputValidator, error) {
	if tool == nil {
		return nil, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(tool.Schema))
	if err != nil {
		return nil, WrapError(CodeValidation, "output tool schema is not valid JSON", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("output.json", doc); err != nil {
		return nil, WrapError(CodeValidation, "output tool schema rejected", err)
	}
	schema, err := compiler.Compile("output.json")
	if err != nil {
		return nil, WrapError(CodeValidation, "output tool schema does not compile", err)
	}
	return &outputValidator{tool: tool, schema: schema}, nil
}

// findCall returns the output-tool call within a step's tool calls, or nil.
func (v *outputValidator) findCall(calls []ToolCall) *ToolCall {
	if v == nil {
		return nil
	}
	for i := range calls {
		if calls[i].Name == v.tool.Name {
			return &calls[i]
		}
	}
	return nil
}

// validate checks an output-tool call's arguments against the schema.
// retries is the number of failed attempts so far; maxRetries bounds them.
// For an invalid verdict, detail explains the failure for the retry message.
func (v *outputValidator) validate(call *ToolCall, retries, maxRetries int) (outputVerdict, string) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(call.Args))
	if err != nil {
		return v.failed(retries, maxRetries, "arguments are not valid JSON: "+err.Error())
	}
	if err := v.schema.Validate(inst); err != nil {
		return v.failed(retries, maxRetries, err.Error())
	}
	return outputValid, ""
}

func (v *outputValidator) failed(retries, maxRetries int, detail string) (outputVerdict, string) {
	if retries+1 > maxRetries {
		return outputRetriesExceeded, detail
	}
	return outputInvalid, detail
}

// retryResultMessage builds the synthetic tool result appended after an
// invalid output-tool call, so the LLM can correct itself on the next step.
// The loop appends it right after the step's assistant message, keeping the
// tool-call/tool-result pairing the provider protocol requires.
func (v *outputValidator) retryResultMessage(call *ToolCall, detail string) Message {
	return ToolResultMessage(call.ID, fmt.Sprintf(
		"The arguments for %s did not match the required schema: %s. Call %s again with corrected arguments.",
		v.tool.Name, detail, v.tool.Name))
}

// acceptResultMessage closes a valid output-tool call in the conversation.
func (v *outputValidator) acceptResultMessage(call *ToolCall) Message {
	return ToolResultMessage(call.ID, "output accepted")
}
