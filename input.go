package strand

// InputKind discriminates AgentInput.
type InputKind string

const (
	// InputRequest starts a fresh run from a prompt.
	InputRequest InputKind = "request"
	// InputReply appends a user message to a completed run and continues it.
	InputReply InputKind = "reply"
	// InputApproval answers a pending tool approval on a suspended run.
	InputApproval InputKind = "approval"
	// InputContinue resumes a suspended run that holds pending tool results,
	// without an approval (partial-suspension replay).
	InputContinue InputKind = "continue"
)

// ContinueResponse answers one tool-approval suspension.
type ContinueResponse struct {
	ApprovalID string `json:"approval_id"`
	Approved   bool   `json:"approved"`
	Reason     string `json:"reason,omitempty"`
}

// AgentInput is the single entry value of the orchestrator. Kind selects the
// variant; the remaining fields are per-variant.
type AgentInput struct {
	Kind InputKind `json:"kind"`

	// RunID targets an existing run (reply, approval, continue).
	RunID string `json:"run_id,omitempty"`

	// Prompt and Parts form the user message (request, reply).
	Prompt string `json:"prompt,omitempty"`
	Parts  []Part `json:"parts,omitempty"`

	// Response is the approval answer (approval).
	Response *ContinueResponse `json:"response,omitempty"`

	// Context carries opaque caller metadata stored on the run state.
	Context map[string]any `json:"context,omitempty"`
}

// Validate checks variant-specific required fields.
func (in AgentInput) Validate() error {
	switch in.Kind {
	case InputRequest:
		if in.Prompt == "" && len(in.Parts) == 0 {
			return NewError(CodeValidation, "request input needs a prompt or parts")
		}
	case InputReply:
		if in.RunID == "" {
			return NewError(CodeValidation, "reply input needs a run id")
		}
		if in.Prompt == "" && len(in.Parts) == 0 {
			return NewError(CodeValidation, "reply input needs a prompt or parts")
		}
	case InputApproval:
		if in.RunID == "" {
			return NewError(CodeValidation, "approval input needs a run id")
		}
		if in.Response == nil || in.Response.ApprovalID == "" {
			return NewError(CodeValidation, "approval input needs a response with an approval id")
		}
	case InputContinue:
		if in.RunID == "" {
			return NewError(CodeValidation, "continue input needs a run id")
		}
	default:
		return Errorf(CodeValidation, "unknown input kind %q", in.Kind)
	}
	return nil
}

// userMessage builds the user message carried by request/reply inputs.
func (in AgentInput) userMessage() Message {
	if len(in.Parts) == 0 {
		return UserMessage(in.Prompt)
	}
	parts := in.Parts
	if in.Prompt != "" {
		parts = append([]Part{TextPart(in.Prompt)}, parts...)
	}
	return Message{Role: "user", Parts: parts}
}
