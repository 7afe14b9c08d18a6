package strand

import (
	"encoding/json"
	"fmt"
	"time"
)

// OnTextOnly values decide what a text-only step (finish reason "stop", no
// tool calls) does to the loop.
const (
	// TextOnlyStop terminates the run on a text-only step (default).
	TextOnlyStop = "stop"
	// TextOnlyContinue keeps looping after a text-only step; the run ends
	// via an explicit stop condition or the manifest timeout.
	TextOnlyContinue = "continue"
)

// StopCondition terminates the loop when it fires. Zero-valued fields are
// inactive; a condition with both fields set fires on either.
type StopCondition struct {
	// StepCount stops the run once this many steps completed.
	StepCount int `json:"step_count,omitempty"`
	// ToolName stops the run once the named tool was called in a step.
	ToolName string `json:"tool_name,omitempty"`
}

// OutputTool declares a virtual tool whose arguments are the run's structured
// output. Calls to it are validated against Schema instead of dispatched.
type OutputTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema"` // JSON Schema for the arguments
	// MaxRetries bounds validation retries before the run fails.
	// Zero means the default of 2.
	MaxRetries int `json:"max_retries,omitempty"`
}

// HumanInTheLoop configures the approval gate on tool execution.
type HumanInTheLoop struct {
	// AlwaysRequireApproval lists tools that always need a human approval.
	AlwaysRequireApproval []string `json:"always_require_approval,omitempty"`
	// DefaultRequiresApproval makes every tool need approval unless listed
	// nowhere; AlwaysRequireApproval is redundant when this is set.
	DefaultRequiresApproval bool `json:"default_requires_approval,omitempty"`
}

// StreamingConfig selects which configurable event types a run emits.
// Lifecycle events are always emitted.
type StreamingConfig struct {
	Events []AgentEventType `json:"events,omitempty"`
}

// SubAgentRef exposes another manifest as a tool of this one.
type SubAgentRef struct {
	ManifestID      string `json:"manifest_id"`
	ManifestVersion string `json:"manifest_version"`
	// Name is the tool name the LLM sees. Defaults to "agent_<manifestId>".
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// ToolName returns the tool name the sub-agent is exposed under.
func (r SubAgentRef) ToolName() string {
	if r.Name != "" {
		return r.Name
	}
	return "agent_" + r.ManifestID
}

// AgentManifest is the immutable declarative spec of an agent: model,
// instructions, tools, sub-agents, stop conditions, approval policy, hooks.
// Manifests are shared across runs and must not be mutated after
// registration.
type AgentManifest struct {
	ID           string          `json:"id"`
	Version      string          `json:"version"`
	Provider     ProviderConfig  `json:"provider"`
	Instructions string          `json:"instructions,omitempty"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	SubAgents    []SubAgentRef   `json:"sub_agents,omitempty"`
	OutputTool   *OutputTool     `json:"output_tool,omitempty"`
	StopWhen     []StopCondition `json:"stop_when,omitempty"`
	// OnTextOnly is TextOnlyStop or TextOnlyContinue ("" = stop).
	OnTextOnly string `json:"on_text_only,omitempty"`
	// Timeout bounds total execution time across resumes. Zero disables.
	Timeout        time.Duration   `json:"timeout,omitempty"`
	HumanInTheLoop HumanInTheLoop  `json:"human_in_the_loop,omitempty"`
	Streaming      StreamingConfig `json:"streaming,omitempty"`

	// Hooks carries the run's optional callbacks and tool executors.
	// Not serialized; manifests travel as code, not data.
	Hooks Hooks `json:"-"`
}

// Key returns the unique "id:version" key of the manifest.
func (m *AgentManifest) Key() string { return m.ID + ":" + m.Version }

// allowedEvents returns the set of configurable event types this manifest
// emits. Unknown names in Streaming.Events are ignored.
func (m *AgentManifest) allowedEvents() map[AgentEventType]bool {
	allowed := make(map[AgentEventType]bool, len(m.Streaming.Events))
	for _, t := range m.Streaming.Events {
		if configurableEvents[t] {
			allowed[t] = true
		}
	}
	return allowed
}

// requiresApproval reports whether a call to the named tool must pass the
// human approval gate.
func (m *AgentManifest) requiresApproval(toolName string) bool {
	for _, name := range m.HumanInTheLoop.AlwaysRequireApproval {
		if name == toolName {
			return true
		}
	}
	return m.HumanInTheLoop.DefaultRequiresApproval
}

// shouldStop evaluates the stop conditions after a completed step.
func (m *AgentManifest) shouldStop(stepNumber int, step StepResult) bool {
	for _, cond := range m.StopWhen {
		if cond.StepCount > 0 && stepNumber >= cond.StepCount {
			return true
		}
		if cond.ToolName != "" {
			for _, tc := range step.ToolCalls {
				if tc.Name == cond.ToolName {
					return true
				}
			}
		}
	}
	if step.FinishReason == "stop" && len(step.ToolCalls) == 0 {
		return m.OnTextOnly != TextOnlyContinue
	}
	return false
}

// outputMaxRetries returns the effective output validation retry budget.
func (m *AgentManifest) outputMaxRetries() int {
	if m.OutputTool == nil {
		return 0
	}
	if m.OutputTool.MaxRetries > 0 {
		return m.OutputTool.MaxRetries
	}
	return 2
}

// ManifestSet holds every manifest reachable within a run, keyed by
// "id:version".
type ManifestSet map[string]*AgentManifest

// NewManifestSet builds a set from the given manifests.
func NewManifestSet(manifests ...*AgentManifest) ManifestSet {
	set := make(ManifestSet, len(manifests))
	for _, m := range manifests {
		set[m.Key()] = m
	}
	return set
}

// Resolve returns the manifest for id:version, or a NotFound error.
func (s ManifestSet) Resolve(id, version string) (*AgentManifest, error) {
	m, ok := s[id+":"+version]
	if !ok {
		return nil, Errorf(CodeNotFound, "manifest %s:%s not registered", id, version)
	}
	return m, nil
}

// Validate checks that every sub-agent reference resolves within the set and
// that the sub-agent graph is acyclic.
func (s ManifestSet) Validate() error {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(s))
	var visit func(m *AgentManifest, path []string) error
	visit = func(m *AgentManifest, path []string) error {
		key := m.Key()
		switch color[key] {
		case gray:
			return Errorf(CodeValidation, "sub-agent cycle: %s", fmt.Sprint(append(path, key)))
		case black:
			return nil
		}
		color[key] = gray
		for _, ref := range m.SubAgents {
			child, err := s.Resolve(ref.ManifestID, ref.ManifestVersion)
			if err != nil {
				return Errorf(CodeValidation, "manifest %s: sub-agent %s:%s not in set",
					key, ref.ManifestID, ref.ManifestVersion)
			}
			if err := visit(child, append(path, key)); err != nil {
				return err
			}
		}
		color[key] = black
		return nil
	}
	for _, m := range s {
		if err := visit(m, nil); err != nil {
			return err
		}
	}
	return nil
}
