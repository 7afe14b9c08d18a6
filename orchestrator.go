package strand

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultStateTTL   = 7 * 24 * time.Hour
	defaultCancelPoll = 500 * time.Millisecond
)

// Executor is the entry point of the execution core. It classifies agent
// inputs, drives run envelopes, and recursively invokes itself for
// sub-agents. One Executor serves many concurrent runs; coordination
// between processes holding the same run goes through the run lock and the
// state cache only.
type Executor struct {
	gateway CompletionsGateway
	states  AgentStateCache
	locks   AgentRunLock
	cancels AgentCancellationCache
	storage StorageService

	logger     *slog.Logger
	tracer     Tracer
	stateTTL   time.Duration
	cancelPoll time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithCancellation wires the cancellation-signal store. Without it, runs
// are cancellable only through context cancellation.
func WithCancellation(c AgentCancellationCache) Option {
	return func(x *Executor) { x.cancels = c }
}

// WithStorage wires the blob store used to offload binary message content.
// Without it, binary parts in messages are a validation error at persist
// time.
func WithStorage(s StorageService) Option {
	return func(x *Executor) { x.storage = s }
}

// WithLogger sets the structured logger. If not set, a no-op logger is used.
func WithLogger(l *slog.Logger) Option {
	return func(x *Executor) { x.logger = l }
}

// WithTracer sets the tracer. Use observer.NewTracer() for an OTEL-backed
// implementation.
func WithTracer(t Tracer) Option {
	return func(x *Executor) { x.tracer = t }
}

// WithStateTTL overrides the TTL applied to persisted run states.
func WithStateTTL(d time.Duration) Option {
	return func(x *Executor) { x.stateTTL = d }
}

// WithCancelPollInterval overrides how often the envelope polls the
// cancellation cache.
func WithCancelPollInterval(d time.Duration) Option {
	return func(x *Executor) { x.cancelPoll = d }
}

// nopLogger discards all output. Used when WithLogger is not set.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates an Executor over the given gateway, state cache, and run lock.
func New(gateway CompletionsGateway, states AgentStateCache, locks AgentRunLock, opts ...Option) *Executor {
	x := &Executor{
		gateway:    gateway,
		states:     states,
		locks:      locks,
		logger:     nopLogger,
		stateTTL:   defaultStateTTL,
		cancelPoll: defaultCancelPoll,
	}
	for _, o := range opts {
		o(x)
	}
	return x
}

// Execute runs one AgentInput against the manifest set to a terminal
// AgentRunResult. rootKey selects the root manifest as "id:version".
//
// When ch is non-nil, events stream into it during execution and ch is
// closed exactly once before Execute returns. The returned error reports
// envelope-level failures (infrastructure, hooks); run-level failures
// travel inside the result.
func (x *Executor) Execute(ctx context.Context, set ManifestSet, rootKey string, input AgentInput, ch chan<- AgentEvent) (AgentRunResult, error) {
	closeCh := onceClose(ch)
	defer closeCh()

	if err := input.Validate(); err != nil {
		return AgentRunResult{Kind: RunError, Err: err}, err
	}
	if err := set.Validate(); err != nil {
		return AgentRunResult{Kind: RunError, Err: err}, err
	}
	root, ok := set[rootKey]
	if !ok {
		err := Errorf(CodeNotFound, "root manifest %q not in set", rootKey)
		return AgentRunResult{Kind: RunError, Err: err}, err
	}

	if x.tracer != nil {
		var span Span
		ctx, span = x.tracer.Start(ctx, "run.execute",
			StringAttr("manifest.id", root.ID),
			StringAttr("input.kind", string(input.Kind)))
		defer span.End()
		result, err := x.execute(ctx, set, root, input, nil, ch)
		if err != nil {
			span.Error(err)
		}
		span.SetAttr(StringAttr("run.result", string(result.Kind)))
		return result, err
	}
	return x.execute(ctx, set, root, input, nil, ch)
}

// execute classifies the input and delegates to the run envelope or the
// resume dispatcher. Unlike Execute it never closes ch: sub-agent recursion
// shares the parent's channel.
func (x *Executor) execute(ctx context.Context, set ManifestSet, m *AgentManifest, input AgentInput, parent *ParentContext, ch chan<- AgentEvent) (AgentRunResult, error) {
	parentManifestID := ""
	if parent != nil {
		parentManifestID = parent.ManifestID
	}

	switch input.Kind {
	case InputRequest:
		runID := NewRunID()
		state := &AgentRunState{
			RunID:           runID,
			RootManifestID:  rootManifestID(m, parent),
			ManifestID:      m.ID,
			ManifestVersion: m.Version,
			ParentContext:   parent,
			Context:         input.Context,
		}
		messages := buildInitialMessages(m, input)
		return x.runEnvelope(ctx, envelopeParams{
			set:              set,
			manifest:         m,
			state:            state,
			isNew:            true,
			parentManifestID: parentManifestID,
			ls:               loopState{messages: messages},
		}, ch)

	case InputReply:
		state, err := x.loadRun(ctx, input.RunID)
		if err != nil {
			return AgentRunResult{Kind: RunError, RunID: input.RunID, Err: err}, err
		}
		if state.Status != StatusCompleted {
			err := Errorf(CodeValidation, "reply requires a completed run, status is %q", state.Status)
			return AgentRunResult{Kind: RunError, RunID: input.RunID, Err: err}, err
		}
		m, err := set.Resolve(state.ManifestID, state.ManifestVersion)
		if err != nil {
			return AgentRunResult{Kind: RunError, RunID: input.RunID, Err: err}, err
		}
		messages, err := refreshMessageURLs(ctx, x.storage, state.RunID, state.Messages)
		if err != nil {
			return AgentRunResult{Kind: RunError, RunID: input.RunID, Err: err}, err
		}
		messages = append(messages, input.userMessage())
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
		}, ch)

	case InputApproval:
		state, err := x.loadRun(ctx, input.RunID)
		if err != nil {
			return AgentRunResult{Kind: RunError, RunID: input.RunID, Err: err}, err
		}
		if state.Status != StatusSuspended {
			err := Errorf(CodeValidation, "approval requires a suspended run, status is %q", state.Status)
			return AgentRunResult{Kind: RunError, RunID: input.RunID, Err: err}, err
		}
		m, err := set.Resolve(state.ManifestID, state.ManifestVersion)
		if err != nil {
			return AgentRunResult{Kind: RunError, RunID: input.RunID, Err: err}, err
		}
		return x.resume(ctx, set, m, state, *input.Response, parent, ch)

	case InputContinue:
		state, err := x.loadRun(ctx, input.RunID)
		if err != nil {
			return AgentRunResult{Kind: RunError, RunID: input.RunID, Err: err}, err
		}
		if state.Status != StatusSuspended || len(state.PendingToolResults) == 0 {
			err := Errorf(CodeValidation, "continue requires a suspended run with pending tool results")
			return AgentRunResult{Kind: RunError, RunID: input.RunID, Err: err}, err
		}
		m, err := set.Resolve(state.ManifestID, state.ManifestVersion)
		if err != nil {
			return AgentRunResult{Kind: RunError, RunID: input.RunID, Err: err}, err
		}
		return x.resumePending(ctx, set, m, state, parent, ch)
	}

	err := Errorf(CodeValidation, "unknown input kind %q", input.Kind)
	return AgentRunResult{Kind: RunError, Err: err}, err
}

// loadRun fetches a persisted state from the cache.
func (x *Executor) loadRun(ctx context.Context, runID string) (*AgentRunState, error) {
	if runID == "" {
		return nil, NewError(CodeValidation, "run id is required")
	}
	state, err := x.states.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	return state, nil
}

// rootManifestID resolves the root manifest id for a (possibly nested) run.
// Child states record the same root as their parent chain; with only the
// immediate parent at hand, the parent's manifest id stands in. The root's
// own runs record themselves.
func rootManifestID(m *AgentManifest, parent *ParentContext) string {
	if parent == nil {
		return m.ID
	}
	return parent.ManifestID
}

// buildInitialMessages assembles the fresh-run transcript: the manifest
// instructions as a system message plus the input's user message.
func buildInitialMessages(m *AgentManifest, input AgentInput) []Message {
	var messages []Message
	if m.Instructions != "" {
		messages = append(messages, SystemMessage(m.Instructions))
	}
	return append(messages, input.userMessage())
}

// --- tools materialization ---

// defaultSubAgentMapper reads a {"task": "..."} argument object.
func defaultSubAgentMapper(args json.RawMessage) (string, error) {
	var params struct {
		Task string `json:"task"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", err
	}
	if params.Task == "" {
		return "", NewError(CodeValidation, `sub-agent call needs a "task" argument`)
	}
	return params.Task, nil
}

// subAgentParameters is the JSON schema of the default sub-agent tool.
var subAgentParameters = json.RawMessage(`{
	"type": "object",
	"properties": {
		"task": {"type": "string", "description": "The task to delegate to this agent."}
	},
	"required": ["task"]
}`)

// buildTools materializes the run's tool set: the manifest's declared tools
// (bound to executors from Hooks.ToolExecutors), one tool per sub-agent,
// and the output tool's definition (validated, never dispatched). Sub-agent
// tools are the only mechanism by which nesting occurs: their executor is a
// recursive call into this Executor.
func (x *Executor) buildTools(set ManifestSet, m *AgentManifest) (ToolSet, []ToolDefinition) {
	tools := make(ToolSet, len(m.Tools)+len(m.SubAgents))
	defs := make([]ToolDefinition, 0, len(m.Tools)+len(m.SubAgents)+1)

	for _, def := range m.Tools {
		tool := AgentTool{
			Definition:       def,
			RequiresApproval: m.requiresApproval(def.Name),
			Execute:          m.Hooks.ToolExecutors[def.Name],
		}
		tools[def.Name] = tool
		defs = append(defs, def)
	}

	for _, ref := range m.SubAgents {
		tool := x.subAgentTool(set, m, ref)
		tools[tool.Definition.Name] = tool
		defs = append(defs, tool.Definition)
	}

	if m.OutputTool != nil {
		defs = append(defs, ToolDefinition{
			Name:        m.OutputTool.Name,
			Description: m.OutputTool.Description,
			Parameters:  m.OutputTool.Schema,
		})
	}
	return tools, defs
}

// subAgentTool exposes a sub-agent manifest as a streaming tool whose
// executor recursively invokes the orchestrator bound to the child manifest.
func (x *Executor) subAgentTool(set ManifestSet, parent *AgentManifest, ref SubAgentRef) AgentTool {
	name := ref.ToolName()
	description := ref.Description
	if description == "" {
		description = "Delegate a task to the " + ref.ManifestID + " agent."
	}
	return AgentTool{
		Definition: ToolDefinition{
			Name:        name,
			Description: description,
			Parameters:  subAgentParameters,
		},
		RequiresApproval: parent.requiresApproval(name),
		Execute: func(ctx context.Context, ec ExecContext, call ToolCall, ch chan<- AgentEvent) (ToolOutcome, error) {
			mapper := parent.Hooks.SubAgentMappers[name]
			if mapper == nil {
				mapper = defaultSubAgentMapper
			}
			prompt, err := mapper(call.Args)
			if err != nil {
				return ErrorOutcome(WrapError(CodeValidation, "map sub-agent arguments", err), false), nil
			}
			child, err := set.Resolve(ref.ManifestID, ref.ManifestVersion)
			if err != nil {
				return ErrorOutcome(WrapError(CodeTool, "resolve sub-agent", err), false), nil
			}
			childInput := AgentInput{Kind: InputRequest, Prompt: prompt}
			parentCtx := &ParentContext{
				StateID:    ec.StateID,
				ManifestID: ec.ManifestID,
				ToolCallID: call.ID,
			}
			res, err := x.execute(ctx, set, child, childInput, parentCtx, ch)
			if err != nil && res.Kind != RunSuspended {
				return ErrorOutcome(WrapError(CodeTool, "sub-agent "+child.ID, err), true), nil
			}
			return subAgentOutcome(child, res), nil
		},
	}
}

// subAgentOutcome maps a child run result onto the parent's tool outcome.
// A suspended child propagates its suspensions and stacks so the parent can
// build its own suspension stacks; cancellation and errors become
// LLM-visible tool errors rather than parent run failures.
func subAgentOutcome(child *AgentManifest, res AgentRunResult) ToolOutcome {
	switch res.Kind {
	case RunComplete:
		value := res.Output.Text
		if len(res.Output.Output) > 0 {
			value = string(res.Output.Output)
		}
		return SuccessOutcome(value)
	case RunSuspended:
		return ToolOutcome{Suspended: &SubAgentSuspension{
			StateID:         res.RunID,
			ManifestID:      child.ID,
			ManifestVersion: child.Version,
			Suspensions:     res.Suspensions,
			Stacks:          res.SuspensionStacks,
		}}
	case RunCancelled:
		return ErrorOutcome(Errorf(CodeTool, "sub-agent %s was cancelled", child.ID), false)
	case RunAlreadyRunning:
		return ErrorOutcome(Errorf(CodeLockBusy, "sub-agent run %s already running", res.RunID), true)
	default:
		return ErrorOutcome(WrapError(CodeTool, "sub-agent "+child.ID+" failed", res.Err), true)
	}
}

// onceClose returns a function that closes ch exactly once. A nil channel
// yields a no-op.
func onceClose(ch chan<- AgentEvent) func() {
	if ch == nil {
		return func() {}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			defer func() { recover() }()
			close(ch)
		})
	}
}
