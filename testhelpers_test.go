package strand

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// --- scripted gateway ---

// stepScript is one scripted LLM step for the fake gateway.
type stepScript struct {
	parts []StreamPart
	err   error
}

// scriptedGateway replays scripted steps in order. Concurrent and nested
// runs share the same script sequence; with routed set, each run consumes
// the queue keyed by its request model instead, so parallel sub-agents get
// deterministic scripts.
type scriptedGateway struct {
	mu       sync.Mutex
	steps    []stepScript
	next     int
	routed   map[string][]stepScript
	requests []CompletionRequest
}

func (g *scriptedGateway) StreamCompletion(ctx context.Context, req CompletionRequest, ch chan<- StreamPart) error {
	g.mu.Lock()
	g.requests = append(g.requests, req)
	var step stepScript
	if g.routed != nil {
		queue := g.routed[req.Provider.Model]
		if len(queue) == 0 {
			g.mu.Unlock()
			return fmt.Errorf("no script left for model %s", req.Provider.Model)
		}
		step = queue[0]
		g.routed[req.Provider.Model] = queue[1:]
	} else {
		if g.next >= len(g.steps) {
			g.mu.Unlock()
			return fmt.Errorf("no script for step %d", g.next+1)
		}
		step = g.steps[g.next]
		g.next++
	}
	g.mu.Unlock()

	if step.err != nil {
		return step.err
	}
	for _, part := range step.parts {
		select {
		case ch <- part:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func textDelta(text string) StreamPart {
	return StreamPart{Type: PartTextDelta, Text: text}
}

func toolCallPart(id, name, args string) StreamPart {
	return StreamPart{Type: PartToolCall, ToolCall: &ToolCall{
		ID: id, Name: name, Args: json.RawMessage(args),
	}}
}

func approvalPart(approvalID, callID, name, args string) StreamPart {
	return StreamPart{Type: PartToolApprovalRequest, Approval: &ToolApprovalSuspension{
		ApprovalID: approvalID,
		ToolCallID: callID,
		ToolName:   name,
		ToolArgs:   json.RawMessage(args),
	}}
}

func finishPart(reason string, in, out int) StreamPart {
	return StreamPart{Type: PartFinishStep, FinishReason: reason,
		Usage: Usage{InputTokens: in, OutputTokens: out}}
}

// textOnlyStep scripts a step that answers with text and stops.
func textOnlyStep(text string) stepScript {
	return stepScript{parts: []StreamPart{textDelta(text), finishPart("stop", 10, 5)}}
}

// toolStep scripts a step that requests the given tool calls.
func toolStep(parts ...StreamPart) stepScript {
	parts = append(parts, finishPart("tool_calls", 10, 5))
	return stepScript{parts: parts}
}

// --- memory-backed collaborators ---

type memStates struct {
	mu     sync.Mutex
	states map[string][]byte
}

func newMemStates() *memStates {
	return &memStates{states: make(map[string][]byte)}
}

func (m *memStates) Get(ctx context.Context, id string) (*AgentRunState, error) {
	m.mu.Lock()
	data, ok := m.states[id]
	m.mu.Unlock()
	if !ok {
		return nil, Errorf(CodeNotFound, "run state %s not found", id)
	}
	var state AgentRunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (m *memStates) Set(ctx context.Context, id string, state *AgentRunState, ttl time.Duration) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.states[id] = data
	m.mu.Unlock()
	return nil
}

func (m *memStates) Del(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.states, id)
	m.mu.Unlock()
	return nil
}

type memLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocks() *memLocks {
	return &memLocks{held: make(map[string]bool)}
}

func (m *memLocks) Acquire(ctx context.Context, id string) (LockHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[id] {
		return nil, nil
	}
	m.held[id] = true
	return &memLockHandle{locks: m, id: id}, nil
}

type memLockHandle struct {
	locks *memLocks
	id    string
}

func (h *memLockHandle) Release(ctx context.Context) error {
	h.locks.mu.Lock()
	delete(h.locks.held, h.id)
	h.locks.mu.Unlock()
	return nil
}

type memCancels struct {
	mu    sync.Mutex
	flags map[string]bool
}

func newMemCancels() *memCancels {
	return &memCancels{flags: make(map[string]bool)}
}

func (m *memCancels) Get(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags[id], nil
}

func (m *memCancels) Set(ctx context.Context, id string) error {
	m.mu.Lock()
	m.flags[id] = true
	m.mu.Unlock()
	return nil
}

func (m *memCancels) Del(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.flags, id)
	m.mu.Unlock()
	return nil
}

// memStorage records uploads and mints counting URLs so tests can observe
// re-minting on load.
type memStorage struct {
	mu      sync.Mutex
	uploads map[string][]byte
	mints   int
}

func newMemStorage() *memStorage {
	return &memStorage{uploads: make(map[string][]byte)}
}

func (m *memStorage) Upload(ctx context.Context, folder string, p UploadPayload) error {
	data, err := io.ReadAll(p.Reader)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.uploads[folder+"/"+p.ID] = data
	m.mu.Unlock()
	return nil
}

func (m *memStorage) DownloadURL(ctx context.Context, folder, fileID, filename string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	m.mints++
	n := m.mints
	m.mu.Unlock()
	return fmt.Sprintf("mem://%s/%s?mint=%d", folder, fileID, n), nil
}

// --- event collection ---

// collectEvents drains ch into a slice, returning a wait function that
// blocks until the channel closes.
func collectEvents(ch <-chan AgentEvent) (*[]AgentEvent, func()) {
	events := &[]AgentEvent{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			*events = append(*events, ev)
		}
	}()
	return events, func() { <-done }
}

func eventTypes(events []AgentEvent) []AgentEventType {
	out := make([]AgentEventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func hasEvent(events []AgentEvent, t AgentEventType) bool {
	for _, ev := range events {
		if ev.Type == t {
			return true
		}
	}
	return false
}

// allEvents is the full configurable set, for manifests under test.
var allEvents = []AgentEventType{
	EventTextDelta, EventToolCall, EventToolResult, EventStepStart, EventStepFinish,
}

// echoExecutor returns a ToolExecutor echoing a fixed value.
func echoExecutor(value string) ToolExecutor {
	return func(ctx context.Context, _ ExecContext, _ ToolCall, _ chan<- AgentEvent) (ToolOutcome, error) {
		return SuccessOutcome(value), nil
	}
}

// testManifest builds a single-tool manifest wired to the given executors.
func testManifest(id string, executors map[string]ToolExecutor) *AgentManifest {
	m := &AgentManifest{
		ID:       id,
		Version:  "1",
		Provider: ProviderConfig{Name: "test", Model: "test-model"},
		Streaming: StreamingConfig{
			Events: allEvents,
		},
		Hooks: Hooks{ToolExecutors: executors},
	}
	for name := range executors {
		m.Tools = append(m.Tools, ToolDefinition{
			Name:       name,
			Parameters: json.RawMessage(`{"type":"object"}`),
		})
	}
	return m
}
