package strand

import (
	"context"
	"strings"
	"testing"
	"time"
)

// testRig wires an Executor to in-memory collaborators and a scripted gateway.
type testRig struct {
	x      *Executor
	gw     *scriptedGateway
	states *memStates
	locks  *memLocks
}

func newRig(gw *scriptedGateway, opts ...Option) *testRig {
	r := &testRig{gw: gw, states: newMemStates(), locks: newMemLocks()}
	r.x = New(gw, r.states, r.locks, opts...)
	return r
}

func (r *testRig) run(t *testing.T, set ManifestSet, rootKey string, in AgentInput) (AgentRunResult, []AgentEvent, error) {
	t.Helper()
	ch := make(chan AgentEvent, 256)
	events, wait := collectEvents(ch)
	res, err := r.x.Execute(context.Background(), set, rootKey, in, ch)
	wait()
	return res, *events, err
}

func (r *testRig) state(t *testing.T, runID string) *AgentRunState {
	t.Helper()
	state, err := r.states.Get(context.Background(), runID)
	if err != nil {
		t.Fatalf("load state %s: %v", runID, err)
	}
	return state
}

func TestExecuteRequestCompletes(t *testing.T) {
	m := testManifest("agent", nil)
	rig := newRig(&scriptedGateway{steps: []stepScript{textOnlyStep("hello there")}})
	res, events, err := rig.run(t, NewManifestSet(m), m.Key(), AgentInput{Kind: InputRequest, Prompt: "hi"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Kind != RunComplete || res.RunID == "" {
		t.Fatalf("result = %+v", res)
	}
	if res.Output.Text != "hello there" {
		t.Errorf("output text = %q", res.Output.Text)
	}

	if len(events) == 0 {
		t.Fatal("no events")
	}
	if events[0].Type != EventAgentStarted || events[0].StateID != res.RunID {
		t.Errorf("first event = %+v", events[0])
	}
	if last := events[len(events)-1]; last.Type != EventAgentDone || last.Output == nil {
		t.Errorf("last event = %+v", last)
	}

	state := rig.state(t, res.RunID)
	if state.Status != StatusCompleted {
		t.Errorf("status = %q", state.Status)
	}
	if state.CurrentStepNumber != 1 || len(state.Steps) != 1 {
		t.Errorf("steps = %d, stepNumber = %d", len(state.Steps), state.CurrentStepNumber)
	}
	if state.ElapsedExecutionMs < 0 {
		t.Errorf("elapsed = %d", state.ElapsedExecutionMs)
	}
}

func TestExecuteInvalidInput(t *testing.T) {
	m := testManifest("agent", nil)
	rig := newRig(&scriptedGateway{})
	res, events, err := rig.run(t, NewManifestSet(m), m.Key(), AgentInput{Kind: InputRequest})
	if res.Kind != RunError || CodeOf(err) != CodeValidation {
		t.Errorf("result = %+v, err = %v", res, err)
	}
	if len(events) != 0 {
		t.Errorf("events emitted before validation: %v", eventTypes(events))
	}
}

func TestExecuteUnknownRootManifest(t *testing.T) {
	m := testManifest("agent", nil)
	rig := newRig(&scriptedGateway{})
	_, _, err := rig.run(t, NewManifestSet(m), "ghost:1", AgentInput{Kind: InputRequest, Prompt: "hi"})
	if CodeOf(err) != CodeNotFound {
		t.Errorf("err = %v", err)
	}
}

func TestExecuteLockBusy(t *testing.T) {
	m := testManifest("agent", nil)
	rig := newRig(&scriptedGateway{steps: []stepScript{textOnlyStep("x")}})
	seeded := &AgentRunState{
		RunID: "r-busy", ManifestID: m.ID, ManifestVersion: m.Version,
		Status: StatusCompleted, Messages: []Message{UserMessage("old")},
	}
	if err := rig.states.Set(context.Background(), seeded.RunID, seeded, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := rig.locks.Acquire(context.Background(), seeded.RunID); err != nil {
		t.Fatal(err)
	}

	res, events, err := rig.run(t, NewManifestSet(m), m.Key(),
		AgentInput{Kind: InputReply, RunID: seeded.RunID, Prompt: "again"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Kind != RunAlreadyRunning {
		t.Fatalf("result = %+v", res)
	}
	// A busy run emits nothing and fires no hooks.
	if len(events) != 0 {
		t.Errorf("events = %v", eventTypes(events))
	}
	// The seeded state is untouched.
	if got := rig.state(t, seeded.RunID); got.Status != StatusCompleted {
		t.Errorf("status = %q", got.Status)
	}
}

func TestExecuteReplyContinuesConversation(t *testing.T) {
	m := testManifest("agent", nil)
	m.Instructions = "be brief"
	rig := newRig(&scriptedGateway{steps: []stepScript{
		textOnlyStep("first answer"),
		textOnlyStep("second answer"),
	}})
	set := NewManifestSet(m)

	first, _, err := rig.run(t, set, m.Key(), AgentInput{Kind: InputRequest, Prompt: "one"})
	if err != nil || first.Kind != RunComplete {
		t.Fatalf("first run: %+v, %v", first, err)
	}
	second, _, err := rig.run(t, set, m.Key(),
		AgentInput{Kind: InputReply, RunID: first.RunID, Prompt: "two"})
	if err != nil || second.Kind != RunComplete {
		t.Fatalf("reply run: %+v, %v", second, err)
	}
	if second.RunID != first.RunID {
		t.Errorf("reply spawned a new run: %s vs %s", second.RunID, first.RunID)
	}

	rig.gw.mu.Lock()
	req := rig.gw.requests[1]
	rig.gw.mu.Unlock()
	var roles []string
	for _, msg := range req.Messages {
		roles = append(roles, msg.Role)
	}
	// system, user(one), assistant(first answer), user(two)
	want := []string{"system", "user", "assistant", "user"}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v", roles)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Errorf("roles = %v, want %v", roles, want)
			break
		}
	}
	if req.Messages[3].Content != "two" {
		t.Errorf("follow-up = %q", req.Messages[3].Content)
	}
}

func TestExecuteReplyRequiresCompletedRun(t *testing.T) {
	m := testManifest("agent", nil)
	rig := newRig(&scriptedGateway{})
	seeded := &AgentRunState{
		RunID: "r-susp", ManifestID: m.ID, ManifestVersion: m.Version,
		Status: StatusSuspended,
	}
	rig.states.Set(context.Background(), seeded.RunID, seeded, 0)
	_, _, err := rig.run(t, NewManifestSet(m), m.Key(),
		AgentInput{Kind: InputReply, RunID: seeded.RunID, Prompt: "x"})
	if CodeOf(err) != CodeValidation {
		t.Errorf("err = %v", err)
	}
}

func TestApprovalSuspendAndApprove(t *testing.T) {
	var executed bool
	m := testManifest("agent", map[string]ToolExecutor{
		"deploy": func(ctx context.Context, _ ExecContext, _ ToolCall, _ chan<- AgentEvent) (ToolOutcome, error) {
			executed = true
			return SuccessOutcome("deployed v2"), nil
		},
	})
	rig := newRig(&scriptedGateway{steps: []stepScript{
		toolStep(approvalPart("ap1", "c1", "deploy", `{"env":"prod"}`)),
		textOnlyStep("deployment done"),
	}})
	set := NewManifestSet(m)

	res, events, err := rig.run(t, set, m.Key(), AgentInput{Kind: InputRequest, Prompt: "ship"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Kind != RunSuspended || len(res.Suspensions) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if executed {
		t.Fatal("tool ran before approval")
	}
	if last := events[len(events)-1]; last.Type != EventAgentSuspended || last.Suspension == nil {
		t.Errorf("last event = %+v", last)
	}
	if got := rig.state(t, res.RunID); got.Status != StatusSuspended || len(got.Suspensions) != 1 {
		t.Fatalf("state = %+v", got)
	}

	res2, events2, err := rig.run(t, set, m.Key(), AgentInput{
		Kind:     InputApproval,
		RunID:    res.RunID,
		Response: &ContinueResponse{ApprovalID: "ap1", Approved: true},
	})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res2.Kind != RunComplete || res2.Output.Text != "deployment done" {
		t.Fatalf("result = %+v", res2)
	}
	if !executed {
		t.Error("approved tool never ran")
	}
	if !hasEvent(events2, EventToolResult) {
		t.Errorf("resume events = %v", eventTypes(events2))
	}

	// The continued conversation carries the approved tool's result.
	rig.gw.mu.Lock()
	req := rig.gw.requests[1]
	rig.gw.mu.Unlock()
	var sawResult bool
	for _, msg := range req.Messages {
		if msg.Role == "tool" && msg.ToolCallID == "c1" && msg.Content == "deployed v2" {
			sawResult = true
		}
	}
	if !sawResult {
		t.Error("tool result missing from resumed transcript")
	}

	if got := rig.state(t, res.RunID); got.Status != StatusCompleted || len(got.Suspensions) != 0 {
		t.Errorf("final state = %+v", got)
	}
}

func TestApprovalDenied(t *testing.T) {
	var executed bool
	m := testManifest("agent", map[string]ToolExecutor{
		"deploy": func(ctx context.Context, _ ExecContext, _ ToolCall, _ chan<- AgentEvent) (ToolOutcome, error) {
			executed = true
			return SuccessOutcome("deployed"), nil
		},
	})
	rig := newRig(&scriptedGateway{steps: []stepScript{
		toolStep(approvalPart("ap1", "c1", "deploy", `{}`)),
		textOnlyStep("understood, not deploying"),
	}})
	set := NewManifestSet(m)

	res, _, err := rig.run(t, set, m.Key(), AgentInput{Kind: InputRequest, Prompt: "ship"})
	if err != nil || res.Kind != RunSuspended {
		t.Fatalf("result = %+v, err = %v", res, err)
	}

	res2, _, err := rig.run(t, set, m.Key(), AgentInput{
		Kind:     InputApproval,
		RunID:    res.RunID,
		Response: &ContinueResponse{ApprovalID: "ap1", Approved: false, Reason: "not during the freeze"},
	})
	if err != nil || res2.Kind != RunComplete {
		t.Fatalf("result = %+v, err = %v", res2, err)
	}
	if executed {
		t.Error("denied tool ran")
	}

	rig.gw.mu.Lock()
	req := rig.gw.requests[1]
	rig.gw.mu.Unlock()
	var denial string
	for _, msg := range req.Messages {
		if msg.Role == "tool" && msg.ToolCallID == "c1" {
			denial = msg.Content
		}
	}
	if !strings.Contains(denial, "denied by user") || !strings.Contains(denial, "not during the freeze") {
		t.Errorf("denial content = %q", denial)
	}
}

func TestApprovalsSettleOneAtATime(t *testing.T) {
	m := testManifest("agent", map[string]ToolExecutor{
		"deploy": echoExecutor("deployed"),
		"audit":  echoExecutor("audited"),
	})
	rig := newRig(&scriptedGateway{steps: []stepScript{
		toolStep(
			approvalPart("ap1", "c1", "deploy", `{}`),
			approvalPart("ap2", "c2", "audit", `{}`),
		),
		textOnlyStep("both done"),
	}})
	set := NewManifestSet(m)

	res, _, err := rig.run(t, set, m.Key(), AgentInput{Kind: InputRequest, Prompt: "go"})
	if err != nil || res.Kind != RunSuspended || len(res.Suspensions) != 2 {
		t.Fatalf("result = %+v, err = %v", res, err)
	}

	// First approval settles its call but the run stays suspended.
	mid, _, err := rig.run(t, set, m.Key(), AgentInput{
		Kind: InputApproval, RunID: res.RunID,
		Response: &ContinueResponse{ApprovalID: "ap1", Approved: true},
	})
	if err != nil {
		t.Fatalf("first approval: %v", err)
	}
	if mid.Kind != RunSuspended || len(mid.Suspensions) != 1 || mid.Suspensions[0].ApprovalID != "ap2" {
		t.Fatalf("mid result = %+v", mid)
	}
	midState := rig.state(t, res.RunID)
	if len(midState.PendingToolResults) != 1 || midState.PendingToolResults[0].ToolCallID != "c1" {
		t.Errorf("pending = %+v", midState.PendingToolResults)
	}

	// Second approval replays both results and finishes the step.
	final, _, err := rig.run(t, set, m.Key(), AgentInput{
		Kind: InputApproval, RunID: res.RunID,
		Response: &ContinueResponse{ApprovalID: "ap2", Approved: true},
	})
	if err != nil || final.Kind != RunComplete {
		t.Fatalf("final = %+v, err = %v", final, err)
	}

	rig.gw.mu.Lock()
	req := rig.gw.requests[1]
	rig.gw.mu.Unlock()
	var got []string
	for _, msg := range req.Messages {
		if msg.Role == "tool" {
			got = append(got, msg.ToolCallID+"="+msg.Content)
		}
	}
	if len(got) != 2 || got[0] != "c1=deployed" || got[1] != "c2=audited" {
		t.Errorf("replayed results = %v", got)
	}
}

func TestApprovalUnknownID(t *testing.T) {
	m := testManifest("agent", nil)
	rig := newRig(&scriptedGateway{steps: []stepScript{
		toolStep(approvalPart("ap1", "c1", "deploy", `{}`)),
	}})
	set := NewManifestSet(m)
	res, _, err := rig.run(t, set, m.Key(), AgentInput{Kind: InputRequest, Prompt: "go"})
	if err != nil || res.Kind != RunSuspended {
		t.Fatalf("result = %+v, err = %v", res, err)
	}
	_, _, err = rig.run(t, set, m.Key(), AgentInput{
		Kind: InputApproval, RunID: res.RunID,
		Response: &ContinueResponse{ApprovalID: "nope", Approved: true},
	})
	if CodeOf(err) != CodeNotFound {
		t.Errorf("err = %v", err)
	}
}

func TestSubAgentCompletesInline(t *testing.T) {
	child := testManifest("worker", nil)
	parent := testManifest("boss", nil)
	parent.SubAgents = []SubAgentRef{{ManifestID: "worker", ManifestVersion: "1"}}

	rig := newRig(&scriptedGateway{steps: []stepScript{
		toolStep(toolCallPart("c1", "agent_worker", `{"task":"summarize"}`)), // parent step 1
		textOnlyStep("summary from worker"),                                 // child run
		textOnlyStep("forwarding the summary"),                              // parent step 2
	}})
	set := NewManifestSet(parent, child)

	res, events, err := rig.run(t, set, parent.Key(), AgentInput{Kind: InputRequest, Prompt: "delegate"})
	if err != nil || res.Kind != RunComplete {
		t.Fatalf("result = %+v, err = %v", res, err)
	}
	if res.Output.Text != "forwarding the summary" {
		t.Errorf("output = %q", res.Output.Text)
	}

	// Both runs stream into the one channel; the child's lifecycle events
	// carry its own manifest id.
	var childStarted bool
	for _, ev := range events {
		if ev.Type == EventAgentStarted && ev.ManifestID == "worker" {
			childStarted = true
		}
	}
	if !childStarted {
		t.Error("no child agent-started event")
	}

	// The parent saw the child's answer as a tool result.
	rig.gw.mu.Lock()
	req := rig.gw.requests[2]
	rig.gw.mu.Unlock()
	var sawResult bool
	for _, msg := range req.Messages {
		if msg.Role == "tool" && msg.ToolCallID == "c1" && msg.Content == "summary from worker" {
			sawResult = true
		}
	}
	if !sawResult {
		t.Error("child answer missing from parent transcript")
	}
}

func TestSubAgentSuspensionAndStackResume(t *testing.T) {
	child := testManifest("worker", map[string]ToolExecutor{"deploy": echoExecutor("deployed")})
	parent := testManifest("boss", nil)
	parent.SubAgents = []SubAgentRef{{ManifestID: "worker", ManifestVersion: "1"}}

	rig := newRig(&scriptedGateway{steps: []stepScript{
		toolStep(toolCallPart("c1", "agent_worker", `{"task":"ship it"}`)), // parent step 1
		toolStep(approvalPart("ap-deep", "cc1", "deploy", `{}`)),          // child step 1: suspends
		textOnlyStep("worker: shipped"),                                   // child resume
		textOnlyStep("boss: all shipped"),                                 // parent resume
	}})
	set := NewManifestSet(parent, child)

	res, _, err := rig.run(t, set, parent.Key(), AgentInput{Kind: InputRequest, Prompt: "go"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Kind != RunSuspended {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Suspensions) != 0 {
		t.Errorf("parent has own suspensions: %+v", res.Suspensions)
	}
	if len(res.SuspensionStacks) != 1 {
		t.Fatalf("stacks = %+v", res.SuspensionStacks)
	}
	stack := res.SuspensionStacks[0]
	if len(stack.Agents) != 2 || stack.Agents[0].ManifestID != "boss" || stack.Agents[1].ManifestID != "worker" {
		t.Fatalf("stack frames = %+v", stack.Agents)
	}
	if stack.Agents[0].PendingToolCallID != "c1" {
		t.Errorf("pending call = %q", stack.Agents[0].PendingToolCallID)
	}
	if stack.LeafSuspension.ApprovalID != "ap-deep" {
		t.Errorf("leaf = %+v", stack.LeafSuspension)
	}

	// The child run is durable and suspended under its own id.
	childState := rig.state(t, stack.Agents[1].StateID)
	if childState.Status != StatusSuspended || len(childState.Suspensions) != 1 {
		t.Fatalf("child state = %+v", childState)
	}
	if childState.ParentContext == nil || childState.ParentContext.ToolCallID != "c1" {
		t.Errorf("child parent context = %+v", childState.ParentContext)
	}

	// Approving the leaf against the parent run resumes the whole chain.
	final, events, err := rig.run(t, set, parent.Key(), AgentInput{
		Kind: InputApproval, RunID: res.RunID,
		Response: &ContinueResponse{ApprovalID: "ap-deep", Approved: true},
	})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if final.Kind != RunComplete || final.Output.Text != "boss: all shipped" {
		t.Fatalf("final = %+v", final)
	}
	if got := rig.state(t, stack.Agents[1].StateID); got.Status != StatusCompleted {
		t.Errorf("child status = %q", got.Status)
	}
	if got := rig.state(t, res.RunID); got.Status != StatusCompleted || len(got.SuspensionStacks) != 0 {
		t.Errorf("parent state = %+v", got)
	}
	// Child and parent both emit their terminal events on the shared stream.
	var doneCount int
	for _, ev := range events {
		if ev.Type == EventAgentDone {
			doneCount++
		}
	}
	if doneCount != 2 {
		t.Errorf("agent-done events = %d, want 2", doneCount)
	}
}

func TestParallelSubAgentsPartialSuspension(t *testing.T) {
	fast := testManifest("worker-a", nil)
	fast.Provider.Model = "model-a"
	slow := testManifest("worker-b", map[string]ToolExecutor{"deploy": echoExecutor("deployed")})
	slow.Provider.Model = "model-b"
	parent := testManifest("boss", nil)
	parent.SubAgents = []SubAgentRef{
		{ManifestID: "worker-a", ManifestVersion: "1"},
		{ManifestID: "worker-b", ManifestVersion: "1"},
	}

	// Scripts are routed by model: the two workers run concurrently in one
	// dispatch, so a shared sequence would be racy.
	rig := newRig(&scriptedGateway{routed: map[string][]stepScript{
		"test-model": {
			toolStep(
				toolCallPart("c1", "agent_worker-a", `{"task":"count"}`),
				toolCallPart("c2", "agent_worker-b", `{"task":"ship"}`),
			),
			textOnlyStep("boss: all done"),
		},
		"model-a": {textOnlyStep("42")},
		"model-b": {
			toolStep(approvalPart("ap-b", "cc1", "deploy", `{}`)),
			textOnlyStep("worker-b: shipped"),
		},
	}})
	set := NewManifestSet(parent, fast, slow)

	res, _, err := rig.run(t, set, parent.Key(), AgentInput{Kind: InputRequest, Prompt: "fan out"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Kind != RunSuspended || len(res.Suspensions) != 0 || len(res.SuspensionStacks) != 1 {
		t.Fatalf("result = %+v", res)
	}
	stack := res.SuspensionStacks[0]
	if len(stack.Agents) != 2 || stack.Agents[1].ManifestID != "worker-b" {
		t.Fatalf("stack frames = %+v", stack.Agents)
	}
	if stack.Agents[0].StateID != res.RunID || stack.Agents[0].PendingToolCallID != "c2" {
		t.Errorf("root frame = %+v", stack.Agents[0])
	}
	if stack.LeafSuspension.ApprovalID != "ap-b" {
		t.Errorf("leaf = %+v", stack.LeafSuspension)
	}

	// The completed branch's result is held for replay, not dropped.
	state := rig.state(t, res.RunID)
	if len(state.PendingToolResults) != 1 {
		t.Fatalf("pending = %+v", state.PendingToolResults)
	}
	if p := state.PendingToolResults[0]; p.ToolCallID != "c1" || p.Content != "42" {
		t.Errorf("pending = %+v", p)
	}
	if state.RootManifestID != "boss" {
		t.Errorf("root manifest = %q", state.RootManifestID)
	}
	if child := rig.state(t, stack.Agents[1].StateID); child.RootManifestID != "boss" {
		t.Errorf("child root manifest = %q", child.RootManifestID)
	}

	// Approving the suspended branch resumes the chain; both branches'
	// results replay into the step in call order.
	final, _, err := rig.run(t, set, parent.Key(), AgentInput{
		Kind: InputApproval, RunID: res.RunID,
		Response: &ContinueResponse{ApprovalID: "ap-b", Approved: true},
	})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if final.Kind != RunComplete || final.Output.Text != "boss: all done" {
		t.Fatalf("final = %+v", final)
	}

	rig.gw.mu.Lock()
	req := rig.gw.requests[len(rig.gw.requests)-1]
	rig.gw.mu.Unlock()
	var got []string
	for _, msg := range req.Messages {
		if msg.Role == "tool" {
			got = append(got, msg.ToolCallID+"="+msg.Content)
		}
	}
	if len(got) != 2 || got[0] != "c1=42" || got[1] != "c2=worker-b: shipped" {
		t.Errorf("replayed results = %v", got)
	}
}

func TestResumeTimesOutOnAccumulatedElapsed(t *testing.T) {
	m := testManifest("agent", map[string]ToolExecutor{"deploy": echoExecutor("deployed")})
	m.Timeout = time.Second
	rig := newRig(&scriptedGateway{steps: []stepScript{
		toolStep(approvalPart("ap1", "c1", "deploy", `{}`)),
	}})
	set := NewManifestSet(m)

	res, _, err := rig.run(t, set, m.Key(), AgentInput{Kind: InputRequest, Prompt: "go"})
	if err != nil || res.Kind != RunSuspended {
		t.Fatalf("result = %+v, err = %v", res, err)
	}

	// Seed accumulated execution time past the timeout, as if earlier
	// attempts had already spent it. Only execution time counts; wall time
	// spent suspended does not.
	state := rig.state(t, res.RunID)
	state.ElapsedExecutionMs = 10_000
	if err := rig.states.Set(context.Background(), res.RunID, state, 0); err != nil {
		t.Fatal(err)
	}

	final, events, err := rig.run(t, set, m.Key(), AgentInput{
		Kind: InputApproval, RunID: res.RunID,
		Response: &ContinueResponse{ApprovalID: "ap1", Approved: true},
	})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if final.Kind != RunError || CodeOf(final.Err) != CodeTimeout {
		t.Fatalf("final = %+v", final)
	}
	if last := events[len(events)-1]; last.Type != EventAgentError || last.Code != CodeTimeout {
		t.Errorf("last event = %+v", last)
	}

	after := rig.state(t, res.RunID)
	if after.Status != StatusFailed {
		t.Errorf("status = %q", after.Status)
	}
	// The accumulated counter only ever grows.
	if after.ElapsedExecutionMs < 10_000 {
		t.Errorf("elapsed shrank: %d", after.ElapsedExecutionMs)
	}
}

func TestContinueReplaysPendingResults(t *testing.T) {
	m := testManifest("agent", nil)
	rig := newRig(&scriptedGateway{steps: []stepScript{
		textOnlyStep("picked up where we left off"),
	}})
	seeded := &AgentRunState{
		RunID: "r-cont", ManifestID: m.ID, ManifestVersion: m.Version,
		Status: StatusSuspended,
		Messages: []Message{
			UserMessage("start"),
			{Role: "assistant", ToolCalls: []ToolCall{{ID: "c1", Name: "lookup"}}},
		},
		PendingToolResults: []ToolResultPart{{ToolCallID: "c1", ToolName: "lookup", Content: "42"}},
		CurrentStepNumber:  1,
	}
	if err := rig.states.Set(context.Background(), seeded.RunID, seeded, 0); err != nil {
		t.Fatal(err)
	}

	res, _, err := rig.run(t, NewManifestSet(m), m.Key(),
		AgentInput{Kind: InputContinue, RunID: seeded.RunID})
	if err != nil || res.Kind != RunComplete {
		t.Fatalf("result = %+v, err = %v", res, err)
	}

	rig.gw.mu.Lock()
	req := rig.gw.requests[0]
	rig.gw.mu.Unlock()
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "tool" || last.ToolCallID != "c1" || last.Content != "42" {
		t.Errorf("spliced result = %+v", last)
	}
	if got := rig.state(t, seeded.RunID); len(got.PendingToolResults) != 0 {
		t.Errorf("pending results survived: %+v", got.PendingToolResults)
	}
}

func TestContinueRequiresPendingResults(t *testing.T) {
	m := testManifest("agent", nil)
	rig := newRig(&scriptedGateway{})
	seeded := &AgentRunState{
		RunID: "r-none", ManifestID: m.ID, ManifestVersion: m.Version,
		Status: StatusSuspended,
	}
	rig.states.Set(context.Background(), seeded.RunID, seeded, 0)
	_, _, err := rig.run(t, NewManifestSet(m), m.Key(),
		AgentInput{Kind: InputContinue, RunID: seeded.RunID})
	if CodeOf(err) != CodeValidation {
		t.Errorf("err = %v", err)
	}
}

func TestCancellationFlagStopsRun(t *testing.T) {
	cancels := newMemCancels()
	m := testManifest("agent", map[string]ToolExecutor{
		"wait": func(ctx context.Context, _ ExecContext, _ ToolCall, _ chan<- AgentEvent) (ToolOutcome, error) {
			select {
			case <-ctx.Done():
				return SuccessOutcome("interrupted"), nil
			case <-time.After(2 * time.Second):
				return SuccessOutcome("never cancelled"), nil
			}
		},
	})
	// The start hook knows the fresh run id; raising the flag there makes the
	// watcher cancel the run while the tool is still in flight.
	m.Hooks.OnAgentStart = func(ctx context.Context, info HookInfo) error {
		return cancels.Set(context.Background(), info.RunID)
	}
	gw := &scriptedGateway{steps: []stepScript{
		toolStep(toolCallPart("c1", "wait", `{}`)),
		textOnlyStep("should not get here"),
	}}
	rig := newRig(gw,
		WithCancellation(cancels),
		WithCancelPollInterval(time.Millisecond),
	)
	set := NewManifestSet(m)

	res, events, err := rig.run(t, set, m.Key(), AgentInput{Kind: InputRequest, Prompt: "go"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Kind != RunCancelled {
		t.Fatalf("result = %+v", res)
	}
	if last := events[len(events)-1]; last.Type != EventAgentCancelled {
		t.Errorf("last event = %+v", last.Type)
	}
	if got := rig.state(t, res.RunID); got.Status != StatusCancelled {
		t.Errorf("status = %q", got.Status)
	}
	// The envelope clears the flag on the way out.
	if flagged, _ := cancels.Get(context.Background(), res.RunID); flagged {
		t.Error("cancellation flag not cleared")
	}
}

func TestTerminalHookErrorKeepsDurableState(t *testing.T) {
	m := testManifest("agent", nil)
	m.Hooks.OnAgentComplete = func(ctx context.Context, info HookInfo, out *RunOutput) error {
		return NewError(CodeInternal, "webhook down")
	}
	rig := newRig(&scriptedGateway{steps: []stepScript{textOnlyStep("done")}})
	res, _, err := rig.run(t, NewManifestSet(m), m.Key(), AgentInput{Kind: InputRequest, Prompt: "go"})
	// The run itself completed; the hook failure is the envelope's error.
	if res.Kind != RunComplete {
		t.Fatalf("result = %+v", res)
	}
	if err == nil || !strings.Contains(err.Error(), "terminal hook") {
		t.Errorf("err = %v", err)
	}
	if got := rig.state(t, res.RunID); got.Status != StatusCompleted {
		t.Errorf("status = %q", got.Status)
	}
}
