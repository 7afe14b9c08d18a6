// Package strand is a durable, streaming execution core for LLM agents.
//
// An agent is declared by an AgentManifest: a model, instructions, tools,
// sub-agents, stop conditions, and an approval policy. The Executor drives a
// manifest through a step loop (one streaming LLM completion per step,
// parallel tool dispatch, structured-output validation) while emitting
// AgentEvents into a caller-owned channel and persisting an AgentRunState
// snapshot at every boundary.
//
// Runs are durable: a run can suspend on a human approval (its own or one
// deep inside a tree of sub-agents), outlive the process in the state
// cache, and resume later from an approval response. Sub-agents are plain
// tools whose executor recursively invokes the same Executor, so nesting,
// suspension stacks, and event streams compose without special cases.
//
// Collaborators are interfaces: CompletionsGateway (provider/openaicompat),
// AgentStateCache, AgentRunLock, and AgentCancellationCache (store/inmem,
// store/redis, store/sqlite), StorageService (storage/postgres), and Tracer
// (observer).
//
// A minimal run:
//
//	executor := strand.New(gateway, inmem.NewStateCache(), inmem.NewRunLock(0))
//	set := strand.NewManifestSet(manifest)
//	events := make(chan strand.AgentEvent, 64)
//	go consume(events)
//	result, err := executor.Execute(ctx, set, "assistant:1", strand.AgentInput{
//		Kind:   strand.InputRequest,
//		Prompt: "hello",
//	}, events)
package strand
