package strand

import (
	"context"
	"time"
)

// AgentStateCache persists run states under opaque run ids. Implementations
// live in store/inmem, store/redis, and store/sqlite.
type AgentStateCache interface {
	// Get loads a state. A missing id is a CodeNotFound error.
	Get(ctx context.Context, id string) (*AgentRunState, error)
	// Set stores a state with the given TTL. Zero TTL means the
	// implementation default.
	Set(ctx context.Context, id string, state *AgentRunState, ttl time.Duration) error
	// Del removes a state. Deleting a missing id is not an error.
	Del(ctx context.Context, id string) error
}

// LockHandle releases a held run lock. Release is best effort and safe to
// call more than once.
type LockHandle interface {
	Release(ctx context.Context) error
}

// AgentRunLock is a distributed named lock with TTL. It is the only mutator
// gate for a run's state: outside the lock, the state cache is read-only
// from the executor's perspective.
type AgentRunLock interface {
	// Acquire takes the lock for id. A nil handle with nil error means the
	// lock is already held elsewhere.
	Acquire(ctx context.Context, id string) (LockHandle, error)
}

// AgentCancellationCache stores cancel-requested flags per run id. Presence
// signifies "cancel requested"; the envelope polls it and cancels the run
// context when the flag appears.
type AgentCancellationCache interface {
	Get(ctx context.Context, id string) (bool, error)
	Set(ctx context.Context, id string) error
	Del(ctx context.Context, id string) error
}
