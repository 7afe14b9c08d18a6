// Package inmem implements the run state cache, run lock, and cancellation
// cache in process memory. Suited to tests and single-process deployments;
// nothing survives a restart.
package inmem

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/loomworks/strand"
)

// defaultTTL applies when Set is called with a zero TTL.
const defaultTTL = 24 * time.Hour

// StateCache implements strand.AgentStateCache over a mutex-guarded map.
// States are stored as JSON snapshots so callers never share mutable
// pointers with the cache, matching the serialization boundary of the
// durable implementations.
type StateCache struct {
	mu     sync.Mutex
	states map[string]stateEntry
}

type stateEntry struct {
	data    []byte
	expires time.Time
}

// NewStateCache creates an empty state cache.
func NewStateCache() *StateCache {
	return &StateCache{states: make(map[string]stateEntry)}
}

func (c *StateCache) Get(ctx context.Context, id string) (*strand.AgentRunState, error) {
	c.mu.Lock()
	entry, ok := c.states[id]
	if ok && time.Now().After(entry.expires) {
		delete(c.states, id)
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		return nil, strand.Errorf(strand.CodeNotFound, "run state %s not found", id)
	}
	var state strand.AgentRunState
	if err := json.Unmarshal(entry.data, &state); err != nil {
		return nil, strand.WrapError(strand.CodeInternal, "decode run state", err)
	}
	return &state, nil
}

func (c *StateCache) Set(ctx context.Context, id string, state *strand.AgentRunState, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	data, err := json.Marshal(state)
	if err != nil {
		return strand.WrapError(strand.CodeInternal, "encode run state", err)
	}
	c.mu.Lock()
	c.states[id] = stateEntry{data: data, expires: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

func (c *StateCache) Del(ctx context.Context, id string) error {
	c.mu.Lock()
	delete(c.states, id)
	c.mu.Unlock()
	return nil
}

// RunLock implements strand.AgentRunLock in process memory. Locks expire
// after ttl so a crashed holder cannot wedge a run forever.
type RunLock struct {
	mu    sync.Mutex
	held  map[string]time.Time
	ttl   time.Duration
	clock func() time.Time
}

// NewRunLock creates a lock registry. ttl <= 0 defaults to 5 minutes.
func NewRunLock(ttl time.Duration) *RunLock {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RunLock{held: make(map[string]time.Time), ttl: ttl, clock: time.Now}
}

func (l *RunLock) Acquire(ctx context.Context, id string) (strand.LockHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if expires, ok := l.held[id]; ok && now.Before(expires) {
		return nil, nil
	}
	l.held[id] = now.Add(l.ttl)
	return &lockHandle{lock: l, id: id}, nil
}

type lockHandle struct {
	lock *RunLock
	id   string
	once sync.Once
}

func (h *lockHandle) Release(ctx context.Context) error {
	h.once.Do(func() {
		h.lock.mu.Lock()
		delete(h.lock.held, h.id)
		h.lock.mu.Unlock()
	})
	return nil
}

// CancellationCache implements strand.AgentCancellationCache over a set of
// flagged run ids.
type CancellationCache struct {
	mu    sync.Mutex
	flags map[string]bool
}

// NewCancellationCache creates an empty cancellation cache.
func NewCancellationCache() *CancellationCache {
	return &CancellationCache{flags: make(map[string]bool)}
}

func (c *CancellationCache) Get(ctx context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags[id], nil
}

func (c *CancellationCache) Set(ctx context.Context, id string) error {
	c.mu.Lock()
	c.flags[id] = true
	c.mu.Unlock()
	return nil
}

func (c *CancellationCache) Del(ctx context.Context, id string) error {
	c.mu.Lock()
	delete(c.flags, id)
	c.mu.Unlock()
	return nil
}

// compile-time checks
var (
	_ strand.AgentStateCache        = (*StateCache)(nil)
	_ strand.AgentRunLock           = (*RunLock)(nil)
	_ strand.AgentCancellationCache = (*CancellationCache)(nil)
)
