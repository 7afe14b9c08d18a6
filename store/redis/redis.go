// Package redis implements the run state cache, distributed run lock, and
// cancellation cache on Redis. This is the deployment-grade backend: the
// lock coordinates executors across processes, and states survive process
// restarts for the key TTL.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/loomworks/strand"
)

const (
	statePrefix  = "strand:state:"
	lockPrefix   = "strand:lock:"
	cancelPrefix = "strand:cancel:"

	defaultStateTTL  = 7 * 24 * time.Hour
	defaultLockTTL   = 5 * time.Minute
	defaultCancelTTL = time.Hour
)

// Store implements the three run coordination interfaces on one Redis
// client.
type Store struct {
	client  *goredis.Client
	lockTTL time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithLockTTL overrides the lock expiry (default 5 minutes). The TTL bounds
// how long a crashed holder blocks a run.
func WithLockTTL(d time.Duration) Option {
	return func(s *Store) { s.lockTTL = d }
}

// New creates a Store over an existing Redis client.
func New(client *goredis.Client, opts ...Option) *Store {
	s := &Store{client: client, lockTTL: defaultLockTTL}
	for _, o := range opts {
		o(s)
	}
	return s
}

// --- state cache ---

func (s *Store) Get(ctx context.Context, id string) (*strand.AgentRunState, error) {
	data, err := s.client.Get(ctx, statePrefix+id).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, strand.Errorf(strand.CodeNotFound, "run state %s not found", id)
	}
	if err != nil {
		return nil, strand.WrapError(strand.CodeInternal, "load run state", err)
	}
	var state strand.AgentRunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, strand.WrapError(strand.CodeInternal, "decode run state", err)
	}
	return &state, nil
}

func (s *Store) Set(ctx context.Context, id string, state *strand.AgentRunState, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	data, err := json.Marshal(state)
	if err != nil {
		return strand.WrapError(strand.CodeInternal, "encode run state", err)
	}
	if err := s.client.Set(ctx, statePrefix+id, data, ttl).Err(); err != nil {
		return strand.WrapError(strand.CodeInternal, "store run state", err)
	}
	return nil
}

func (s *Store) Del(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, statePrefix+id).Err(); err != nil {
		return strand.WrapError(strand.CodeInternal, "delete run state", err)
	}
	return nil
}

// --- run lock ---

// releaseScript deletes the lock key only when it still holds this owner's
// token, so an expired-and-reacquired lock is never released by the old
// owner.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Acquire takes the run lock via SET NX with the configured TTL. A held
// lock returns a nil handle with a nil error.
func (s *Store) Acquire(ctx context.Context, id string) (strand.LockHandle, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, lockPrefix+id, token, s.lockTTL).Result()
	if err != nil {
		return nil, strand.WrapError(strand.CodeInternal, "acquire run lock", err)
	}
	if !ok {
		return nil, nil
	}
	return &lockHandle{store: s, key: lockPrefix + id, token: token}, nil
}

type lockHandle struct {
	store *Store
	key   string
	token string
	once  sync.Once
}

func (h *lockHandle) Release(ctx context.Context) error {
	var err error
	h.once.Do(func() {
		err = releaseScript.Run(ctx, h.store.client, []string{h.key}, h.token).Err()
	})
	if err != nil {
		return strand.WrapError(strand.CodeInternal, "release run lock", err)
	}
	return nil
}

// --- cancellation cache ---

// Cancellation exposes the store's cancellation flag operations under the
// cancellation cache interface. The methods are separated from the state
// cache because both share the Get/Set/Del names with different signatures.
type Cancellation struct {
	store *Store
}

// Cancellations returns the cancellation-cache view of the store.
func (s *Store) Cancellations() *Cancellation {
	return &Cancellation{store: s}
}

func (c *Cancellation) Get(ctx context.Context, id string) (bool, error) {
	n, err := c.store.client.Exists(ctx, cancelPrefix+id).Result()
	if err != nil {
		return false, strand.WrapError(strand.CodeInternal, "check cancellation flag", err)
	}
	return n > 0, nil
}

func (c *Cancellation) Set(ctx context.Context, id string) error {
	if err := c.store.client.Set(ctx, cancelPrefix+id, "1", defaultCancelTTL).Err(); err != nil {
		return strand.WrapError(strand.CodeInternal, "set cancellation flag", err)
	}
	return nil
}

func (c *Cancellation) Del(ctx context.Context, id string) error {
	if err := c.store.client.Del(ctx, cancelPrefix+id).Err(); err != nil {
		return strand.WrapError(strand.CodeInternal, "clear cancellation flag", err)
	}
	return nil
}

// compile-time checks
var (
	_ strand.AgentStateCache        = (*Store)(nil)
	_ strand.AgentRunLock           = (*Store)(nil)
	_ strand.AgentCancellationCache = (*Cancellation)(nil)
)
