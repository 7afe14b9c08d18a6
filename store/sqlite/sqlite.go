// Package sqlite implements the run state cache, run lock, and cancellation
// cache on pure-Go SQLite. Zero CGO required. Suited to single-node
// deployments that need runs to survive restarts without operating Redis.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/strand"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

const (
	defaultStateTTL = 7 * 24 * time.Hour
	defaultLockTTL  = 5 * time.Minute
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store. If not set, no logs
// are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithLockTTL overrides the lock expiry (default 5 minutes).
func WithLockTTL(d time.Duration) Option {
	return func(s *Store) { s.lockTTL = d }
}

// Store implements the run coordination interfaces backed by a local SQLite
// file. Lock semantics rely on the expiry column rather than SQLite-level
// locking, so the behavior matches the Redis backend.
type Store struct {
	db      *sql.DB
	logger  *slog.Logger
	lockTTL time.Duration
}

var (
	_ strand.AgentStateCache        = (*Store)(nil)
	_ strand.AgentRunLock           = (*Store)(nil)
	_ strand.AgentCancellationCache = (*cancellation)(nil)
)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...Option) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger, lockTTL: defaultLockTTL}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS run_states (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS run_locks (
			id TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS run_cancellations (
			id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_run_states_expires ON run_states(expires_at)`)
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// --- state cache ---

func (s *Store) Get(ctx context.Context, id string) (*strand.AgentRunState, error) {
	var data string
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT state, expires_at FROM run_states WHERE id = ?`, id).Scan(&data, &expiresAt)
	if err == sql.ErrNoRows || (err == nil && time.Now().Unix() > expiresAt) {
		return nil, strand.Errorf(strand.CodeNotFound, "run state %s not found", id)
	}
	if err != nil {
		return nil, strand.WrapError(strand.CodeInternal, "load run state", err)
	}
	var state strand.AgentRunState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
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
	now := time.Now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_states (id, state, expires_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET state = excluded.state,
			expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
		id, string(data), now.Add(ttl).Unix(), now.Unix())
	if err != nil {
		return strand.WrapError(strand.CodeInternal, "store run state", err)
	}
	return nil
}

func (s *Store) Del(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_states WHERE id = ?`, id); err != nil {
		return strand.WrapError(strand.CodeInternal, "delete run state", err)
	}
	return nil
}

// --- run lock ---

// Acquire takes the run lock by inserting a row keyed by run id. An expired
// row is replaced; a live row means the lock is held elsewhere and yields a
// nil handle with a nil error.
func (s *Store) Acquire(ctx context.Context, id string) (strand.LockHandle, error) {
	token := uuid.NewString()
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO run_locks (id, token, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET token = excluded.token, expires_at = excluded.expires_at
		 WHERE run_locks.expires_at < ?`,
		id, token, now.Add(s.lockTTL).Unix(), now.Unix())
	if err != nil {
		return nil, strand.WrapError(strand.CodeInternal, "acquire run lock", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, strand.WrapError(strand.CodeInternal, "acquire run lock", err)
	}
	if n == 0 {
		return nil, nil
	}
	return &lockHandle{store: s, id: id, token: token}, nil
}

type lockHandle struct {
	store *Store
	id    string
	token string
	once  sync.Once
}

// Release deletes the lock row only while it still carries this holder's
// token.
func (h *lockHandle) Release(ctx context.Context) error {
	var err error
	h.once.Do(func() {
		_, err = h.store.db.ExecContext(ctx,
			`DELETE FROM run_locks WHERE id = ? AND token = ?`, h.id, h.token)
	})
	if err != nil {
		return strand.WrapError(strand.CodeInternal, "release run lock", err)
	}
	return nil
}

// --- cancellation cache ---

type cancellation struct {
	store *Store
}

// Cancellations returns the cancellation-cache view of the store.
func (s *Store) Cancellations() strand.AgentCancellationCache {
	return &cancellation{store: s}
}

func (c *cancellation) Get(ctx context.Context, id string) (bool, error) {
	var one int
	err := c.store.db.QueryRowContext(ctx,
		`SELECT 1 FROM run_cancellations WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, strand.WrapError(strand.CodeInternal, "check cancellation flag", err)
	}
	return true, nil
}

func (c *cancellation) Set(ctx context.Context, id string) error {
	_, err := c.store.db.ExecContext(ctx,
		`INSERT INTO run_cancellations (id, created_at) VALUES (?, ?)
		 ON CONFLICT(id) DO NOTHING`, id, time.Now().Unix())
	if err != nil {
		return strand.WrapError(strand.CodeInternal, "set cancellation flag", err)
	}
	return nil
}

func (c *cancellation) Del(ctx context.Context, id string) error {
	_, err := c.store.db.ExecContext(ctx, `DELETE FROM run_cancellations WHERE id = ?`, id)
	if err != nil {
		return strand.WrapError(strand.CodeInternal, "clear cancellation flag", err)
	}
	return nil
}
