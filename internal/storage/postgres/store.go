// Package postgres provides Postgres-backed job and credential stores.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// credentialLockKey scopes the advisory lock that serialises credential selection.
const credentialLockKey int64 = 0x636c6970

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN              string
	JobsTable        string
	CredentialsTable string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// Store implements clip.JobStore and clip.CredentialStore on Postgres.
type Store struct {
	pool   pgxPool
	jobs   string
	creds  string
	lockID int64
}

// New creates a Store using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(pool, cfg.JobsTable, cfg.CredentialsTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool pgxPool, jobsTable, credentialsTable string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if jobsTable == "" {
		jobsTable = "jobs"
	}
	if credentialsTable == "" {
		credentialsTable = "api_keys"
	}
	for _, table := range []string{jobsTable, credentialsTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &Store{pool: pool, jobs: jobsTable, creds: credentialsTable, lockID: credentialLockKey}, nil
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	message_id BIGINT PRIMARY KEY,
	url        TEXT NOT NULL,
	file_path  TEXT NOT NULL,
	status     TEXT NOT NULL CHECK (status IN ('downloading', 'done', 'failed')),
	rerun_of   BIGINT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.jobs),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_url_original_idx ON %s (url) WHERE rerun_of IS NULL`, s.jobs, s.jobs),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_url_idx ON %s (url)`, s.jobs, s.jobs),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	key         TEXT PRIMARY KEY,
	usage_count BIGINT NOT NULL DEFAULT 0 CHECK (usage_count >= 0),
	last_used   TIMESTAMPTZ
)`, s.creds),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
