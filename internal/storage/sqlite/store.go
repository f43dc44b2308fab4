// Package sqlite provides a single-file job and credential store for
// deployments without Postgres.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// Registers the "sqlite3" driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/JakeFAU/clipbrief/internal/clip"
)

// Store implements clip.JobStore and clip.CredentialStore on SQLite.
// Timestamps are stored as unix nanoseconds.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dsn.
func Open(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return NewWithDB(db), nil
}

// NewWithDB wraps an existing handle. SQLite allows one writer, so the pool is
// pinned to a single connection.
func NewWithDB(db *sql.DB) *Store {
	db.SetMaxOpenConns(1)
	return &Store{db: db}
}

// Migrate creates the schema if needed.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
	message_id INTEGER PRIMARY KEY,
	url        TEXT NOT NULL,
	file_path  TEXT NOT NULL,
	status     TEXT NOT NULL CHECK (status IN ('downloading', 'done', 'failed')),
	rerun_of   INTEGER,
	created_at INTEGER NOT NULL
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS jobs_url_original_idx ON jobs (url) WHERE rerun_of IS NULL`,
		`CREATE INDEX IF NOT EXISTS jobs_url_idx ON jobs (url)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
	key         TEXT PRIMARY KEY,
	usage_count INTEGER NOT NULL DEFAULT 0 CHECK (usage_count >= 0),
	last_used   INTEGER
)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Ping checks the handle is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateJob replaces conflicting rows and inserts job.
func (s *Store) CreateJob(ctx context.Context, job clip.Job) error {
	if job.MessageID == 0 || job.URL == "" {
		return fmt.Errorf("job requires message id and url")
	}
	if !job.Status.Valid() {
		return fmt.Errorf("invalid job status %q", job.Status)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if job.IsRerun() {
		_, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE message_id = ?`, job.MessageID)
	} else {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM jobs WHERE message_id = ? OR (url = ? AND rerun_of IS NULL)`,
			job.MessageID, job.URL)
	}
	if err != nil {
		return fmt.Errorf("replace job: %w", err)
	}

	var rerunOf any
	if job.IsRerun() {
		rerunOf = job.RerunOf
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (message_id, url, file_path, status, rerun_of, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		job.MessageID, job.URL, job.FilePath, string(job.Status), rerunOf, job.CreatedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// UpdateJobStatus moves a downloading job to done or failed.
func (s *Store) UpdateJobStatus(ctx context.Context, messageID int64, status clip.JobStatus) error {
	if !clip.JobStatusDownloading.CanTransition(status) {
		return fmt.Errorf("%w: target %s", clip.ErrInvalidTransition, status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ? WHERE message_id = ? AND status = 'downloading'`,
		string(status), messageID)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE message_id = ?`, messageID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return clip.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("load job status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", clip.ErrInvalidTransition, current, status)
}

const jobColumns = `message_id, url, file_path, status, COALESCE(rerun_of, 0), created_at`

// GetJobByURL returns the original job for url.
func (s *Store) GetJobByURL(ctx context.Context, url string) (clip.Job, error) {
	return s.getJob(ctx, `SELECT `+jobColumns+` FROM jobs WHERE url = ? AND rerun_of IS NULL`, url)
}

// GetJobByMessageID returns the job created by messageID.
func (s *Store) GetJobByMessageID(ctx context.Context, messageID int64) (clip.Job, error) {
	return s.getJob(ctx, `SELECT `+jobColumns+` FROM jobs WHERE message_id = ?`, messageID)
}

func (s *Store) getJob(ctx context.Context, query string, arg any) (clip.Job, error) {
	var (
		job     clip.Job
		status  string
		created int64
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&job.MessageID, &job.URL, &job.FilePath, &status, &job.RerunOf, &created,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return clip.Job{}, clip.ErrJobNotFound
	}
	if err != nil {
		return clip.Job{}, fmt.Errorf("select job: %w", err)
	}
	job.Status = clip.JobStatus(status)
	job.CreatedAt = time.Unix(0, created).UTC()
	return job, nil
}

// UpsertCredentials inserts keys that are not yet present.
func (s *Store) UpsertCredentials(ctx context.Context, keys []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, key := range keys {
		if key == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO api_keys (key, usage_count) VALUES (?, 0) ON CONFLICT (key) DO NOTHING`, key,
		); err != nil {
			return fmt.Errorf("upsert credential %s: %w", clip.Fingerprint(key), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// AcquireCredential selects and marks the next key in a single statement.
func (s *Store) AcquireCredential(ctx context.Context, now time.Time) (clip.Credential, error) {
	var (
		cred     clip.Credential
		lastUsed int64
	)
	err := s.db.QueryRowContext(ctx, `UPDATE api_keys SET usage_count = usage_count + 1, last_used = ?
WHERE key = (
	SELECT key FROM api_keys ORDER BY last_used IS NOT NULL, last_used ASC, usage_count ASC, key ASC LIMIT 1
)
RETURNING key, usage_count, last_used`, now.UnixNano()).Scan(&cred.Key, &cred.UsageCount, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return clip.Credential{}, clip.ErrNoCredentials
	}
	if err != nil {
		return clip.Credential{}, fmt.Errorf("select credential: %w", err)
	}
	used := time.Unix(0, lastUsed).UTC()
	cred.LastUsed = &used
	return cred, nil
}

// CountCredentials returns the number of stored keys.
func (s *Store) CountCredentials(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM api_keys`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count credentials: %w", err)
	}
	return count, nil
}
