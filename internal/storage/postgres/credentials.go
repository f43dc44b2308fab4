package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/clipbrief/internal/clip"
)

// UpsertCredentials inserts keys that are not yet present.
func (s *Store) UpsertCredentials(ctx context.Context, keys []string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		for _, key := range keys {
			if key == "" {
				continue
			}
			if _, err := tx.Exec(ctx,
				fmt.Sprintf(`INSERT INTO %s (key, usage_count) VALUES ($1, 0) ON CONFLICT (key) DO NOTHING`, s.creds),
				key,
			); err != nil {
				return fmt.Errorf("upsert credential %s: %w", clip.Fingerprint(key), err)
			}
		}
		return nil
	})
}

// AcquireCredential selects and marks the next key under a transaction-scoped
// advisory lock, so concurrent callers across processes see each other's writes.
func (s *Store) AcquireCredential(ctx context.Context, now time.Time) (clip.Credential, error) {
	var cred clip.Credential
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, s.lockID); err != nil {
			return fmt.Errorf("lock credentials: %w", err)
		}
		var lastUsed time.Time
		err := tx.QueryRow(ctx,
			fmt.Sprintf(`UPDATE %[1]s SET usage_count = usage_count + 1, last_used = $1
WHERE key = (
	SELECT key FROM %[1]s ORDER BY last_used ASC NULLS FIRST, usage_count ASC, key ASC LIMIT 1
)
RETURNING key, usage_count, last_used`, s.creds),
			now,
		).Scan(&cred.Key, &cred.UsageCount, &lastUsed)
		if errors.Is(err, pgx.ErrNoRows) {
			return clip.ErrNoCredentials
		}
		if err != nil {
			return fmt.Errorf("select credential: %w", err)
		}
		cred.LastUsed = &lastUsed
		return nil
	})
	if err != nil {
		return clip.Credential{}, err
	}
	return cred, nil
}

// CountCredentials returns the number of stored keys.
func (s *Store) CountCredentials(ctx context.Context) (int, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.creds)).Scan(&count); err != nil {
		return 0, fmt.Errorf("count credentials: %w", err)
	}
	return int(count), nil
}
