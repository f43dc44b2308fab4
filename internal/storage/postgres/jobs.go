package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/clipbrief/internal/clip"
)

// CreateJob deletes any row the job replaces and inserts it in one transaction.
func (s *Store) CreateJob(ctx context.Context, job clip.Job) error {
	if job.MessageID == 0 || job.URL == "" {
		return fmt.Errorf("job requires message id and url")
	}
	if !job.Status.Valid() {
		return fmt.Errorf("invalid job status %q", job.Status)
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if job.IsRerun() {
			if _, err := tx.Exec(ctx,
				fmt.Sprintf(`DELETE FROM %s WHERE message_id = $1`, s.jobs),
				job.MessageID,
			); err != nil {
				return fmt.Errorf("replace job: %w", err)
			}
		} else {
			if _, err := tx.Exec(ctx,
				fmt.Sprintf(`DELETE FROM %s WHERE message_id = $1 OR (url = $2 AND rerun_of IS NULL)`, s.jobs),
				job.MessageID, job.URL,
			); err != nil {
				return fmt.Errorf("replace job: %w", err)
			}
		}
		if _, err := tx.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s (message_id, url, file_path, status, rerun_of, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`, s.jobs),
			job.MessageID, job.URL, job.FilePath, string(job.Status), nullableID(job.RerunOf), job.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
}

// UpdateJobStatus moves a downloading job to done or failed.
func (s *Store) UpdateJobStatus(ctx context.Context, messageID int64, status clip.JobStatus) error {
	if !clip.JobStatusDownloading.CanTransition(status) {
		return fmt.Errorf("%w: target %s", clip.ErrInvalidTransition, status)
	}
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET status = $1 WHERE message_id = $2 AND status = 'downloading'`, s.jobs),
		string(status), messageID,
	)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var current string
	err = s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT status FROM %s WHERE message_id = $1`, s.jobs),
		messageID,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return clip.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("load job status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", clip.ErrInvalidTransition, current, status)
}

// GetJobByURL returns the original (non-rerun) job for url.
func (s *Store) GetJobByURL(ctx context.Context, url string) (clip.Job, error) {
	return s.getJob(ctx,
		fmt.Sprintf(`SELECT message_id, url, file_path, status, COALESCE(rerun_of, 0), created_at
FROM %s WHERE url = $1 AND rerun_of IS NULL`, s.jobs),
		url,
	)
}

// GetJobByMessageID returns the job created by messageID.
func (s *Store) GetJobByMessageID(ctx context.Context, messageID int64) (clip.Job, error) {
	return s.getJob(ctx,
		fmt.Sprintf(`SELECT message_id, url, file_path, status, COALESCE(rerun_of, 0), created_at
FROM %s WHERE message_id = $1`, s.jobs),
		messageID,
	)
}

func (s *Store) getJob(ctx context.Context, query string, arg any) (clip.Job, error) {
	var (
		job    clip.Job
		status string
	)
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&job.MessageID,
		&job.URL,
		&job.FilePath,
		&status,
		&job.RerunOf,
		&job.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return clip.Job{}, clip.ErrJobNotFound
	}
	if err != nil {
		return clip.Job{}, fmt.Errorf("select job: %w", err)
	}
	job.Status = clip.JobStatus(status)
	return job, nil
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
