package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/clipbrief/internal/clip"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock, "jobs", "api_keys")
	require.NoError(t, err)
	return store, mock
}

func TestNewWithPoolValidatesTableNames(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "jobs; DROP TABLE x", "api_keys")
	require.Error(t, err)

	_, err = NewWithPool(nil, "jobs", "api_keys")
	require.Error(t, err)

	store, err := NewWithPool(mock, "", "")
	require.NoError(t, err)
	require.Equal(t, "jobs", store.jobs)
	require.Equal(t, "api_keys", store.creds)
}

func TestMigrateCreatesTables(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS jobs").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE UNIQUE INDEX IF NOT EXISTS jobs_url_original_idx").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS jobs_url_idx").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS api_keys").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJobReplacesOriginalByURL(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	created := time.Unix(1700000000, 0).UTC()
	job := clip.Job{
		MessageID: 42,
		URL:       "https://x.com/a/status/1",
		FilePath:  "/tmp/video_42.mp4",
		Status:    clip.JobStatusDownloading,
		CreatedAt: created,
	}

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM jobs WHERE message_id = \$1 OR \(url = \$2 AND rerun_of IS NULL\)`).
		WithArgs(job.MessageID, job.URL).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(job.MessageID, job.URL, job.FilePath, "downloading", nil, created).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.CreateJob(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJobRerunKeepsOriginal(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	job := clip.Job{
		MessageID: 99,
		URL:       "https://x.com/a/status/1",
		FilePath:  "/tmp/video_99.mp4",
		Status:    clip.JobStatusDownloading,
		RerunOf:   42,
	}

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM jobs WHERE message_id = \$1$`).
		WithArgs(int64(99)).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(int64(99), job.URL, job.FilePath, "downloading", int64(42), job.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.CreateJob(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJobRollsBackOnInsertError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	job := clip.Job{MessageID: 1, URL: "https://a", Status: clip.JobStatusDownloading}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM jobs").WithArgs(int64(1), "https://a").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(int64(1), "https://a", "", "downloading", nil, time.Time{}).
		WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	err := store.CreateJob(context.Background(), job)
	require.ErrorContains(t, err, "insert job")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJobRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	store, _ := newMockStore(t)
	require.Error(t, store.CreateJob(context.Background(), clip.Job{URL: "https://a", Status: clip.JobStatusDone}))
	require.Error(t, store.CreateJob(context.Background(), clip.Job{MessageID: 1, URL: "https://a", Status: "queued"}))
}

func TestUpdateJobStatus(t *testing.T) {
	t.Parallel()

	t.Run("from downloading", func(t *testing.T) {
		t.Parallel()
		store, mock := newMockStore(t)
		mock.ExpectExec("UPDATE jobs SET status").
			WithArgs("done", int64(42)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, store.UpdateJobStatus(context.Background(), 42, clip.JobStatusDone))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already terminal", func(t *testing.T) {
		t.Parallel()
		store, mock := newMockStore(t)
		mock.ExpectExec("UPDATE jobs SET status").
			WithArgs("failed", int64(42)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery("SELECT status FROM jobs").
			WithArgs(int64(42)).
			WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("done"))

		err := store.UpdateJobStatus(context.Background(), 42, clip.JobStatusFailed)
		require.ErrorIs(t, err, clip.ErrInvalidTransition)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing job", func(t *testing.T) {
		t.Parallel()
		store, mock := newMockStore(t)
		mock.ExpectExec("UPDATE jobs SET status").
			WithArgs("done", int64(7)).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery("SELECT status FROM jobs").
			WithArgs(int64(7)).
			WillReturnError(pgx.ErrNoRows)

		err := store.UpdateJobStatus(context.Background(), 7, clip.JobStatusDone)
		require.ErrorIs(t, err, clip.ErrJobNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid target", func(t *testing.T) {
		t.Parallel()
		store, _ := newMockStore(t)
		err := store.UpdateJobStatus(context.Background(), 7, clip.JobStatusDownloading)
		require.ErrorIs(t, err, clip.ErrInvalidTransition)
	})
}

func TestGetJobByURL(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	created := time.Unix(1700000000, 0).UTC()
	columns := []string{"message_id", "url", "file_path", "status", "rerun_of", "created_at"}

	mock.ExpectQuery(`FROM jobs WHERE url = \$1 AND rerun_of IS NULL`).
		WithArgs("https://a").
		WillReturnRows(pgxmock.NewRows(columns).AddRow(int64(42), "https://a", "/tmp/v.mp4", "done", int64(0), created))

	job, err := store.GetJobByURL(context.Background(), "https://a")
	require.NoError(t, err)
	require.Equal(t, clip.Job{
		MessageID: 42,
		URL:       "https://a",
		FilePath:  "/tmp/v.mp4",
		Status:    clip.JobStatusDone,
		CreatedAt: created,
	}, job)

	mock.ExpectQuery(`FROM jobs WHERE url = \$1`).
		WithArgs("https://missing").
		WillReturnError(pgx.ErrNoRows)
	_, err = store.GetJobByURL(context.Background(), "https://missing")
	require.ErrorIs(t, err, clip.ErrJobNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobByMessageIDReturnsRerun(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	columns := []string{"message_id", "url", "file_path", "status", "rerun_of", "created_at"}
	mock.ExpectQuery(`FROM jobs WHERE message_id = \$1`).
		WithArgs(int64(99)).
		WillReturnRows(pgxmock.NewRows(columns).AddRow(int64(99), "https://a", "/tmp/v.mp4", "downloading", int64(42), time.Time{}))

	job, err := store.GetJobByMessageID(context.Background(), 99)
	require.NoError(t, err)
	require.True(t, job.IsRerun())
	require.Equal(t, int64(42), job.RerunOf)
	require.NoError(t, mock.ExpectationsWereMet())
}
