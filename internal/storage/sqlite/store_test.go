package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/clipbrief/internal/clip"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func TestOpenRequiresDSN(t *testing.T) {
	t.Parallel()
	_, err := Open("")
	require.Error(t, err)
}

func TestMigrate(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS jobs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE UNIQUE INDEX IF NOT EXISTS jobs_url_original_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS jobs_url_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS api_keys").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	created := time.Unix(1700000000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM jobs WHERE message_id = \? OR \(url = \? AND rerun_of IS NULL\)`).
		WithArgs(int64(42), "https://a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(int64(42), "https://a", "/tmp/v.mp4", "downloading", nil, created.UnixNano()).
		WillReturnResult(sqlmock.NewResult(42, 1))
	mock.ExpectCommit()

	err := store.CreateJob(context.Background(), clip.Job{
		MessageID: 42,
		URL:       "https://a",
		FilePath:  "/tmp/v.mp4",
		Status:    clip.JobStatusDownloading,
		CreatedAt: created,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRerunJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM jobs WHERE message_id = \?$`).
		WithArgs(int64(99)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(int64(99), "https://a", "/tmp/v.mp4", "downloading", int64(42), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(99, 1))
	mock.ExpectCommit()

	err := store.CreateJob(context.Background(), clip.Job{
		MessageID: 99,
		URL:       "https://a",
		FilePath:  "/tmp/v.mp4",
		Status:    clip.JobStatusDownloading,
		RerunOf:   42,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJobRollsBack(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM jobs").WillReturnError(errors.New("locked"))
	mock.ExpectRollback()

	err := store.CreateJob(context.Background(), clip.Job{MessageID: 1, URL: "https://a", Status: clip.JobStatusDownloading})
	require.ErrorContains(t, err, "replace job")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobStatusRejectsTerminalRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs("done", int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM jobs").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("failed"))

	err := store.UpdateJobStatus(context.Background(), 42, clip.JobStatusDone)
	require.ErrorIs(t, err, clip.ErrInvalidTransition)

	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs("done", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM jobs").
		WithArgs(int64(5)).
		WillReturnError(sql.ErrNoRows)
	err = store.UpdateJobStatus(context.Background(), 5, clip.JobStatusDone)
	require.ErrorIs(t, err, clip.ErrJobNotFound)

	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs("failed", int64(6)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.UpdateJobStatus(context.Background(), 6, clip.JobStatusFailed))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobByURL(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	created := time.Unix(1700000000, 0).UTC()
	columns := []string{"message_id", "url", "file_path", "status", "rerun_of", "created_at"}
	mock.ExpectQuery(`FROM jobs WHERE url = \? AND rerun_of IS NULL`).
		WithArgs("https://a").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(int64(42), "https://a", "/tmp/v.mp4", "done", int64(0), created.UnixNano()))

	job, err := store.GetJobByURL(context.Background(), "https://a")
	require.NoError(t, err)
	require.Equal(t, int64(42), job.MessageID)
	require.Equal(t, clip.JobStatusDone, job.Status)
	require.True(t, job.CreatedAt.Equal(created))
	require.False(t, job.IsRerun())

	mock.ExpectQuery(`FROM jobs WHERE message_id = \?`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(columns))
	_, err = store.GetJobByMessageID(context.Background(), 7)
	require.ErrorIs(t, err, clip.ErrJobNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireCredential(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery(`UPDATE api_keys SET usage_count = usage_count \+ 1`).
		WithArgs(now.UnixNano()).
		WillReturnRows(sqlmock.NewRows([]string{"key", "usage_count", "last_used"}).AddRow("k2", int64(1), now.UnixNano()))

	cred, err := store.AcquireCredential(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, "k2", cred.Key)
	require.Equal(t, int64(1), cred.UsageCount)
	require.True(t, cred.LastUsed.Equal(now))

	mock.ExpectQuery("UPDATE api_keys").
		WithArgs(now.UnixNano()).
		WillReturnRows(sqlmock.NewRows([]string{"key", "usage_count", "last_used"}))
	_, err = store.AcquireCredential(context.Background(), now)
	require.ErrorIs(t, err, clip.ErrNoCredentials)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertAndCountCredentials(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO api_keys").WithArgs("k1").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO api_keys").WithArgs("k2").WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()
	require.NoError(t, store.UpsertCredentials(context.Background(), []string{"k1", "k2", ""}))

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM api_keys`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(2)))
	count, err := store.CountCredentials(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.NoError(t, mock.ExpectationsWereMet())
}
