package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/enrichment-service/internal/domain"
)

// jobRowColumns mirrors the column order of jobColumns.
var jobRowColumns = []string{
	"id", "project_id", "user_id", "kind", "status", "phase", "phase_progress",
	"total", "processed", "errors", "scope", "error_message", "cancel_requested",
	"created_at", "started_at", "last_progress_at", "completed_at", "cancelled_at",
}

func newTestJob() *domain.Job {
	return domain.NewJob(domain.JobKindEmbedding, "proj-1", "user-1", domain.JobScope{
		IncludeReferences: true,
	})
}

func jobRow(t *testing.T, job *domain.Job) *pgxmock.Rows {
	t.Helper()

	scopeJSON, err := json.Marshal(job.Scope)
	require.NoError(t, err)

	var phase, phaseProgress, errorMessage *string
	if job.Phase != "" {
		phase = &job.Phase
	}
	if job.PhaseProgress != "" {
		phaseProgress = &job.PhaseProgress
	}
	if job.ErrorMessage != "" {
		errorMessage = &job.ErrorMessage
	}

	return pgxmock.NewRows(jobRowColumns).AddRow(
		job.ID, job.ProjectID, job.UserID, job.Kind, job.Status, phase, phaseProgress,
		job.Total, job.Processed, job.Errors, scopeJSON, errorMessage, job.CancelRequested,
		job.CreatedAt, job.StartedAt, job.LastProgressAt, job.CompletedAt, job.CancelledAt,
	)
}

func TestPgJobRepositoryCreate(t *testing.T) {
	t.Run("inserts queued job", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgJobRepository(mock)
		job := newTestJob()

		mock.ExpectExec("INSERT INTO enrichment_jobs").
			WithArgs(job.ID, job.ProjectID, job.UserID, job.Kind, job.Status,
				pgxmock.AnyArg(), job.CreatedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, repo.Create(context.Background(), job))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("maps unique violation to conflict", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgJobRepository(mock)
		job := newTestJob()

		mock.ExpectExec("INSERT INTO enrichment_jobs").
			WithArgs(job.ID, job.ProjectID, job.UserID, job.Kind, job.Status,
				pgxmock.AnyArg(), job.CreatedAt).
			WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "idx_enrichment_jobs_one_active"})

		err = repo.Create(context.Background(), job)
		assert.ErrorIs(t, err, domain.ErrJobConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects nil job", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgJobRepository(mock)
		assert.ErrorIs(t, repo.Create(context.Background(), nil), domain.ErrInvalidInput)
	})

	t.Run("rejects unknown kind", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgJobRepository(mock)
		job := newTestJob()
		job.Kind = "reindex"

		assert.ErrorIs(t, repo.Create(context.Background(), job), domain.ErrInvalidInput)
	})
}

func TestPgJobRepositoryGetByID(t *testing.T) {
	t.Run("returns job", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgJobRepository(mock)
		job := newTestJob()

		mock.ExpectQuery("SELECT .* FROM enrichment_jobs WHERE id = \\$1").
			WithArgs(job.ID).
			WillReturnRows(jobRow(t, job))

		got, err := repo.GetByID(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, domain.JobStatusQueued, got.Status)
		assert.True(t, got.Scope.IncludeReferences)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns not found", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgJobRepository(mock)
		id := uuid.New()

		mock.ExpectQuery("SELECT .* FROM enrichment_jobs WHERE id = \\$1").
			WithArgs(id).
			WillReturnRows(pgxmock.NewRows(jobRowColumns))

		_, err = repo.GetByID(context.Background(), id)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPgJobRepositoryMarkRunning(t *testing.T) {
	t.Run("transitions queued job", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgJobRepository(mock)
		job := newTestJob()
		job.Status = domain.JobStatusRunning
		started := time.Now().UTC()
		job.StartedAt = &started

		mock.ExpectQuery("UPDATE enrichment_jobs SET status = 'running'").
			WithArgs(job.ID).
			WillReturnRows(jobRow(t, job))

		got, err := repo.MarkRunning(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusRunning, got.Status)
		require.NotNil(t, got.StartedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("conflicts when not queued", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgJobRepository(mock)
		job := newTestJob()
		job.Status = domain.JobStatusCompleted

		mock.ExpectQuery("UPDATE enrichment_jobs SET status = 'running'").
			WithArgs(job.ID).
			WillReturnRows(pgxmock.NewRows(jobRowColumns))
		mock.ExpectQuery("SELECT .* FROM enrichment_jobs WHERE id = \\$1").
			WithArgs(job.ID).
			WillReturnRows(jobRow(t, job))

		_, err = repo.MarkRunning(context.Background(), job.ID)
		assert.ErrorIs(t, err, domain.ErrJobConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPgJobRepositoryUpdateProgress(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPgJobRepository(mock)
	id := uuid.New()

	mock.ExpectExec("UPDATE enrichment_jobs SET processed = \\$2").
		WithArgs(id, 40, 3, "fetching references", "batch 2 of 5").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err = repo.UpdateProgress(context.Background(), id, 40, 3, "fetching references", "batch 2 of 5")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPgJobRepositoryFinalize(t *testing.T) {
	t.Run("completes running job", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgJobRepository(mock)
		id := uuid.New()

		mock.ExpectExec("UPDATE enrichment_jobs").
			WithArgs(id, domain.JobStatusCompleted, "").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, repo.Finalize(context.Background(), id, domain.JobStatusCompleted, ""))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects non-terminal status", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgJobRepository(mock)

		err = repo.Finalize(context.Background(), uuid.New(), domain.JobStatusRunning, "")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("conflicts when already terminal", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgJobRepository(mock)
		job := newTestJob()
		job.Status = domain.JobStatusCancelled

		mock.ExpectExec("UPDATE enrichment_jobs").
			WithArgs(job.ID, domain.JobStatusFailed, "boom").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery("SELECT .* FROM enrichment_jobs WHERE id = \\$1").
			WithArgs(job.ID).
			WillReturnRows(jobRow(t, job))

		err = repo.Finalize(context.Background(), job.ID, domain.JobStatusFailed, "boom")
		assert.ErrorIs(t, err, domain.ErrJobConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPgJobRepositoryRequestCancel(t *testing.T) {
	t.Run("cancels queued job immediately", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgJobRepository(mock)
		id := uuid.New()

		mock.ExpectQuery("UPDATE enrichment_jobs SET cancel_requested = TRUE").
			WithArgs(id).
			WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(domain.JobStatusCancelled))

		status, err := repo.RequestCancel(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCancelled, status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("flags running job", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgJobRepository(mock)
		id := uuid.New()

		mock.ExpectQuery("UPDATE enrichment_jobs SET cancel_requested = TRUE").
			WithArgs(id).
			WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(domain.JobStatusRunning))

		status, err := repo.RequestCancel(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusRunning, status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("conflicts when terminal", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgJobRepository(mock)
		job := newTestJob()
		job.Status = domain.JobStatusCompleted

		mock.ExpectQuery("UPDATE enrichment_jobs SET cancel_requested = TRUE").
			WithArgs(job.ID).
			WillReturnRows(pgxmock.NewRows([]string{"status"}))
		mock.ExpectQuery("SELECT .* FROM enrichment_jobs WHERE id = \\$1").
			WithArgs(job.ID).
			WillReturnRows(jobRow(t, job))

		_, err = repo.RequestCancel(context.Background(), job.ID)
		assert.ErrorIs(t, err, domain.ErrJobConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPgJobRepositoryFindStuckRunning(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewPgJobRepository(mock)

	stuck := newTestJob()
	stuck.Status = domain.JobStatusRunning
	started := time.Now().UTC().Add(-time.Hour)
	stale := started.Add(10 * time.Minute)
	stuck.StartedAt = &started
	stuck.LastProgressAt = &stale

	progressCutoff := time.Now().UTC().Add(-5 * time.Minute)
	startCutoff := time.Now().UTC().Add(-30 * time.Minute)

	mock.ExpectQuery("SELECT .* FROM enrichment_jobs WHERE status = 'running'").
		WithArgs(progressCutoff, startCutoff).
		WillReturnRows(jobRow(t, stuck))

	jobs, err := repo.FindStuckRunning(context.Background(), progressCutoff, startCutoff)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, stuck.ID, jobs[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
