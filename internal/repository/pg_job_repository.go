package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/helixir/enrichment-service/internal/domain"
)

// pgUniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// Compile-time interface verification.
var _ JobRepository = (*PgJobRepository)(nil)

// PgJobRepository is a PostgreSQL implementation of JobRepository.
type PgJobRepository struct {
	db DBTX
}

// NewPgJobRepository creates a new PostgreSQL job repository.
func NewPgJobRepository(db DBTX) *PgJobRepository {
	return &PgJobRepository{db: db}
}

const jobColumns = `id, project_id, user_id, kind, status, phase, phase_progress,
		total, processed, errors, scope, error_message, cancel_requested,
		created_at, started_at, last_progress_at, completed_at, cancelled_at`

// Create inserts a new queued job.
func (r *PgJobRepository) Create(ctx context.Context, job *domain.Job) error {
	if job == nil {
		return domain.NewValidationError("job", "job cannot be nil")
	}
	if !job.Kind.IsValid() {
		return domain.NewValidationError("kind", fmt.Sprintf("unknown job kind: %s", job.Kind))
	}
	if job.ProjectID == "" {
		return domain.NewValidationError("project_id", "project ID is required")
	}

	scopeJSON, err := json.Marshal(job.Scope)
	if err != nil {
		return fmt.Errorf("failed to marshal scope: %w", err)
	}

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO enrichment_jobs (
			id, project_id, user_id, kind, status, scope, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = r.db.Exec(ctx, query,
		job.ID,
		job.ProjectID,
		job.UserID,
		job.Kind,
		job.Status,
		scopeJSON,
		job.CreatedAt,
	)
	if err != nil {
		// The one-active-job-per-kind-per-project unique index rejects
		// concurrent inserts; surface that as a conflict, not a failure.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("active %s job already exists for project %s: %w",
				job.Kind, job.ProjectID, domain.ErrJobConflict)
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}

	return nil
}

// GetByID retrieves a job by its UUID.
func (r *PgJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM enrichment_jobs
		WHERE id = $1`

	job, err := scanJob(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("job", id.String())
		}
		return nil, fmt.Errorf("failed to get job by ID: %w", err)
	}

	return job, nil
}

// FindActive returns the active job of the given kind for a project.
func (r *PgJobRepository) FindActive(ctx context.Context, projectID string, kind domain.JobKind) (*domain.Job, error) {
	if projectID == "" {
		return nil, domain.NewValidationError("project_id", "project ID is required")
	}

	query := `
		SELECT ` + jobColumns + `
		FROM enrichment_jobs
		WHERE project_id = $1 AND kind = $2 AND status IN ('queued', 'running')
		ORDER BY created_at DESC
		LIMIT 1`

	job, err := scanJob(r.db.QueryRow(ctx, query, projectID, kind))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("job", fmt.Sprintf("active %s for project %s", kind, projectID))
		}
		return nil, fmt.Errorf("failed to find active job: %w", err)
	}

	return job, nil
}

// ListByProject returns a project's jobs, newest first.
func (r *PgJobRepository) ListByProject(ctx context.Context, projectID string, limit, offset int) ([]*domain.Job, error) {
	if projectID == "" {
		return nil, domain.NewValidationError("project_id", "project ID is required")
	}
	applyPaginationDefaults(&limit, &offset)

	query := `
		SELECT ` + jobColumns + `
		FROM enrichment_jobs
		WHERE project_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, projectID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// MarkRunning transitions a queued job to running.
func (r *PgJobRepository) MarkRunning(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	query := `
		UPDATE enrichment_jobs
		SET status = 'running', started_at = NOW(), last_progress_at = NOW()
		WHERE id = $1 AND status = 'queued'
		RETURNING ` + jobColumns

	job, err := scanJob(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.conflictOrNotFound(ctx, id)
		}
		return nil, fmt.Errorf("failed to mark job running: %w", err)
	}

	return job, nil
}

// SetTotal records the size of the resolved work set.
func (r *PgJobRepository) SetTotal(ctx context.Context, id uuid.UUID, total int) error {
	if total < 0 {
		return domain.NewValidationError("total", "total cannot be negative")
	}

	query := `
		UPDATE enrichment_jobs
		SET total = $2, last_progress_at = NOW()
		WHERE id = $1 AND status = 'running'`

	tag, err := r.db.Exec(ctx, query, id, total)
	if err != nil {
		return fmt.Errorf("failed to set job total: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.conflictOrNotFound(ctx, id)
	}

	return nil
}

// UpdateProgress persists counters and phase labels, stamping last_progress_at.
func (r *PgJobRepository) UpdateProgress(ctx context.Context, id uuid.UUID, processed, errCount int, phase, phaseProgress string) error {
	query := `
		UPDATE enrichment_jobs
		SET processed = $2, errors = $3, phase = $4, phase_progress = $5,
			last_progress_at = NOW()
		WHERE id = $1 AND status = 'running'`

	tag, err := r.db.Exec(ctx, query, id, processed, errCount, phase, phaseProgress)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.conflictOrNotFound(ctx, id)
	}

	return nil
}

// Finalize transitions a running job to a terminal status.
func (r *PgJobRepository) Finalize(ctx context.Context, id uuid.UUID, status domain.JobStatus, errorMessage string) error {
	if !status.IsTerminal() {
		return domain.NewValidationError("status", fmt.Sprintf("%s is not a terminal status", status))
	}
	if !domain.IsValidJobTransition(domain.JobStatusRunning, status) {
		return domain.NewValidationError("status", fmt.Sprintf("running job cannot transition to %s", status))
	}

	query := `
		UPDATE enrichment_jobs
		SET status = $2,
			error_message = NULLIF($3, ''),
			completed_at = NOW(),
			cancelled_at = CASE WHEN $2 = 'cancelled' THEN NOW() ELSE cancelled_at END
		WHERE id = $1 AND status = 'running'`

	tag, err := r.db.Exec(ctx, query, id, status, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to finalize job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.conflictOrNotFound(ctx, id)
	}

	return nil
}

// RequestCancel asks a job to stop. Queued jobs cancel immediately;
// running jobs get the cooperative flag.
func (r *PgJobRepository) RequestCancel(ctx context.Context, id uuid.UUID) (domain.JobStatus, error) {
	query := `
		UPDATE enrichment_jobs
		SET cancel_requested = TRUE,
			status = CASE WHEN status = 'queued' THEN 'cancelled'::job_status ELSE status END,
			cancelled_at = CASE WHEN status = 'queued' THEN NOW() ELSE cancelled_at END,
			completed_at = CASE WHEN status = 'queued' THEN NOW() ELSE completed_at END
		WHERE id = $1 AND status IN ('queued', 'running')
		RETURNING status`

	var status domain.JobStatus
	err := r.db.QueryRow(ctx, query, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", r.conflictOrNotFound(ctx, id)
		}
		return "", fmt.Errorf("failed to request job cancellation: %w", err)
	}

	return status, nil
}

// CancelRequested reports whether cancellation has been requested.
func (r *PgJobRepository) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var requested bool
	err := r.db.QueryRow(ctx, `SELECT cancel_requested FROM enrichment_jobs WHERE id = $1`, id).Scan(&requested)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, domain.NewNotFoundError("job", id.String())
		}
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}

	return requested, nil
}

// FindStuckRunning returns running jobs with stale progress or an old start.
func (r *PgJobRepository) FindStuckRunning(ctx context.Context, progressCutoff, startCutoff time.Time) ([]*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM enrichment_jobs
		WHERE status = 'running'
			AND (last_progress_at < $1 OR started_at < $2)
		ORDER BY started_at ASC`

	rows, err := r.db.Query(ctx, query, progressCutoff, startCutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to find stuck jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// conflictOrNotFound distinguishes a guarded update that matched no rows:
// either the job does not exist, or it exists in a state the update refuses.
func (r *PgJobRepository) conflictOrNotFound(ctx context.Context, id uuid.UUID) error {
	job, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s is %s: %w", id, job.Status, domain.ErrJobConflict)
}

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job           domain.Job
		phase         *string
		phaseProgress *string
		scopeJSON     []byte
		errorMessage  *string
	)

	err := row.Scan(
		&job.ID,
		&job.ProjectID,
		&job.UserID,
		&job.Kind,
		&job.Status,
		&phase,
		&phaseProgress,
		&job.Total,
		&job.Processed,
		&job.Errors,
		&scopeJSON,
		&errorMessage,
		&job.CancelRequested,
		&job.CreatedAt,
		&job.StartedAt,
		&job.LastProgressAt,
		&job.CompletedAt,
		&job.CancelledAt,
	)
	if err != nil {
		return nil, err
	}

	if phase != nil {
		job.Phase = *phase
	}
	if phaseProgress != nil {
		job.PhaseProgress = *phaseProgress
	}
	if errorMessage != nil {
		job.ErrorMessage = *errorMessage
	}
	if len(scopeJSON) > 0 {
		if err := json.Unmarshal(scopeJSON, &job.Scope); err != nil {
			return nil, fmt.Errorf("failed to unmarshal scope: %w", err)
		}
	}

	return &job, nil
}

// scanJobs scans all rows into a job slice.
func scanJobs(rows pgx.Rows) ([]*domain.Job, error) {
	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate job rows: %w", err)
	}

	return jobs, nil
}
