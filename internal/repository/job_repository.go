package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/helixir/enrichment-service/internal/domain"
)

// JobRepository manages the lifecycle of enrichment job rows. Status
// transitions are guarded at the SQL level so concurrent workers and the
// request layer cannot move a job out of a terminal state.
type JobRepository interface {
	// Create inserts a new queued job.
	Create(ctx context.Context, job *domain.Job) error

	// GetByID retrieves a job by its UUID.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Job, error)

	// FindActive returns the active (queued or running) job of the given
	// kind for a project, or domain.ErrNotFound when none exists.
	FindActive(ctx context.Context, projectID string, kind domain.JobKind) (*domain.Job, error)

	// ListByProject returns a project's jobs, newest first.
	ListByProject(ctx context.Context, projectID string, limit, offset int) ([]*domain.Job, error)

	// MarkRunning transitions a queued job to running and stamps
	// started_at. Returns domain.ErrJobConflict when the job is no
	// longer queued.
	MarkRunning(ctx context.Context, id uuid.UUID) (*domain.Job, error)

	// SetTotal records the size of the resolved work set.
	SetTotal(ctx context.Context, id uuid.UUID, total int) error

	// UpdateProgress persists the counters and phase labels, and stamps
	// last_progress_at. Every persist resets the stall clock.
	UpdateProgress(ctx context.Context, id uuid.UUID, processed, errors int, phase, phaseProgress string) error

	// Finalize transitions a running job to the given terminal status.
	// Returns domain.ErrJobConflict when the job is not running.
	Finalize(ctx context.Context, id uuid.UUID, status domain.JobStatus, errorMessage string) error

	// RequestCancel asks a job to stop. A queued job is cancelled
	// immediately; a running job gets its cancel flag set and stops
	// cooperatively at the next checkpoint. Returns the status after the
	// update, or domain.ErrJobConflict when the job is already terminal.
	RequestCancel(ctx context.Context, id uuid.UUID) (domain.JobStatus, error)

	// CancelRequested reports whether cancellation has been requested.
	CancelRequested(ctx context.Context, id uuid.UUID) (bool, error)

	// FindStuckRunning returns running jobs whose last progress persist is
	// older than progressCutoff or whose start is older than startCutoff.
	// The watchdog uses this to reclassify jobs orphaned by crashed workers.
	FindStuckRunning(ctx context.Context, progressCutoff, startCutoff time.Time) ([]*domain.Job, error)
}
