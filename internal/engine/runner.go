package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/enrichment-service/internal/domain"
	"github.com/helixir/enrichment-service/internal/observability"
	"github.com/helixir/enrichment-service/internal/repository"
)

// JobDefinition is one enrichment pipeline. The runner owns the job
// lifecycle; definitions only do the work, reporting through the
// supervisor and returning an error classified by the taxonomy:
// nil → completed, domain.ErrCancelled → cancelled, a TimeoutError →
// timeout, anything else → failed.
type JobDefinition interface {
	Kind() domain.JobKind
	Run(ctx context.Context, job *domain.Job, sup *Supervisor) error
}

// RunnerConfig tunes the job runner and the supervisors it creates.
type RunnerConfig struct {
	// MaxJobDuration is the hard ceiling on total job runtime.
	MaxJobDuration time.Duration

	// StallThreshold is the maximum time between progress persists.
	StallThreshold time.Duration

	// ProgressEvery is the progress persist cadence in items.
	ProgressEvery int
}

// Runner is the job orchestrator: it drives the lifecycle state machine
// around a JobDefinition, finalizing the job row and publishing the
// terminal event.
type Runner struct {
	jobs        repository.JobRepository
	events      EventPublisher
	metrics     *observability.Metrics
	logger      zerolog.Logger
	config      RunnerConfig
	definitions map[domain.JobKind]JobDefinition
}

// NewRunner creates a job runner. Definitions are registered separately.
func NewRunner(
	jobs repository.JobRepository,
	events EventPublisher,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	cfg RunnerConfig,
) *Runner {
	return &Runner{
		jobs:        jobs,
		events:      events,
		metrics:     metrics,
		logger:      logger.With().Str("component", "runner").Logger(),
		config:      cfg,
		definitions: make(map[domain.JobKind]JobDefinition),
	}
}

// Register adds a job definition for its kind.
func (r *Runner) Register(def JobDefinition) {
	r.definitions[def.Kind()] = def
}

// Execute runs one dispatched job to a terminal state. Dispatch is
// at-least-once, so a job already terminal (or already claimed by a
// concurrent delivery) is skipped without error.
func (r *Runner) Execute(ctx context.Context, jobID uuid.UUID) error {
	job, err := r.jobs.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}

	logger := observability.WithJobContext(r.logger, job.ID, string(job.Kind), job.ProjectID)

	if job.Status.IsTerminal() {
		logger.Info().Str("status", string(job.Status)).Msg("skipping redelivered job in terminal state")
		return nil
	}

	def, ok := r.definitions[job.Kind]
	if !ok {
		logger.Error().Msg("no definition registered for job kind")
		if _, err := r.jobs.MarkRunning(ctx, jobID); err != nil {
			return fmt.Errorf("failed to claim job: %w", err)
		}
		return r.finalize(ctx, job, logger, fmt.Errorf("no definition registered for kind %q", job.Kind))
	}

	job, err = r.jobs.MarkRunning(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobConflict) {
			logger.Warn().Msg("job no longer queued, skipping")
			return nil
		}
		return fmt.Errorf("failed to claim job: %w", err)
	}

	logger.Info().Msg("job started")
	if r.metrics != nil {
		r.metrics.JobsStarted.WithLabelValues(string(job.Kind)).Inc()
	}

	sup := NewSupervisor(r.jobs, r.events, r.metrics, r.logger, SupervisorConfig{
		MaxJobDuration: r.config.MaxJobDuration,
		StallThreshold: r.config.StallThreshold,
		ProgressEvery:  r.config.ProgressEvery,
	}, job)

	runErr := def.Run(ctx, job, sup)

	// Persist whatever counters the run accumulated before finalizing.
	// The job row is still running here, so a failed flush only costs
	// the last partial cadence.
	if err := sup.Flush(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to flush final progress")
	}

	snapshot := sup.Snapshot()
	return r.finalize(ctx, &snapshot, logger, runErr)
}

// finalize classifies the run error per the error taxonomy, moves the
// job to its terminal state, and publishes the terminal event.
func (r *Runner) finalize(ctx context.Context, job *domain.Job, logger zerolog.Logger, runErr error) error {
	var (
		status    domain.JobStatus
		eventType domain.JobEventType
		message   string
		reason    domain.TimeoutReason
	)

	var timeoutErr *domain.TimeoutError
	switch {
	case runErr == nil:
		status = domain.JobStatusCompleted
		eventType = domain.JobEventCompleted
	case errors.Is(runErr, domain.ErrCancelled):
		status = domain.JobStatusCancelled
		eventType = domain.JobEventCancelled
	case errors.As(runErr, &timeoutErr):
		status = domain.JobStatusTimeout
		eventType = domain.JobEventTimeout
		message = timeoutErr.Error()
		reason = timeoutErr.Reason
	case errors.Is(runErr, domain.ErrJobTimeout):
		status = domain.JobStatusTimeout
		eventType = domain.JobEventTimeout
		message = runErr.Error()
	default:
		status = domain.JobStatusFailed
		eventType = domain.JobEventFailed
		message = runErr.Error()
	}

	if err := r.jobs.Finalize(ctx, job.ID, status, message); err != nil {
		return fmt.Errorf("failed to finalize job as %s: %w", status, err)
	}

	job.Status = status
	job.ErrorMessage = message

	logger.Info().
		Str("status", string(status)).
		Int("processed", job.Processed).
		Int("errors", job.Errors).
		Int("total", job.Total).
		Msg("job finished")

	if r.metrics != nil {
		r.metrics.JobsCompleted.WithLabelValues(string(job.Kind), string(status)).Inc()
		r.metrics.JobDuration.WithLabelValues(string(job.Kind)).Observe(job.Duration().Seconds())
	}

	event := domain.NewJobEvent(job, eventType)
	event.TimeoutReason = reason
	r.publish(ctx, logger, event)

	return nil
}

// publish sends a terminal event, best-effort.
func (r *Runner) publish(ctx context.Context, logger zerolog.Logger, event domain.JobEvent) {
	if r.events == nil {
		return
	}
	if err := r.events.Publish(ctx, event); err != nil {
		logger.Warn().Err(err).Str("event_type", string(event.Type)).Msg("failed to publish job event")
		return
	}
	if r.metrics != nil {
		r.metrics.ProgressEventsPublished.WithLabelValues(string(event.Type)).Inc()
	}
}
