package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/enrichment-service/internal/domain"
	"github.com/helixir/enrichment-service/internal/observability"
	"github.com/helixir/enrichment-service/internal/repository"
)

// EventPublisher publishes job events to the per-project event channel.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.JobEvent) error
}

// SupervisorConfig tunes the progress and cancellation supervisor.
type SupervisorConfig struct {
	// MaxJobDuration is the hard ceiling measured from job start.
	MaxJobDuration time.Duration

	// StallThreshold is the stall ceiling measured from the last
	// successful progress persist.
	StallThreshold time.Duration

	// ProgressEvery is the number of accumulated items between progress
	// persists, bounding write volume.
	ProgressEvery int
}

// Supervisor tracks one running job: it persists counters on a cadence,
// publishes progress events, polls the cancellation flag, and enforces
// the two independent time budgets. Checkpoint is cheap (one point read)
// because it runs at every group boundary.
//
// Safe for concurrent use; the executor's hooks call it from the
// orchestrating goroutine but jobs may also advance it from phase loops.
type Supervisor struct {
	jobs    repository.JobRepository
	events  EventPublisher
	metrics *observability.Metrics
	logger  zerolog.Logger
	config  SupervisorConfig

	mu          sync.Mutex
	job         *domain.Job
	startedAt   time.Time
	lastPersist time.Time
	sinceFlush  int
	phase       string
	phaseDetail string
}

// NewSupervisor creates a supervisor for a job that has just been marked
// running. Both time budgets start now.
func NewSupervisor(
	jobs repository.JobRepository,
	events EventPublisher,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	cfg SupervisorConfig,
	job *domain.Job,
) *Supervisor {
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 25
	}

	now := time.Now().UTC()
	startedAt := now
	if job.StartedAt != nil {
		startedAt = *job.StartedAt
	}

	return &Supervisor{
		jobs:        jobs,
		events:      events,
		metrics:     metrics,
		logger:      observability.WithJobContext(logger, job.ID, string(job.Kind), job.ProjectID),
		config:      cfg,
		job:         job,
		startedAt:   startedAt,
		lastPersist: now,
		phase:       job.Phase,
	}
}

// Checkpoint evaluates cancellation and both time budgets. It returns
// domain.ErrCancelled when cancellation was requested, a TimeoutError
// when a time budget expired, and nil when the job may continue.
func (s *Supervisor) Checkpoint(ctx context.Context) error {
	s.mu.Lock()
	startedAt := s.startedAt
	lastPersist := s.lastPersist
	jobID := s.job.ID
	s.mu.Unlock()

	now := time.Now().UTC()
	if s.config.MaxJobDuration > 0 && now.Sub(startedAt) > s.config.MaxJobDuration {
		return &domain.TimeoutError{
			Reason: domain.TimeoutReasonElapsed,
			Limit:  s.config.MaxJobDuration.String(),
		}
	}
	if s.config.StallThreshold > 0 && now.Sub(lastPersist) > s.config.StallThreshold {
		return &domain.TimeoutError{
			Reason: domain.TimeoutReasonStall,
			Limit:  s.config.StallThreshold.String(),
		}
	}

	cancelRequested, err := s.jobs.CancelRequested(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to read cancellation flag: %w", err)
	}
	if cancelRequested {
		return domain.ErrCancelled
	}

	return nil
}

// SetTotal records the resolved work-set size on the job row.
func (s *Supervisor) SetTotal(ctx context.Context, total int) error {
	s.mu.Lock()
	s.job.Total = total
	s.lastPersist = time.Now().UTC()
	jobID := s.job.ID
	s.mu.Unlock()

	return s.jobs.SetTotal(ctx, jobID, total)
}

// SetPhase switches the active phase label and persists immediately, so
// observers see phase boundaries even between progress cadences.
func (s *Supervisor) SetPhase(ctx context.Context, phase string) error {
	s.mu.Lock()
	s.phase = phase
	s.phaseDetail = ""
	s.job.Phase = phase
	s.job.PhaseProgress = ""
	s.mu.Unlock()

	s.logger.Info().Str("phase", phase).Msg("phase started")
	return s.Flush(ctx)
}

// Advance accumulates counter deltas and free-text phase progress. Once
// ProgressEvery items have accumulated since the last persist, the state
// is flushed. Persist failures surface to the caller: a job that cannot
// record progress must not keep burning external quota.
func (s *Supervisor) Advance(ctx context.Context, processedDelta, errorsDelta int, phaseDetail string) error {
	s.mu.Lock()
	s.job.Processed += processedDelta
	s.job.Errors += errorsDelta
	s.sinceFlush += processedDelta + errorsDelta
	if phaseDetail != "" {
		s.phaseDetail = phaseDetail
		s.job.PhaseProgress = phaseDetail
	}
	flush := s.sinceFlush >= s.config.ProgressEvery
	s.mu.Unlock()

	if !flush {
		return nil
	}
	return s.Flush(ctx)
}

// Flush persists the counters and phase labels and publishes a progress
// event. A successful persist resets the stall clock; the event publish
// is best-effort.
func (s *Supervisor) Flush(ctx context.Context) error {
	s.mu.Lock()
	snapshot := *s.job
	phase := s.phase
	phaseDetail := s.phaseDetail
	s.mu.Unlock()

	err := s.jobs.UpdateProgress(ctx, snapshot.ID, snapshot.Processed, snapshot.Errors, phase, phaseDetail)
	if err != nil {
		return fmt.Errorf("failed to persist progress: %w", err)
	}

	s.mu.Lock()
	s.lastPersist = time.Now().UTC()
	s.sinceFlush = 0
	s.mu.Unlock()

	s.publish(ctx, domain.NewJobEvent(&snapshot, domain.JobEventProgress))
	return nil
}

// Counters returns the current processed and error counts.
func (s *Supervisor) Counters() (processed, errCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job.Processed, s.job.Errors
}

// Snapshot returns a copy of the tracked job state.
func (s *Supervisor) Snapshot() domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.job
}

// publish sends an event to the project channel. Publish failures are
// logged and dropped: observers losing one tick never fails a job.
func (s *Supervisor) publish(ctx context.Context, event domain.JobEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("event_type", string(event.Type)).Msg("failed to publish job event")
		return
	}
	if s.metrics != nil {
		s.metrics.ProgressEventsPublished.WithLabelValues(string(event.Type)).Inc()
	}
}
