package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/enrichment-service/internal/domain"
	"github.com/helixir/enrichment-service/internal/observability"
	"github.com/helixir/enrichment-service/internal/repository"
)

// watchdogLockKey is the advisory lock key serializing watchdog sweeps
// across worker instances.
const watchdogLockKey int64 = 0x656e726963685744 // "enrichWD"

// AdvisoryLocker is the subset of the database the watchdog needs to
// guarantee a single sweeper.
type AdvisoryLocker interface {
	TryAcquireAdvisoryLock(ctx context.Context, key int64) (bool, error)
	ReleaseAdvisoryLock(ctx context.Context, key int64) error
}

// WatchdogConfig tunes the stuck-job watchdog.
type WatchdogConfig struct {
	// Interval is how often the watchdog sweeps.
	Interval time.Duration

	// StallThreshold marks a running job stuck when last_progress_at is
	// older than this.
	StallThreshold time.Duration

	// MaxJobDuration marks a running job stuck when started_at is older
	// than this.
	MaxJobDuration time.Duration
}

// Watchdog reclassifies jobs stuck in running to timeout. The in-process
// supervisor normally catches stalls itself; the watchdog covers jobs
// orphaned by a crashed worker, which would otherwise stay running
// forever. Reclassified jobs are not auto-requeued: re-running is safe
// (idempotent upserts) but is an operator decision.
type Watchdog struct {
	locker  AdvisoryLocker
	jobs    repository.JobRepository
	events  EventPublisher
	metrics *observability.Metrics
	logger  zerolog.Logger
	config  WatchdogConfig
}

// NewWatchdog creates a stuck-job watchdog.
func NewWatchdog(
	locker AdvisoryLocker,
	jobs repository.JobRepository,
	events EventPublisher,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	cfg WatchdogConfig,
) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}

	return &Watchdog{
		locker:  locker,
		jobs:    jobs,
		events:  events,
		metrics: metrics,
		logger:  logger.With().Str("component", "watchdog").Logger(),
		config:  cfg,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	w.logger.Info().Dur("interval", w.config.Interval).Msg("watchdog started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("watchdog stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := w.Sweep(ctx); err != nil {
				w.logger.Error().Err(err).Msg("watchdog sweep failed")
			}
		}
	}
}

// Sweep finds running jobs with stale progress and reclassifies them to
// timeout. Only one worker sweeps at a time, guarded by an advisory lock;
// a sweep that loses the lock race is skipped, not an error.
func (w *Watchdog) Sweep(ctx context.Context) error {
	acquired, err := w.locker.TryAcquireAdvisoryLock(ctx, watchdogLockKey)
	if err != nil {
		return fmt.Errorf("failed to acquire watchdog lock: %w", err)
	}
	if !acquired {
		return nil
	}
	defer func() {
		if err := w.locker.ReleaseAdvisoryLock(ctx, watchdogLockKey); err != nil {
			w.logger.Warn().Err(err).Msg("failed to release watchdog lock")
		}
	}()

	now := time.Now().UTC()
	progressCutoff := now.Add(-w.config.StallThreshold)
	startCutoff := now.Add(-w.config.MaxJobDuration)

	stuck, err := w.jobs.FindStuckRunning(ctx, progressCutoff, startCutoff)
	if err != nil {
		return fmt.Errorf("failed to find stuck jobs: %w", err)
	}

	for _, job := range stuck {
		w.reclassify(ctx, job)
	}

	return nil
}

// reclassify moves one stuck job to timeout and publishes the event.
func (w *Watchdog) reclassify(ctx context.Context, job *domain.Job) {
	logger := observability.WithJobContext(w.logger, job.ID, string(job.Kind), job.ProjectID)

	reason := domain.TimeoutReasonStall
	limit := w.config.StallThreshold
	if job.StartedAt != nil && time.Since(*job.StartedAt) > w.config.MaxJobDuration {
		reason = domain.TimeoutReasonElapsed
		limit = w.config.MaxJobDuration
	}

	timeoutErr := &domain.TimeoutError{Reason: reason, Limit: limit.String()}
	if err := w.jobs.Finalize(ctx, job.ID, domain.JobStatusTimeout, timeoutErr.Error()); err != nil {
		// Lost a race with the worker finishing the job; nothing to do.
		logger.Warn().Err(err).Msg("failed to reclassify stuck job")
		return
	}

	logger.Warn().
		Str("reason", string(reason)).
		Time("started_at", derefTime(job.StartedAt)).
		Time("last_progress_at", derefTime(job.LastProgressAt)).
		Msg("reclassified stuck running job to timeout")

	if w.metrics != nil {
		w.metrics.WatchdogReclassified.Inc()
	}

	job.Status = domain.JobStatusTimeout
	event := domain.NewJobEvent(job, domain.JobEventTimeout)
	event.TimeoutReason = reason
	if w.events != nil {
		if err := w.events.Publish(ctx, event); err != nil {
			logger.Warn().Err(err).Msg("failed to publish timeout event")
		}
	}
}

// derefTime returns the zero time for nil pointers.
func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
