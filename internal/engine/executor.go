// Package engine provides the shared orchestration primitives of the
// enrichment job engine: the bounded-concurrency batch executor, the
// progress and cancellation supervisor, the job runner, and the stuck-job
// watchdog.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/enrichment-service/internal/domain"
)

// ExecutorConfig tunes the batch executor.
type ExecutorConfig struct {
	// BatchSize is the maximum number of work items per chunk.
	BatchSize int

	// Concurrency is the maximum number of chunks in flight at once.
	Concurrency int

	// GroupDelay is the pause between concurrent chunk groups. Skipped
	// after the final group.
	GroupDelay time.Duration

	// StaggerOffset spreads chunk starts within a group so a group of K
	// chunks does not hit the provider as a single burst.
	StaggerOffset time.Duration
}

// Outcome is the executor's aggregate bookkeeping for a run or a group.
type Outcome struct {
	Processed int
	Errors    int
}

// add merges another outcome into this one.
func (o *Outcome) add(other Outcome) {
	o.Processed += other.Processed
	o.Errors += other.Errors
}

// ChunkFunc processes one chunk of work items against an external
// provider and returns how many items succeeded. A returned error counts
// the whole chunk toward the error counter; the run continues.
type ChunkFunc func(ctx context.Context, chunk []domain.WorkItem) (int, error)

// GroupHooks are the executor's checkpoints. BeforeGroup runs before each
// concurrent group starts, AfterGroup after it drains with the group's
// counter deltas. A non-nil error from either stops the run and is
// returned to the caller; chunk failures never reach these hooks.
type GroupHooks struct {
	BeforeGroup func(ctx context.Context) error
	AfterGroup  func(ctx context.Context, delta Outcome) error
}

// Executor splits an ordered work list into chunks and runs them in
// bounded concurrent groups. Chunk failures are absorbed into the error
// count: one provider hiccup never aborts the job.
type Executor struct {
	config ExecutorConfig
	logger zerolog.Logger
}

// NewExecutor creates a batch executor.
func NewExecutor(cfg ExecutorConfig, logger zerolog.Logger) *Executor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}

	return &Executor{
		config: cfg,
		logger: logger.With().Str("component", "executor").Logger(),
	}
}

// Run processes items in chunks of at most BatchSize, up to Concurrency
// chunks at a time. Within a group, chunk starts are staggered by
// StaggerOffset; after a group drains, the executor waits GroupDelay
// before the next group (skipped for the last). It returns aggregate
// counts for the whole call; deciding job-level failure is the caller's
// business.
func (e *Executor) Run(ctx context.Context, items []domain.WorkItem, hooks GroupHooks, fn ChunkFunc) (Outcome, error) {
	var total Outcome
	if len(items) == 0 {
		return total, nil
	}

	chunks := chunkItems(items, e.config.BatchSize)
	groups := (len(chunks) + e.config.Concurrency - 1) / e.config.Concurrency

	for g := 0; g < groups; g++ {
		start := g * e.config.Concurrency
		end := start + e.config.Concurrency
		if end > len(chunks) {
			end = len(chunks)
		}
		group := chunks[start:end]

		if hooks.BeforeGroup != nil {
			if err := hooks.BeforeGroup(ctx); err != nil {
				return total, err
			}
		}

		delta := e.runGroup(ctx, group, fn)
		total.add(delta)

		if hooks.AfterGroup != nil {
			if err := hooks.AfterGroup(ctx, delta); err != nil {
				return total, err
			}
		}

		if g < groups-1 && e.config.GroupDelay > 0 {
			if err := sleepCtx(ctx, e.config.GroupDelay); err != nil {
				return total, err
			}
		}
	}

	return total, nil
}

// runGroup runs one group of chunks concurrently and returns its counter
// deltas. Every chunk outcome is independent.
func (e *Executor) runGroup(ctx context.Context, group [][]domain.WorkItem, fn ChunkFunc) Outcome {
	var (
		mu    sync.Mutex
		delta Outcome
		wg    sync.WaitGroup
	)

	for i, chunk := range group {
		wg.Add(1)
		go func(offset int, chunk []domain.WorkItem) {
			defer wg.Done()

			if offset > 0 && e.config.StaggerOffset > 0 {
				if err := sleepCtx(ctx, time.Duration(offset)*e.config.StaggerOffset); err != nil {
					mu.Lock()
					delta.Errors += len(chunk)
					mu.Unlock()
					return
				}
			}

			processed, err := fn(ctx, chunk)
			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				e.logger.Warn().
					Err(domain.NewBatchError(len(chunk), err)).
					Int("batch_size", len(chunk)).
					Msg("batch failed, counting items as errors")
				delta.Errors += len(chunk)
				return
			}

			if processed > len(chunk) {
				processed = len(chunk)
			}
			delta.Processed += processed
			delta.Errors += len(chunk) - processed
		}(i, chunk)
	}

	wg.Wait()
	return delta
}

// chunkItems splits items into order-preserving chunks of at most size.
func chunkItems(items []domain.WorkItem, size int) [][]domain.WorkItem {
	var chunks [][]domain.WorkItem
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

// sleepCtx waits for d, respecting context cancellation.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
