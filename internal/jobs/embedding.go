// Package jobs contains the enrichment job definitions: the single-phase
// embedding job and the four-phase citation graph fetch job. Both are
// built on the engine's executor and supervisor; this package only
// contributes work-set selection, external calls, and result writes.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/enrichment-service/internal/domain"
	"github.com/helixir/enrichment-service/internal/embed"
	"github.com/helixir/enrichment-service/internal/engine"
	"github.com/helixir/enrichment-service/internal/observability"
	"github.com/helixir/enrichment-service/internal/repository"
)

const phaseEmbedding = "embedding"

// EmbeddingJob generates vector embeddings for a project's records.
// Single phase: select records without a current embedding, batch their
// derived text through the provider, upsert the vectors.
type EmbeddingJob struct {
	records  repository.RecordRepository
	embedder embed.Embedder
	executor *engine.Executor
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

// NewEmbeddingJob creates the embedding job definition.
func NewEmbeddingJob(
	records repository.RecordRepository,
	embedder embed.Embedder,
	executor *engine.Executor,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *EmbeddingJob {
	return &EmbeddingJob{
		records:  records,
		embedder: embedder,
		executor: executor,
		metrics:  metrics,
		logger:   logger.With().Str("component", "embedding_job").Logger(),
	}
}

// Kind implements engine.JobDefinition.
func (j *EmbeddingJob) Kind() domain.JobKind {
	return domain.JobKindEmbedding
}

// Run implements engine.JobDefinition.
func (j *EmbeddingJob) Run(ctx context.Context, job *domain.Job, sup *engine.Supervisor) error {
	candidates, err := j.selectWorkSet(ctx, job)
	if err != nil {
		return fmt.Errorf("failed to select work set: %w", err)
	}

	// Records with nothing to embed can never succeed; they are counted
	// as errors up front and never sent to the provider.
	var (
		items []domain.WorkItem
		empty int
	)
	for _, record := range candidates {
		text := record.EmbeddingText()
		if text == "" {
			empty++
			continue
		}
		items = append(items, domain.WorkItem{RecordID: record.ID, Payload: text})
	}

	if err := sup.SetTotal(ctx, len(items)+empty); err != nil {
		return fmt.Errorf("failed to set total: %w", err)
	}
	if empty > 0 {
		j.logger.Warn().Int("count", empty).Msg("records with empty embedding text counted as errors")
		if err := sup.Advance(ctx, 0, empty, ""); err != nil {
			return err
		}
	}
	if len(items) == 0 {
		return nil
	}

	if err := sup.Checkpoint(ctx); err != nil {
		return err
	}
	if err := sup.SetPhase(ctx, phaseEmbedding); err != nil {
		return err
	}

	// Missing credentials are structural, not a batch hiccup: the chunk
	// that hits one records it here and the next group hook aborts the
	// whole job.
	var (
		fatalMu sync.Mutex
		fatal   error
	)
	hooks := engine.GroupHooks{
		BeforeGroup: sup.Checkpoint,
		AfterGroup: func(ctx context.Context, delta engine.Outcome) error {
			fatalMu.Lock()
			failErr := fatal
			fatalMu.Unlock()
			if failErr != nil {
				return failErr
			}
			j.countItems(delta)
			return sup.Advance(ctx, delta.Processed, delta.Errors, "")
		},
	}

	_, err = j.executor.Run(ctx, items, hooks, func(ctx context.Context, chunk []domain.WorkItem) (int, error) {
		processed, chunkErr := j.embedChunk(ctx, chunk)
		if errors.Is(chunkErr, domain.ErrMissingCredential) {
			fatalMu.Lock()
			fatal = chunkErr
			fatalMu.Unlock()
		}
		return processed, chunkErr
	})
	return err
}

// selectWorkSet resolves the job scope to records still needing an
// embedding. An explicit id list wins over project-wide scope; the
// reference and cited-by closures extend the base set through records
// matched by bibliographic identifier.
func (j *EmbeddingJob) selectWorkSet(ctx context.Context, job *domain.Job) ([]*domain.Record, error) {
	var (
		base []*domain.Record
		err  error
	)
	if len(job.Scope.RecordIDs) > 0 {
		base, err = j.records.ListByIDs(ctx, job.ProjectID, job.Scope.RecordIDs)
	} else {
		base, err = j.records.ListByProject(ctx, job.ProjectID, false)
	}
	if err != nil {
		return nil, err
	}

	all := base
	if job.Scope.IncludeReferences || job.Scope.IncludeCitedBy {
		neighborIDs := make(map[string]struct{})
		for _, record := range base {
			if job.Scope.IncludeReferences {
				for _, id := range record.ReferenceIDs {
					neighborIDs[id] = struct{}{}
				}
			}
			if job.Scope.IncludeCitedBy {
				for _, id := range record.CitedByIDs {
					neighborIDs[id] = struct{}{}
				}
			}
		}
		if len(neighborIDs) > 0 {
			corpusIDs := make([]string, 0, len(neighborIDs))
			for id := range neighborIDs {
				corpusIDs = append(corpusIDs, id)
			}
			neighbors, err := j.records.ListByCorpusIDs(ctx, job.ProjectID, corpusIDs)
			if err != nil {
				return nil, err
			}
			all = append(all, neighbors...)
		}
	}

	// Dedupe by record id and drop records that already have a current
	// embedding; an unchanged record set re-runs with total 0.
	seen := make(map[uuid.UUID]struct{}, len(all))
	var candidates []*domain.Record
	for _, record := range all {
		if _, ok := seen[record.ID]; ok {
			continue
		}
		seen[record.ID] = struct{}{}
		if record.EmbeddingReady {
			continue
		}
		candidates = append(candidates, record)
	}
	return candidates, nil
}

// embedChunk sends one chunk to the provider and persists each returned
// vector. Item writes that fail drop that item from the processed count;
// the executor books the remainder as errors.
func (j *EmbeddingJob) embedChunk(ctx context.Context, chunk []domain.WorkItem) (int, error) {
	if j.metrics != nil {
		j.metrics.BatchesExecuted.WithLabelValues(string(domain.JobKindEmbedding)).Inc()
	}

	texts := make([]string, len(chunk))
	for i, item := range chunk {
		texts[i] = item.Payload
	}

	vectors, err := j.embedder.Embed(ctx, texts)
	if err != nil {
		if j.metrics != nil {
			j.metrics.BatchesFailed.WithLabelValues(string(domain.JobKindEmbedding)).Inc()
		}
		return 0, err
	}
	if len(vectors) != len(chunk) {
		return 0, fmt.Errorf("provider returned %d vectors for %d inputs", len(vectors), len(chunk))
	}

	processed := 0
	for i, item := range chunk {
		result := &domain.EnrichmentResult{
			RecordID: item.RecordID,
			Model:    j.embedder.Model(),
			Vector:   vectors[i],
		}
		if err := j.records.SaveEmbedding(ctx, result); err != nil {
			j.logger.Warn().Err(err).Stringer("record_id", item.RecordID).Msg("failed to save embedding")
			continue
		}
		if err := j.records.MarkEmbeddingReady(ctx, item.RecordID); err != nil {
			j.logger.Warn().Err(err).Stringer("record_id", item.RecordID).Msg("failed to mark embedding ready")
			continue
		}
		processed++
	}
	return processed, nil
}

// countItems feeds a group's counter deltas into the item metrics.
func (j *EmbeddingJob) countItems(delta engine.Outcome) {
	if j.metrics == nil {
		return
	}
	kind := string(domain.JobKindEmbedding)
	j.metrics.ItemsProcessed.WithLabelValues(kind).Add(float64(delta.Processed))
	j.metrics.ItemsErrored.WithLabelValues(kind).Add(float64(delta.Errors))
}
