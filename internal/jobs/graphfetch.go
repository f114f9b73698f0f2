package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/enrichment-service/internal/biblio"
	"github.com/helixir/enrichment-service/internal/domain"
	"github.com/helixir/enrichment-service/internal/engine"
	"github.com/helixir/enrichment-service/internal/observability"
	"github.com/helixir/enrichment-service/internal/repository"
)

// Graph fetch phase labels, surfaced on the job row and progress events.
const (
	phaseDirectRelations = "direct_relations"
	phaseMetadata        = "metadata"
	phaseCitationCounts  = "citation_counts"
	phaseDOIFallback     = "doi_fallback"
)

// GraphFetchConfig tunes the graph fetch job.
type GraphFetchConfig struct {
	// CacheTTL is how long cached graph metadata stays fresh.
	CacheTTL time.Duration

	// CitationCountCap bounds how many records get citation counts per
	// run, keeping the phase's latency predictable.
	CitationCountCap int

	// MetadataBatchSize is the sub-batch size for metadata caching and
	// citation count lookups.
	MetadataBatchSize int
}

// GraphFetchJob crawls bibliographic services to build a project's
// citation graph. Four ordered phases: direct references and citations
// from the primary source, metadata caching for newly-seen identifiers,
// citation counts from the secondary source, and a DOI fallback for
// records the primary source cannot resolve.
//
// The job counters track the record-level phases (1 and 4); the
// identifier-level phases (2 and 3) report through the phase progress
// text, keeping processed+errors within the record total.
type GraphFetchJob struct {
	records  repository.RecordRepository
	cache    repository.CacheRepository
	graph    biblio.GraphSource
	counts   biblio.CitationCountSource
	fallback biblio.ReferenceFallbackSource
	executor *engine.Executor
	metrics  *observability.Metrics
	logger   zerolog.Logger
	config   GraphFetchConfig
}

// NewGraphFetchJob creates the graph fetch job definition.
func NewGraphFetchJob(
	records repository.RecordRepository,
	cache repository.CacheRepository,
	graph biblio.GraphSource,
	counts biblio.CitationCountSource,
	fallback biblio.ReferenceFallbackSource,
	executor *engine.Executor,
	metrics *observability.Metrics,
	logger zerolog.Logger,
	cfg GraphFetchConfig,
) *GraphFetchJob {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * 24 * time.Hour
	}
	if cfg.CitationCountCap <= 0 {
		cfg.CitationCountCap = 200
	}
	if cfg.MetadataBatchSize <= 0 {
		cfg.MetadataBatchSize = 50
	}

	return &GraphFetchJob{
		records:  records,
		cache:    cache,
		graph:    graph,
		counts:   counts,
		fallback: fallback,
		executor: executor,
		metrics:  metrics,
		logger:   logger.With().Str("component", "graph_fetch_job").Logger(),
		config:   cfg,
	}
}

// Kind implements engine.JobDefinition.
func (j *GraphFetchJob) Kind() domain.JobKind {
	return domain.JobKindGraphFetch
}

// Run implements engine.JobDefinition.
func (j *GraphFetchJob) Run(ctx context.Context, job *domain.Job, sup *engine.Supervisor) error {
	workSet, err := j.selectWorkSet(ctx, job)
	if err != nil {
		return fmt.Errorf("failed to select work set: %w", err)
	}

	var primary, fallbackSet []*domain.Record
	for _, record := range workSet {
		switch {
		case record.CorpusID != "":
			primary = append(primary, record)
		case record.DOI != "" && !record.ReferencesFetched:
			fallbackSet = append(fallbackSet, record)
		}
	}

	if err := sup.SetTotal(ctx, len(primary)+len(fallbackSet)); err != nil {
		return fmt.Errorf("failed to set total: %w", err)
	}
	if len(primary) == 0 && len(fallbackSet) == 0 {
		return nil
	}

	discovered, err := j.runDirectRelations(ctx, sup, primary)
	if err != nil {
		return err
	}

	if err := j.runMetadataCaching(ctx, sup, job.ProjectID, discovered); err != nil {
		return err
	}

	if err := j.runCitationCounts(ctx, sup, primary); err != nil {
		return err
	}

	return j.runDOIFallback(ctx, sup, fallbackSet)
}

// selectWorkSet resolves the job scope to a deduplicated record list.
func (j *GraphFetchJob) selectWorkSet(ctx context.Context, job *domain.Job) ([]*domain.Record, error) {
	var (
		records []*domain.Record
		err     error
	)
	if len(job.Scope.RecordIDs) > 0 {
		records, err = j.records.ListByIDs(ctx, job.ProjectID, job.Scope.RecordIDs)
	} else {
		records, err = j.records.ListByProject(ctx, job.ProjectID, job.Scope.SelectedOnly)
	}
	if err != nil {
		return nil, err
	}

	seen := make(map[uuid.UUID]struct{}, len(records))
	var deduped []*domain.Record
	for _, record := range records {
		if _, ok := seen[record.ID]; ok {
			continue
		}
		seen[record.ID] = struct{}{}
		deduped = append(deduped, record)
	}
	return deduped, nil
}

// runDirectRelations is phase 1: fetch each primary record's references
// and citing works, store both lists, and accumulate the union of every
// newly-seen identifier for the metadata phase.
func (j *GraphFetchJob) runDirectRelations(ctx context.Context, sup *engine.Supervisor, primary []*domain.Record) ([]string, error) {
	if len(primary) == 0 {
		return nil, nil
	}

	if err := sup.Checkpoint(ctx); err != nil {
		return nil, err
	}
	if err := sup.SetPhase(ctx, phaseDirectRelations); err != nil {
		return nil, err
	}

	byID := make(map[uuid.UUID]*domain.Record, len(primary))
	items := make([]domain.WorkItem, len(primary))
	for i, record := range primary {
		byID[record.ID] = record
		items[i] = domain.WorkItem{RecordID: record.ID, Payload: record.CorpusID}
	}

	var (
		mu         sync.Mutex
		discovered = make(map[string]struct{})
	)

	hooks := engine.GroupHooks{
		BeforeGroup: sup.Checkpoint,
		AfterGroup: func(ctx context.Context, delta engine.Outcome) error {
			j.countItems(delta)
			return sup.Advance(ctx, delta.Processed, delta.Errors, "")
		},
	}

	_, err := j.executor.Run(ctx, items, hooks, func(ctx context.Context, chunk []domain.WorkItem) (int, error) {
		if j.metrics != nil {
			j.metrics.BatchesExecuted.WithLabelValues(string(domain.JobKindGraphFetch)).Inc()
		}

		processed := 0
		for _, item := range chunk {
			ids, err := j.fetchRelations(ctx, item.RecordID, item.Payload)
			if err != nil {
				j.logger.Warn().Err(err).Stringer("record_id", item.RecordID).Msg("failed to fetch relations")
				continue
			}
			mu.Lock()
			for _, id := range ids {
				discovered[id] = struct{}{}
			}
			mu.Unlock()
			processed++
		}
		return processed, nil
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(discovered))
	for id := range discovered {
		ids = append(ids, id)
	}
	return ids, nil
}

// fetchRelations resolves one record's references and citations from the
// primary source and persists both lists. Returns the related identifiers.
func (j *GraphFetchJob) fetchRelations(ctx context.Context, recordID uuid.UUID, corpusID string) ([]string, error) {
	references, err := j.graph.References(ctx, corpusID)
	if err != nil {
		return nil, fmt.Errorf("references: %w", err)
	}
	citations, err := j.graph.Citations(ctx, corpusID)
	if err != nil {
		return nil, fmt.Errorf("citations: %w", err)
	}

	referenceIDs := paperIDs(references)
	citedByIDs := paperIDs(citations)

	if err := j.records.SetReferences(ctx, recordID, referenceIDs); err != nil {
		return nil, fmt.Errorf("store references: %w", err)
	}
	if err := j.records.SetCitedBy(ctx, recordID, citedByIDs); err != nil {
		return nil, fmt.Errorf("store cited-by: %w", err)
	}

	related := make([]string, 0, len(referenceIDs)+len(citedByIDs))
	related = append(related, referenceIDs...)
	related = append(related, citedByIDs...)
	return related, nil
}

// runMetadataCaching is phase 2: batch-fetch metadata for every newly
// discovered identifier not already fresh in the cache. Provider failures
// here are absorbed; a sub-batch that fails is skipped, not fatal.
func (j *GraphFetchJob) runMetadataCaching(ctx context.Context, sup *engine.Supervisor, projectID string, discovered []string) error {
	if len(discovered) == 0 {
		return nil
	}

	if err := sup.Checkpoint(ctx); err != nil {
		return err
	}
	if err := sup.SetPhase(ctx, phaseMetadata); err != nil {
		return err
	}

	var misses []string
	for _, id := range discovered {
		_, err := j.cache.GetFresh(ctx, projectID, id, time.Now().UTC())
		if err == nil {
			if j.metrics != nil {
				j.metrics.CacheHits.Inc()
			}
			continue
		}
		if j.metrics != nil {
			j.metrics.CacheMisses.Inc()
		}
		misses = append(misses, id)
	}

	j.logger.Info().
		Int("discovered", len(discovered)).
		Int("misses", len(misses)).
		Msg("caching metadata for uncached identifiers")

	for start := 0; start < len(misses); start += j.config.MetadataBatchSize {
		if err := sup.Checkpoint(ctx); err != nil {
			return err
		}

		end := start + j.config.MetadataBatchSize
		if end > len(misses) {
			end = len(misses)
		}
		batch := misses[start:end]

		papers, err := j.graph.BatchMetadata(ctx, batch)
		if err != nil {
			j.logger.Warn().Err(err).Int("batch_size", len(batch)).Msg("metadata batch failed, skipping")
			continue
		}

		now := time.Now().UTC()
		entries := make([]*domain.GraphCacheEntry, 0, len(papers))
		for _, paper := range papers {
			entries = append(entries, &domain.GraphCacheEntry{
				Identifier: paper.ID,
				Title:      paper.Title,
				Authors:    paper.Authors,
				Year:       paper.Year,
				DOI:        paper.DOI,
				ProjectID:  projectID,
				FetchedAt:  now,
				ExpiresAt:  now.Add(j.config.CacheTTL),
			})
		}
		if len(entries) > 0 {
			if err := j.cache.UpsertMany(ctx, entries); err != nil {
				j.logger.Warn().Err(err).Msg("failed to upsert cache entries")
				continue
			}
		}

		if err := sup.Advance(ctx, 0, 0, fmt.Sprintf("cached %d of %d identifiers", end, len(misses))); err != nil {
			return err
		}
	}
	return nil
}

// runCitationCounts is phase 3: merge citation counts from the secondary
// source into a capped subset of the primary records. Unknown and zero
// counts are never written.
func (j *GraphFetchJob) runCitationCounts(ctx context.Context, sup *engine.Supervisor, primary []*domain.Record) error {
	var targets []*domain.Record
	for _, record := range primary {
		if record.DOI == "" {
			continue
		}
		targets = append(targets, record)
		if len(targets) == j.config.CitationCountCap {
			break
		}
	}
	if len(targets) == 0 {
		return nil
	}

	if err := sup.Checkpoint(ctx); err != nil {
		return err
	}
	if err := sup.SetPhase(ctx, phaseCitationCounts); err != nil {
		return err
	}

	for start := 0; start < len(targets); start += j.config.MetadataBatchSize {
		if err := sup.Checkpoint(ctx); err != nil {
			return err
		}

		end := start + j.config.MetadataBatchSize
		if end > len(targets) {
			end = len(targets)
		}
		batch := targets[start:end]

		dois := make([]string, len(batch))
		for i, record := range batch {
			dois[i] = record.DOI
		}

		counts, err := j.counts.CitationCountsByDOI(ctx, dois)
		if err != nil {
			j.logger.Warn().Err(err).Int("batch_size", len(batch)).Msg("citation count batch failed, skipping")
			continue
		}

		for _, record := range batch {
			count, ok := counts[normalizeDOI(record.DOI)]
			if !ok || count <= 0 {
				continue
			}
			if err := j.records.UpdateCitationCount(ctx, record.ID, count); err != nil {
				j.logger.Warn().Err(err).Stringer("record_id", record.ID).Msg("failed to update citation count")
			}
		}

		if err := sup.Advance(ctx, 0, 0, fmt.Sprintf("counted %d of %d records", end, len(targets))); err != nil {
			return err
		}
	}
	return nil
}

// runDOIFallback is phase 4: records the primary source cannot resolve
// get their references from the tertiary DOI provider, written in the
// same shape as phase 1 output.
func (j *GraphFetchJob) runDOIFallback(ctx context.Context, sup *engine.Supervisor, fallbackSet []*domain.Record) error {
	if len(fallbackSet) == 0 {
		return nil
	}

	if err := sup.Checkpoint(ctx); err != nil {
		return err
	}
	if err := sup.SetPhase(ctx, phaseDOIFallback); err != nil {
		return err
	}

	items := make([]domain.WorkItem, len(fallbackSet))
	for i, record := range fallbackSet {
		items[i] = domain.WorkItem{RecordID: record.ID, Payload: record.DOI}
	}

	hooks := engine.GroupHooks{
		BeforeGroup: sup.Checkpoint,
		AfterGroup: func(ctx context.Context, delta engine.Outcome) error {
			j.countItems(delta)
			return sup.Advance(ctx, delta.Processed, delta.Errors, "")
		},
	}

	_, err := j.executor.Run(ctx, items, hooks, func(ctx context.Context, chunk []domain.WorkItem) (int, error) {
		processed := 0
		for _, item := range chunk {
			referenceDOIs, err := j.fallback.ReferenceDOIs(ctx, item.Payload)
			if err != nil {
				j.logger.Warn().Err(err).Stringer("record_id", item.RecordID).Msg("doi fallback lookup failed")
				continue
			}
			if err := j.records.SetReferences(ctx, item.RecordID, referenceDOIs); err != nil {
				j.logger.Warn().Err(err).Stringer("record_id", item.RecordID).Msg("failed to store fallback references")
				continue
			}
			processed++
		}
		return processed, nil
	})
	return err
}

// countItems feeds a group's counter deltas into the item metrics.
func (j *GraphFetchJob) countItems(delta engine.Outcome) {
	if j.metrics == nil {
		return
	}
	kind := string(domain.JobKindGraphFetch)
	j.metrics.ItemsProcessed.WithLabelValues(kind).Add(float64(delta.Processed))
	j.metrics.ItemsErrored.WithLabelValues(kind).Add(float64(delta.Errors))
}

// paperIDs extracts the non-empty identifiers from paper metadata.
func paperIDs(papers []biblio.PaperMetadata) []string {
	ids := make([]string, 0, len(papers))
	for _, paper := range papers {
		if paper.ID != "" {
			ids = append(ids, paper.ID)
		}
	}
	return ids
}

// normalizeDOI lowercases a DOI and strips the resolver prefix, matching
// the key normalization of the citation-count source.
func normalizeDOI(doi string) string {
	doi = strings.TrimSpace(doi)
	doi = strings.TrimPrefix(doi, "https://doi.org/")
	doi = strings.TrimPrefix(doi, "http://doi.org/")
	return strings.ToLower(doi)
}
