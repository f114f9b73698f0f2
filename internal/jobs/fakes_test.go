package jobs

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/helixir/enrichment-service/internal/biblio"
	"github.com/helixir/enrichment-service/internal/domain"
	"github.com/helixir/enrichment-service/internal/engine"
	"github.com/helixir/enrichment-service/internal/repository"
)

// fakeJobRepo is a minimal in-memory JobRepository backing the supervisor
// in job definition tests.
type fakeJobRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*domain.Job
}

var _ repository.JobRepository = (*fakeJobRepo)(nil)

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: make(map[uuid.UUID]*domain.Job)}
}

func (r *fakeJobRepo) get(id uuid.UUID) *domain.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok {
		clone := *job
		return &clone
	}
	return nil
}

func (r *fakeJobRepo) Create(ctx context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *job
	r.jobs[job.ID] = &clone
	return nil
}

func (r *fakeJobRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	if job := r.get(id); job != nil {
		return job, nil
	}
	return nil, domain.NewNotFoundError("job", id.String())
}

func (r *fakeJobRepo) FindActive(ctx context.Context, projectID string, kind domain.JobKind) (*domain.Job, error) {
	return nil, domain.ErrNotFound
}

func (r *fakeJobRepo) ListByProject(ctx context.Context, projectID string, limit, offset int) ([]*domain.Job, error) {
	return nil, nil
}

func (r *fakeJobRepo) MarkRunning(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, domain.NewNotFoundError("job", id.String())
	}
	if job.Status != domain.JobStatusQueued {
		return nil, fmt.Errorf("job is %s: %w", job.Status, domain.ErrJobConflict)
	}
	now := time.Now().UTC()
	job.Status = domain.JobStatusRunning
	job.StartedAt = &now
	clone := *job
	return &clone, nil
}

func (r *fakeJobRepo) SetTotal(ctx context.Context, id uuid.UUID, total int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok {
		job.Total = total
	}
	return nil
}

func (r *fakeJobRepo) UpdateProgress(ctx context.Context, id uuid.UUID, processed, errCount int, phase, phaseProgress string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return domain.NewNotFoundError("job", id.String())
	}
	now := time.Now().UTC()
	job.Processed = processed
	job.Errors = errCount
	job.Phase = phase
	job.PhaseProgress = phaseProgress
	job.LastProgressAt = &now
	return nil
}

func (r *fakeJobRepo) Finalize(ctx context.Context, id uuid.UUID, status domain.JobStatus, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok {
		job.Status = status
		job.ErrorMessage = errorMessage
	}
	return nil
}

func (r *fakeJobRepo) RequestCancel(ctx context.Context, id uuid.UUID) (domain.JobStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return "", domain.NewNotFoundError("job", id.String())
	}
	job.CancelRequested = true
	return job.Status, nil
}

func (r *fakeJobRepo) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return false, domain.NewNotFoundError("job", id.String())
	}
	return job.CancelRequested, nil
}

func (r *fakeJobRepo) FindStuckRunning(ctx context.Context, progressCutoff, startCutoff time.Time) ([]*domain.Job, error) {
	return nil, nil
}

// fakeRecordRepo is an in-memory RecordRepository.
type fakeRecordRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]*domain.Record

	embeddings    map[uuid.UUID]map[string][]float32
	corpusQueries [][]string

	saveEmbeddingErr error
}

var _ repository.RecordRepository = (*fakeRecordRepo)(nil)

func newFakeRecordRepo(records ...*domain.Record) *fakeRecordRepo {
	repo := &fakeRecordRepo{
		records:    make(map[uuid.UUID]*domain.Record),
		embeddings: make(map[uuid.UUID]map[string][]float32),
	}
	for _, record := range records {
		clone := *record
		repo.records[record.ID] = &clone
	}
	return repo
}

func (r *fakeRecordRepo) get(id uuid.UUID) *domain.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if record, ok := r.records[id]; ok {
		clone := *record
		return &clone
	}
	return nil
}

func (r *fakeRecordRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Record, error) {
	if record := r.get(id); record != nil {
		return record, nil
	}
	return nil, domain.NewNotFoundError("record", id.String())
}

func (r *fakeRecordRepo) ListByProject(ctx context.Context, projectID string, selectedOnly bool) ([]*domain.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Record
	for _, record := range r.records {
		if record.ProjectID != projectID {
			continue
		}
		if selectedOnly && !record.Selected {
			continue
		}
		clone := *record
		out = append(out, &clone)
	}
	return out, nil
}

func (r *fakeRecordRepo) ListByIDs(ctx context.Context, projectID string, ids []uuid.UUID) ([]*domain.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Record
	for _, id := range ids {
		if record, ok := r.records[id]; ok && record.ProjectID == projectID {
			clone := *record
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (r *fakeRecordRepo) ListByCorpusIDs(ctx context.Context, projectID string, corpusIDs []string) ([]*domain.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.corpusQueries = append(r.corpusQueries, corpusIDs)

	wanted := make(map[string]struct{}, len(corpusIDs))
	for _, id := range corpusIDs {
		wanted[id] = struct{}{}
	}
	var out []*domain.Record
	for _, record := range r.records {
		if record.ProjectID != projectID {
			continue
		}
		if _, ok := wanted[record.CorpusID]; ok {
			clone := *record
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (r *fakeRecordRepo) SetReferences(ctx context.Context, id uuid.UUID, referenceIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[id]
	if !ok {
		return domain.NewNotFoundError("record", id.String())
	}
	record.ReferenceIDs = referenceIDs
	record.ReferencesFetched = true
	return nil
}

func (r *fakeRecordRepo) SetCitedBy(ctx context.Context, id uuid.UUID, citedByIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[id]
	if !ok {
		return domain.NewNotFoundError("record", id.String())
	}
	record.CitedByIDs = citedByIDs
	return nil
}

func (r *fakeRecordRepo) UpdateCitationCount(ctx context.Context, id uuid.UUID, count int) error {
	if count <= 0 {
		return domain.NewValidationError("count", "must be positive")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[id]
	if !ok {
		return domain.NewNotFoundError("record", id.String())
	}
	record.CitationCount = count
	return nil
}

func (r *fakeRecordRepo) SaveEmbedding(ctx context.Context, result *domain.EnrichmentResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveEmbeddingErr != nil {
		return r.saveEmbeddingErr
	}
	byModel, ok := r.embeddings[result.RecordID]
	if !ok {
		byModel = make(map[string][]float32)
		r.embeddings[result.RecordID] = byModel
	}
	byModel[result.Model] = result.Vector
	return nil
}

func (r *fakeRecordRepo) MarkEmbeddingReady(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[id]
	if !ok {
		return domain.NewNotFoundError("record", id.String())
	}
	record.EmbeddingReady = true
	return nil
}

// fakeCacheRepo is an in-memory CacheRepository.
type fakeCacheRepo struct {
	mu      sync.Mutex
	entries map[string]*domain.GraphCacheEntry
}

var _ repository.CacheRepository = (*fakeCacheRepo)(nil)

func newFakeCacheRepo() *fakeCacheRepo {
	return &fakeCacheRepo{entries: make(map[string]*domain.GraphCacheEntry)}
}

func cacheKey(projectID, identifier string) string {
	return projectID + "/" + identifier
}

func (r *fakeCacheRepo) Get(ctx context.Context, projectID, identifier string) (*domain.GraphCacheEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[cacheKey(projectID, identifier)]; ok {
		clone := *entry
		return &clone, nil
	}
	return nil, domain.ErrNotFound
}

func (r *fakeCacheRepo) GetFresh(ctx context.Context, projectID, identifier string, now time.Time) (*domain.GraphCacheEntry, error) {
	entry, err := r.Get(ctx, projectID, identifier)
	if err != nil {
		return nil, err
	}
	if entry.Expired(now) {
		return nil, domain.ErrNotFound
	}
	return entry, nil
}

func (r *fakeCacheRepo) Upsert(ctx context.Context, entry *domain.GraphCacheEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *entry
	r.entries[cacheKey(entry.ProjectID, entry.Identifier)] = &clone
	return nil
}

func (r *fakeCacheRepo) UpsertMany(ctx context.Context, entries []*domain.GraphCacheEntry) error {
	for _, entry := range entries {
		if err := r.Upsert(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

// fakeEmbedder returns deterministic one-element vectors, optionally
// failing a specific call.
type fakeEmbedder struct {
	mu         sync.Mutex
	calls      int
	batchSizes []int

	failOnCall int
	err        error
}

func (e *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	call := e.calls
	e.batchSizes = append(e.batchSizes, len(texts))
	e.mu.Unlock()

	if e.err != nil && (e.failOnCall == 0 || e.failOnCall == call) {
		return nil, e.err
	}

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = []float32{float32(len(text))}
	}
	return vectors, nil
}

func (e *fakeEmbedder) Model() string { return "test-model" }

// fakeGraphSource serves canned references, citations and metadata.
type fakeGraphSource struct {
	mu sync.Mutex

	refs     map[string][]biblio.PaperMetadata
	cites    map[string][]biblio.PaperMetadata
	metadata map[string]biblio.PaperMetadata

	refErr map[string]error

	metadataBatches [][]string
}

func (s *fakeGraphSource) References(ctx context.Context, paperID string) ([]biblio.PaperMetadata, error) {
	if err := s.refErr[paperID]; err != nil {
		return nil, err
	}
	return s.refs[paperID], nil
}

func (s *fakeGraphSource) Citations(ctx context.Context, paperID string) ([]biblio.PaperMetadata, error) {
	return s.cites[paperID], nil
}

func (s *fakeGraphSource) BatchMetadata(ctx context.Context, paperIDs []string) ([]biblio.PaperMetadata, error) {
	s.mu.Lock()
	s.metadataBatches = append(s.metadataBatches, paperIDs)
	s.mu.Unlock()

	var out []biblio.PaperMetadata
	for _, id := range paperIDs {
		if meta, ok := s.metadata[id]; ok {
			out = append(out, meta)
		} else {
			out = append(out, biblio.PaperMetadata{ID: id, Title: "paper " + id})
		}
	}
	return out, nil
}

// fakeCountSource serves canned citation counts keyed by normalized DOI.
type fakeCountSource struct {
	mu      sync.Mutex
	counts  map[string]int
	err     error
	queried [][]string
}

func (s *fakeCountSource) CitationCountsByDOI(ctx context.Context, dois []string) (map[string]int, error) {
	s.mu.Lock()
	s.queried = append(s.queried, dois)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.counts, nil
}

// fakeFallbackSource serves canned reference DOIs.
type fakeFallbackSource struct {
	refs map[string][]string
	errs map[string]error
}

func (s *fakeFallbackSource) ReferenceDOIs(ctx context.Context, doi string) ([]string, error) {
	if err := s.errs[doi]; err != nil {
		return nil, err
	}
	return s.refs[doi], nil
}

// startSupervisedJob creates a running job with the given scope and a
// supervisor flushing on every item, for deterministic assertions.
func startSupervisedJob(t *testing.T, repo *fakeJobRepo, kind domain.JobKind, scope domain.JobScope) (*engine.Supervisor, *domain.Job) {
	t.Helper()

	job := domain.NewJob(kind, "project-1", "user-1", scope)
	require.NoError(t, repo.Create(context.Background(), job))

	running, err := repo.MarkRunning(context.Background(), job.ID)
	require.NoError(t, err)

	sup := engine.NewSupervisor(repo, nil, nil, zerolog.Nop(), engine.SupervisorConfig{
		MaxJobDuration: time.Hour,
		StallThreshold: time.Hour,
		ProgressEvery:  1,
	}, running)
	return sup, running
}

// newTestExecutor builds an executor with no delays for fast tests.
func newTestExecutor(batchSize, concurrency int) *engine.Executor {
	return engine.NewExecutor(engine.ExecutorConfig{
		BatchSize:   batchSize,
		Concurrency: concurrency,
	}, zerolog.Nop())
}
