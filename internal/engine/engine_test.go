package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helixir/enrichment-service/internal/domain"
	"github.com/helixir/enrichment-service/internal/repository"
)

// memJobRepo is an in-memory JobRepository for engine tests.
type memJobRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*domain.Job
}

var _ repository.JobRepository = (*memJobRepo)(nil)

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{jobs: make(map[uuid.UUID]*domain.Job)}
}

func (r *memJobRepo) put(job *domain.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *job
	r.jobs[job.ID] = &clone
}

func (r *memJobRepo) get(id uuid.UUID) *domain.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok {
		clone := *job
		return &clone
	}
	return nil
}

func (r *memJobRepo) Create(ctx context.Context, job *domain.Job) error {
	r.put(job)
	return nil
}

func (r *memJobRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	if job := r.get(id); job != nil {
		return job, nil
	}
	return nil, domain.NewNotFoundError("job", id.String())
}

func (r *memJobRepo) FindActive(ctx context.Context, projectID string, kind domain.JobKind) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, job := range r.jobs {
		if job.ProjectID == projectID && job.Kind == kind && job.IsActive() {
			clone := *job
			return &clone, nil
		}
	}
	return nil, domain.NewNotFoundError("job", projectID)
}

func (r *memJobRepo) ListByProject(ctx context.Context, projectID string, limit, offset int) ([]*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var jobs []*domain.Job
	for _, job := range r.jobs {
		if job.ProjectID == projectID {
			clone := *job
			jobs = append(jobs, &clone)
		}
	}
	return jobs, nil
}

func (r *memJobRepo) MarkRunning(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, domain.NewNotFoundError("job", id.String())
	}
	if job.Status != domain.JobStatusQueued {
		return nil, fmt.Errorf("job %s is %s: %w", id, job.Status, domain.ErrJobConflict)
	}
	now := time.Now().UTC()
	job.Status = domain.JobStatusRunning
	job.StartedAt = &now
	job.LastProgressAt = &now
	clone := *job
	return &clone, nil
}

func (r *memJobRepo) SetTotal(ctx context.Context, id uuid.UUID, total int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return domain.NewNotFoundError("job", id.String())
	}
	job.Total = total
	return nil
}

func (r *memJobRepo) UpdateProgress(ctx context.Context, id uuid.UUID, processed, errCount int, phase, phaseProgress string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return domain.NewNotFoundError("job", id.String())
	}
	if job.Status != domain.JobStatusRunning {
		return fmt.Errorf("job %s is %s: %w", id, job.Status, domain.ErrJobConflict)
	}
	now := time.Now().UTC()
	job.Processed = processed
	job.Errors = errCount
	job.Phase = phase
	job.PhaseProgress = phaseProgress
	job.LastProgressAt = &now
	return nil
}

func (r *memJobRepo) Finalize(ctx context.Context, id uuid.UUID, status domain.JobStatus, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return domain.NewNotFoundError("job", id.String())
	}
	if job.Status != domain.JobStatusRunning {
		return fmt.Errorf("job %s is %s: %w", id, job.Status, domain.ErrJobConflict)
	}
	now := time.Now().UTC()
	job.Status = status
	job.ErrorMessage = errorMessage
	job.CompletedAt = &now
	if status == domain.JobStatusCancelled {
		job.CancelledAt = &now
	}
	return nil
}

func (r *memJobRepo) RequestCancel(ctx context.Context, id uuid.UUID) (domain.JobStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return "", domain.NewNotFoundError("job", id.String())
	}
	if job.Status.IsTerminal() {
		return "", fmt.Errorf("job %s is %s: %w", id, job.Status, domain.ErrJobConflict)
	}
	job.CancelRequested = true
	if job.Status == domain.JobStatusQueued {
		now := time.Now().UTC()
		job.Status = domain.JobStatusCancelled
		job.CancelledAt = &now
		job.CompletedAt = &now
	}
	return job.Status, nil
}

func (r *memJobRepo) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return false, domain.NewNotFoundError("job", id.String())
	}
	return job.CancelRequested, nil
}

func (r *memJobRepo) FindStuckRunning(ctx context.Context, progressCutoff, startCutoff time.Time) ([]*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stuck []*domain.Job
	for _, job := range r.jobs {
		if job.Status != domain.JobStatusRunning {
			continue
		}
		stale := job.LastProgressAt != nil && job.LastProgressAt.Before(progressCutoff)
		old := job.StartedAt != nil && job.StartedAt.Before(startCutoff)
		if stale || old {
			clone := *job
			stuck = append(stuck, &clone)
		}
	}
	return stuck, nil
}

// memPublisher records published events for assertions.
type memPublisher struct {
	mu     sync.Mutex
	events []domain.JobEvent
	err    error
}

var _ EventPublisher = (*memPublisher)(nil)

func (p *memPublisher) Publish(ctx context.Context, event domain.JobEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *memPublisher) byType(eventType domain.JobEventType) []domain.JobEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.JobEvent
	for _, e := range p.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// memLocker is an in-memory advisory lock for watchdog tests.
type memLocker struct {
	mu   sync.Mutex
	held map[int64]bool
}

var _ AdvisoryLocker = (*memLocker)(nil)

func newMemLocker() *memLocker {
	return &memLocker{held: make(map[int64]bool)}
}

func (l *memLocker) TryAcquireAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *memLocker) ReleaseAdvisoryLock(ctx context.Context, key int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}

// makeItems builds n work items with deterministic payloads.
func makeItems(n int) []domain.WorkItem {
	items := make([]domain.WorkItem, n)
	for i := range items {
		items[i] = domain.WorkItem{RecordID: uuid.New(), Payload: fmt.Sprintf("item-%d", i)}
	}
	return items
}
