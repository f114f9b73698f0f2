package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/helixir/enrichment-service/internal/domain"
)

// RecordRepository manages the bibliographic record fields the job engine
// reads and writes. Graph writes are idempotent upserts keyed by the
// record's natural identifiers so re-running a job converges instead of
// duplicating.
type RecordRepository interface {
	// GetByID retrieves a record by its UUID.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Record, error)

	// ListByProject returns a project's records. When selectedOnly is set,
	// only user-selected records are returned.
	ListByProject(ctx context.Context, projectID string, selectedOnly bool) ([]*domain.Record, error)

	// ListByIDs returns the project's records matching the given UUIDs.
	// Unknown IDs are silently skipped.
	ListByIDs(ctx context.Context, projectID string, ids []uuid.UUID) ([]*domain.Record, error)

	// ListByCorpusIDs returns the project's records matching the given
	// bibliographic identifiers.
	ListByCorpusIDs(ctx context.Context, projectID string, corpusIDs []string) ([]*domain.Record, error)

	// SetReferences stores a record's outbound reference identifiers and
	// marks the record's references as fetched.
	SetReferences(ctx context.Context, id uuid.UUID, referenceIDs []string) error

	// SetCitedBy stores the identifiers of works citing the record.
	SetCitedBy(ctx context.Context, id uuid.UUID, citedByIDs []string) error

	// UpdateCitationCount stores a citation count. Callers must not pass
	// zero: unknown counts are never written.
	UpdateCitationCount(ctx context.Context, id uuid.UUID, count int) error

	// SaveEmbedding upserts an embedding keyed by record and model. The
	// previous vector for the same model is overwritten.
	SaveEmbedding(ctx context.Context, result *domain.EnrichmentResult) error

	// MarkEmbeddingReady flags a record as having a current embedding.
	// Only called for records whose embedding persisted successfully.
	MarkEmbeddingReady(ctx context.Context, id uuid.UUID) error
}
