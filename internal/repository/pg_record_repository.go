package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/helixir/enrichment-service/internal/domain"
)

// Compile-time interface verification.
var _ RecordRepository = (*PgRecordRepository)(nil)

// PgRecordRepository is a PostgreSQL implementation of RecordRepository.
type PgRecordRepository struct {
	db DBTX
}

// NewPgRecordRepository creates a new PostgreSQL record repository.
func NewPgRecordRepository(db DBTX) *PgRecordRepository {
	return &PgRecordRepository{db: db}
}

const recordColumns = `id, project_id, title, abstract, corpus_id, doi, selected,
		embedding_ready, references_fetched, reference_ids, cited_by_ids,
		citation_count, created_at, updated_at`

// GetByID retrieves a record by its UUID.
func (r *PgRecordRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM records
		WHERE id = $1`

	record, err := scanRecord(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("record", id.String())
		}
		return nil, fmt.Errorf("failed to get record by ID: %w", err)
	}

	return record, nil
}

// ListByProject returns a project's records.
func (r *PgRecordRepository) ListByProject(ctx context.Context, projectID string, selectedOnly bool) ([]*domain.Record, error) {
	if projectID == "" {
		return nil, domain.NewValidationError("project_id", "project ID is required")
	}

	query := `
		SELECT ` + recordColumns + `
		FROM records
		WHERE project_id = $1 AND ($2 = FALSE OR selected = TRUE)
		ORDER BY created_at ASC`

	rows, err := r.db.Query(ctx, query, projectID, selectedOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// ListByIDs returns the project's records matching the given UUIDs.
func (r *PgRecordRepository) ListByIDs(ctx context.Context, projectID string, ids []uuid.UUID) ([]*domain.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		SELECT ` + recordColumns + `
		FROM records
		WHERE project_id = $1 AND id = ANY($2)
		ORDER BY created_at ASC`

	rows, err := r.db.Query(ctx, query, projectID, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to list records by IDs: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// ListByCorpusIDs returns the project's records matching bibliographic identifiers.
func (r *PgRecordRepository) ListByCorpusIDs(ctx context.Context, projectID string, corpusIDs []string) ([]*domain.Record, error) {
	if len(corpusIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT ` + recordColumns + `
		FROM records
		WHERE project_id = $1 AND corpus_id = ANY($2)
		ORDER BY created_at ASC`

	rows, err := r.db.Query(ctx, query, projectID, corpusIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list records by corpus IDs: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// SetReferences stores a record's outbound references and marks them fetched.
func (r *PgRecordRepository) SetReferences(ctx context.Context, id uuid.UUID, referenceIDs []string) error {
	query := `
		UPDATE records
		SET reference_ids = $2, references_fetched = TRUE, updated_at = NOW()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, referenceIDs)
	if err != nil {
		return fmt.Errorf("failed to set references: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewNotFoundError("record", id.String())
	}

	return nil
}

// SetCitedBy stores the identifiers of works citing the record.
func (r *PgRecordRepository) SetCitedBy(ctx context.Context, id uuid.UUID, citedByIDs []string) error {
	query := `
		UPDATE records
		SET cited_by_ids = $2, updated_at = NOW()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, citedByIDs)
	if err != nil {
		return fmt.Errorf("failed to set cited-by IDs: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewNotFoundError("record", id.String())
	}

	return nil
}

// UpdateCitationCount stores a citation count.
func (r *PgRecordRepository) UpdateCitationCount(ctx context.Context, id uuid.UUID, count int) error {
	if count <= 0 {
		return domain.NewValidationError("citation_count", "count must be positive")
	}

	query := `
		UPDATE records
		SET citation_count = $2, updated_at = NOW()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, count)
	if err != nil {
		return fmt.Errorf("failed to update citation count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewNotFoundError("record", id.String())
	}

	return nil
}

// SaveEmbedding upserts an embedding keyed by record and model.
func (r *PgRecordRepository) SaveEmbedding(ctx context.Context, result *domain.EnrichmentResult) error {
	if result == nil {
		return domain.NewValidationError("result", "result cannot be nil")
	}
	if result.Model == "" {
		return domain.NewValidationError("model", "model is required")
	}
	if len(result.Vector) == 0 {
		return domain.NewValidationError("vector", "vector cannot be empty")
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO record_embeddings (record_id, model, vector, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (record_id, model) DO UPDATE SET
			vector = EXCLUDED.vector,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.Exec(ctx, query, result.RecordID, result.Model, result.Vector, now)
	if err != nil {
		return fmt.Errorf("failed to save embedding: %w", err)
	}

	return nil
}

// MarkEmbeddingReady flags a record as having a current embedding.
func (r *PgRecordRepository) MarkEmbeddingReady(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE records
		SET embedding_ready = TRUE, updated_at = NOW()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark embedding ready: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewNotFoundError("record", id.String())
	}

	return nil
}

// scanRecord scans a single record row.
func scanRecord(row pgx.Row) (*domain.Record, error) {
	var (
		record        domain.Record
		abstract      *string
		corpusID      *string
		doi           *string
		citationCount *int
	)

	err := row.Scan(
		&record.ID,
		&record.ProjectID,
		&record.Title,
		&abstract,
		&corpusID,
		&doi,
		&record.Selected,
		&record.EmbeddingReady,
		&record.ReferencesFetched,
		&record.ReferenceIDs,
		&record.CitedByIDs,
		&citationCount,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if abstract != nil {
		record.Abstract = *abstract
	}
	if corpusID != nil {
		record.CorpusID = *corpusID
	}
	if doi != nil {
		record.DOI = *doi
	}
	if citationCount != nil {
		record.CitationCount = *citationCount
	}

	return &record, nil
}

// scanRecords scans all rows into a record slice.
func scanRecords(rows pgx.Rows) ([]*domain.Record, error) {
	var records []*domain.Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate record rows: %w", err)
	}

	return records, nil
}
