package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/helixir/enrichment-service/internal/domain"
)

// Compile-time interface verification.
var _ CacheRepository = (*PgCacheRepository)(nil)

// PgCacheRepository is a PostgreSQL implementation of CacheRepository.
type PgCacheRepository struct {
	db DBTX
}

// NewPgCacheRepository creates a new PostgreSQL cache repository.
func NewPgCacheRepository(db DBTX) *PgCacheRepository {
	return &PgCacheRepository{db: db}
}

const cacheColumns = `identifier, title, authors, year, doi, project_id, fetched_at, expires_at`

const cacheUpsertQuery = `
	INSERT INTO graph_cache (identifier, title, authors, year, doi, project_id, fetched_at, expires_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (project_id, identifier) DO UPDATE SET
		title = EXCLUDED.title,
		authors = EXCLUDED.authors,
		year = EXCLUDED.year,
		doi = EXCLUDED.doi,
		fetched_at = EXCLUDED.fetched_at,
		expires_at = EXCLUDED.expires_at`

// Get returns the cache entry for an identifier, expired or not.
func (r *PgCacheRepository) Get(ctx context.Context, projectID, identifier string) (*domain.GraphCacheEntry, error) {
	if identifier == "" {
		return nil, domain.NewValidationError("identifier", "identifier is required")
	}

	query := `
		SELECT ` + cacheColumns + `
		FROM graph_cache
		WHERE project_id = $1 AND identifier = $2`

	entry, err := scanCacheEntry(r.db.QueryRow(ctx, query, projectID, identifier))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("cache entry", identifier)
		}
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}

	return entry, nil
}

// GetFresh returns the cache entry only if it has not expired.
func (r *PgCacheRepository) GetFresh(ctx context.Context, projectID, identifier string, now time.Time) (*domain.GraphCacheEntry, error) {
	entry, err := r.Get(ctx, projectID, identifier)
	if err != nil {
		return nil, err
	}
	if entry.Expired(now) {
		return nil, domain.NewNotFoundError("cache entry", identifier)
	}

	return entry, nil
}

// Upsert inserts or overwrites a cache entry.
func (r *PgCacheRepository) Upsert(ctx context.Context, entry *domain.GraphCacheEntry) error {
	if entry == nil {
		return domain.NewValidationError("entry", "entry cannot be nil")
	}
	if entry.Identifier == "" {
		return domain.NewValidationError("identifier", "identifier is required")
	}

	_, err := r.db.Exec(ctx, cacheUpsertQuery,
		entry.Identifier,
		entry.Title,
		entry.Authors,
		entry.Year,
		entry.DOI,
		entry.ProjectID,
		entry.FetchedAt,
		entry.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert cache entry: %w", err)
	}

	return nil
}

// UpsertMany inserts or overwrites a batch of cache entries in one round trip.
func (r *PgCacheRepository) UpsertMany(ctx context.Context, entries []*domain.GraphCacheEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, entry := range entries {
		if entry == nil || entry.Identifier == "" {
			return domain.NewValidationError("entries", "entries must have identifiers")
		}
		batch.Queue(cacheUpsertQuery,
			entry.Identifier,
			entry.Title,
			entry.Authors,
			entry.Year,
			entry.DOI,
			entry.ProjectID,
			entry.FetchedAt,
			entry.ExpiresAt,
		)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	for range entries {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to upsert cache batch: %w", err)
		}
	}

	return nil
}

// scanCacheEntry scans a single cache row.
func scanCacheEntry(row pgx.Row) (*domain.GraphCacheEntry, error) {
	var (
		entry domain.GraphCacheEntry
		title *string
		year  *int
		doi   *string
	)

	err := row.Scan(
		&entry.Identifier,
		&title,
		&entry.Authors,
		&year,
		&doi,
		&entry.ProjectID,
		&entry.FetchedAt,
		&entry.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	if title != nil {
		entry.Title = *title
	}
	if year != nil {
		entry.Year = *year
	}
	if doi != nil {
		entry.DOI = *doi
	}

	return &entry, nil
}
