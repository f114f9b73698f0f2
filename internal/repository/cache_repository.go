package repository

import (
	"context"
	"time"

	"github.com/helixir/enrichment-service/internal/domain"
)

// CacheRepository manages the graph metadata cache. Entries are keyed by
// project and bibliographic identifier; expired entries stay in place and
// are overwritten on refetch.
type CacheRepository interface {
	// Get returns the cache entry for an identifier, expired or not.
	// Returns domain.ErrNotFound when no entry exists.
	Get(ctx context.Context, projectID, identifier string) (*domain.GraphCacheEntry, error)

	// GetFresh returns the cache entry only if it has not expired at the
	// given instant. Expired and missing entries both yield domain.ErrNotFound.
	GetFresh(ctx context.Context, projectID, identifier string, now time.Time) (*domain.GraphCacheEntry, error)

	// Upsert inserts or overwrites a cache entry.
	Upsert(ctx context.Context, entry *domain.GraphCacheEntry) error

	// UpsertMany inserts or overwrites a batch of cache entries in a
	// single round trip.
	UpsertMany(ctx context.Context, entries []*domain.GraphCacheEntry) error
}
