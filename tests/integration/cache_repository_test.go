//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/enrichment-service/internal/domain"
	"github.com/helixir/enrichment-service/internal/repository"
)

func TestCacheUpsertIsIdempotent(t *testing.T) {
	cleanTable(t, "graph_cache")
	ctx := context.Background()
	repo := repository.NewPgCacheRepository(testPool)

	now := time.Now().UTC()
	entry := &domain.GraphCacheEntry{
		Identifier: "corpus-1",
		Title:      "Original title",
		Authors:    []string{"Ada Lovelace"},
		Year:       2019,
		DOI:        "10.1000/x1",
		ProjectID:  "project-1",
		FetchedAt:  now,
		ExpiresAt:  now.Add(time.Hour),
	}
	require.NoError(t, repo.Upsert(ctx, entry))

	// Re-upserting the same key replaces the payload in place.
	entry.Title = "Corrected title"
	entry.ExpiresAt = now.Add(2 * time.Hour)
	require.NoError(t, repo.Upsert(ctx, entry))

	var count int
	err := testPool.QueryRow(ctx,
		`SELECT COUNT(*) FROM graph_cache WHERE project_id = 'project-1' AND identifier = 'corpus-1'`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := repo.Get(ctx, "project-1", "corpus-1")
	require.NoError(t, err)
	assert.Equal(t, "Corrected title", got.Title)
	assert.Equal(t, []string{"Ada Lovelace"}, got.Authors)
	assert.Equal(t, 2019, got.Year)
}

func TestCacheFreshnessWindow(t *testing.T) {
	cleanTable(t, "graph_cache")
	ctx := context.Background()
	repo := repository.NewPgCacheRepository(testPool)

	now := time.Now().UTC()
	require.NoError(t, repo.UpsertMany(ctx, []*domain.GraphCacheEntry{
		{
			Identifier: "fresh",
			ProjectID:  "project-1",
			FetchedAt:  now,
			ExpiresAt:  now.Add(time.Hour),
		},
		{
			Identifier: "stale",
			ProjectID:  "project-1",
			FetchedAt:  now.Add(-48 * time.Hour),
			ExpiresAt:  now.Add(-time.Hour),
		},
	}))

	fresh, err := repo.GetFresh(ctx, "project-1", "fresh", now)
	require.NoError(t, err)
	assert.Equal(t, "fresh", fresh.Identifier)

	// Expired entries are invisible to freshness lookups but not purged.
	_, err = repo.GetFresh(ctx, "project-1", "stale", now)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	stale, err := repo.Get(ctx, "project-1", "stale")
	require.NoError(t, err)
	assert.True(t, stale.Expired(now))
}

func TestCacheIsScopedByProject(t *testing.T) {
	cleanTable(t, "graph_cache")
	ctx := context.Background()
	repo := repository.NewPgCacheRepository(testPool)

	now := time.Now().UTC()
	require.NoError(t, repo.Upsert(ctx, &domain.GraphCacheEntry{
		Identifier: "corpus-1",
		ProjectID:  "project-1",
		FetchedAt:  now,
		ExpiresAt:  now.Add(time.Hour),
	}))

	_, err := repo.Get(ctx, "project-2", "corpus-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
