package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record is a bibliographic record owned by a project. Only the fields the
// job engine reads or writes are modeled here; the rest of the record lives
// with the collaboration platform.
type Record struct {
	ID        uuid.UUID `json:"id"`
	ProjectID string    `json:"project_id"`

	Title    string `json:"title"`
	Abstract string `json:"abstract,omitempty"`

	// CorpusID is the primary bibliographic identifier (Semantic Scholar paper ID).
	CorpusID string `json:"corpus_id,omitempty"`

	// DOI is the secondary identifier, used for fallback lookups.
	DOI string `json:"doi,omitempty"`

	// Selected marks records the user picked for graph operations.
	Selected bool `json:"selected"`

	// EmbeddingReady is set once an embedding exists for the current model.
	EmbeddingReady bool `json:"embedding_ready"`

	// ReferencesFetched is set once the record's outbound references have
	// been resolved by any graph fetch phase.
	ReferencesFetched bool `json:"references_fetched"`

	// ReferenceIDs and CitedByIDs hold related bibliographic identifiers,
	// populated by the graph fetch job.
	ReferenceIDs []string `json:"reference_ids,omitempty"`
	CitedByIDs   []string `json:"cited_by_ids,omitempty"`

	// CitationCount is merged from the secondary citation-count service.
	// Zero means unknown; zero counts are never written explicitly.
	CitationCount int `json:"citation_count,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EmbeddingText derives the text sent to the embedding provider.
// Returns the empty string when the record has nothing to embed.
func (r *Record) EmbeddingText() string {
	return strings.TrimSpace(strings.TrimSpace(r.Title) + " " + strings.TrimSpace(r.Abstract))
}

// EnrichmentResult is one embedding computed for a record, keyed by record
// and model. Re-running a job overwrites the previous vector for the same
// model; embeddings are not versioned history.
type EnrichmentResult struct {
	RecordID  uuid.UUID `json:"record_id"`
	Model     string    `json:"model"`
	Vector    []float32 `json:"vector"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GraphCacheEntry is a time-boxed cache row for bibliographic metadata,
// consulted before secondary fetches. Expired rows are refetched, not purged.
type GraphCacheEntry struct {
	// Identifier is the primary bibliographic identifier (cache key).
	Identifier string `json:"identifier"`

	Title   string   `json:"title,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Year    int      `json:"year,omitempty"`

	// DOI is the secondary identifier, when the provider reported one.
	DOI string `json:"doi,omitempty"`

	ProjectID string    `json:"project_id"`
	FetchedAt time.Time `json:"fetched_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the entry is stale relative to now.
func (e *GraphCacheEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}
