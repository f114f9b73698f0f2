// Package biblio provides clients for the bibliographic services the graph
// fetch job crawls: a primary citation graph service, a secondary
// citation-count service, and a tertiary DOI-based fallback.
package biblio

import "context"

// PaperMetadata is the provider-neutral shape of a bibliographic work, as
// returned by any of the sources.
type PaperMetadata struct {
	// ID is the primary bibliographic identifier.
	ID string

	Title   string
	Authors []string
	Year    int

	// DOI is the secondary identifier, when the provider reported one.
	DOI string

	// CitationCount is how often the work has been cited. Zero means the
	// provider did not report a count.
	CitationCount int
}

// GraphSource is the primary service for citation graph traversal.
type GraphSource interface {
	// References returns the works a paper cites.
	References(ctx context.Context, paperID string) ([]PaperMetadata, error)

	// Citations returns the works citing a paper.
	Citations(ctx context.Context, paperID string) ([]PaperMetadata, error)

	// BatchMetadata resolves metadata for many papers in one call.
	// Unknown identifiers are silently skipped.
	BatchMetadata(ctx context.Context, paperIDs []string) ([]PaperMetadata, error)
}

// CitationCountSource is the secondary service for fast citation counts.
type CitationCountSource interface {
	// CitationCountsByDOI returns citation counts keyed by DOI. DOIs the
	// service does not know are absent from the map.
	CitationCountsByDOI(ctx context.Context, dois []string) (map[string]int, error)
}

// ReferenceFallbackSource is the tertiary service consulted when the
// primary source has no reference data for a record but a DOI is known.
type ReferenceFallbackSource interface {
	// ReferenceDOIs returns the DOIs of works a paper cites.
	ReferenceDOIs(ctx context.Context, doi string) ([]string, error)
}
