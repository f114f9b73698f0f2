// Package semanticscholar provides a client for the Semantic Scholar Graph
// API, the primary source for citation graph traversal.
package semanticscholar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/helixir/enrichment-service/internal/biblio"
	"github.com/helixir/enrichment-service/internal/domain"
	"github.com/helixir/enrichment-service/internal/observability"
)

const (
	// DefaultBaseURL is the default base URL for the Semantic Scholar Graph API.
	DefaultBaseURL = "https://api.semanticscholar.org/graph/v1"

	// DefaultRateLimit is the rate for unauthenticated requests.
	DefaultRateLimit = 1.0

	// DefaultBurstSize is the default burst size for rate limiting.
	DefaultBurstSize = 2

	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultPageSize is the page size for reference and citation listings.
	DefaultPageSize = 500

	// MaxBatchIDs is the maximum number of IDs the batch endpoint accepts.
	MaxBatchIDs = 500

	// apiKeyHeader is the header name for the Semantic Scholar API key.
	apiKeyHeader = "x-api-key"

	// paperFields is the list of fields requested for related papers.
	paperFields = "paperId,externalIds,title,year,authors,citationCount"

	// sourceName is the human-readable name for this source.
	sourceName = "Semantic Scholar"
)

// Config contains configuration options for the Semantic Scholar client.
type Config struct {
	// BaseURL is the base URL for the API. Defaults to DefaultBaseURL.
	BaseURL string

	// APIKey is the optional API key. Authenticated requests get a
	// higher rate limit tier.
	APIKey string

	// Timeout is the HTTP request timeout. Defaults to DefaultTimeout.
	Timeout time.Duration

	// RateLimit is the maximum requests per second. Defaults to
	// DefaultRateLimit.
	RateLimit float64

	// BurstSize is the maximum burst of requests. Defaults to DefaultBurstSize.
	BurstSize int

	// PageSize is the page size for listings. Defaults to DefaultPageSize.
	PageSize int

	// Metrics receives per-request counters and durations. Optional.
	Metrics *observability.Metrics
}

// Client is the Semantic Scholar implementation of biblio.GraphSource.
type Client struct {
	httpClient *biblio.HTTPClient
	config     Config
}

// Compile-time check that Client implements biblio.GraphSource.
var _ biblio.GraphSource = (*Client)(nil)

// NewClient creates a new Semantic Scholar client. If httpClient is nil,
// one is created from the configuration.
func NewClient(cfg Config, httpClient *biblio.HTTPClient) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = DefaultBurstSize
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = DefaultPageSize
	}

	if httpClient == nil {
		httpClient = biblio.NewHTTPClient(biblio.HTTPClientConfig{
			Timeout:      cfg.Timeout,
			RateLimit:    cfg.RateLimit,
			BurstSize:    cfg.BurstSize,
			APIKey:       cfg.APIKey,
			APIKeyHeader: apiKeyHeader,
			Source:       "semantic_scholar",
			Metrics:      cfg.Metrics,
		})
	}

	return &Client{
		httpClient: httpClient,
		config:     cfg,
	}
}

// References returns the works a paper cites.
func (c *Client) References(ctx context.Context, paperID string) ([]biblio.PaperMetadata, error) {
	if paperID == "" {
		return nil, domain.NewValidationError("paper_id", "paper ID is required")
	}

	endpoint := fmt.Sprintf("%s/paper/%s/references", c.config.BaseURL, url.PathEscape(paperID))

	var papers []biblio.PaperMetadata
	offset := 0
	for {
		pageURL := fmt.Sprintf("%s?fields=%s&limit=%d&offset=%d",
			endpoint, url.QueryEscape(paperFields), c.config.PageSize, offset)

		var page referencesResponse
		if err := c.getJSON(ctx, pageURL, paperID, &page); err != nil {
			return nil, err
		}

		for _, entry := range page.Data {
			if entry.CitedPaper.PaperID == "" {
				// The graph has dangling references without resolved papers.
				continue
			}
			papers = append(papers, convertPaper(entry.CitedPaper))
		}

		if page.Next == 0 {
			break
		}
		offset = page.Next
	}

	return papers, nil
}

// Citations returns the works citing a paper.
func (c *Client) Citations(ctx context.Context, paperID string) ([]biblio.PaperMetadata, error) {
	if paperID == "" {
		return nil, domain.NewValidationError("paper_id", "paper ID is required")
	}

	endpoint := fmt.Sprintf("%s/paper/%s/citations", c.config.BaseURL, url.PathEscape(paperID))

	var papers []biblio.PaperMetadata
	offset := 0
	for {
		pageURL := fmt.Sprintf("%s?fields=%s&limit=%d&offset=%d",
			endpoint, url.QueryEscape(paperFields), c.config.PageSize, offset)

		var page citationsResponse
		if err := c.getJSON(ctx, pageURL, paperID, &page); err != nil {
			return nil, err
		}

		for _, entry := range page.Data {
			if entry.CitingPaper.PaperID == "" {
				continue
			}
			papers = append(papers, convertPaper(entry.CitingPaper))
		}

		if page.Next == 0 {
			break
		}
		offset = page.Next
	}

	return papers, nil
}

// BatchMetadata resolves metadata for up to MaxBatchIDs papers per call.
// Larger inputs are split into sequential batch requests.
func (c *Client) BatchMetadata(ctx context.Context, paperIDs []string) ([]biblio.PaperMetadata, error) {
	if len(paperIDs) == 0 {
		return nil, nil
	}

	endpoint := fmt.Sprintf("%s/paper/batch?fields=%s", c.config.BaseURL, url.QueryEscape(paperFields))

	var papers []biblio.PaperMetadata
	for start := 0; start < len(paperIDs); start += MaxBatchIDs {
		end := start + MaxBatchIDs
		if end > len(paperIDs) {
			end = len(paperIDs)
		}

		body, err := json.Marshal(batchRequest{IDs: paperIDs[start:end]})
		if err != nil {
			return nil, fmt.Errorf("encoding batch request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("executing request: %w", err)
		}

		// The batch endpoint returns null entries for unknown IDs.
		var results []*paperResult
		err = func() error {
			defer resp.Body.Close()
			if err := c.handleErrorResponse(resp); err != nil {
				return err
			}
			return json.NewDecoder(io.LimitReader(resp.Body, 10<<20)).Decode(&results)
		}()
		if err != nil {
			return nil, err
		}

		for _, result := range results {
			if result == nil || result.PaperID == "" {
				continue
			}
			papers = append(papers, convertPaper(*result))
		}
	}

	return papers, nil
}

// getJSON executes a GET request and decodes the JSON body into out.
// A 404 becomes a domain.NotFoundError for the given paper ID.
func (c *Client) getJSON(ctx context.Context, requestURL, paperID string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.NewNotFoundError("paper", paperID)
	}
	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 10<<20)).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	return nil
}

// handleErrorResponse converts non-2xx responses into ExternalAPIErrors.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.NewExternalAPIError(sourceName, resp.StatusCode, "failed to read error response", err)
	}

	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err == nil {
		message := errResp.Error
		if message == "" {
			message = errResp.Message
		}
		if message == "" {
			message = string(body)
		}
		return domain.NewExternalAPIError(sourceName, resp.StatusCode, message, nil)
	}

	return domain.NewExternalAPIError(sourceName, resp.StatusCode, string(body), nil)
}

// convertPaper maps an API paper to the provider-neutral shape.
func convertPaper(result paperResult) biblio.PaperMetadata {
	meta := biblio.PaperMetadata{
		ID:            result.PaperID,
		Title:         result.Title,
		Year:          result.Year,
		CitationCount: result.CitationCount,
	}

	if result.ExternalIDs != nil {
		meta.DOI = result.ExternalIDs.DOI
	}

	for _, a := range result.Authors {
		if a.Name != "" {
			meta.Authors = append(meta.Authors, a.Name)
		}
	}

	return meta
}
