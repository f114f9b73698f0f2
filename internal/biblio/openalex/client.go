// Package openalex provides a client for the OpenAlex works API, the
// secondary source for fast citation counts.
package openalex

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/helixir/enrichment-service/internal/biblio"
	"github.com/helixir/enrichment-service/internal/observability"
)

const (
	// DefaultBaseURL is the default base URL for the OpenAlex API.
	DefaultBaseURL = "https://api.openalex.org"

	// DefaultRateLimit is the polite-pool rate limit.
	DefaultRateLimit = 10.0

	// DefaultBurstSize is the default burst size for rate limiting.
	DefaultBurstSize = 10

	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 30 * time.Second

	// maxFilterDOIs is the maximum number of DOIs per filter expression.
	maxFilterDOIs = 50

	// sourceName is the human-readable name for this source.
	sourceName = "OpenAlex"
)

// Config contains configuration options for the OpenAlex client.
type Config struct {
	// BaseURL is the base URL for the API. Defaults to DefaultBaseURL.
	BaseURL string

	// Timeout is the HTTP request timeout. Defaults to DefaultTimeout.
	Timeout time.Duration

	// RateLimit is the maximum requests per second. Defaults to DefaultRateLimit.
	RateLimit float64

	// BurstSize is the maximum burst of requests. Defaults to DefaultBurstSize.
	BurstSize int

	// Mailto identifies the caller to OpenAlex's polite pool.
	Mailto string

	// Metrics receives per-request counters and durations. Optional.
	Metrics *observability.Metrics
}

// Client is the OpenAlex implementation of biblio.CitationCountSource.
type Client struct {
	httpClient *biblio.HTTPClient
	config     Config
}

// Compile-time check that Client implements biblio.CitationCountSource.
var _ biblio.CitationCountSource = (*Client)(nil)

// NewClient creates a new OpenAlex client. If httpClient is nil, one is
// created from the configuration.
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

	if httpClient == nil {
		httpClient = biblio.NewHTTPClient(biblio.HTTPClientConfig{
			Timeout:   cfg.Timeout,
			RateLimit: cfg.RateLimit,
			BurstSize: cfg.BurstSize,
			Source:    "openalex",
			Metrics:   cfg.Metrics,
		})
	}

	return &Client{
		httpClient: httpClient,
		config:     cfg,
	}
}

// worksResponse is the paged response of the works endpoint.
type worksResponse struct {
	Results []work `json:"results"`
}

// work is the subset of an OpenAlex work the service reads.
type work struct {
	DOI          string `json:"doi"`
	CitedByCount int    `json:"cited_by_count"`
}

// CitationCountsByDOI returns citation counts keyed by DOI. The filter
// expression takes up to 50 DOIs, so larger inputs are chunked into
// sequential requests. DOIs OpenAlex does not know are absent from the map.
func (c *Client) CitationCountsByDOI(ctx context.Context, dois []string) (map[string]int, error) {
	counts := make(map[string]int, len(dois))

	for start := 0; start < len(dois); start += maxFilterDOIs {
		end := start + maxFilterDOIs
		if end > len(dois) {
			end = len(dois)
		}

		if err := c.fetchCounts(ctx, dois[start:end], counts); err != nil {
			return nil, err
		}
	}

	return counts, nil
}

// fetchCounts queries one chunk of DOIs and merges the counts into out.
func (c *Client) fetchCounts(ctx context.Context, dois []string, out map[string]int) error {
	filter := "doi:" + strings.Join(dois, "|")

	q := url.Values{}
	q.Set("filter", filter)
	q.Set("select", "doi,cited_by_count")
	q.Set("per-page", fmt.Sprintf("%d", maxFilterDOIs))
	if c.config.Mailto != "" {
		q.Set("mailto", c.config.Mailto)
	}

	requestURL := fmt.Sprintf("%s/works?%s", c.config.BaseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return fmt.Errorf("%s API error (status %d): %s", sourceName, resp.StatusCode, string(body))
	}

	var works worksResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 10<<20)).Decode(&works); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	for _, w := range works.Results {
		doi := NormalizeDOI(w.DOI)
		if doi == "" {
			continue
		}
		out[doi] = w.CitedByCount
	}

	return nil
}

// NormalizeDOI strips the https://doi.org/ prefix OpenAlex puts on DOIs
// and lowercases the result, matching the form records store.
func NormalizeDOI(doi string) string {
	doi = strings.TrimSpace(doi)
	doi = strings.TrimPrefix(doi, "https://doi.org/")
	doi = strings.TrimPrefix(doi, "http://doi.org/")
	return strings.ToLower(doi)
}
