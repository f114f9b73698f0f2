// Package crossref provides a client for the Crossref works API, the
// tertiary fallback for resolving references by DOI.
package crossref

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
	"github.com/helixir/enrichment-service/internal/domain"
	"github.com/helixir/enrichment-service/internal/observability"
)

const (
	// DefaultBaseURL is the default base URL for the Crossref API.
	DefaultBaseURL = "https://api.crossref.org"

	// DefaultRateLimit is a conservative rate for the public pool.
	DefaultRateLimit = 5.0

	// DefaultBurstSize is the default burst size for rate limiting.
	DefaultBurstSize = 5

	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 30 * time.Second

	// sourceName is the human-readable name for this source.
	sourceName = "Crossref"
)

// Config contains configuration options for the Crossref client.
type Config struct {
	// BaseURL is the base URL for the API. Defaults to DefaultBaseURL.
	BaseURL string

	// Timeout is the HTTP request timeout. Defaults to DefaultTimeout.
	Timeout time.Duration

	// RateLimit is the maximum requests per second. Defaults to DefaultRateLimit.
	RateLimit float64

	// BurstSize is the maximum burst of requests. Defaults to DefaultBurstSize.
	BurstSize int

	// Mailto identifies the caller per Crossref etiquette; it is appended
	// to the User-Agent when set.
	Mailto string

	// Metrics receives per-request counters and durations. Optional.
	Metrics *observability.Metrics
}

// Client is the Crossref implementation of biblio.ReferenceFallbackSource.
type Client struct {
	httpClient *biblio.HTTPClient
	config     Config
}

// Compile-time check that Client implements biblio.ReferenceFallbackSource.
var _ biblio.ReferenceFallbackSource = (*Client)(nil)

// NewClient creates a new Crossref client. If httpClient is nil, one is
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
		userAgent := "Helixir-EnrichmentService/1.0"
		if cfg.Mailto != "" {
			userAgent = fmt.Sprintf("%s (mailto:%s)", userAgent, cfg.Mailto)
		}
		httpClient = biblio.NewHTTPClient(biblio.HTTPClientConfig{
			Timeout:   cfg.Timeout,
			RateLimit: cfg.RateLimit,
			BurstSize: cfg.BurstSize,
			UserAgent: userAgent,
			Source:    "crossref",
			Metrics:   cfg.Metrics,
		})
	}

	return &Client{
		httpClient: httpClient,
		config:     cfg,
	}
}

// workResponse is the envelope of the works endpoint.
type workResponse struct {
	Message workMessage `json:"message"`
}

// workMessage is the subset of a Crossref work the service reads.
type workMessage struct {
	References []reference `json:"reference"`
}

// reference is one entry of a work's reference list.
type reference struct {
	DOI string `json:"DOI"`
}

// ReferenceDOIs returns the DOIs of works a paper cites. Reference
// entries Crossref could not resolve to a DOI are skipped.
func (c *Client) ReferenceDOIs(ctx context.Context, doi string) ([]string, error) {
	if doi == "" {
		return nil, domain.NewValidationError("doi", "DOI is required")
	}

	requestURL := fmt.Sprintf("%s/works/%s", c.config.BaseURL, url.PathEscape(doi))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, domain.NewNotFoundError("work", doi)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, domain.NewExternalAPIError(sourceName, resp.StatusCode, string(body), nil)
	}

	var work workResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 10<<20)).Decode(&work); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	seen := make(map[string]struct{}, len(work.Message.References))
	var dois []string
	for _, ref := range work.Message.References {
		refDOI := strings.ToLower(strings.TrimSpace(ref.DOI))
		if refDOI == "" {
			continue
		}
		if _, dup := seen[refDOI]; dup {
			continue
		}
		seen[refDOI] = struct{}{}
		dois = append(dois, refDOI)
	}

	return dois, nil
}
