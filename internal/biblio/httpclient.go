package biblio

import (
	"fmt"
	"net/http"
	"time"

	"github.com/helixir/enrichment-service/internal/observability"
)

// HTTPClientConfig configures the HTTP client.
type HTTPClientConfig struct {
	// Timeout is the request timeout for HTTP operations.
	Timeout time.Duration

	// RateLimit is the maximum requests per second.
	RateLimit float64

	// BurstSize is the maximum burst of requests allowed.
	BurstSize int

	// UserAgent is the User-Agent header sent with requests.
	UserAgent string

	// APIKey is an optional API key for authentication.
	APIKey string

	// APIKeyHeader is the header name for the API key (e.g., "x-api-key").
	APIKeyHeader string

	// Source labels this client's requests in metrics (e.g., "openalex").
	Source string

	// Metrics receives per-request counters and durations. Optional.
	Metrics *observability.Metrics
}

// HTTPClient wraps http.Client with rate limiting and request metrics.
// It performs exactly one attempt per call: failure handling belongs to
// the caller, where a failed batch is absorbed into the job's error
// count rather than re-sent. It is safe for concurrent use.
type HTTPClient struct {
	client      *http.Client
	rateLimiter *RateLimiter
	config      HTTPClientConfig
}

// NewHTTPClient creates a new HTTP client with rate limiting. The client
// waits on its token bucket before each request.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 10
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = 10
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Helixir-EnrichmentService/1.0"
	}
	if cfg.Source == "" {
		cfg.Source = "biblio"
	}

	return &HTTPClient{
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		rateLimiter: NewRateLimiter(cfg.RateLimit, cfg.BurstSize),
		config:      cfg,
	}
}

// Do executes a single rate-limited HTTP request. Responses with error
// status codes are returned as-is for the caller to interpret.
func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	if c.config.APIKey != "" && c.config.APIKeyHeader != "" {
		req.Header.Set(c.config.APIKeyHeader, c.config.APIKey)
	}

	if err := c.rateLimiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	c.observe(start, resp, err)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// observe records request metrics. Transport errors and HTTP error
// statuses both count as failures.
func (c *HTTPClient) observe(start time.Time, resp *http.Response, err error) {
	m := c.config.Metrics
	if m == nil {
		return
	}

	source := c.config.Source
	m.ExternalRequestsTotal.WithLabelValues(source).Inc()
	m.ExternalRequestDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())
	if err != nil || resp.StatusCode >= http.StatusBadRequest {
		m.ExternalRequestsFailed.WithLabelValues(source).Inc()
	}
}
