package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/helixir/enrichment-service/internal/domain"
	"github.com/helixir/enrichment-service/internal/observability"
)

// Default values for the OpenAI embeddings provider.
const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultOpenAIModel   = "text-embedding-3-small"

	// metricsSource labels this provider's requests in metrics.
	metricsSource = "openai"
)

// embeddingRequest represents the OpenAI Embeddings API request body.
type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embeddingResponse represents the OpenAI Embeddings API response body.
type embeddingResponse struct {
	Data  []embeddingData `json:"data"`
	Usage embeddingUsage  `json:"usage"`
}

// embeddingData is one embedding in the response. The index ties the
// vector back to its position in the input.
type embeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

// embeddingUsage contains token usage information.
type embeddingUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// openAIErrorResponse represents an error response from the OpenAI API.
type openAIErrorResponse struct {
	Error openAIErrorDetail `json:"error"`
}

// openAIErrorDetail contains error details from the OpenAI API.
type openAIErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// OpenAIConfig holds the parameters needed to create the OpenAI embedder.
type OpenAIConfig struct {
	// APIKey is the OpenAI API key. Required: a missing key is job-fatal,
	// not a per-item error.
	APIKey string

	// Model is the embedding model identifier.
	Model string

	// BaseURL is the API base URL (empty means default).
	BaseURL string

	// Timeout is the HTTP request timeout.
	Timeout time.Duration

	// Metrics receives per-request counters and durations. Optional.
	Metrics *observability.Metrics
}

// OpenAIEmbedder implements Embedder using the OpenAI Embeddings API.
type OpenAIEmbedder struct {
	httpClient *http.Client
	apiKey     string
	model      string
	baseURL    string
	metrics    *observability.Metrics
}

// Compile-time check that OpenAIEmbedder implements Embedder.
var _ Embedder = (*OpenAIEmbedder)(nil)

// NewOpenAIEmbedder creates a new OpenAI embeddings provider.
func NewOpenAIEmbedder(cfg OpenAIConfig) *OpenAIEmbedder {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}

	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &OpenAIEmbedder{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		apiKey:  cfg.APIKey,
		model:   model,
		baseURL: baseURL,
		metrics: cfg.Metrics,
	}
}

// Model returns the model identifier being used.
func (e *OpenAIEmbedder) Model() string {
	return e.model
}

// Embed computes embeddings for a batch of texts. The response carries an
// index per vector; vectors are re-sorted by that index so the result
// lines up with the input even if the provider reorders them. Each call
// makes exactly one API request: a provider failure fails the whole
// batch, and the caller decides what a failed batch means for the job.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if e.apiKey == "" {
		return nil, fmt.Errorf("openai: no API key configured: %w", domain.ErrMissingCredential)
	}
	if len(texts) == 0 {
		return nil, nil
	}

	return e.doRequest(ctx, texts)
}

// doRequest performs a single API request to the embeddings endpoint.
func (e *OpenAIEmbedder) doRequest(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingRequest{
		Model: e.model,
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: failed to marshal request: %w", err)
	}

	endpoint := e.baseURL + "/embeddings"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)

	start := time.Now()
	resp, err := e.httpClient.Do(httpReq)
	e.observe(start, resp, err)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 50<<20))
	if err != nil {
		return nil, fmt.Errorf("openai: failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseAPIError(resp.StatusCode, respBody)
	}

	var embResp embeddingResponse
	if err := json.Unmarshal(respBody, &embResp); err != nil {
		return nil, fmt.Errorf("openai: failed to unmarshal response: %w", err)
	}

	if len(embResp.Data) != len(texts) {
		return nil, fmt.Errorf("openai: expected %d embeddings, got %d", len(texts), len(embResp.Data))
	}

	// The API tags each vector with its input index; order by it rather
	// than trusting response order.
	sort.Slice(embResp.Data, func(i, j int) bool {
		return embResp.Data[i].Index < embResp.Data[j].Index
	})

	vectors := make([][]float32, len(embResp.Data))
	for i, data := range embResp.Data {
		if data.Index < 0 || data.Index >= len(texts) {
			return nil, fmt.Errorf("openai: embedding index %d out of range", data.Index)
		}
		if data.Index != i {
			return nil, fmt.Errorf("openai: duplicate or missing embedding index %d", data.Index)
		}
		vectors[i] = data.Embedding
	}

	return vectors, nil
}

// APIError represents an error returned by the embeddings API.
type APIError struct {
	StatusCode int
	Message    string
	Type       string
	Code       string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("openai API error (status %d): %s", e.StatusCode, e.Message)
}

// parseAPIError parses an API error from the response status code and body.
func parseAPIError(statusCode int, body []byte) *APIError {
	apiErr := &APIError{
		StatusCode: statusCode,
		Message:    string(body),
	}

	var errResp openAIErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		apiErr.Message = errResp.Error.Message
		apiErr.Type = errResp.Error.Type
		apiErr.Code = errResp.Error.Code
	}

	return apiErr
}

// observe records request metrics. Transport errors and HTTP error
// statuses both count as failures.
func (e *OpenAIEmbedder) observe(start time.Time, resp *http.Response, err error) {
	if e.metrics == nil {
		return
	}

	e.metrics.ExternalRequestsTotal.WithLabelValues(metricsSource).Inc()
	e.metrics.ExternalRequestDuration.WithLabelValues(metricsSource).Observe(time.Since(start).Seconds())
	if err != nil || resp.StatusCode >= http.StatusBadRequest {
		e.metrics.ExternalRequestsFailed.WithLabelValues(metricsSource).Inc()
	}
}
