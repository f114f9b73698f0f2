package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/enrichment-service/internal/domain"
	"github.com/helixir/enrichment-service/internal/observability"
)

func newTestEmbedder(t *testing.T, handler http.Handler) *OpenAIEmbedder {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewOpenAIEmbedder(OpenAIConfig{
		APIKey:  "sk-test",
		BaseURL: server.URL,
	})
}

func TestEmbedReordersByIndex(t *testing.T) {
	embedder := newTestEmbedder(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Input, 3)

		// Vectors returned in reverse order; the index is authoritative.
		resp := embeddingResponse{Data: []embeddingData{
			{Index: 2, Embedding: []float32{0.3}},
			{Index: 1, Embedding: []float32{0.2}},
			{Index: 0, Embedding: []float32{0.1}},
		}}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))

	vectors, err := embedder.Embed(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	assert.Equal(t, []float32{0.1}, vectors[0])
	assert.Equal(t, []float32{0.2}, vectors[1])
	assert.Equal(t, []float32{0.3}, vectors[2])
}

func TestEmbedMissingAPIKey(t *testing.T) {
	embedder := NewOpenAIEmbedder(OpenAIConfig{})

	_, err := embedder.Embed(context.Background(), []string{"a"})
	assert.ErrorIs(t, err, domain.ErrMissingCredential)
}

func TestEmbedEmptyInput(t *testing.T) {
	embedder := newTestEmbedder(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected for empty input")
	}))

	vectors, err := embedder.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vectors)
}

func TestEmbedCountMismatch(t *testing.T) {
	embedder := newTestEmbedder(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := embeddingResponse{Data: []embeddingData{{Index: 0, Embedding: []float32{0.1}}}}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))

	_, err := embedder.Embed(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 2 embeddings")
}

func TestEmbedMakesSingleRequestPerCall(t *testing.T) {
	// Provider failures surface immediately: one Embed call is exactly
	// one API request, whatever the status code.
	tests := []struct {
		name   string
		status int
	}{
		{"rate limited", http.StatusTooManyRequests},
		{"server error", http.StatusInternalServerError},
		{"unauthorized", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			embedder := newTestEmbedder(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls++
				w.WriteHeader(tt.status)
				require.NoError(t, json.NewEncoder(w).Encode(openAIErrorResponse{
					Error: openAIErrorDetail{Message: "provider error"},
				}))
			}))

			_, err := embedder.Embed(context.Background(), []string{"a"})
			require.Error(t, err)
			assert.Equal(t, 1, calls)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
		})
	}
}

func TestEmbedRecordsRequestMetrics(t *testing.T) {
	// promauto registers with the default registry, so the namespace must
	// be unique to this test.
	metrics := observability.NewMetrics("embed_client_test")

	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		resp := embeddingResponse{Data: []embeddingData{{Index: 0, Embedding: []float32{0.1}}}}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(server.Close)

	embedder := NewOpenAIEmbedder(OpenAIConfig{
		APIKey:  "sk-test",
		BaseURL: server.URL,
		Metrics: metrics,
	})

	_, err := embedder.Embed(context.Background(), []string{"a"})
	require.Error(t, err)

	vectors, err := embedder.Embed(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.Len(t, vectors, 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.ExternalRequestsTotal.WithLabelValues("openai")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ExternalRequestsFailed.WithLabelValues("openai")))
}
