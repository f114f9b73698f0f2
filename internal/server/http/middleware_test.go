package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelationIDMiddleware(t *testing.T) {
	handler := correlationIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("propagates caller id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Correlation-ID", "abc-123")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)
		assert.Equal(t, "abc-123", rec.Header().Get("X-Correlation-ID"))
	})

	t.Run("generates one when absent", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)
		assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
	})
}

func TestProjectContextMiddleware(t *testing.T) {
	s := newTestServer(newStubJobRepo(), &stubDispatcher{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects/project-7/jobs", nil)
	req.Header.Set("X-User-ID", "user-42")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestJSONContentType(t *testing.T) {
	s := newTestServer(newStubJobRepo(), &stubDispatcher{})

	rec := doRequest(t, s, http.MethodGet, "/api/v1/projects/project-1/jobs", nil)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
}
