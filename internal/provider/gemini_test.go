package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/citation-checker/internal/errors"
	"github.com/citation-checker/internal/types"
)

func newGeminiTestServer(t *testing.T, handler http.HandlerFunc) *GeminiAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	g, err := NewGeminiAdapter(types.ProviderB, GeminiConfig{
		APIKey:     "gem-key",
		Model:      "gemini-test",
		BaseURL:    srv.URL + "/",
		HTTPClient: srv.Client(),
	})
	require.NoError(t, err)
	return g
}

func TestGeminiAdapter_ValidateBatch(t *testing.T) {
	g := newGeminiTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/models/gemini-test:generateContent", r.URL.Path)
		assert.Equal(t, "gem-key", r.Header.Get("x-goog-api-key"))

		var req geminiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "application/json", req.GenerationConfig.ResponseMimeType)
		require.Len(t, req.Contents, 1)
		assert.Contains(t, req.Contents[0].Parts[0].Text, "1. only")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[
			{"text":"[{\"index\": 1, \"source_type\": \"web page\", "},
			{"text":"\"is_valid\": true, \"errors\": []}]"}
		]},"finishReason":"STOP"}]}`))
	})

	out, err := g.ValidateBatch(context.Background(), []string{"only"}, "apa7")

	require.NoError(t, err)
	require.Len(t, out.Parsed, 1)
	assert.True(t, out.Parsed[1].IsValid)
	assert.Equal(t, "webpage", out.Parsed[1].SourceType)
}

func TestGeminiAdapter_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   apperrors.RetryClass
	}{
		{
			name:   "resource exhausted",
			status: http.StatusTooManyRequests,
			body:   `{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`,
			want:   apperrors.RetryRateLimited,
		},
		{
			name:   "service unavailable",
			status: http.StatusServiceUnavailable,
			body:   `{"error":{"code":503,"message":"overloaded","status":"UNAVAILABLE"}}`,
			want:   apperrors.RetryTransient,
		},
		{
			name:   "bad key",
			status: http.StatusBadRequest,
			body:   `{"error":{"code":400,"message":"API key not valid","status":"INVALID_ARGUMENT"}}`,
			want:   apperrors.RetryNone,
		},
		{
			name:   "mangled 200",
			status: http.StatusOK,
			body:   `<html>gateway</html>`,
			want:   apperrors.RetryTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGeminiTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			out, err := g.ValidateBatch(context.Background(), []string{"x"}, "apa7")

			require.Error(t, err)
			assert.Nil(t, out)
			assert.Equal(t, tt.want, apperrors.Classify(err))
		})
	}
}

func TestGeminiAdapter_NoCandidates(t *testing.T) {
	g := newGeminiTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	})

	out, err := g.ValidateBatch(context.Background(), []string{"x"}, "apa7")

	require.NoError(t, err)
	assert.Empty(t, out.Parsed)
}

func TestNewGeminiAdapter_Defaults(t *testing.T) {
	g, err := NewGeminiAdapter(types.ProviderB, GeminiConfig{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, defaultGeminiBaseURL, g.baseURL)
	assert.Equal(t, "gemini-2.0-flash", g.model)

	_, err = NewGeminiAdapter(types.ProviderB, GeminiConfig{})
	assert.Error(t, err)
}
