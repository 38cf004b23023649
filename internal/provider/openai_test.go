package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/citation-checker/internal/errors"
	"github.com/citation-checker/internal/types"
)

func newOpenAITestServer(t *testing.T, handler http.HandlerFunc) *OpenAIAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a, err := NewOpenAIAdapter(types.ProviderA, OpenAIConfig{
		APIKey:  "test-key",
		Model:   "gpt-4o-mini",
		BaseURL: srv.URL + "/v1",
	})
	require.NoError(t, err)
	return a
}

func writeOpenAIError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": "upstream said no",
			"type":    "requests",
			"code":    code,
		},
	})
}

func TestOpenAIAdapter_ValidateBatch(t *testing.T) {
	a := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Contains(t, req.Messages[1].Content, "2. second")

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleAssistant,
					Content: `{"results":[{"index":1,"source_type":"book","is_valid":true,"errors":[]},{"index":2,"is_valid":false,"errors":[{"component":"year","problem":"missing"}]}]}`,
				},
				FinishReason: openai.FinishReasonStop,
			}},
		})
	})

	out, err := a.ValidateBatch(context.Background(), []string{"first", "second"}, "apa7")

	require.NoError(t, err)
	require.Len(t, out.Parsed, 2)
	assert.True(t, out.Parsed[1].IsValid)
	assert.False(t, out.Parsed[2].IsValid)
	assert.Equal(t, "second", out.Parsed[2].OriginalText)
	assert.Equal(t, types.ProviderA, a.Name())
}

func TestOpenAIAdapter_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   string
		want   apperrors.RetryClass
	}{
		{"rate limited", http.StatusTooManyRequests, "rate_limit_exceeded", apperrors.RetryRateLimited},
		{"quota exhausted", http.StatusTooManyRequests, "insufficient_quota", apperrors.RetryNone},
		{"server error", http.StatusInternalServerError, "server_error", apperrors.RetryTransient},
		{"bad key", http.StatusUnauthorized, "invalid_api_key", apperrors.RetryNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
				writeOpenAIError(w, tt.status, tt.code)
			})

			out, err := a.ValidateBatch(context.Background(), []string{"x"}, "apa7")

			require.Error(t, err)
			assert.Nil(t, out)
			assert.Equal(t, tt.want, apperrors.Classify(err))

			var catErr *apperrors.CategorizedError
			assert.True(t, errors.As(err, &catErr))
		})
	}
}

func TestOpenAIAdapter_NoChoices(t *testing.T) {
	a := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[]}`))
	})

	out, err := a.ValidateBatch(context.Background(), []string{"x"}, "apa7")

	require.NoError(t, err)
	assert.Empty(t, out.Parsed)
}

func TestNewOpenAIAdapter_RequiresKey(t *testing.T) {
	_, err := NewOpenAIAdapter(types.ProviderA, OpenAIConfig{})
	assert.Error(t, err)
}
