package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/citation-checker/internal/errors"
	"github.com/citation-checker/internal/logging"
	"github.com/citation-checker/internal/types"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiConfig configures the Gemini-backed adapter.
type GeminiConfig struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

// GeminiAdapter validates batches through the generateContent REST endpoint.
type GeminiAdapter struct {
	name       types.Provider
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	Contents          []geminiContent        `json:"contents"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	Error *geminiError `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// NewGeminiAdapter creates an adapter registered under the given provider name.
func NewGeminiAdapter(name types.Provider, cfg GeminiConfig) (*GeminiAdapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY not set")
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		// Per-call deadlines come from the retry policy's context.
		client = &http.Client{}
	}

	return &GeminiAdapter{
		name:       name,
		apiKey:     cfg.APIKey,
		model:      model,
		baseURL:    baseURL,
		httpClient: client,
	}, nil
}

// Name implements Adapter.
func (g *GeminiAdapter) Name() types.Provider {
	return g.name
}

// ValidateBatch implements Adapter.
func (g *GeminiAdapter) ValidateBatch(ctx context.Context, citations []string, style string) (*types.BatchOutcome, error) {
	logger := logging.FromContext(ctx).WithField("provider", g.name)
	start := time.Now()

	payload := geminiRequest{
		SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: systemPrompt}}},
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: BuildPrompt(citations, style)}}},
		},
		GenerationConfig: geminiGenerationConfig{
			Temperature:      0,
			ResponseMimeType: "application/json",
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.NewProviderError(g.name, fmt.Errorf("encode request: %w", err))
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, g.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.NewProviderError(g.name, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, apperrors.NewProviderTransientError(g.name, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			logger.WithError(cerr).Warn("Failed to close Gemini response body")
		}
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewProviderTransientError(g.name, fmt.Errorf("read response: %w", err))
	}

	var apiResp geminiResponse
	decodeErr := json.Unmarshal(raw, &apiResp)

	if resp.StatusCode != http.StatusOK {
		cause := fmt.Errorf("gemini API returned status %d: %s", resp.StatusCode, truncate(string(raw), 200))
		if decodeErr == nil && apiResp.Error != nil && apiResp.Error.Status == "RESOURCE_EXHAUSTED" {
			return nil, apperrors.NewProviderRateLimitedError(g.name, cause)
		}
		return nil, classifyStatus(g.name, resp.StatusCode, cause)
	}
	if decodeErr != nil {
		// 200 with a body we cannot read: the gateway mangled it, try again.
		return nil, apperrors.NewProviderTransientError(g.name, fmt.Errorf("decode response: %w", decodeErr))
	}

	if len(apiResp.Candidates) == 0 {
		logger.Warn("Gemini returned no candidates")
		return types.NewBatchOutcome(), nil
	}

	var text strings.Builder
	for _, part := range apiResp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	out := ParseResponse(text.String(), citations)
	logger.WithFields(map[string]interface{}{
		"model":        g.model,
		"finishReason": apiResp.Candidates[0].FinishReason,
		"elapsed":      time.Since(start).String(),
	}).Debugf("Gemini batch answered: %s", describeOutcome(out, len(citations)))
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
