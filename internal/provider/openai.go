package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"

	apperrors "github.com/citation-checker/internal/errors"
	"github.com/citation-checker/internal/logging"
	"github.com/citation-checker/internal/types"
)

// OpenAIConfig configures the OpenAI-backed adapter.
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string // optional, for proxies and tests
}

// OpenAIAdapter validates batches through the chat completions API.
type OpenAIAdapter struct {
	name   types.Provider
	client *openai.Client
	model  string
}

// NewOpenAIAdapter creates an adapter registered under the given provider name.
func NewOpenAIAdapter(name types.Provider, cfg OpenAIConfig) (*OpenAIAdapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIAdapter{
		name:   name,
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
	}, nil
}

// Name implements Adapter.
func (a *OpenAIAdapter) Name() types.Provider {
	return a.name
}

// ValidateBatch implements Adapter.
func (a *OpenAIAdapter) ValidateBatch(ctx context.Context, citations []string, style string) (*types.BatchOutcome, error) {
	logger := logging.FromContext(ctx).WithField("provider", a.name)
	start := time.Now()

	req := openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(citations, style)},
		},
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, a.classify(err)
	}

	if len(resp.Choices) == 0 {
		// An empty answer is a model problem, not a transport one.
		logger.Warn("OpenAI returned no choices")
		return types.NewBatchOutcome(), nil
	}

	out := ParseResponse(resp.Choices[0].Message.Content, citations)
	logger.WithFields(map[string]interface{}{
		"model":        a.model,
		"finishReason": resp.Choices[0].FinishReason,
		"elapsed":      time.Since(start).String(),
	}).Debugf("OpenAI batch answered: %s", describeOutcome(out, len(citations)))
	return out, nil
}

// classify maps go-openai errors onto the provider error taxonomy.
func (a *OpenAIAdapter) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == 429 && apiErr.Code == "insufficient_quota" {
			return apperrors.NewProviderError(a.name, err)
		}
		return classifyStatus(a.name, apiErr.HTTPStatusCode, err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(a.name, reqErr.HTTPStatusCode, err)
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	// Dial failures, resets and deadline overruns.
	return apperrors.NewProviderTransientError(a.name, err)
}
