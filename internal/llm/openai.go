package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"email-classifier/internal/model"
	"email-classifier/pkg/metrics"
	"email-classifier/pkg/util"

	openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultOpenAIModel = "gpt-4o-mini"
	backendOpenAI      = "openai"
)

// OpenAIClassifier classifies through a chat completion in JSON mode.
type OpenAIClassifier struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
}

func newOpenAIClient(cfg Config) *openai.Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return openai.NewClientWithConfig(oc)
}

func NewOpenAIClassifier(cfg Config) *OpenAIClassifier {
	m := cfg.Model
	if m == "" {
		m = DefaultOpenAIModel
	}
	return &OpenAIClassifier{
		client:      newOpenAIClient(cfg),
		model:       m,
		temperature: float32(cfg.Temperature),
		maxTokens:   cfg.MaxTokens,
	}
}

func (c *OpenAIClassifier) Classify(ctx context.Context, text string, meta model.Metadata) (model.Category, float64, error) {
	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildUserPrompt(text, meta)},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		metrics.RecordFallbackCallLatency(backendOpenAI, "error", time.Since(start))
		return "", 0, classifyOpenAIError(err)
	}
	metrics.RecordFallbackCallLatency(backendOpenAI, "success", time.Since(start))

	if len(resp.Choices) == 0 {
		return "", 0, fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}
	return ParseClassification(resp.Choices[0].Message.Content)
}

// classifyOpenAIError marks client errors other than rate limiting permanent.
func classifyOpenAIError(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests && status != http.StatusRequestTimeout {
		return util.Permanent(fmt.Errorf("openai: %w", err))
	}
	return fmt.Errorf("openai: %w", err)
}

// OpenAIEmbedder produces embeddings with the embeddings endpoint.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewOpenAIEmbedder resolves embed_model against the models the client
// library knows; an unknown name is a configuration error.
func NewOpenAIEmbedder(cfg Config) (*OpenAIEmbedder, error) {
	m := openai.AdaEmbeddingV2
	if cfg.EmbedModel != "" {
		if err := m.UnmarshalText([]byte(cfg.EmbedModel)); err != nil || m == openai.Unknown {
			return nil, fmt.Errorf("unsupported openai embed_model %q", cfg.EmbedModel)
		}
	}
	return &OpenAIEmbedder{client: newOpenAIClient(cfg), model: m}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: e.model,
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, errors.New("openai embeddings: empty response")
	}
	return resp.Data[0].Embedding, nil
}
