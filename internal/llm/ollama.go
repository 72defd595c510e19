package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"email-classifier/internal/model"
	"email-classifier/pkg/metrics"
	"email-classifier/pkg/util"

	"github.com/ollama/ollama/api"
)

const (
	DefaultOllamaURL        = "http://localhost:11434"
	DefaultOllamaModel      = "llama3.2"
	DefaultOllamaEmbedModel = "nomic-embed-text"
	backendOllama           = "ollama"
)

func newOllamaClient(cfg Config) (*api.Client, error) {
	raw := cfg.BaseURL
	if raw == "" {
		raw = DefaultOllamaURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama url %q: %w", raw, err)
	}
	return api.NewClient(u, http.DefaultClient), nil
}

// OllamaClassifier classifies with a local model through the chat API.
type OllamaClassifier struct {
	client      *api.Client
	model       string
	temperature float64
	maxTokens   int
}

func NewOllamaClassifier(cfg Config) (*OllamaClassifier, error) {
	client, err := newOllamaClient(cfg)
	if err != nil {
		return nil, err
	}
	m := cfg.Model
	if m == "" {
		m = DefaultOllamaModel
	}
	return &OllamaClassifier{client: client, model: m, temperature: cfg.Temperature, maxTokens: cfg.MaxTokens}, nil
}

func (c *OllamaClassifier) Classify(ctx context.Context, text string, meta model.Metadata) (model.Category, float64, error) {
	stream := false
	options := map[string]interface{}{"temperature": c.temperature}
	if c.maxTokens > 0 {
		options["num_predict"] = c.maxTokens
	}

	req := &api.ChatRequest{
		Model: c.model,
		Messages: []api.Message{
			{Role: "system", Content: SystemPrompt},
			{Role: "user", Content: BuildUserPrompt(text, meta)},
		},
		Stream:  &stream,
		Format:  json.RawMessage(`"json"`),
		Options: options,
	}

	start := time.Now()
	var reply strings.Builder
	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		reply.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		metrics.RecordFallbackCallLatency(backendOllama, "error", time.Since(start))
		return "", 0, classifyOllamaError(err)
	}
	metrics.RecordFallbackCallLatency(backendOllama, "success", time.Since(start))

	return ParseClassification(reply.String())
}

// classifyOllamaError marks a missing model or a bad request permanent.
func classifyOllamaError(err error) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 &&
		statusErr.StatusCode != http.StatusTooManyRequests {
		return util.Permanent(fmt.Errorf("ollama: %w", err))
	}
	return fmt.Errorf("ollama: %w", err)
}

// OllamaEmbedder produces embeddings with the embeddings API.
type OllamaEmbedder struct {
	client *api.Client
	model  string
}

func NewOllamaEmbedder(cfg Config) (*OllamaEmbedder, error) {
	client, err := newOllamaClient(cfg)
	if err != nil {
		return nil, err
	}
	m := cfg.EmbedModel
	if m == "" {
		m = DefaultOllamaEmbedModel
	}
	return &OllamaEmbedder{client: client, model: m}, nil
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings(ctx, &api.EmbeddingRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, errors.New("ollama embeddings: empty response")
	}
	out := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}
