package llm

import (
	"context"
	"fmt"
	"time"

	"email-classifier/internal/model"

	"go.uber.org/zap"
)

// Provider names.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderAgent  = "agent"
)

// Config selects a classification backend and an embedding backend.
type Config struct {
	Provider      string        `yaml:"provider"`
	Model         string        `yaml:"model"`
	APIKey        string        `yaml:"api_key"`
	BaseURL       string        `yaml:"base_url"`
	Temperature   float64       `yaml:"temperature"`
	MaxTokens     int           `yaml:"max_tokens"`
	Timeout       time.Duration `yaml:"timeout"`
	EmbedProvider string        `yaml:"embed_provider"`
	EmbedModel    string        `yaml:"embed_model"`
	EmbedBaseURL  string        `yaml:"embed_base_url"`
}

// Classifier is one fallback classification backend.
type Classifier interface {
	Classify(ctx context.Context, text string, meta model.Metadata) (model.Category, float64, error)
}

// Embedder turns anonymized text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// NewClassifier picks the backend once, at startup.
func NewClassifier(cfg Config, logger *zap.Logger) (Classifier, error) {
	switch cfg.Provider {
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai provider needs an api key")
		}
		return NewOpenAIClassifier(cfg), nil
	case ProviderOllama:
		return NewOllamaClassifier(cfg)
	case ProviderAgent:
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("agent provider needs a base url")
		}
		return NewAgentClassifier(cfg, logger), nil
	}
	return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
}

// NewEmbedder picks the embedding backend. EmbedProvider defaults to
// Provider; the agent has no embedding endpoint.
func NewEmbedder(cfg Config) (Embedder, error) {
	p := cfg.EmbedProvider
	if p == "" {
		p = cfg.Provider
	}
	switch {
	case cfg.EmbedBaseURL != "":
		cfg.BaseURL = cfg.EmbedBaseURL
	case p != cfg.Provider:
		cfg.BaseURL = ""
	}
	switch p {
	case ProviderOpenAI:
		return NewOpenAIEmbedder(cfg)
	case ProviderOllama:
		return NewOllamaEmbedder(cfg)
	}
	return nil, fmt.Errorf("no embedder for provider %q", p)
}
