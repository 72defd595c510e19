package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"email-classifier/internal/metadata"
	"email-classifier/pkg/metrics"

	"github.com/ollama/ollama/api"
	openai "github.com/sashabaranov/go-openai"
)

const ContactSystemPrompt = `You extract Data Protection Officer (DPO) contact details from privacy policy text.

Look for:
- "Data Protection Officer" or "DPO"
- "Privacy Officer" or "Chief Privacy Officer"
- "Data Protection Contact"
- email addresses tied to privacy or data protection requests

Only extract an address that is clearly meant for data protection matters.
Reply with the email address alone, or "None" if there is no such address.`

// ErrNoContactExtractor is returned for providers without a contact capability.
var ErrNoContactExtractor = errors.New("provider cannot extract contacts")

// ContactExtractor reads a data-protection address out of policy page text.
// "" with a nil error means the page names none.
type ContactExtractor interface {
	ExtractContact(ctx context.Context, pageText string) (string, error)
}

// NewContactExtractor reuses the classification backend. The agent service
// only classifies, so callers fall back to pattern matching for it.
func NewContactExtractor(cfg Config) (ContactExtractor, error) {
	switch cfg.Provider {
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai provider needs an api key")
		}
		return NewOpenAIClassifier(cfg), nil
	case ProviderOllama:
		c, err := NewOllamaClassifier(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNoContactExtractor, cfg.Provider)
}

// BuildContactPrompt renders the page text for extraction.
func BuildContactPrompt(pageText string) string {
	return "Extract the Data Protection Officer (DPO) email address from this privacy policy text:\n\n" +
		pageText +
		"\n\nReturn only the email address or \"None\" if not found."
}

// ParseContact returns the first address in a model reply, lowercased.
func ParseContact(raw string) string {
	s := strings.Trim(strings.TrimSpace(raw), "`\"'")
	if s == "" || strings.EqualFold(s, "none") {
		return ""
	}
	emails := metadata.ExtractEmails(s)
	if len(emails) == 0 {
		return ""
	}
	return strings.ToLower(emails[0])
}

func (c *OpenAIClassifier) ExtractContact(ctx context.Context, pageText string) (string, error) {
	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: ContactSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildContactPrompt(pageText)},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		metrics.RecordFallbackCallLatency(backendOpenAI+"_contact", "error", time.Since(start))
		return "", classifyOpenAIError(err)
	}
	metrics.RecordFallbackCallLatency(backendOpenAI+"_contact", "success", time.Since(start))

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}
	return ParseContact(resp.Choices[0].Message.Content), nil
}

func (c *OllamaClassifier) ExtractContact(ctx context.Context, pageText string) (string, error) {
	stream := false
	options := map[string]interface{}{"temperature": c.temperature}
	if c.maxTokens > 0 {
		options["num_predict"] = c.maxTokens
	}

	start := time.Now()
	var reply strings.Builder
	err := c.client.Chat(ctx, &api.ChatRequest{
		Model: c.model,
		Messages: []api.Message{
			{Role: "system", Content: ContactSystemPrompt},
			{Role: "user", Content: BuildContactPrompt(pageText)},
		},
		Stream:  &stream,
		Options: options,
	}, func(resp api.ChatResponse) error {
		reply.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		metrics.RecordFallbackCallLatency(backendOllama+"_contact", "error", time.Since(start))
		return "", classifyOllamaError(err)
	}
	metrics.RecordFallbackCallLatency(backendOllama+"_contact", "success", time.Since(start))

	return ParseContact(reply.String()), nil
}
