package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"email-classifier/internal/model"
)

const SystemPrompt = `You are an expert email classifier.

Classify the email into exactly one of these categories: marketing, transactional, survey, personal, customer_support

Guidelines:
- marketing: promotional content, newsletters, advertisements
- transactional: order confirmations, receipts, account notifications
- survey: feedback requests, questionnaires, polls
- personal: personal communications, individual correspondence
- customer_support: help desk responses, support tickets, FAQ responses

Be conservative with confidence: only use high scores when very certain.
Respond with a single JSON object and nothing else: {"category": "...", "confidence": 0.0}`

const maxPromptURLs = 10

// BuildUserPrompt renders the anonymized email and its metadata.
func BuildUserPrompt(text string, meta model.Metadata) string {
	footer := meta.Footer
	if footer == "" {
		footer = "No footer"
	}
	urls := "No URLs"
	if len(meta.URLs) > 0 {
		u := meta.URLs
		if len(u) > maxPromptURLs {
			u = u[:maxPromptURLs]
		}
		urls = strings.Join(u, ", ")
	}

	var b strings.Builder
	b.WriteString("Please classify the following email.\n\nEmail Content:\n")
	b.WriteString(text)
	b.WriteString("\n\nFooter Text: ")
	b.WriteString(footer)
	b.WriteString("\nURLs Found: ")
	b.WriteString(urls)
	b.WriteString("\n\nRespond with the JSON object only.")
	return b.String()
}

// ErrMalformedResponse is returned when no JSON object can be read from a
// model reply.
var ErrMalformedResponse = errors.New("malformed classifier response")

type classification struct {
	Category        string   `json:"category"`
	EmailCategory   string   `json:"email_category"`
	Confidence      *float64 `json:"confidence"`
	ConfidenceScore *float64 `json:"confidence_score"`
	Reasoning       string   `json:"reasoning"`
}

// ParseClassification reads {category, confidence} out of a model reply,
// tolerating markdown fences and surrounding prose. The label is normalised
// but not checked against the taxonomy.
func ParseClassification(raw string) (model.Category, float64, error) {
	body := extractJSON(raw)
	if body == "" {
		return "", 0, fmt.Errorf("%w: no JSON object in %q", ErrMalformedResponse, truncate(raw, 200))
	}

	var c classification
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	label := c.Category
	if label == "" {
		label = c.EmailCategory
	}
	if strings.TrimSpace(label) == "" {
		return "", 0, fmt.Errorf("%w: missing category", ErrMalformedResponse)
	}

	var confidence float64
	switch {
	case c.Confidence != nil:
		confidence = *c.Confidence
	case c.ConfidenceScore != nil:
		confidence = *c.ConfidenceScore
	}
	return normalizeLabel(label), model.ClampConfidence(confidence), nil
}

func normalizeLabel(label string) model.Category {
	if c, err := model.ParseCategory(label); err == nil {
		return c
	}
	return model.Category(strings.ToLower(strings.TrimSpace(label)))
}

func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
