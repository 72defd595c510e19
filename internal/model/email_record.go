package model

import (
	"errors"
	"fmt"
	"time"
)

// Metadata 由上游提取的邮件元数据
type Metadata struct {
	Footer         string   `json:"footer,omitempty"`
	URLs           []string `json:"urls,omitempty"`
	ContactAddress string   `json:"contact_address,omitempty"`
}

// EmailRecord is the unit of work for one pipeline run and, once committed,
// the durable artifact in the record store.
type EmailRecord struct {
	ID             string    `json:"id"`
	SenderDomain   string    `json:"sender_domain"`
	Subject        string    `json:"subject"`
	Body           string    `json:"body"`
	Metadata       Metadata  `json:"metadata"`
	Category       *Category `json:"category,omitempty"`
	Confidence     float64   `json:"confidence"`
	Source         *Source   `json:"classification_source,omitempty"`
	LowConfidence  bool      `json:"low_confidence"`
	BusinessName   *string   `json:"business_name,omitempty"`
	ContactAddress *string   `json:"contact_address,omitempty"`
	ProcessedAt    time.Time `json:"processed_at"`
	Embedding      []float32 `json:"-"`
}

var (
	ErrAlreadyClassified = errors.New("record already classified")
	ErrNotClassified     = errors.New("record not classified")
)

// Classify sets category, confidence and source together. A record that
// already carries a category cannot be reclassified.
func (r *EmailRecord) Classify(c Category, confidence float64, src Source) error {
	if r.Category != nil {
		return ErrAlreadyClassified
	}
	if !c.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, c)
	}
	if !src.Valid() {
		return fmt.Errorf("invalid classification source %q", src)
	}
	r.Category = &c
	r.Source = &src
	r.Confidence = ClampConfidence(confidence)
	return nil
}

// Validate checks the invariants a record must satisfy before commit.
func (r *EmailRecord) Validate() error {
	if r.ID == "" {
		return errors.New("record id is empty")
	}
	if (r.Category == nil) != (r.Source == nil) {
		return errors.New("category and classification source must be set together")
	}
	if r.Category == nil {
		return ErrNotClassified
	}
	if !r.Category.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, *r.Category)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("confidence %v out of range", r.Confidence)
	}
	if len(r.Embedding) == 0 {
		return errors.New("record has no embedding")
	}
	return nil
}

// CategoryValue returns the category or "" when unset.
func (r *EmailRecord) CategoryValue() Category {
	if r.Category == nil {
		return ""
	}
	return *r.Category
}

// SourceValue returns the classification source or "" when unset.
func (r *EmailRecord) SourceValue() Source {
	if r.Source == nil {
		return ""
	}
	return *r.Source
}

// Text is the anonymized content handed to classifiers.
func (r *EmailRecord) Text() string {
	if r.Subject == "" {
		return r.Body
	}
	return "Subject: " + r.Subject + "\n\n" + r.Body
}

// ClampConfidence bounds a score to [0,1]; NaN becomes 0.
func ClampConfidence(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// StringPtr returns nil for the empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
