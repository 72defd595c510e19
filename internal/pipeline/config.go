package pipeline

import (
	"errors"
	"fmt"
	"time"

	"email-classifier/internal/metadata"
	"email-classifier/internal/model"
)

// Config is passed to the Coordinator at construction; runs never read
// global state.
type Config struct {
	// ConfidenceThreshold is a pointer so that an explicit 0 is kept.
	ConfidenceThreshold *float64 `yaml:"confidence_threshold"`
	DomainMatchBonus    float64 `yaml:"domain_match_bonus"`
	RelatedDomainBonus  float64 `yaml:"related_domain_bonus"`
	TopK                int     `yaml:"top_k"`
	EmbeddingDim        int     `yaml:"embedding_dim"`

	FallbackRetryCount int           `yaml:"fallback_retry_count"`
	FallbackBaseDelay  time.Duration `yaml:"fallback_base_delay"`
	FallbackMaxDelay   time.Duration `yaml:"fallback_max_delay"`
	FallbackTimeout    time.Duration `yaml:"fallback_timeout"`

	IndexTimeout  time.Duration `yaml:"index_timeout"`
	ScrapeTimeout time.Duration `yaml:"scrape_timeout"`
	CommitTimeout time.Duration `yaml:"commit_timeout"`

	ContactRequiredCategories []model.Category `yaml:"contact_required_categories"`
	// DefaultCategory is applied when classification fails; empty means fail the run.
	DefaultCategory    model.Category `yaml:"default_category"`
	LowConfidenceFloor float64        `yaml:"low_confidence_floor"`
	// MaxTextLength caps the text handed to the fallback classifier. The
	// committed record keeps the full body.
	MaxTextLength int `yaml:"max_text_length"`
}

const defaultConfidenceThreshold = 0.85

// Float64 returns a pointer to v, for ConfidenceThreshold literals.
func Float64(v float64) *float64 { return &v }

func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold:       Float64(defaultConfidenceThreshold),
		DomainMatchBonus:          0.05,
		TopK:                      1,
		FallbackRetryCount:        3,
		FallbackBaseDelay:         500 * time.Millisecond,
		FallbackMaxDelay:          8 * time.Second,
		FallbackTimeout:           30 * time.Second,
		IndexTimeout:              2 * time.Second,
		ScrapeTimeout:             20 * time.Second,
		CommitTimeout:             10 * time.Second,
		ContactRequiredCategories: []model.Category{model.CategoryMarketing, model.CategorySurvey},
		MaxTextLength:             metadata.DefaultMaxEmailLength,
	}
}

// ApplyDefaults fills zero values from DefaultConfig.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.ConfidenceThreshold == nil {
		c.ConfidenceThreshold = d.ConfidenceThreshold
	}
	if c.MaxTextLength <= 0 {
		c.MaxTextLength = d.MaxTextLength
	}
	if c.TopK <= 0 {
		c.TopK = d.TopK
	}
	if c.FallbackRetryCount <= 0 {
		c.FallbackRetryCount = d.FallbackRetryCount
	}
	if c.FallbackBaseDelay <= 0 {
		c.FallbackBaseDelay = d.FallbackBaseDelay
	}
	if c.FallbackMaxDelay <= 0 {
		c.FallbackMaxDelay = d.FallbackMaxDelay
	}
	if c.FallbackTimeout <= 0 {
		c.FallbackTimeout = d.FallbackTimeout
	}
	if c.IndexTimeout <= 0 {
		c.IndexTimeout = d.IndexTimeout
	}
	if c.ScrapeTimeout <= 0 {
		c.ScrapeTimeout = d.ScrapeTimeout
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = d.CommitTimeout
	}
	if c.ContactRequiredCategories == nil {
		c.ContactRequiredCategories = d.ContactRequiredCategories
	}
}

func (c Config) Validate() error {
	var errs []error
	if t := c.Threshold(); t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("confidence_threshold %v out of [0,1]", t))
	}
	if c.LowConfidenceFloor < 0 || c.LowConfidenceFloor > 1 {
		errs = append(errs, fmt.Errorf("low_confidence_floor %v out of [0,1]", c.LowConfidenceFloor))
	}
	if c.FallbackMaxDelay < c.FallbackBaseDelay {
		errs = append(errs, errors.New("fallback_max_delay must not be below fallback_base_delay"))
	}
	for _, cat := range c.ContactRequiredCategories {
		if !cat.Valid() {
			errs = append(errs, fmt.Errorf("contact_required_categories: %w: %q", model.ErrUnknownCategory, cat))
		}
	}
	if c.DefaultCategory != "" && !c.DefaultCategory.Valid() {
		errs = append(errs, fmt.Errorf("default_category: %w: %q", model.ErrUnknownCategory, c.DefaultCategory))
	}
	return errors.Join(errs...)
}

// Threshold is the configured confidence threshold, or the default when unset.
func (c Config) Threshold() float64 {
	if c.ConfidenceThreshold == nil {
		return defaultConfidenceThreshold
	}
	return *c.ConfidenceThreshold
}

// ScoringPolicy extracts the scorer's inputs.
func (c Config) ScoringPolicy() ScoringPolicy {
	return ScoringPolicy{
		Threshold:          c.Threshold(),
		DomainMatchBonus:   c.DomainMatchBonus,
		RelatedDomainBonus: c.RelatedDomainBonus,
	}
}

// RetryPolicy extracts the fallback retry envelope.
func (c Config) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:       c.FallbackRetryCount,
		BaseDelay:      c.FallbackBaseDelay,
		MaxDelay:       c.FallbackMaxDelay,
		AttemptTimeout: c.FallbackTimeout,
	}
}

// RequiresContact reports whether records in c need a data-protection contact.
func (c Config) RequiresContact(cat model.Category) bool {
	for _, r := range c.ContactRequiredCategories {
		if r == cat {
			return true
		}
	}
	return false
}
