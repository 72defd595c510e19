package model

import (
	"errors"
	"fmt"
	"strings"
)

// Category 邮件分类（固定的封闭集合）
type Category string

const (
	CategoryMarketing       Category = "marketing"
	CategoryTransactional   Category = "transactional"
	CategorySurvey          Category = "survey"
	CategoryPersonal        Category = "personal"
	CategoryCustomerSupport Category = "customer_support"
)

// Taxonomy lists every category a record may be classified into.
var Taxonomy = []Category{
	CategoryMarketing,
	CategoryTransactional,
	CategorySurvey,
	CategoryPersonal,
	CategoryCustomerSupport,
}

var ErrUnknownCategory = errors.New("category not in taxonomy")

// Valid reports whether c belongs to the taxonomy.
func (c Category) Valid() bool {
	for _, t := range Taxonomy {
		if c == t {
			return true
		}
	}
	return false
}

func (c Category) String() string {
	return string(c)
}

// ParseCategory normalises a free-form label ("Customer Support", " SURVEY ")
// and rejects anything outside the taxonomy.
func ParseCategory(label string) (Category, error) {
	norm := strings.ToLower(strings.TrimSpace(label))
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)
	c := Category(norm)
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, label)
	}
	return c, nil
}

// Source 分类来源
type Source string

const (
	SourceVectorMatch Source = "vector_match"
	SourceLLMFallback Source = "llm_fallback"
)

func (s Source) Valid() bool {
	return s == SourceVectorMatch || s == SourceLLMFallback
}

func (s Source) String() string {
	return string(s)
}
