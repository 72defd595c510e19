package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCategory(t *testing.T) {
	tests := []struct {
		in      string
		want    Category
		wantErr bool
	}{
		{"marketing", CategoryMarketing, false},
		{" SURVEY ", CategorySurvey, false},
		{"Customer Support", CategoryCustomerSupport, false},
		{"customer-support", CategoryCustomerSupport, false},
		{"spam", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCategory(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnknownCategory)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEmailRecord_Classify(t *testing.T) {
	r := &EmailRecord{ID: "a", Embedding: []float32{1}}

	require.ErrorIs(t, r.Validate(), ErrNotClassified)
	require.NoError(t, r.Classify(CategorySurvey, 1.7, SourceLLMFallback))
	assert.Equal(t, CategorySurvey, r.CategoryValue())
	assert.Equal(t, SourceLLMFallback, r.SourceValue())
	assert.Equal(t, 1.0, r.Confidence)
	require.NoError(t, r.Validate())

	err := r.Classify(CategoryPersonal, 0.5, SourceVectorMatch)
	require.ErrorIs(t, err, ErrAlreadyClassified)
	assert.Equal(t, CategorySurvey, r.CategoryValue())
}

func TestEmailRecord_ClassifyRejectsUnknown(t *testing.T) {
	r := &EmailRecord{ID: "a"}
	require.ErrorIs(t, r.Classify("spam", 0.9, SourceLLMFallback), ErrUnknownCategory)
	assert.Nil(t, r.Category)
	assert.Nil(t, r.Source)
}

func TestClampConfidence(t *testing.T) {
	assert.Equal(t, 0.0, ClampConfidence(-0.1))
	assert.Equal(t, 0.0, ClampConfidence(math.NaN()))
	assert.Equal(t, 1.0, ClampConfidence(3))
	assert.Equal(t, 0.42, ClampConfidence(0.42))
}

func TestEntryFromRecord(t *testing.T) {
	r := &EmailRecord{
		ID:             "id-1",
		SenderDomain:   "shop.example.com",
		Embedding:      []float32{0.1, 0.2},
		BusinessName:   StringPtr("Example"),
		ContactAddress: StringPtr("privacy@example.com"),
	}
	require.NoError(t, r.Classify(CategoryMarketing, 0.9, SourceVectorMatch))

	e := EntryFromRecord(r)
	assert.Equal(t, "id-1", e.ID)
	assert.Equal(t, CategoryMarketing, e.Category)
	assert.Equal(t, "Example", e.BusinessName)
	assert.Equal(t, "privacy@example.com", e.ContactAddress)
}
