package pipeline

import (
	"context"

	"email-classifier/internal/model"
)

// SimilarityIndex is the nearest-neighbour store of classified records.
// FindNearest returns candidates nearest first and an empty slice, not an
// error, on an empty index. Upsert replaces by ID.
type SimilarityIndex interface {
	FindNearest(ctx context.Context, embedding []float32, topK int) ([]model.SimilarityCandidate, error)
	Upsert(ctx context.Context, entry model.IndexEntry) error
}

// FallbackClassifier is one external classification backend.
type FallbackClassifier interface {
	Classify(ctx context.Context, text string, meta model.Metadata) (model.Category, float64, error)
}

// PolicyScraper looks up a data-protection contact on the sender's site.
// An empty address with nil error means the page had no match.
type PolicyScraper interface {
	FindContact(ctx context.Context, domain string) (string, error)
}

// RecordStore is the authoritative store.
type RecordStore interface {
	Save(ctx context.Context, rec *model.EmailRecord) error
}

// IndexSyncTracker is optionally implemented by a RecordStore that tracks
// which records still need an index write.
type IndexSyncTracker interface {
	MarkIndexed(ctx context.Context, emailID string) error
}
