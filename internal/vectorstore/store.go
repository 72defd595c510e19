package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"email-classifier/internal/model"
	"email-classifier/pkg/metrics"
)

// Store is a similarity index over classified records.
type Store interface {
	// FindNearest returns up to topK candidates, nearest first. An empty
	// index yields an empty slice and no error.
	FindNearest(ctx context.Context, embedding []float32, topK int) ([]model.SimilarityCandidate, error)
	// Upsert inserts or replaces the entry with the same ID.
	Upsert(ctx context.Context, entry model.IndexEntry) error
	Close() error
}

// Config selects and configures a Store.
type Config struct {
	Type       string `yaml:"type"` // memory | qdrant | pgvector
	Dimension  int    `yaml:"dimension"`
	QdrantAddr string `yaml:"qdrant_addr"`
	Collection string `yaml:"collection"`
}

const (
	TypeMemory   = "memory"
	TypeQdrant   = "qdrant"
	TypePgvector = "pgvector"
)

// instrumented records latency and errors per operation.
type instrumented struct {
	backend string
	next    Store
}

// WithMetrics wraps s so every call is recorded under backend.
func WithMetrics(backend string, s Store) Store {
	return &instrumented{backend: backend, next: s}
}

func (i *instrumented) FindNearest(ctx context.Context, embedding []float32, topK int) ([]model.SimilarityCandidate, error) {
	start := time.Now()
	res, err := i.next.FindNearest(ctx, embedding, topK)
	metrics.RecordIndexOp(i.backend, "find_nearest", err, time.Since(start))
	return res, err
}

func (i *instrumented) Upsert(ctx context.Context, entry model.IndexEntry) error {
	start := time.Now()
	err := i.next.Upsert(ctx, entry)
	metrics.RecordIndexOp(i.backend, "upsert", err, time.Since(start))
	return err
}

func (i *instrumented) Close() error { return i.next.Close() }

func checkDimension(want int, v []float32) error {
	if len(v) == 0 {
		return errors.New("empty embedding")
	}
	if want > 0 && len(v) != want {
		return fmt.Errorf("embedding has %d dimensions, index expects %d", len(v), want)
	}
	return nil
}

// cosine returns the cosine similarity of a and b; 0 when either is zero or
// the lengths differ.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
