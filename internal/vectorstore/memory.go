package vectorstore

import (
	"context"
	"sort"
	"sync"

	"email-classifier/internal/model"
)

// MemoryStore keeps entries in a map and searches by brute force.
type MemoryStore struct {
	mu        sync.RWMutex
	dimension int
	entries   map[string]model.IndexEntry
}

func NewMemoryStore(dimension int) *MemoryStore {
	return &MemoryStore{dimension: dimension, entries: make(map[string]model.IndexEntry)}
}

func (m *MemoryStore) FindNearest(ctx context.Context, embedding []float32, topK int) ([]model.SimilarityCandidate, error) {
	if err := checkDimension(m.dimension, embedding); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 1
	}

	m.mu.RLock()
	results := make([]model.SimilarityCandidate, 0, len(m.entries))
	for _, e := range m.entries {
		results = append(results, model.SimilarityCandidate{
			ID:             e.ID,
			Score:          model.ClampConfidence(cosine(embedding, e.Embedding)),
			Category:       e.Category,
			SenderDomain:   e.SenderDomain,
			BusinessName:   e.BusinessName,
			ContactAddress: e.ContactAddress,
		})
	}
	m.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].ID < results[j].ID
		}
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (m *MemoryStore) Upsert(_ context.Context, entry model.IndexEntry) error {
	if err := checkDimension(m.dimension, entry.Embedding); err != nil {
		return err
	}
	entry.Embedding = append([]float32(nil), entry.Embedding...)

	m.mu.Lock()
	m.entries[entry.ID] = entry
	m.mu.Unlock()
	return nil
}

// Len returns the number of entries.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Get returns the entry for id.
func (m *MemoryStore) Get(id string) (model.IndexEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}

func (m *MemoryStore) Close() error { return nil }
