package pipeline

import (
	"context"
	"errors"
	"sync"

	"email-classifier/internal/model"
)

type fakeIndex struct {
	mu         sync.Mutex
	candidates []model.SimilarityCandidate
	findErr    error
	upsertErr  error
	entries    map[string]model.IndexEntry
	queries    int
	// block makes FindNearest wait for the caller's deadline.
	block bool
}

func newFakeIndex(candidates ...model.SimilarityCandidate) *fakeIndex {
	return &fakeIndex{candidates: candidates, entries: map[string]model.IndexEntry{}}
}

func (f *fakeIndex) FindNearest(ctx context.Context, _ []float32, topK int) ([]model.SimilarityCandidate, error) {
	f.mu.Lock()
	f.queries++
	block := f.block
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	if len(f.candidates) > topK {
		return f.candidates[:topK], nil
	}
	return f.candidates, nil
}

func (f *fakeIndex) Upsert(_ context.Context, e model.IndexEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.entries[e.ID] = e
	return nil
}

func (f *fakeIndex) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[id]
	return ok
}

type classifyResult struct {
	category   model.Category
	confidence float64
	err        error
}

// scriptedClassifier replays results; the last one repeats.
type scriptedClassifier struct {
	mu      sync.Mutex
	results []classifyResult
	calls   int
	texts   []string
}

func (s *scriptedClassifier) Classify(_ context.Context, text string, _ model.Metadata) (model.Category, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	i := s.calls
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	s.calls++
	r := s.results[i]
	return r.category, r.confidence, r.err
}

type fakeScraper struct {
	addr    string
	err     error
	calls   int
	domains []string
	// block makes FindContact wait for the caller's deadline.
	block bool
}

func (f *fakeScraper) FindContact(ctx context.Context, domain string) (string, error) {
	f.calls++
	f.domains = append(f.domains, domain)
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.addr, f.err
}

type fakeStore struct {
	mu      sync.Mutex
	saveErr error
	records map[string]*model.EmailRecord
	indexed []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]*model.EmailRecord{}}
}

func (f *fakeStore) Save(_ context.Context, rec *model.EmailRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	if _, ok := f.records[rec.ID]; ok {
		return errors.New("duplicate key")
	}
	cp := *rec
	f.records[rec.ID] = &cp
	return nil
}

func (f *fakeStore) get(id string) (*model.EmailRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	return r, ok
}

// trackingStore also implements IndexSyncTracker.
type trackingStore struct {
	*fakeStore
	markErr error
}

func (t *trackingStore) MarkIndexed(_ context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.indexed = append(t.indexed, id)
	return t.markErr
}
