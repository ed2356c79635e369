package vectorstore

import (
	"context"
	"fmt"
	"sync"
)

type memoryCollection struct {
	desc    Collection
	records map[string]Record
}

// MemoryStore keeps collections in process. Used by tests and the "memory"
// backend.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memoryCollection
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]*memoryCollection)}
}

func (s *MemoryStore) EnsureCollection(_ context.Context, c Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.collections[c.Name]; ok {
		return CheckCompatible(existing.desc, c)
	}
	s.collections[c.Name] = &memoryCollection{desc: c, records: make(map[string]Record)}
	return nil
}

func (s *MemoryStore) Describe(_ context.Context, name string) (Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	col, ok := s.collections[name]
	if !ok {
		return Collection{}, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	return col.desc, nil
}

func (s *MemoryStore) Upsert(_ context.Context, collection string, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	col, ok := s.collections[collection]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	if err := validateRecords(col.desc, records); err != nil {
		return err
	}
	for _, rec := range records {
		vec := make([]float32, len(rec.Vector))
		copy(vec, rec.Vector)
		rec.Vector = vec
		rec.Metadata = copyMetadata(rec.Metadata)
		col.records[rec.ID] = rec
	}
	return nil
}

func (s *MemoryStore) Search(_ context.Context, collection string, vector []float32, k int) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	col, ok := s.collections[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	if col.desc.Dimension > 0 && len(vector) != col.desc.Dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, collection expects %d", ErrDimensionMismatch, len(vector), col.desc.Dimension)
	}
	records := make([]Record, 0, len(col.records))
	for _, rec := range col.records {
		records = append(records, rec)
	}
	return rank(records, vector, k), nil
}

func (s *MemoryStore) Count(_ context.Context, collection string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	col, ok := s.collections[collection]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	return len(col.records), nil
}

func (s *MemoryStore) Prune(_ context.Context, collection string, keep []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	col, ok := s.collections[collection]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
	}
	set := keepSet(keep)
	removed := 0
	for id := range col.records {
		if _, ok := set[id]; !ok {
			delete(col.records, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Drop(_ context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, collection)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
