package pricemap

import (
	"context"
	"sync"
)

type memoryKey struct {
	product int64
	variant int64
}

// MemoryStore keeps encoded maps in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[memoryKey][]byte
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[memoryKey][]byte{}}
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, m Map) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[memoryKey{m.ProductID, m.VariantID}] = data
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, productID, variantID int64) (Map, error) {
	s.mu.RLock()
	data, ok := s.data[memoryKey{productID, variantID}]
	s.mu.RUnlock()
	if !ok {
		return Map{}, ErrNotFound
	}
	return Decode(data)
}

// Raw returns the encoded bytes of a stored map.
func (s *MemoryStore) Raw(productID, variantID int64) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[memoryKey{productID, variantID}]
	return data, ok
}

// Len returns the number of stored maps.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
