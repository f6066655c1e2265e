// Package memory holds in-memory stores for local development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/sports-provider-crawler/internal/crawler"
)

// DocumentStore keeps provider documents in a map and returns pseudo URIs.
type DocumentStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewDocumentStore creates a new in-memory document store.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{data: make(map[string][]byte)}
}

// PutDocument stores a copy of data under key.
func (s *DocumentStore) PutDocument(_ context.Context, key string, _ string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
	return fmt.Sprintf("memory://%s", key), nil
}

// GetDocument returns a copy of the document stored under key.
func (s *DocumentStore) GetDocument(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", key, crawler.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Len reports how many documents are stored.
func (s *DocumentStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
