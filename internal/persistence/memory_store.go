package persistence

import (
	"context"
	"sync"

	"cellar/internal/domain"
)

// MemoryStore keeps snapshots in process memory under a byte quota shared by
// all keys, the way browser storage limits an origin.
type MemoryStore struct {
	mu    sync.Mutex
	quota int
	used  int
	data  map[string][]byte
}

// NewMemoryStore creates a store. A quota of zero or less means unlimited.
func NewMemoryStore(quota int) *MemoryStore {
	return &MemoryStore{quota: quota, data: make(map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, domain.ErrSnapshotNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	used := s.used - len(s.data[key])
	if s.quota > 0 && used+len(value) > s.quota {
		return &domain.QuotaExceededError{Key: key, Size: len(value), Available: s.quota - used}
	}
	s.data[key] = append([]byte(nil), value...)
	s.used = used + len(value)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used -= len(s.data[key])
	delete(s.data, key)
	return nil
}

// Used returns the bytes currently stored.
func (s *MemoryStore) Used() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}
