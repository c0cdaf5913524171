package storage

import (
	"bytes"
	"context"
	"sync"

	"github.com/ruteri/supersign/interfaces"
)

// MemoryStorage is a process-local key-value store, used for ephemeral sessions and tests.
type MemoryStorage struct {
	mu     sync.RWMutex
	values map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[string][]byte)}
}

func (s *MemoryStorage) Data(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (s *MemoryStorage) SetData(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == nil {
		delete(s.values, key)
		return nil
	}
	s.values[key] = bytes.Clone(value)
	return nil
}

func (s *MemoryStorage) Name() string {
	return "memory"
}
