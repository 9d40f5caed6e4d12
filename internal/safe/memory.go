package safe

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// MemoryStore is a raw backend held in a map, used by tests and by
// short-lived tools.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Reader(_ context.Context, hash string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[hash]
	if !ok {
		return nil, notFound(hash)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemoryStore) Writer(_ context.Context, hash string) (io.WriteCloser, error) {
	s.mu.RLock()
	_, ok := s.blobs[hash]
	s.mu.RUnlock()
	if ok {
		return nil, nil
	}
	return newBufferWriter(func(data []byte) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.blobs[hash] = append([]byte(nil), data...)
		return nil
	}), nil
}

func (s *MemoryStore) Exists(_ context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[hash]
	return ok, nil
}

// Len returns the number of stored blobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

func (s *MemoryStore) Close() error {
	return nil
}
