package store

import (
	"context"
	"sync"

	"hearth/pkg/platform/sentinel"
)

// InMemoryStore keeps entries in a map guarded by a mutex. Values are copied
// on the way in and out so callers never share backing arrays.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[string]Entry)}
}

func (s *InMemoryStore) Get(_ context.Context, key string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, sentinel.ErrNotFound
	}
	return Entry{Value: clone(e.Value), Version: e.Version}, nil
}

func (s *InMemoryStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = Entry{Value: clone(value), Version: s.entries[key].Version + 1}
	return nil
}

func (s *InMemoryStore) CompareAndSwap(_ context.Context, key string, expected uint64, value []byte) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.entries[key]
	if current.Version != expected {
		return Entry{}, sentinel.ErrConflict
	}
	if value == nil {
		delete(s.entries, key)
		return Entry{}, nil
	}
	next := Entry{Value: clone(value), Version: current.Version + 1}
	s.entries[key] = next
	return Entry{Value: clone(next.Value), Version: next.Version}, nil
}

func (s *InMemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
