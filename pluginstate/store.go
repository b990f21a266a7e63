// Package pluginstate persists opaque plugin state blobs by plugin id.
package pluginstate

import (
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned when store has no state for the key.
var ErrNotFound = errors.New("plugin state not found")

// Store keeps the last known state of plugins.
type Store interface {
	Get(id string) ([]byte, error)
	Put(id string, state []byte) error
	Delete(id string) error
	// Keys returns ids of stored states in ascending order.
	Keys() ([]string, error)
	Close() error
}

// MemoryStore keeps states in memory.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string][]byte
}

// NewMemoryStore returns empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string][]byte)}
}

// Get implements Store.
func (s *MemoryStore) Get(id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.states[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Put implements Store.
func (s *MemoryStore) Put(id string, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[id] = append([]byte(nil), state...)
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, id)
	return nil
}

// Keys implements Store.
func (s *MemoryStore) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.states))
	for k := range s.states {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
