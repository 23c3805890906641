package jitctx

import (
	"sync"

	"github.com/google/uuid"
)

// Store maps opaque connection handles to contexts.
type Store[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

// NewStore creates an empty store.
func NewStore[T any]() *Store[T] {
	return &Store[T]{items: make(map[string]T)}
}

// Add registers v and returns its new handle.
func (s *Store[T]) Add(v T) string {
	id := uuid.NewString()
	s.mu.Lock()
	s.items[id] = v
	s.mu.Unlock()
	return id
}

// Get retrieves the context for a handle.
func (s *Store[T]) Get(id string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[id]
	return v, ok
}

// Remove detaches a handle and returns what it referred to, so the caller
// can clean it up without new lookups finding it.
func (s *Store[T]) Remove(id string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[id]
	delete(s.items, id)
	return v, ok
}

// All returns a snapshot of every stored context.
func (s *Store[T]) All() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]T, 0, len(s.items))
	for _, v := range s.items {
		out = append(out, v)
	}
	return out
}

// Len returns the number of stored contexts.
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Entries returns a snapshot of every handle and its context.
func (s *Store[T]) Entries() map[string]T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]T, len(s.items))
	for id, v := range s.items {
		out[id] = v
	}
	return out
}
