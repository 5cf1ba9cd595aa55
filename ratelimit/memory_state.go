package ratelimit

import (
	"context"
	"strings"
	"sync"
)

// MemoryStateStore keeps throttle state for the life of the process.
type MemoryStateStore struct {
	mu    sync.RWMutex
	items map[string]State
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{items: map[string]State{}}
}

func (s *MemoryStateStore) Get(_ context.Context, key string) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if state, ok := s.items[strings.TrimSpace(key)]; ok {
		return state.Clone(), nil
	}
	return State{}, ErrStateNotFound
}

func (s *MemoryStateStore) Upsert(_ context.Context, state State) error {
	state = state.Clone()
	state.Key = strings.TrimSpace(state.Key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[state.Key] = state
	return nil
}
