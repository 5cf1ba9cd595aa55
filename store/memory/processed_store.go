package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-triage/core"
)

type ProcessedStore struct {
	mu    sync.RWMutex
	users map[string]map[string]core.ProcessedMessage
}

func NewProcessedStore() *ProcessedStore {
	return &ProcessedStore{users: map[string]map[string]core.ProcessedMessage{}}
}

func (s *ProcessedStore) Has(_ context.Context, userID string, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[strings.TrimSpace(userID)][strings.TrimSpace(messageID)]
	return ok, nil
}

// Mark records entries, replacing earlier marks for the same message.
func (s *ProcessedStore) Mark(_ context.Context, entries []core.ProcessedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range entries {
		entry.UserID = strings.TrimSpace(entry.UserID)
		entry.MessageID = strings.TrimSpace(entry.MessageID)
		if entry.UserID == "" || entry.MessageID == "" {
			continue
		}
		if entry.ProcessedAt.IsZero() {
			entry.ProcessedAt = time.Now().UTC()
		}
		messages, ok := s.users[entry.UserID]
		if !ok {
			messages = map[string]core.ProcessedMessage{}
			s.users[entry.UserID] = messages
		}
		messages[entry.MessageID] = entry
	}
	return nil
}

func (s *ProcessedStore) Since(_ context.Context, userID string, since time.Time) ([]core.ProcessedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []core.ProcessedMessage{}
	for _, entry := range s.users[strings.TrimSpace(userID)] {
		if !entry.ProcessedAt.Before(since) {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ProcessedAt.Equal(out[j].ProcessedAt) {
			return out[i].ProcessedAt.Before(out[j].ProcessedAt)
		}
		return out[i].MessageID < out[j].MessageID
	})
	return out, nil
}

func (s *ProcessedStore) DeleteBefore(_ context.Context, userID string, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	messages := s.users[strings.TrimSpace(userID)]
	deleted := 0
	for messageID, entry := range messages {
		if entry.ProcessedAt.Before(before) {
			delete(messages, messageID)
			deleted++
		}
	}
	return deleted, nil
}

func (s *ProcessedStore) Reset(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, strings.TrimSpace(userID))
	return nil
}

var _ core.ProcessedStore = (*ProcessedStore)(nil)
