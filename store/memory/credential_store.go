// Package memstore provides process-local stores for tests and ephemeral runs.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/goliatone/go-triage/core"
	"github.com/goliatone/go-triage/store"
)

const backendName = "memory"

type CredentialOption func(*CredentialStore)

func WithSecrets(secrets core.SecretProvider) CredentialOption {
	return func(s *CredentialStore) {
		s.codec.Secrets = secrets
	}
}

func WithObserver(observer core.Observer) CredentialOption {
	return func(s *CredentialStore) {
		s.observer = observer
	}
}

// CredentialStore keeps encoded records so corruption handling matches the
// durable backends.
type CredentialStore struct {
	mu       sync.RWMutex
	records  map[string][]byte
	codec    store.RecordCodec
	observer core.Observer
}

func NewCredentialStore(opts ...CredentialOption) *CredentialStore {
	s := &CredentialStore{
		records:  map[string][]byte{},
		codec:    store.NewRecordCodec(nil),
		observer: core.NewObserver("triage", nil, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *CredentialStore) Load(ctx context.Context, userID string) (core.Credential, error) {
	userID = strings.TrimSpace(userID)
	s.mu.RLock()
	payload, ok := s.records[userID]
	s.mu.RUnlock()
	if !ok {
		return core.Credential{}, core.NotFoundError(userID, nil)
	}
	credential, err := s.codec.Open(ctx, userID, payload)
	if err != nil {
		s.remove(userID, payload)
		return core.Credential{}, store.ReportCorrupt(ctx, s.observer, backendName, userID, err)
	}
	return credential, nil
}

func (s *CredentialStore) Save(ctx context.Context, userID string, credential core.Credential) error {
	userID = strings.TrimSpace(userID)
	payload, err := s.codec.Seal(ctx, userID, credential)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.records[userID] = payload
	s.mu.Unlock()
	return nil
}

func (s *CredentialStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	delete(s.records, strings.TrimSpace(userID))
	s.mu.Unlock()
	return nil
}

func (s *CredentialStore) ListUsers(ctx context.Context) ([]string, error) {
	if _, err := s.PurgeCorrupted(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	users := make([]string, 0, len(s.records))
	for userID := range s.records {
		users = append(users, userID)
	}
	s.mu.RUnlock()
	slices.Sort(users)
	return users, nil
}

func (s *CredentialStore) PurgeCorrupted(ctx context.Context) (int, error) {
	s.mu.RLock()
	snapshot := make(map[string][]byte, len(s.records))
	for userID, payload := range s.records {
		snapshot[userID] = payload
	}
	s.mu.RUnlock()

	purged := 0
	for userID, payload := range snapshot {
		if _, err := s.codec.Open(ctx, userID, payload); err != nil {
			if s.remove(userID, payload) {
				purged++
				_ = store.ReportCorrupt(ctx, s.observer, backendName, userID, err)
			}
		}
	}
	return purged, nil
}

// PutRaw stores payload verbatim. Tests use it to plant damaged records.
func (s *CredentialStore) PutRaw(userID string, payload []byte) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("memstore: user id is required")
	}
	s.mu.Lock()
	s.records[userID] = append([]byte(nil), payload...)
	s.mu.Unlock()
	return nil
}

// remove deletes the record only if it still holds payload, so a concurrent
// Save is never discarded.
func (s *CredentialStore) remove(userID string, payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[userID]
	if !ok || !slices.Equal(current, payload) {
		return false
	}
	delete(s.records, userID)
	return true
}

var _ core.CredentialStore = (*CredentialStore)(nil)
