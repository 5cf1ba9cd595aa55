// Package keyringstore keeps credentials in the operating system keychain
// through 99designs/keyring.
package keyringstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/99designs/keyring"
	"github.com/goliatone/go-triage/core"
	"github.com/goliatone/go-triage/store"
)

const (
	keyPrefix   = "credential:"
	backendName = "keyring"
)

type Option func(*CredentialStore)

func WithSecrets(secrets core.SecretProvider) Option {
	return func(s *CredentialStore) {
		s.codec.Secrets = secrets
	}
}

func WithObserver(observer core.Observer) Option {
	return func(s *CredentialStore) {
		s.observer = observer
	}
}

// Open opens the system keyring for service, falling back to an encrypted
// file keyring under fileDir when no native backend is available.
func Open(service string, fileDir string, filePassword string) (keyring.Keyring, error) {
	service = strings.TrimSpace(service)
	if service == "" {
		return nil, fmt.Errorf("keyringstore: service name is required")
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: service,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(filePassword),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("keyringstore: opening keyring: %w", err)
	}
	return ring, nil
}

type CredentialStore struct {
	ring     keyring.Keyring
	codec    store.RecordCodec
	observer core.Observer
	mu       sync.Mutex
}

func NewCredentialStore(ring keyring.Keyring, opts ...Option) (*CredentialStore, error) {
	if ring == nil {
		return nil, fmt.Errorf("keyringstore: keyring is required")
	}
	s := &CredentialStore{
		ring:     ring,
		codec:    store.NewRecordCodec(nil),
		observer: core.NewObserver("triage", nil, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *CredentialStore) Load(ctx context.Context, userID string) (core.Credential, error) {
	userID = strings.TrimSpace(userID)
	item, err := s.ring.Get(itemKey(userID))
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return core.Credential{}, core.NotFoundError(userID, nil)
		}
		return core.Credential{}, fmt.Errorf("keyringstore: getting credential for %q: %w", userID, err)
	}
	credential, err := s.codec.Open(ctx, userID, item.Data)
	if err != nil {
		if removeErr := s.remove(userID); removeErr != nil {
			return core.Credential{}, removeErr
		}
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
	defer s.mu.Unlock()
	err = s.ring.Set(keyring.Item{
		Key:         itemKey(userID),
		Data:        payload,
		Label:       "triage credential " + userID,
		Description: "OAuth credential",
	})
	if err != nil {
		return fmt.Errorf("keyringstore: setting credential for %q: %w", userID, err)
	}
	return nil
}

func (s *CredentialStore) Delete(_ context.Context, userID string) error {
	return s.remove(strings.TrimSpace(userID))
}

func (s *CredentialStore) ListUsers(ctx context.Context) ([]string, error) {
	candidates, err := s.candidates()
	if err != nil {
		return nil, err
	}
	users := make([]string, 0, len(candidates))
	for _, userID := range candidates {
		if _, err := s.Load(ctx, userID); err != nil {
			if core.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		users = append(users, userID)
	}
	slices.Sort(users)
	return users, nil
}

func (s *CredentialStore) PurgeCorrupted(ctx context.Context) (int, error) {
	before, err := s.candidates()
	if err != nil {
		return 0, err
	}
	valid, err := s.ListUsers(ctx)
	if err != nil {
		return 0, err
	}
	return len(before) - len(valid), nil
}

func (s *CredentialStore) candidates() ([]string, error) {
	keys, err := s.ring.Keys()
	if err != nil {
		return nil, fmt.Errorf("keyringstore: listing keys: %w", err)
	}
	users := make([]string, 0, len(keys))
	for _, key := range keys {
		userID, ok := strings.CutPrefix(key, keyPrefix)
		if !ok || strings.TrimSpace(userID) == "" {
			continue
		}
		users = append(users, userID)
	}
	return users, nil
}

func (s *CredentialStore) remove(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.ring.Remove(itemKey(userID))
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("keyringstore: deleting credential for %q: %w", userID, err)
	}
	return nil
}

func itemKey(userID string) string {
	return keyPrefix + userID
}

var _ core.CredentialStore = (*CredentialStore)(nil)
