package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/goliatone/go-triage/core"
	"github.com/goliatone/go-triage/store"
	"github.com/spf13/afero"
)

const (
	credentialExt = ".cred"
	backendName   = "file"
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

// CredentialStore writes one <escaped-user>.cred file per identity under dir.
type CredentialStore struct {
	fs       afero.Fs
	dir      string
	codec    store.RecordCodec
	observer core.Observer
	mu       sync.Mutex
}

func NewCredentialStore(fs afero.Fs, dir string, opts ...Option) (*CredentialStore, error) {
	if fs == nil {
		return nil, fmt.Errorf("filestore: filesystem is required")
	}
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("filestore: credential dir is required")
	}
	s := &CredentialStore{
		fs:       fs,
		dir:      dir,
		codec:    store.NewRecordCodec(nil),
		observer: core.NewObserver("triage", nil, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if err := fs.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("filestore: create %s: %w", dir, err)
	}
	return s, nil
}

func (s *CredentialStore) Load(ctx context.Context, userID string) (core.Credential, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return core.Credential{}, core.NotFoundError(userID, nil)
	}
	path := s.path(userID)
	payload, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return core.Credential{}, core.NotFoundError(userID, nil)
		}
		return core.Credential{}, fmt.Errorf("filestore: read %s: %w", path, err)
	}
	credential, err := s.codec.Open(ctx, userID, payload)
	if err != nil {
		if removeErr := s.removeIfUnchanged(path, payload); removeErr != nil {
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
	return writeAtomic(s.fs, s.path(userID), payload)
}

func (s *CredentialStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.fs.Remove(s.path(userID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("filestore: delete credential: %w", err)
	}
	return nil
}

func (s *CredentialStore) ListUsers(ctx context.Context) ([]string, error) {
	users, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	slices.Sort(users)
	return users, nil
}

func (s *CredentialStore) PurgeCorrupted(ctx context.Context) (int, error) {
	before, err := s.candidates()
	if err != nil {
		return 0, err
	}
	valid, err := s.scan(ctx)
	if err != nil {
		return 0, err
	}
	return len(before) - len(valid), nil
}

// scan validates every record and purges the ones that fail to open.
func (s *CredentialStore) scan(ctx context.Context) ([]string, error) {
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
	return users, nil
}

func (s *CredentialStore) candidates() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("filestore: list %s: %w", s.dir, err)
	}
	users := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || isTemp(name) || !strings.HasSuffix(name, credentialExt) {
			continue
		}
		userID, err := store.UnescapeKey(strings.TrimSuffix(name, credentialExt))
		if err != nil || strings.TrimSpace(userID) == "" {
			// An undecodable name cannot be addressed by Load; drop it now.
			_ = s.fs.Remove(filepath.Join(s.dir, name))
			continue
		}
		users = append(users, userID)
	}
	return users, nil
}

func (s *CredentialStore) removeIfUnchanged(path string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("filestore: reread %s: %w", path, err)
	}
	if !slices.Equal(current, payload) {
		return nil
	}
	if err := s.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("filestore: purge %s: %w", path, err)
	}
	return nil
}

func (s *CredentialStore) path(userID string) string {
	return filepath.Join(s.dir, store.EscapeKey(userID)+credentialExt)
}

var _ core.CredentialStore = (*CredentialStore)(nil)
