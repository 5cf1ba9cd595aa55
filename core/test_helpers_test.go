package core

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)


type memoryCredentialStore struct {
	mu      sync.Mutex
	records map[string]Credential
	saves   int
	deletes int
}

func newMemoryCredentialStore(credentials ...Credential) *memoryCredentialStore {
	store := &memoryCredentialStore{records: map[string]Credential{}}
	for _, credential := range credentials {
		store.records[credential.UserID] = credential.Clone()
	}
	return store
}

func (s *memoryCredentialStore) Load(_ context.Context, userID string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	credential, ok := s.records[userID]
	if !ok {
		return Credential{}, NotFoundError(userID, nil)
	}
	if err := credential.Validate(); err != nil {
		delete(s.records, userID)
		return Credential{}, NotFoundError(userID, CorruptCredentialError(userID, err))
	}
	return credential.Clone(), nil
}

func (s *memoryCredentialStore) Save(_ context.Context, userID string, credential Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.records[userID] = credential.Clone()
	return nil
}

func (s *memoryCredentialStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	delete(s.records, userID)
	return nil
}

func (s *memoryCredentialStore) ListUsers(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]string, 0, len(s.records))
	for userID := range s.records {
		users = append(users, userID)
	}
	slices.Sort(users)
	return users, nil
}

func (s *memoryCredentialStore) PurgeCorrupted(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for userID, credential := range s.records {
		if credential.Validate() != nil {
			delete(s.records, userID)
			removed++
		}
	}
	return removed, nil
}

func (s *memoryCredentialStore) get(userID string) (Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	credential, ok := s.records[userID]
	return credential, ok
}

// countingExchanger issues a new access token valid for ttl on every call.
type countingExchanger struct {
	calls   atomic.Int32
	ttl     time.Duration
	now     func() time.Time
	delay   time.Duration
	errs    []error
	release chan struct{}
}

func (e *countingExchanger) Refresh(_ context.Context, credential Credential) (Credential, error) {
	call := int(e.calls.Add(1))
	if e.release != nil {
		<-e.release
	}
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	if call <= len(e.errs) && e.errs[call-1] != nil {
		return Credential{}, e.errs[call-1]
	}
	now := time.Now().UTC()
	if e.now != nil {
		now = e.now()
	}
	ttl := e.ttl
	if ttl <= 0 {
		ttl = time.Hour
	}
	return Credential{
		UserID:      credential.UserID,
		TokenType:   "Bearer",
		AccessToken: fmt.Sprintf("access-%d", call),
		ExpiresAt:   now.Add(ttl),
		IssuedAt:    now,
	}, nil
}

func noWait(context.Context, time.Duration) error { return nil }

func testCredential(userID string, expiresAt time.Time) Credential {
	return Credential{
		UserID:       userID,
		TokenType:    "Bearer",
		AccessToken:  "access-" + userID,
		RefreshToken: "refresh-" + userID,
		Scopes:       []string{"https://www.googleapis.com/auth/gmail.modify"},
		ExpiresAt:    expiresAt,
		IssuedAt:     expiresAt.Add(-time.Hour),
	}
}
