package core

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"
)

const defaultAuthorizationStateTTL = 15 * time.Minute

// AuthorizationState ties a pending consent round-trip to the user it was
// started for.
type AuthorizationState struct {
	State     string
	UserID    string
	Scopes    []string
	CreatedAt time.Time
	ExpiresAt time.Time
}

type AuthorizationStateStore interface {
	Save(ctx context.Context, record AuthorizationState) error
	Consume(ctx context.Context, state string) (AuthorizationState, error)
}

type MemoryAuthorizationStateStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]AuthorizationState
}

func NewMemoryAuthorizationStateStore(ttl time.Duration) *MemoryAuthorizationStateStore {
	if ttl <= 0 {
		ttl = defaultAuthorizationStateTTL
	}
	return &MemoryAuthorizationStateStore{
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
		entries: map[string]AuthorizationState{},
	}
}

func (s *MemoryAuthorizationStateStore) Save(_ context.Context, record AuthorizationState) error {
	if s == nil {
		return fmt.Errorf("core: authorization state store is not configured")
	}
	state := strings.TrimSpace(record.State)
	if state == "" {
		return fmt.Errorf("core: authorization state is required")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}
	if record.ExpiresAt.IsZero() {
		record.ExpiresAt = record.CreatedAt.Add(s.ttl)
	}

	s.mu.Lock()
	s.entries[state] = cloneAuthorizationState(record)
	s.mu.Unlock()
	return nil
}

// Consume returns and forgets the record for state. A state is usable once.
func (s *MemoryAuthorizationStateStore) Consume(_ context.Context, state string) (AuthorizationState, error) {
	if s == nil {
		return AuthorizationState{}, fmt.Errorf("core: authorization state store is not configured")
	}
	state = strings.TrimSpace(state)
	if state == "" {
		return AuthorizationState{}, fmt.Errorf("core: authorization state is required")
	}

	s.mu.Lock()
	record, ok := s.entries[state]
	if ok {
		delete(s.entries, state)
	}
	s.mu.Unlock()

	if !ok {
		return AuthorizationState{}, fmt.Errorf("core: authorization state not found")
	}
	if !record.ExpiresAt.IsZero() && s.now().After(record.ExpiresAt) {
		return AuthorizationState{}, fmt.Errorf("core: authorization state expired")
	}
	return cloneAuthorizationState(record), nil
}

// BeginAuthorization records a fresh state for userID and returns the consent
// URL the user has to visit.
func BeginAuthorization(ctx context.Context, authorizer Authorizer, states AuthorizationStateStore, userID string, scopes []string) (string, AuthorizationState, error) {
	if authorizer == nil {
		return "", AuthorizationState{}, fmt.Errorf("core: authorizer is required")
	}
	if states == nil {
		return "", AuthorizationState{}, fmt.Errorf("core: authorization state store is required")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", AuthorizationState{}, fmt.Errorf("core: user id is required")
	}
	state, err := generateAuthorizationState()
	if err != nil {
		return "", AuthorizationState{}, err
	}
	record := AuthorizationState{State: state, UserID: userID, Scopes: normalizeScopes(scopes)}
	if err := states.Save(ctx, record); err != nil {
		return "", AuthorizationState{}, err
	}
	consentURL, err := authorizer.AuthorizationURL(state)
	if err != nil {
		return "", AuthorizationState{}, err
	}
	return consentURL, record, nil
}

// CompleteAuthorization consumes state, exchanges code and persists the
// resulting credential for the user the state was issued to.
func CompleteAuthorization(ctx context.Context, authorizer Authorizer, states AuthorizationStateStore, store CredentialStore, state string, code string) (Credential, error) {
	if authorizer == nil || states == nil || store == nil {
		return Credential{}, fmt.Errorf("core: authorizer, state store and credential store are required")
	}
	record, err := states.Consume(ctx, state)
	if err != nil {
		return Credential{}, err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return Credential{}, fmt.Errorf("core: authorization code is required")
	}
	credential, err := authorizer.Exchange(ctx, record.UserID, code)
	if err != nil {
		return Credential{}, err
	}
	credential.UserID = record.UserID
	if err := credential.Validate(); err != nil {
		return Credential{}, fmt.Errorf("core: authorization returned an invalid credential: %w", err)
	}
	if err := store.Save(ctx, record.UserID, credential); err != nil {
		return Credential{}, err
	}
	return credential, nil
}

func generateAuthorizationState() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("core: generate authorization state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func cloneAuthorizationState(record AuthorizationState) AuthorizationState {
	cloned := record
	cloned.Scopes = append([]string(nil), record.Scopes...)
	return cloned
}
