package core

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

type CredentialState string

const (
	CredentialStateValid       CredentialState = "valid"
	CredentialStateExpiring    CredentialState = "expiring"
	CredentialStateRefreshing  CredentialState = "refreshing"
	CredentialStateNeedsReauth CredentialState = "needs_reauth"
)

// Credential is the bearer material held for one user identity.
type Credential struct {
	UserID       string    `json:"user_id"`
	TokenType    string    `json:"token_type,omitempty"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	IssuedAt     time.Time `json:"issued_at"`
}

// Refreshable reports whether the credential can renew itself without a new grant.
func (c Credential) Refreshable() bool {
	return strings.TrimSpace(c.RefreshToken) != ""
}

func (c Credential) Clone() Credential {
	out := c
	out.Scopes = append([]string(nil), c.Scopes...)
	return out
}

func (c Credential) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, strings.TrimSpace(scope))
}

// Validate performs the structural checks applied to every stored record.
func (c Credential) Validate() error {
	if strings.TrimSpace(c.UserID) == "" {
		return fmt.Errorf("core: credential user_id is required")
	}
	if strings.TrimSpace(c.AccessToken) == "" {
		return fmt.Errorf("core: credential access_token is required")
	}
	if c.ExpiresAt.IsZero() {
		return fmt.Errorf("core: credential expires_at is required")
	}
	if !c.IssuedAt.IsZero() && c.ExpiresAt.Before(c.IssuedAt) {
		return fmt.Errorf("core: credential expires_at precedes issued_at")
	}
	return nil
}

type ArtifactStatus string

const (
	ArtifactStatusPending  ArtifactStatus = "pending"
	ArtifactStatusComplete ArtifactStatus = "complete"
	ArtifactStatusFailed   ArtifactStatus = "failed"
)

// Artifact is one immutable version of a stage output within a run.
type Artifact struct {
	RunID          string          `json:"run_id"`
	UserID         string          `json:"user_id,omitempty"`
	Stage          string          `json:"stage"`
	Version        int             `json:"version"`
	Status         ArtifactStatus  `json:"status"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Digest         string          `json:"digest,omitempty"`
	Degraded       bool            `json:"degraded,omitempty"`
	DegradedReason string          `json:"degraded_reason,omitempty"`
	Error          string          `json:"error,omitempty"`
	ProducedAt     time.Time       `json:"produced_at"`
}

func (a Artifact) Complete() bool {
	return a.Status == ArtifactStatusComplete
}

func (a Artifact) Clone() Artifact {
	out := a
	out.Payload = append(json.RawMessage(nil), a.Payload...)
	return out
}

func (a Artifact) Validate() error {
	if strings.TrimSpace(a.RunID) == "" {
		return fmt.Errorf("core: artifact run_id is required")
	}
	if strings.TrimSpace(a.Stage) == "" {
		return fmt.Errorf("core: artifact stage is required")
	}
	switch a.Status {
	case ArtifactStatusPending, ArtifactStatusComplete, ArtifactStatusFailed:
	default:
		return fmt.Errorf("core: artifact status %q is invalid", a.Status)
	}
	return nil
}

// ProcessedMessage marks a provider message as already handled for a user.
type ProcessedMessage struct {
	UserID      string    `json:"user_id"`
	MessageID   string    `json:"message_id"`
	Category    string    `json:"category,omitempty"`
	Action      string    `json:"action,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}

type ProcessedStats struct {
	Total      int            `json:"total"`
	Last24h    int            `json:"last_24h"`
	ByCategory map[string]int `json:"by_category"`
	Oldest     *time.Time     `json:"oldest,omitempty"`
	Newest     *time.Time     `json:"newest,omitempty"`
}

// RunRequest selects the identities and steps of one triage run. All runs
// every stored identity; otherwise UserID is resolved with ResolveIdentity.
type RunRequest struct {
	UserID string
	All    bool
	RunID  string
	Stages []string
}

// AuthorizationStart is handed to the user to complete consent.
type AuthorizationStart struct {
	UserID string   `json:"user_id"`
	URL    string   `json:"url"`
	State  string   `json:"state"`
	Scopes []string `json:"scopes,omitempty"`
}

// RefreshOutcome reports one identity of a bulk refresh.
type RefreshOutcome struct {
	UserID    string          `json:"user_id"`
	State     CredentialState `json:"state"`
	ExpiresAt time.Time       `json:"expires_at,omitzero"`
	Error     string          `json:"error,omitempty"`
}

func normalizeScopes(scopes []string) []string {
	if len(scopes) == 0 {
		return nil
	}
	out := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		scope = strings.TrimSpace(scope)
		if scope == "" || slices.Contains(out, scope) {
			continue
		}
		out = append(out, scope)
	}
	slices.Sort(out)
	return out
}
