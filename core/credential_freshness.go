package core

import (
	"strings"
	"time"
)

const DefaultRefreshMargin = 5 * time.Minute

// CredentialTokenState captures the lifecycle position of a credential at a
// point in time.
type CredentialTokenState struct {
	State          CredentialState
	ExpiresAt      time.Time
	ExpiresIn      time.Duration
	HasAccessToken bool
	CanAutoRefresh bool
	IsExpired      bool
	IsExpiringSoon bool
}

// ResolveCredentialTokenState evaluates expiry and refreshability for a credential.
func ResolveCredentialTokenState(now time.Time, credential Credential, margin time.Duration) CredentialTokenState {
	if now.IsZero() {
		now = time.Now().UTC()
	} else {
		now = now.UTC()
	}
	if margin <= 0 {
		margin = DefaultRefreshMargin
	}

	state := CredentialTokenState{
		State:          CredentialStateValid,
		HasAccessToken: strings.TrimSpace(credential.AccessToken) != "",
		CanAutoRefresh: credential.Refreshable(),
	}
	if credential.ExpiresAt.IsZero() {
		state.IsExpired = true
		state.State = CredentialStateExpiring
		return state
	}
	state.ExpiresAt = credential.ExpiresAt.UTC()
	state.ExpiresIn = state.ExpiresAt.Sub(now)
	if !state.ExpiresAt.After(now) {
		state.IsExpired = true
		state.State = CredentialStateExpiring
		if !state.CanAutoRefresh {
			state.State = CredentialStateNeedsReauth
		}
		return state
	}
	if state.ExpiresIn <= margin {
		state.IsExpiringSoon = true
		state.State = CredentialStateExpiring
	}
	return state
}

// ShouldRefreshCredential reports whether an exchange must run before the
// access token is used again.
func ShouldRefreshCredential(state CredentialTokenState) bool {
	if !state.HasAccessToken {
		return true
	}
	return state.IsExpired || state.IsExpiringSoon
}
