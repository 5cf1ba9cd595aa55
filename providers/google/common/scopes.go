package common

import (
	"slices"
	"strings"
)

const (
	ScopeOpenID  = "openid"
	ScopeEmail   = "email"
	ScopeProfile = "profile"

	ScopeGmailReadonly = "https://www.googleapis.com/auth/gmail.readonly"
	ScopeGmailModify   = "https://www.googleapis.com/auth/gmail.modify"
	ScopeGmailCompose  = "https://www.googleapis.com/auth/gmail.compose"
	// ScopeGmailFull is the only scope that allows permanent deletion.
	ScopeGmailFull = "https://mail.google.com/"
)

// TriageScopes are the grants the pipeline needs end to end.
func TriageScopes() []string {
	return []string{ScopeGmailModify, ScopeGmailCompose, ScopeGmailFull}
}

func WithIdentityScopes(scopes []string, include bool) []string {
	normalized := normalizeScopes(scopes)
	if !include {
		return normalized
	}
	return normalizeScopes(append(normalized, ScopeOpenID, ScopeEmail))
}

// normalizeScopes trims, drops blanks and keeps the first occurrence of
// each scope.
func normalizeScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		if scope = strings.TrimSpace(scope); scope != "" && !slices.Contains(out, scope) {
			out = append(out, scope)
		}
	}
	return out
}
