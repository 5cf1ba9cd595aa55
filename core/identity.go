package core

import (
	"context"
	"fmt"
	"strings"
)

// ResolveIdentity returns explicit when set. Otherwise the single stored
// identity is used; zero identities is NotFound and several are ambiguous.
// The implicit identity is a selection convenience only and carries no
// extra privileges.
func ResolveIdentity(ctx context.Context, store CredentialStore, explicit string) (string, error) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit, nil
	}
	if store == nil {
		return "", fmt.Errorf("core: credential store is required to resolve identity")
	}
	users, err := store.ListUsers(ctx)
	if err != nil {
		return "", err
	}
	switch len(users) {
	case 0:
		return "", NotFoundError("", nil)
	case 1:
		return users[0], nil
	default:
		return "", IdentityAmbiguousError(users)
	}
}
