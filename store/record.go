// Package store holds the pieces shared by the credential and artifact
// backends under store/.
package store

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/goliatone/go-triage/core"
)

// RecordCodec turns credentials into stored bytes and back. When Secrets is
// set the encoded envelope is sealed before it reaches the backend.
type RecordCodec struct {
	Codec   core.CredentialCodec
	Secrets core.SecretProvider
}

func NewRecordCodec(secrets core.SecretProvider) RecordCodec {
	return RecordCodec{Codec: core.JSONCredentialCodec{}, Secrets: secrets}
}

func (c RecordCodec) codec() core.CredentialCodec {
	if c.Codec == nil {
		return core.JSONCredentialCodec{}
	}
	return c.Codec
}

func (c RecordCodec) Seal(ctx context.Context, userID string, credential core.Credential) ([]byte, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("store: user id is required")
	}
	credential.UserID = userID
	payload, err := c.codec().Encode(credential)
	if err != nil {
		return nil, err
	}
	if c.Secrets == nil {
		return payload, nil
	}
	sealed, err := c.Secrets.Encrypt(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("store: seal credential: %w", err)
	}
	return sealed, nil
}

// Open decodes a stored record. Every failure is reported as a
// CorruptCredential error so backends can purge the record.
func (c RecordCodec) Open(ctx context.Context, userID string, payload []byte) (core.Credential, error) {
	if c.Secrets != nil {
		opened, err := c.Secrets.Decrypt(ctx, payload)
		if err != nil {
			return core.Credential{}, core.CorruptCredentialError(userID, err)
		}
		payload = opened
	}
	credential, err := c.codec().Decode(payload)
	if err != nil {
		return core.Credential{}, core.CorruptCredentialError(userID, err)
	}
	if credential.UserID != strings.TrimSpace(userID) {
		return core.Credential{}, core.CorruptCredentialError(userID,
			fmt.Errorf("store: record belongs to %q", credential.UserID))
	}
	return credential, nil
}

// ReportCorrupt logs the purge of a corrupt record and returns the NotFound
// error callers receive in its place.
func ReportCorrupt(ctx context.Context, observer core.Observer, backend string, userID string, cause error) error {
	observer.Log(ctx, "warn", "corrupt credential purged", map[string]any{
		"backend": backend,
		"user_id": userID,
		"error":   cause.Error(),
	})
	observer.Counter(ctx, "credential_corrupt.total", 1, map[string]string{"backend": backend})
	return core.NotFoundError(userID, cause)
}

// EscapeKey maps a user id onto a single path or key segment.
func EscapeKey(userID string) string {
	return url.PathEscape(strings.TrimSpace(userID))
}

// UnescapeKey reverses EscapeKey.
func UnescapeKey(segment string) (string, error) {
	return url.PathUnescape(segment)
}
