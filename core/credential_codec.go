package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	CredentialPayloadFormatJSONV1 = "triage.credential.json"
	CredentialPayloadVersionV1    = 1
)

type CredentialCodec interface {
	Format() string
	Version() int
	Encode(credential Credential) ([]byte, error)
	Decode(payload []byte) (Credential, error)
}

// JSONCredentialCodec stores credentials inside a versioned JSON envelope.
// Decode validates structure so callers can treat any error as corruption.
type JSONCredentialCodec struct{}

func (JSONCredentialCodec) Format() string {
	return CredentialPayloadFormatJSONV1
}

func (JSONCredentialCodec) Version() int {
	return CredentialPayloadVersionV1
}

type credentialEnvelope struct {
	Format     string            `json:"format"`
	Version    int               `json:"version"`
	Credential credentialPayload `json:"credential"`
}

type credentialPayload struct {
	UserID       string   `json:"user_id"`
	TokenType    string   `json:"token_type,omitempty"`
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	ExpiresAt    string   `json:"expires_at"`
	IssuedAt     string   `json:"issued_at,omitempty"`
}

func (c JSONCredentialCodec) Encode(credential Credential) ([]byte, error) {
	if err := credential.Validate(); err != nil {
		return nil, err
	}
	envelope := credentialEnvelope{
		Format:  c.Format(),
		Version: c.Version(),
		Credential: credentialPayload{
			UserID:       strings.TrimSpace(credential.UserID),
			TokenType:    strings.TrimSpace(credential.TokenType),
			AccessToken:  strings.TrimSpace(credential.AccessToken),
			RefreshToken: strings.TrimSpace(credential.RefreshToken),
			Scopes:       normalizeScopes(credential.Scopes),
			ExpiresAt:    credential.ExpiresAt.UTC().Format(time.RFC3339Nano),
		},
	}
	if !credential.IssuedAt.IsZero() {
		envelope.Credential.IssuedAt = credential.IssuedAt.UTC().Format(time.RFC3339Nano)
	}
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("core: encode credential payload: %w", err)
	}
	return encoded, nil
}

func (c JSONCredentialCodec) Decode(payload []byte) (Credential, error) {
	if len(payload) == 0 {
		return Credential{}, fmt.Errorf("core: credential payload is empty")
	}
	envelope := credentialEnvelope{}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Credential{}, fmt.Errorf("core: decode credential payload: %w", err)
	}
	if envelope.Format != c.Format() {
		return Credential{}, fmt.Errorf("core: credential payload format %q is unsupported", envelope.Format)
	}
	if envelope.Version != c.Version() {
		return Credential{}, fmt.Errorf("core: credential payload version %d is unsupported", envelope.Version)
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(envelope.Credential.ExpiresAt))
	if err != nil {
		return Credential{}, fmt.Errorf("core: credential expires_at is malformed: %w", err)
	}
	var issuedAt time.Time
	if raw := strings.TrimSpace(envelope.Credential.IssuedAt); raw != "" {
		issuedAt, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Credential{}, fmt.Errorf("core: credential issued_at is malformed: %w", err)
		}
	}
	credential := Credential{
		UserID:       strings.TrimSpace(envelope.Credential.UserID),
		TokenType:    strings.TrimSpace(envelope.Credential.TokenType),
		AccessToken:  strings.TrimSpace(envelope.Credential.AccessToken),
		RefreshToken: strings.TrimSpace(envelope.Credential.RefreshToken),
		Scopes:       normalizeScopes(envelope.Credential.Scopes),
		ExpiresAt:    expiresAt.UTC(),
		IssuedAt:     issuedAt.UTC(),
	}
	if err := credential.Validate(); err != nil {
		return Credential{}, err
	}
	return credential, nil
}

var _ CredentialCodec = JSONCredentialCodec{}
