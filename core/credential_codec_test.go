package core

import (
	"strings"
	"testing"
	"time"
)

func TestJSONCredentialCodecRoundTrip(t *testing.T) {
	codec := JSONCredentialCodec{}
	expiresAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	credential := testCredential("alice@example.com", expiresAt)
	credential.Scopes = []string{"b", "a", "b"}

	payload, err := codec.Encode(credential)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(payload), CredentialPayloadFormatJSONV1) {
		t.Fatalf("expected format marker in payload: %s", payload)
	}
	decoded, err := codec.Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.UserID != credential.UserID || decoded.AccessToken != credential.AccessToken || decoded.RefreshToken != credential.RefreshToken {
		t.Fatalf("unexpected decoded credential: %#v", decoded)
	}
	if !decoded.ExpiresAt.Equal(expiresAt) {
		t.Fatalf("expected expiry %s, got %s", expiresAt, decoded.ExpiresAt)
	}
	if len(decoded.Scopes) != 2 || decoded.Scopes[0] != "a" || decoded.Scopes[1] != "b" {
		t.Fatalf("expected normalized scopes, got %#v", decoded.Scopes)
	}
}

func TestJSONCredentialCodecRejectsCorruptPayloads(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "empty", payload: ""},
		{name: "not json", payload: "{not json"},
		{name: "wrong format", payload: `{"format":"other","version":1,"credential":{}}`},
		{name: "wrong version", payload: `{"format":"triage.credential.json","version":9,"credential":{}}`},
		{name: "missing access token", payload: `{"format":"triage.credential.json","version":1,"credential":{"user_id":"u1","expires_at":"2026-03-01T10:00:00Z"}}`},
		{name: "missing user", payload: `{"format":"triage.credential.json","version":1,"credential":{"access_token":"a","expires_at":"2026-03-01T10:00:00Z"}}`},
		{name: "malformed expiry", payload: `{"format":"triage.credential.json","version":1,"credential":{"user_id":"u1","access_token":"a","expires_at":"tomorrow"}}`},
		{name: "missing expiry", payload: `{"format":"triage.credential.json","version":1,"credential":{"user_id":"u1","access_token":"a"}}`},
	}
	codec := JSONCredentialCodec{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := codec.Decode([]byte(tt.payload)); err == nil {
				t.Fatalf("expected decode error")
			}
		})
	}
}

func TestJSONCredentialCodecEncodeValidates(t *testing.T) {
	if _, err := (JSONCredentialCodec{}).Encode(Credential{UserID: "u1"}); err == nil {
		t.Fatalf("expected validation error for credential without access token")
	}
}
