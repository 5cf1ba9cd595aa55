package security

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestAppKeySecretProvider_EncryptDecryptRoundTrip(t *testing.T) {
	provider, err := NewAppKeySecretProviderFromString("super-secret-test-key", WithKeyID("triage-v1"), WithVersion(3))
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	plaintext := []byte("token-value-123")
	encrypted, err := provider.Encrypt(context.Background(), plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(encrypted, plaintext) {
		t.Fatalf("expected encrypted payload to hide plaintext")
	}
	if !bytes.HasPrefix(encrypted, []byte(envelopePrefix)) {
		t.Fatalf("expected envelope prefix")
	}
	meta, err := ParseEnvelopeMetadata(encrypted)
	if err != nil {
		t.Fatalf("parse metadata: %v", err)
	}
	if meta.KeyID != "triage-v1" || meta.Version != 3 || meta.Algorithm != envelopeAlgorithm {
		t.Fatalf("unexpected metadata %+v", meta)
	}

	decrypted, err := provider.Decrypt(context.Background(), encrypted)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("expected roundtrip plaintext; got %q", string(decrypted))
	}
}

func TestAppKeySecretProvider_RejectsMetadataMismatch(t *testing.T) {
	issuer, err := NewAppKeySecretProviderFromString("super-secret-test-key", WithKeyID("triage-v1"), WithVersion(1))
	if err != nil {
		t.Fatalf("new issuer provider: %v", err)
	}
	receiver, err := NewAppKeySecretProviderFromString("super-secret-test-key", WithKeyID("triage-v2"), WithVersion(2))
	if err != nil {
		t.Fatalf("new receiver provider: %v", err)
	}

	encrypted, err := issuer.Encrypt(context.Background(), []byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := receiver.Decrypt(context.Background(), encrypted); err == nil {
		t.Fatalf("expected metadata mismatch error")
	}
}

func TestAppKeySecretProvider_WrongKeyFails(t *testing.T) {
	issuer, _ := NewAppKeySecretProviderFromString("key-one")
	receiver, _ := NewAppKeySecretProviderFromString("key-two")
	encrypted, err := issuer.Encrypt(context.Background(), []byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := receiver.Decrypt(context.Background(), encrypted); err == nil {
		t.Fatalf("expected authentication failure with a different key")
	}
	if _, err := receiver.Decrypt(context.Background(), []byte("plain")); err == nil {
		t.Fatalf("expected prefix error for unsealed input")
	}
}

func TestRotatingSecretProvider_OpensRetiredKeys(t *testing.T) {
	ctx := context.Background()
	old, err := NewRotatingAppKeyProvider("first-key", nil)
	if err != nil {
		t.Fatalf("old provider: %v", err)
	}
	sealedOld, err := old.Encrypt(ctx, []byte("old-record"))
	if err != nil {
		t.Fatalf("encrypt old: %v", err)
	}

	rotated, err := NewRotatingAppKeyProvider("second-key", []string{"first-key"})
	if err != nil {
		t.Fatalf("rotated provider: %v", err)
	}
	opened, err := rotated.Decrypt(ctx, sealedOld)
	if err != nil {
		t.Fatalf("decrypt retired record: %v", err)
	}
	if string(opened) != "old-record" {
		t.Fatalf("unexpected plaintext %q", opened)
	}
	if !rotated.NeedsReseal(sealedOld) {
		t.Fatalf("expected retired record to need reseal")
	}

	sealedNew, err := rotated.Encrypt(ctx, []byte("new-record"))
	if err != nil {
		t.Fatalf("encrypt new: %v", err)
	}
	if rotated.NeedsReseal(sealedNew) {
		t.Fatalf("expected current record not to need reseal")
	}
	if _, version := rotated.Metadata(); version != 2 {
		t.Fatalf("expected current key version 2, got %d", version)
	}
	if _, err := old.Decrypt(ctx, sealedNew); err == nil {
		t.Fatalf("expected old provider to reject newer key")
	}
}

func TestNewRotatingSecretProvider_RejectsDuplicateKeys(t *testing.T) {
	a, _ := NewAppKeySecretProviderFromString("a")
	b, _ := NewAppKeySecretProviderFromString("b")
	if _, err := NewRotatingSecretProvider(a, b); err == nil {
		t.Fatalf("expected duplicate key reference error")
	}
}

func TestAppKeySecretProvider_RelabelledEnvelopeFails(t *testing.T) {
	ctx := context.Background()
	issuer, err := NewAppKeySecretProviderFromString("shared-key", WithKeyID("old"))
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	sealed, err := issuer.Encrypt(ctx, []byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	relabelled := bytes.Replace(sealed, []byte(`"kid":"old"`), []byte(`"kid":"new"`), 1)
	if bytes.Equal(relabelled, sealed) {
		t.Fatalf("expected envelope to carry the key id")
	}

	receiver, err := NewAppKeySecretProviderFromString("shared-key", WithKeyID("new"))
	if err != nil {
		t.Fatalf("new receiver: %v", err)
	}
	if _, err := receiver.Decrypt(ctx, relabelled); err == nil {
		t.Fatalf("expected authentication failure for relabelled envelope")
	}
	if _, err := receiver.Decrypt(ctx, sealed); !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("expected key mismatch, got %v", err)
	}
}

func TestAppKeySecretProvider_MalformedEnvelopes(t *testing.T) {
	provider, err := NewAppKeySecretProviderFromString("shared-key")
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	tests := map[string]string{
		"empty":          "",
		"no prefix":      `{"kid":"app-key"}`,
		"bad json":       envelopePrefix + "{",
		"missing nonce":  envelopePrefix + `{"kid":"app-key","ver":1,"alg":"aes-256-gcm","ciphertext":"AAAA"}`,
		"short nonce":    envelopePrefix + `{"kid":"app-key","ver":1,"alg":"aes-256-gcm","nonce":"AAAA","ciphertext":"AAAA"}`,
		"bad base64":     envelopePrefix + `{"kid":"app-key","ver":1,"alg":"aes-256-gcm","nonce":"***","ciphertext":"AAAA"}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := provider.Decrypt(context.Background(), []byte(raw)); !errors.Is(err, ErrMalformedEnvelope) {
				t.Fatalf("expected malformed envelope error, got %v", err)
			}
		})
	}
}
