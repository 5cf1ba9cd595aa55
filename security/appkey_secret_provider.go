// Package security seals credential records at rest.
package security

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/goliatone/go-triage/core"
)

var ErrKeyMismatch = errors.New("security: record was sealed under another key")

type Option func(*AppKeySecretProvider)

func WithKeyID(id string) Option {
	return func(p *AppKeySecretProvider) {
		if id = strings.TrimSpace(id); id != "" {
			p.keyID = id
		}
	}
}

func WithVersion(version int) Option {
	return func(p *AppKeySecretProvider) {
		if version > 0 {
			p.version = version
		}
	}
}

// AppKeySecretProvider seals records with AES-GCM under a key derived from
// the application key. The key id and version are authenticated together
// with the payload, so an envelope relabelled to another key fails to open.
type AppKeySecretProvider struct {
	aead    cipher.AEAD
	keyID   string
	version int
	random  io.Reader
}

func NewAppKeySecretProvider(keyMaterial []byte, opts ...Option) (*AppKeySecretProvider, error) {
	material := bytes.TrimSpace(keyMaterial)
	if len(material) == 0 {
		return nil, fmt.Errorf("security: key material is required")
	}
	block, err := aes.NewCipher(deriveKey(material))
	if err != nil {
		return nil, fmt.Errorf("security: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: create gcm: %w", err)
	}
	p := &AppKeySecretProvider{aead: aead, keyID: "app-key", version: 1, random: rand.Reader}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

func NewAppKeySecretProviderFromString(key string, opts ...Option) (*AppKeySecretProvider, error) {
	return NewAppKeySecretProvider([]byte(key), opts...)
}

func (p *AppKeySecretProvider) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	if p == nil || p.aead == nil {
		return nil, fmt.Errorf("security: secret provider is not configured")
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("security: plaintext is required")
	}
	nonce := make([]byte, p.aead.NonceSize())
	if _, err := io.ReadFull(p.random, nonce); err != nil {
		return nil, fmt.Errorf("security: generate nonce: %w", err)
	}
	return encodeEnvelope(envelope{
		KeyID:      p.keyID,
		Version:    p.version,
		Algorithm:  envelopeAlgorithm,
		Nonce:      nonce,
		Ciphertext: p.aead.Seal(nil, nonce, plaintext, p.additionalData()),
	})
}

func (p *AppKeySecretProvider) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	if p == nil || p.aead == nil {
		return nil, fmt.Errorf("security: secret provider is not configured")
	}
	env, err := decodeEnvelope(ciphertext)
	if err != nil {
		return nil, err
	}
	if env.Algorithm != envelopeAlgorithm {
		return nil, fmt.Errorf("security: unsupported algorithm %q", env.Algorithm)
	}
	if env.KeyID != p.keyID || env.Version != p.version {
		return nil, fmt.Errorf("%w: %s:%d, have %s:%d", ErrKeyMismatch, env.KeyID, env.Version, p.keyID, p.version)
	}
	if len(env.Nonce) != p.aead.NonceSize() {
		return nil, fmt.Errorf("%w: nonce has invalid length %d", ErrMalformedEnvelope, len(env.Nonce))
	}
	plaintext, err := p.aead.Open(nil, env.Nonce, env.Ciphertext, p.additionalData())
	if err != nil {
		return nil, fmt.Errorf("security: open payload: %w", err)
	}
	return plaintext, nil
}

// Metadata returns the key id and version stamped on sealed records.
func (p *AppKeySecretProvider) Metadata() (string, int) {
	if p == nil {
		return "", 0
	}
	return p.keyID, p.version
}

func (p *AppKeySecretProvider) additionalData() []byte {
	return []byte(envelopeAlgorithm + "|" + p.keyID + "|" + strconv.Itoa(p.version))
}

// deriveKey uses raw AES sized material as is and hashes anything else to
// a 256 bit key.
func deriveKey(material []byte) []byte {
	switch len(material) {
	case 16, 24, 32:
		return bytes.Clone(material)
	}
	sum := sha256.Sum256(material)
	return sum[:]
}

var _ core.SecretProvider = (*AppKeySecretProvider)(nil)
