package security

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-triage/core"
)

type keyedProvider interface {
	core.SecretProvider
	Metadata() (string, int)
}

// RotatingSecretProvider seals with the current key and opens records sealed
// under any retired key, so an application key can change without purging
// every stored credential.
type RotatingSecretProvider struct {
	current keyedProvider
	retired []keyedProvider
}

func NewRotatingSecretProvider(current keyedProvider, retired ...keyedProvider) (*RotatingSecretProvider, error) {
	if current == nil {
		return nil, fmt.Errorf("security: current secret provider is required")
	}
	seen := map[string]bool{providerRef(current): true}
	kept := make([]keyedProvider, 0, len(retired))
	for _, provider := range retired {
		if provider == nil {
			continue
		}
		ref := providerRef(provider)
		if seen[ref] {
			return nil, fmt.Errorf("security: key %s is configured twice", ref)
		}
		seen[ref] = true
		kept = append(kept, provider)
	}
	return &RotatingSecretProvider{current: current, retired: kept}, nil
}

// NewRotatingAppKeyProvider builds key versions 1..n from the retired keys,
// oldest first, and makes currentKey version n+1.
func NewRotatingAppKeyProvider(currentKey string, retiredKeys []string) (*RotatingSecretProvider, error) {
	retired := make([]keyedProvider, 0, len(retiredKeys))
	version := 0
	for _, key := range retiredKeys {
		if strings.TrimSpace(key) == "" {
			continue
		}
		version++
		provider, err := NewAppKeySecretProviderFromString(key, WithVersion(version))
		if err != nil {
			return nil, err
		}
		retired = append(retired, provider)
	}
	current, err := NewAppKeySecretProviderFromString(currentKey, WithVersion(version+1))
	if err != nil {
		return nil, err
	}
	return NewRotatingSecretProvider(current, retired...)
}

func (p *RotatingSecretProvider) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	return p.current.Encrypt(ctx, plaintext)
}

func (p *RotatingSecretProvider) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("security: secret provider is nil")
	}
	meta, err := ParseEnvelopeMetadata(ciphertext)
	if err != nil {
		return nil, err
	}
	for _, provider := range p.providers() {
		keyID, version := provider.Metadata()
		if keyID == meta.KeyID && version == meta.Version {
			return provider.Decrypt(ctx, ciphertext)
		}
	}
	return nil, fmt.Errorf("security: no key for %s:%d", meta.KeyID, meta.Version)
}

// NeedsReseal reports whether ciphertext was sealed by a retired key.
func (p *RotatingSecretProvider) NeedsReseal(ciphertext []byte) bool {
	meta, err := ParseEnvelopeMetadata(ciphertext)
	if err != nil {
		return false
	}
	keyID, version := p.current.Metadata()
	return meta.KeyID != keyID || meta.Version != version
}

func (p *RotatingSecretProvider) Metadata() (string, int) {
	return p.current.Metadata()
}

func (p *RotatingSecretProvider) providers() []keyedProvider {
	return append([]keyedProvider{p.current}, p.retired...)
}

func providerRef(provider keyedProvider) string {
	keyID, version := provider.Metadata()
	return fmt.Sprintf("%s:%d", keyID, version)
}

var _ core.SecretProvider = (*RotatingSecretProvider)(nil)
