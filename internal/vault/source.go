package vault

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RefreshFunc exchanges the current credential for a fresh one, for
// providers with short-lived tokens. It returns the new token and its
// expiry (zero when unknown).
type RefreshFunc func(ctx context.Context) (token string, expiry time.Time, err error)

// Source is the per-provider credential handle handed to the request
// client. It caches the resolved credential and knows how to renew it,
// either through a provider RefreshFunc or by re-reading the vault.
type Source struct {
	vault    *Vault
	provider string
	keyRef   string
	refresh  RefreshFunc

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewSource creates a Source for provider. keyRef, when non-empty, is
// resolved via ResolveKeyRef instead of the provider's keychain slot.
// refresh may be nil for static API keys.
func NewSource(v *Vault, provider, keyRef string, refresh RefreshFunc) *Source {
	return &Source{
		vault:    v,
		provider: provider,
		keyRef:   keyRef,
		refresh:  refresh,
	}
}

// AccessToken returns the cached credential, resolving it from the vault
// on first use.
func (s *Source) AccessToken(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" {
		return s.token, nil
	}
	token, err := s.resolve()
	if err != nil {
		return "", err
	}
	s.token = token
	return token, nil
}

// Refresh renews the credential. With a RefreshFunc the provider is asked
// for a fresh token; otherwise the vault is re-read, which picks up keys
// rotated on disk or in the keychain.
func (s *Source) Refresh(ctx context.Context, _ bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refresh != nil {
		token, expiry, err := s.refresh(ctx)
		if err != nil {
			return "", fmt.Errorf("refreshing credential for provider %q: %w", s.provider, err)
		}
		s.token = token
		s.expiry = expiry
		return token, nil
	}

	token, err := s.resolve()
	if err != nil {
		return "", err
	}
	s.token = token
	return token, nil
}

// Expiry returns the stored credential expiry, zero when unknown. Used
// as the fallback when the token itself carries no timestamps.
func (s *Source) Expiry() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiry
}

func (s *Source) resolve() (string, error) {
	if s.keyRef != "" {
		return s.vault.ResolveKeyRef(s.keyRef)
	}
	return s.vault.Get(s.provider)
}
