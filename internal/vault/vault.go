// Package vault stores provider credentials in the OS keychain with an
// environment-variable fallback, and exposes the credential source the
// request client uses for proactive and reactive refresh.
package vault

import (
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	serviceName = "modelgate"
	envPrefix   = "MODELGATE_KEY_"
)

// defaultProviders is the provider list checked by List when none is given.
var defaultProviders = []string{"anthropic", "openai", "google", "qwen"}

// Vault provides credential storage using the OS keychain, with fallback
// to environment variables.
type Vault struct {
	known []string
}

// New creates a Vault. providers, when given, replaces the default list
// checked by List.
func New(providers ...string) *Vault {
	known := defaultProviders
	if len(providers) > 0 {
		known = providers
	}
	return &Vault{known: known}
}

// Set stores a credential for the given provider in the OS keychain.
func (v *Vault) Set(provider, key string) error {
	return keyring.Set(serviceName, provider, key)
}

// Get retrieves the credential for the given provider. It first checks the
// OS keychain, then falls back to the environment variable
// MODELGATE_KEY_{UPPER(provider)}.
func (v *Vault) Get(provider string) (string, error) {
	secret, err := keyring.Get(serviceName, provider)
	if err == nil && secret != "" {
		return secret, nil
	}

	envKey := envPrefix + strings.ToUpper(provider)
	if val := os.Getenv(envKey); val != "" {
		return val, nil
	}

	return "", fmt.Errorf("no credential for provider %q: not in keychain and %s not set", provider, envKey)
}

// Has reports whether a credential exists for the provider. It satisfies
// the registry's credential checker.
func (v *Vault) Has(provider string) bool {
	_, err := v.Get(provider)
	return err == nil
}

// Delete removes the credential for the given provider from the OS keychain.
func (v *Vault) Delete(provider string) error {
	return keyring.Delete(serviceName, provider)
}

// List returns the known providers that currently have credentials stored,
// in either the keychain or the environment.
func (v *Vault) List() []string {
	var providers []string
	for _, provider := range v.known {
		if v.Has(provider) {
			providers = append(providers, provider)
		}
	}
	return providers
}

// ResolveKeyRef parses a key reference and retrieves the corresponding
// credential. Supported formats:
//   - "keyring://modelgate/<provider>"
//   - "env:VARIABLE_NAME"
//   - "file:///path/to/key"
func (v *Vault) ResolveKeyRef(keyRef string) (string, error) {
	switch {
	case strings.HasPrefix(keyRef, "keyring://"):
		path := strings.TrimPrefix(keyRef, "keyring://")
		parts := strings.SplitN(path, "/", 2)
		if len(parts) != 2 || parts[0] != serviceName || parts[1] == "" {
			return "", fmt.Errorf("invalid key reference %q (expected \"keyring://modelgate/<provider>\")", keyRef)
		}
		return v.Get(parts[1])

	case strings.HasPrefix(keyRef, "env:"):
		envVar := strings.TrimPrefix(keyRef, "env:")
		if val := os.Getenv(envVar); val != "" {
			return val, nil
		}
		return "", fmt.Errorf("environment variable %q is not set", envVar)

	case strings.HasPrefix(keyRef, "file://"):
		filePath := strings.TrimPrefix(keyRef, "file://")
		data, err := os.ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("reading key file %q: %w", filePath, err)
		}
		key := strings.TrimSpace(string(data))
		if key == "" {
			return "", fmt.Errorf("key file %q is empty", filePath)
		}
		return key, nil
	}

	return "", fmt.Errorf("invalid key reference %q (expected \"keyring://modelgate/<provider>\", \"env:VARIABLE_NAME\", or \"file:///path/to/key\")", keyRef)
}
