package client

import (
	"context"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// CredentialSource supplies and refreshes the access credential for one
// provider. Implementations own the refresh transport (OAuth token endpoint,
// keyring-backed API keys, ...); the client only consumes the contract.
type CredentialSource interface {
	// AccessToken returns the current credential, or an error when none is
	// usable and a refresh did not help.
	AccessToken(ctx context.Context) (string, error)
	// Refresh obtains a fresh credential. With force, a refresh is performed
	// even if the source believes the current one is still valid.
	Refresh(ctx context.Context, force bool) (string, error)
}

// expiryReporter is implemented by sources that track an explicit expiry for
// opaque (non-JWT) credentials.
type expiryReporter interface {
	Expiry() time.Time
}

// refreshMargin is how far ahead of a known expiry the credential is
// refreshed, so in-flight work never races the actual expiration.
const refreshMargin = 5 * time.Minute

// credentialStale decides whether the credential should be refreshed before
// use. JWTs expose their issue time; the credential is stale once its age
// exceeds maxAge. Opaque tokens fall back to the source's stored expiry.
func credentialStale(token string, source CredentialSource, maxAge time.Duration, now time.Time) bool {
	if maxAge <= 0 || token == "" {
		return false
	}

	if tok, err := jwt.ParseInsecure([]byte(token)); err == nil {
		if iat := tok.IssuedAt(); !iat.IsZero() {
			return now.Sub(iat) > maxAge
		}
		if exp := tok.Expiration(); !exp.IsZero() {
			return now.After(exp.Add(-refreshMargin))
		}
	}

	if er, ok := source.(expiryReporter); ok {
		if exp := er.Expiry(); !exp.IsZero() {
			return now.After(exp.Add(-refreshMargin))
		}
	}
	return false
}
