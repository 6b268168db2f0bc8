// Package providers defines the interface to the upstream accounting
// provider that the bridge authorizes against.
package providers

import (
	"context"

	"golang.org/x/oauth2"
)

// Provider is the upstream OAuth integration the bridge delegates to. The
// bridge is a confidential client of exactly one provider: it redirects
// resource owners to AuthorizationURL, trades the returned code for the
// provider's token pair, and later refreshes or revokes those credentials
// on behalf of its own clients. Tokens cross this interface as standard
// *oauth2.Token values.
type Provider interface {
	// Name returns the provider name (e.g., "quickbooks").
	Name() string

	// DefaultScopes returns the scopes requested when a client asks for none.
	DefaultScopes() []string

	// AuthorizationURL builds the upstream authorization redirect for the
	// given state. The state is the bridge's own correlation token, never a
	// client-chosen value. Empty scopes fall back to DefaultScopes.
	AuthorizationURL(state string, scopes []string) string

	// ExchangeCode trades an upstream authorization code for a token pair.
	ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error)

	// Refresh obtains a fresh token pair from an upstream refresh token.
	// Providers that rotate refresh tokens return the replacement in the
	// result; callers must not assume the old refresh token stays valid.
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	// RevokeToken revokes a token at the provider. Best effort: callers
	// treat failures as advisory.
	RevokeToken(ctx context.Context, token string) error

	// HealthCheck verifies that the provider is reachable. Intended for
	// readiness probes and startup validation.
	HealthCheck(ctx context.Context) error
}
