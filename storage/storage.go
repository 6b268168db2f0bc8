package storage

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"
)

// Sentinel errors returned by storage implementations. Callers match them
// with errors.Is; the HTTP layer collapses all of them into generic OAuth
// error responses so the distinction never reaches clients.
var (
	// ErrClientNotFound is returned when a client ID is not registered.
	ErrClientNotFound = errors.New("client not found")

	// ErrInvalidClientSecret is returned when a client secret does not match
	// the stored hash.
	ErrInvalidClientSecret = errors.New("invalid client secret")

	// ErrPendingAuthorizationNotFound is returned when an upstream state has
	// no pending authorization, including when it was already consumed.
	ErrPendingAuthorizationNotFound = errors.New("pending authorization not found")

	// ErrPendingAuthorizationExpired is returned when a pending authorization
	// exists but its expiry has passed.
	ErrPendingAuthorizationExpired = errors.New("pending authorization expired")

	// ErrAuthorizationCodeNotFound is returned when a code does not exist,
	// including when it was already redeemed.
	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")

	// ErrAuthorizationCodeExpired is returned when a code exists but its
	// expiry has passed.
	ErrAuthorizationCodeExpired = errors.New("authorization code expired")

	// ErrClientLimitExceeded is returned when an IP has reached its client
	// registration cap.
	ErrClientLimitExceeded = errors.New("client registration limit exceeded")
)

// ClientStore manages dynamically registered OAuth clients (RFC 7591).
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient persists a registered client. Clients are immutable after
	// registration; SaveClient is not used for updates.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID.
	// Returns ErrClientNotFound for unknown IDs.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret verifies a client secret against the stored hash.
	// Returns ErrInvalidClientSecret on mismatch and ErrClientNotFound for
	// unknown clients.
	// SECURITY: implementations must burn comparable work for unknown
	// clients so registration state cannot be probed through timing.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// ListClients returns all registered clients, for operator tooling.
	ListClients(ctx context.Context) ([]*Client, error)

	// CheckIPLimit records a registration from ip and returns
	// ErrClientLimitExceeded once the per-IP cap would be exceeded.
	// maxPerIP <= 0 disables the limit.
	CheckIPLimit(ctx context.Context, ip string, maxPerIP int) error
}

// FlowStore manages in-flight authorization flow state: pending
// authorizations awaiting the upstream round-trip, and single-use
// authorization codes awaiting redemption at the token endpoint.
//
// Both record kinds are consumed exactly once. The Consume* methods are the
// only sanctioned read path during a flow; they atomically retrieve and
// delete, so that of N concurrent consumers exactly one receives the record
// and the rest observe not-found.
// All methods accept context.Context for tracing and cancellation.
type FlowStore interface {
	// SavePendingAuthorization stores a pending authorization keyed by its
	// upstream state token.
	SavePendingAuthorization(ctx context.Context, pending *PendingAuthorization) error

	// ConsumePendingAuthorization atomically retrieves and deletes the
	// pending authorization for the given upstream state.
	// Returns ErrPendingAuthorizationNotFound when absent or already
	// consumed, and ErrPendingAuthorizationExpired when its TTL has passed
	// (the record is deleted either way).
	// SECURITY: MUST be atomic; a replayed upstream callback must lose.
	ConsumePendingAuthorization(ctx context.Context, upstreamState string) (*PendingAuthorization, error)

	// SaveAuthorizationCode stores an issued authorization code.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically retrieves and deletes the
	// authorization code.
	// Returns ErrAuthorizationCodeNotFound when absent or already redeemed,
	// and ErrAuthorizationCodeExpired when its TTL has passed (the record is
	// deleted either way).
	// SECURITY: MUST be atomic; concurrent redemptions of the same code
	// must resolve to exactly one winner.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
}

// Client is a dynamically registered OAuth client.
//
// The secret is stored only as a bcrypt hash; the plaintext is returned once
// at registration and cannot be recovered. Public clients
// (token_endpoint_auth_method "none") have no secret at all.
type Client struct {
	// ClientID is the unique client identifier
	ClientID string

	// ClientSecretHash is the bcrypt hash of the client secret (empty for
	// public clients)
	ClientSecretHash string

	// ClientName is the human-readable client name
	ClientName string

	// RedirectURIs are the registered redirect URIs; authorization requests
	// must match one of them exactly
	RedirectURIs []string

	// GrantTypes are the grant types the client may use
	GrantTypes []string

	// ResponseTypes are the response types the client may use
	ResponseTypes []string

	// TokenEndpointAuthMethod is how the client authenticates at the token
	// endpoint: "none", "client_secret_basic", or "client_secret_post"
	TokenEndpointAuthMethod string

	// Scopes are the scopes the client registered for (optional)
	Scopes []string

	// CreatedAt is when the client registered
	CreatedAt time.Time
}

// PendingAuthorization correlates a client's authorization request with the
// upstream provider round-trip that completes it.
//
// UpstreamState is a server-generated token sent to the upstream provider as
// its OAuth state parameter, and is the record's key. It is never the
// client's own state: the client's CSRF token (ClientState) is held here and
// echoed back on the final redirect, so the two flows stay cryptographically
// independent and the upstream provider never sees client-chosen values.
type PendingAuthorization struct {
	// UpstreamState is the server-generated correlation token (record key)
	UpstreamState string

	// ClientID is the client that started the flow
	ClientID string

	// RedirectURI is the validated client redirect URI for the final redirect
	RedirectURI string

	// ClientState is the client's own state parameter (optional), echoed
	// back verbatim
	ClientState string

	// CodeChallenge is the client's PKCE challenge
	CodeChallenge string

	// CodeChallengeMethod is "S256" or "plain"
	CodeChallengeMethod string

	// Scope is the requested scope (optional)
	Scope string

	// CreatedAt is when the flow started
	CreatedAt time.Time

	// ExpiresAt bounds abandoned flows
	ExpiresAt time.Time
}

// AuthorizationCode is a single-use code minted after the upstream exchange,
// binding the original client request to the upstream credentials it
// produced. Redeemed exactly once at the token endpoint.
type AuthorizationCode struct {
	// Code is the opaque single-use code (record key)
	Code string

	// ClientID is the client the code was issued to
	ClientID string

	// RedirectURI is the redirect URI the code is bound to
	RedirectURI string

	// CodeChallenge carries the PKCE challenge forward to redemption
	CodeChallenge string

	// CodeChallengeMethod is "S256" or "plain"
	CodeChallengeMethod string

	// Scope is the granted scope
	Scope string

	// TenantID identifies the upstream account (realm) the credentials are
	// scoped to
	TenantID string

	// UpstreamToken holds the upstream access/refresh tokens obtained for
	// this authorization
	UpstreamToken *oauth2.Token

	// CreatedAt is when the code was minted
	CreatedAt time.Time

	// ExpiresAt is the short redemption deadline (~10 minutes)
	ExpiresAt time.Time
}
