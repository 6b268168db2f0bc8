package server

import (
	"fmt"
	"log/slog"
	"net/url"

	"github.com/ledgerbridge/books-oauth/internal/util"
)

// Endpoint paths served by the bridge, relative to the issuer.
const (
	PathAuthorize = "/authorize"
	PathToken     = "/token"
	PathRegister  = "/register"
	PathCallback  = "/callback"

	PathAuthorizationServerMetadata = "/.well-known/oauth-authorization-server"
	PathProtectedResourceMetadata   = "/.well-known/oauth-protected-resource"
	PathOpenIDConfiguration         = "/.well-known/openid-configuration"
)

// Config holds bridge server configuration
type Config struct {
	// Issuer is the bridge's issuer identifier (base URL, no trailing slash).
	// All endpoint URLs in discovery metadata are derived from it. Required.
	Issuer string

	// PendingAuthorizationTTL bounds how long an authorization handed off to
	// the upstream provider may remain unanswered before the callback is rejected
	PendingAuthorizationTTL int64 // seconds, default: 600 (10 minutes)

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 7776000 (90 days)

	// SupportedScopes lists the scopes clients may request from the bridge.
	// If empty, all scopes are allowed.
	SupportedScopes []string

	// RequireS256PKCE rejects the 'plain' code_challenge_method.
	// When false both S256 and plain are accepted; plain verifiers are still
	// compared in constant time.
	// Default: false
	RequireS256PKCE bool // default: false

	// AllowStaleUpstreamOnRefreshFailure keeps a refresh grant alive when the
	// upstream provider rejects or fails the upstream refresh, reusing the
	// previously stored upstream credentials. The minted access token may then
	// carry an upstream token that the provider no longer honors.
	// Default: false (upstream refresh failure fails the grant)
	AllowStaleUpstreamOnRefreshFailure bool // default: false

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy (nginx, HAProxy, etc.)
	// When false, uses direct connection IP (secure by default)
	// Default: false
	TrustProxy bool // default: false

	// TrustedProxyCount is the number of trusted proxies in front of this server
	// Used with TrustProxy to correctly extract client IP from X-Forwarded-For
	// Default: 1
	TrustedProxyCount int // default: 1

	// MaxClientsPerIP limits client registrations per IP address
	// Prevents DoS via mass client registration
	// Default: 10
	MaxClientsPerIP int // default: 10

	// AllowInsecureHTTP permits a plain-http non-loopback issuer.
	// Intended for tests and lab environments only.
	// Default: false
	AllowInsecureHTTP bool // default: false

	// CORSAllowedOrigins lists origins allowed to call the token, registration
	// and discovery endpoints from a browser. "*" matches any origin.
	// Empty disables CORS headers entirely.
	CORSAllowedOrigins []string

	// DisableWWWAuthenticateMetadata strips the resource_metadata parameter
	// from WWW-Authenticate challenges, leaving a bare "Bearer" challenge
	DisableWWWAuthenticateMetadata bool // default: false
}

// AuthorizationEndpoint returns the absolute URL of the authorization endpoint
func (c *Config) AuthorizationEndpoint() string {
	return c.Issuer + PathAuthorize
}

// TokenEndpoint returns the absolute URL of the token endpoint
func (c *Config) TokenEndpoint() string {
	return c.Issuer + PathToken
}

// RegistrationEndpoint returns the absolute URL of the dynamic client
// registration endpoint
func (c *Config) RegistrationEndpoint() string {
	return c.Issuer + PathRegister
}

// CallbackEndpoint returns the absolute URL the upstream provider redirects
// back to. This is the redirect URL registered with the provider.
func (c *Config) CallbackEndpoint() string {
	return c.Issuer + PathCallback
}

// ProtectedResourceMetadataEndpoint returns the absolute URL of the RFC 9728
// protected resource metadata document
func (c *Config) ProtectedResourceMetadataEndpoint() string {
	return c.Issuer + PathProtectedResourceMetadata
}

// applyDefaults fills zero values with production defaults and normalizes
// the issuer
func applyDefaults(config *Config) {
	config.Issuer = util.NormalizeURL(config.Issuer)

	if config.PendingAuthorizationTTL == 0 {
		config.PendingAuthorizationTTL = 600 // 10 minutes
	}
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 7776000 // 90 days
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.MaxClientsPerIP == 0 {
		config.MaxClientsPerIP = 10
	}
}

// validateIssuer enforces that the issuer is an absolute http(s) URL and that
// plain http is confined to loopback unless explicitly allowed
func validateIssuer(config *Config, logger *slog.Logger) error {
	if config.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}

	parsed, err := url.Parse(config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL with a host: %s", config.Issuer)
	}

	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
		if isLoopbackHostname(parsed.Hostname()) {
			logger.Warn("issuer uses plain http on loopback; fine for development, not for production",
				"issuer", config.Issuer)
			return nil
		}
		if config.AllowInsecureHTTP {
			logger.Warn("⚠️  SECURITY WARNING: issuer uses plain http on a non-loopback host",
				"issuer", config.Issuer,
				"risk", "Tokens and authorization codes travel unencrypted",
				"recommendation", "Use an https issuer in production")
			return nil
		}
		return fmt.Errorf("http issuer is only allowed on loopback (set AllowInsecureHTTP to override): %s", config.Issuer)
	default:
		return fmt.Errorf("issuer scheme must be http or https: %s", config.Issuer)
	}
}

// logSecurityWarnings logs warnings for explicitly opted-in risky settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.AllowStaleUpstreamOnRefreshFailure {
		logger.Warn("⚠️  SECURITY WARNING: stale upstream credentials are ALLOWED on refresh failure",
			"risk", "Minted access tokens may carry upstream tokens the provider no longer honors",
			"recommendation", "Set AllowStaleUpstreamOnRefreshFailure=false so refresh failures surface to clients")
	}
	if config.TrustProxy {
		logger.Warn("⚠️  SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"recommendation", "Only enable behind trusted reverse proxies",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
}
