package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/ledgerbridge/books-oauth/storage"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
	PKCEMethodPlain       = "plain"
)

// isLoopbackHostname checks if a hostname refers to the local machine.
// This includes IPv4 loopback (entire 127.0.0.0/8 range per RFC 1122),
// IPv6 loopback (::1), and the localhost hostname.
func isLoopbackHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}

	// Strip brackets from IPv6 addresses for parsing.
	// net.ParseIP doesn't handle brackets, but url.Hostname() may include them.
	cleanHostname := hostname
	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		cleanHostname = hostname[1 : len(hostname)-1]
	}

	if ip := net.ParseIP(cleanHostname); ip != nil {
		return ip.IsLoopback()
	}

	return false
}

// validateRegistrationRedirectURI enforces the redirect URI policy for dynamic
// client registration: absolute http(s) URL, no fragment, and plain http only
// on loopback hosts. Custom schemes are rejected; native apps use a loopback
// redirect per RFC 8252.
func validateRegistrationRedirectURI(redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri format: %w", err)
	}

	// OAuth 2.0 Security BCP Section 4.1.3: redirect_uri MUST NOT contain fragments
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain a fragment")
	}

	if parsed.Host == "" {
		return fmt.Errorf("redirect_uri must be an absolute URL with a host")
	}

	switch strings.ToLower(parsed.Scheme) {
	case "https":
		return nil
	case "http":
		if !isLoopbackHostname(parsed.Hostname()) {
			return fmt.Errorf("http redirect_uri is only allowed on loopback hosts")
		}
		return nil
	default:
		return fmt.Errorf("redirect_uri scheme must be http (loopback) or https, got %q", parsed.Scheme)
	}
}

// validateRedirectURI checks that a redirect URI exactly matches one the
// client registered. Policy checks happened at registration time; registered
// URIs are immutable, so exact string match is sufficient here.
func (s *Server) validateRedirectURI(client *storage.Client, redirectURI string) error {
	for _, uri := range client.RedirectURIs {
		if uri == redirectURI {
			return nil
		}
	}
	return fmt.Errorf("redirect URI not registered for client")
}

// validateScopes validates that requested scopes are allowed by the server
func (s *Server) validateScopes(scope string) error {
	// If no scopes configured, allow all
	if len(s.Config.SupportedScopes) == 0 {
		return nil
	}

	if scope == "" {
		return nil // Empty scope is allowed
	}

	for _, reqScope := range strings.Fields(scope) {
		found := false
		for _, supportedScope := range s.Config.SupportedScopes {
			if reqScope == supportedScope {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unsupported scope: %s", reqScope)
		}
	}

	return nil
}

// validateClientScopes validates that requested scopes are a subset of the
// scopes the client registered with. Clients registered without scope
// restrictions may request anything the server supports.
func (s *Server) validateClientScopes(requestedScope string, clientScopes []string) error {
	if len(clientScopes) == 0 {
		return nil
	}

	if requestedScope == "" {
		return nil
	}

	for _, reqScope := range strings.Fields(requestedScope) {
		found := false
		for _, allowedScope := range clientScopes {
			if reqScope == allowedScope {
				found = true
				break
			}
		}
		if !found {
			// Generic message so clients cannot enumerate another
			// client's allowed scopes
			return fmt.Errorf("client is not authorized for one or more requested scopes")
		}
	}

	return nil
}

// validatePKCE validates the PKCE code verifier against the challenge per RFC 7636
func (s *Server) validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		// No PKCE bound to this code
		return nil
	}

	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}

	// RFC 7636: code_verifier must be 43-128 characters
	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters (RFC 7636)", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters (RFC 7636)", MaxCodeVerifierLength)
	}

	// RFC 7636: code_verifier can only contain [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~"
	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}

	var computedChallenge string

	switch method {
	case PKCEMethodS256:
		hash := sha256.Sum256([]byte(verifier))
		computedChallenge = base64.RawURLEncoding.EncodeToString(hash[:])

	case PKCEMethodPlain:
		if s.Config.RequireS256PKCE {
			return fmt.Errorf("'%s' code_challenge_method is not allowed (RequireS256PKCE is set)", PKCEMethodPlain)
		}
		computedChallenge = verifier
		s.Logger.Warn("Using insecure 'plain' PKCE method",
			"recommendation", "Upgrade client to use S256")

	default:
		return fmt.Errorf("unsupported code_challenge_method: %s (supported: S256%s)", method, func() string {
			if s.Config.RequireS256PKCE {
				return ""
			}
			return ", plain"
		}())
	}

	// Constant-time comparison to prevent timing attacks
	if subtle.ConstantTimeCompare([]byte(computedChallenge), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}

	return nil
}
