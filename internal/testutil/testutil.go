package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/ledgerbridge/books-oauth/storage"
	"github.com/ledgerbridge/books-oauth/tokens"
)

// GenerateRandomString generates a random base64-encoded string
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid PKCE challenge and verifier pair for testing.
// Returns (challenge, verifier) where challenge is the S256 hash of the verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}

// GenerateTestKey creates a random AES-256 key for token codec tests
func GenerateTestKey() []byte {
	key := make([]byte, tokens.KeySize)
	if _, err := rand.Read(key); err != nil {
		panic(fmt.Sprintf("failed to generate test key: %v", err))
	}
	return key
}

// GenerateTestToken creates a test upstream OAuth2 token
func GenerateTestToken() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  GenerateRandomString(32),
		TokenType:    "Bearer",
		RefreshToken: GenerateRandomString(32),
		Expiry:       time.Now().Add(1 * time.Hour),
	}
}

// GenerateTestTokenWithExpiry creates a test upstream OAuth2 token with specific expiry
func GenerateTestTokenWithExpiry(expiry time.Time) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  GenerateRandomString(32),
		TokenType:    "Bearer",
		RefreshToken: GenerateRandomString(32),
		Expiry:       expiry,
	}
}

// GenerateTestClient creates a registered test OAuth client
func GenerateTestClient() *storage.Client {
	return &storage.Client{
		ClientID:                "test-client-id",
		ClientSecretHash:        "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy", // hash of "secret"
		ClientName:              "Test Client",
		RedirectURIs:            []string{"https://example.com/callback"},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "client_secret_basic",
		Scopes:                  []string{"accounting.read", "accounting.write"},
		CreatedAt:               time.Now(),
	}
}

// GenerateTestPendingAuthorization creates a pending authorization keyed by a
// random upstream state
func GenerateTestPendingAuthorization() *storage.PendingAuthorization {
	challenge, _ := GeneratePKCEPair()
	return &storage.PendingAuthorization{
		UpstreamState:       GenerateRandomString(43),
		ClientID:            "test-client-id",
		RedirectURI:         "https://example.com/callback",
		ClientState:         GenerateRandomString(32),
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		Scope:               "accounting.read",
		CreatedAt:           time.Now(),
		ExpiresAt:           time.Now().Add(10 * time.Minute),
	}
}

// GenerateTestAuthorizationCode creates a redeemable test authorization code
func GenerateTestAuthorizationCode() *storage.AuthorizationCode {
	challenge, _ := GeneratePKCEPair()
	return &storage.AuthorizationCode{
		Code:                GenerateRandomString(43),
		ClientID:            "test-client-id",
		RedirectURI:         "https://example.com/callback",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		Scope:               "accounting.read",
		TenantID:            "9341453989012345",
		UpstreamToken:       GenerateTestToken(),
		CreatedAt:           time.Now(),
		ExpiresAt:           time.Now().Add(10 * time.Minute),
	}
}
