package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"golang.org/x/oauth2"

	"github.com/ledgerbridge/books-oauth/security"
	"github.com/ledgerbridge/books-oauth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "books:"

	// tokenIDLogLength is the number of characters to include when logging
	// codes and correlation tokens
	tokenIDLogLength = 8

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// clientIPWindow is how long per-IP registration counts are kept.
	// The counter resets once the window passes without new registrations.
	clientIPWindow = 24 * time.Hour

	// dummyHash is a bcrypt hash compared against when a client is unknown or
	// has no secret, so validation burns the same work on every path.
	dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy" //nolint:gosec // not a credential
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "books:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of the ClientStore and FlowStore
// interfaces.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	// encryptor protects upstream credentials inside stored codes
	// Access must be synchronized via encryptorMu
	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex
}

// Compile-time interface checks
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.FlowStore   = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetEncryptor enables encryption at rest for the upstream credentials held
// inside stored authorization codes.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Encryption at rest enabled for Valkey storage")
	}
}

// getEncryptor returns the current encryptor (thread-safe)
func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// sealUpstreamToken returns a copy of token with its access and refresh
// token strings encrypted. Without an enabled encryptor the copy is
// unmodified. The caller's token is never mutated.
func (s *Store) sealUpstreamToken(token *oauth2.Token) (*oauth2.Token, error) {
	if token == nil {
		return nil, nil
	}
	clone := *token

	enc := s.getEncryptor()
	if enc == nil || !enc.IsEnabled() {
		return &clone, nil
	}

	var err error
	if clone.AccessToken, err = enc.Encrypt(token.AccessToken); err != nil {
		return nil, fmt.Errorf("failed to encrypt upstream access token: %w", err)
	}
	if clone.RefreshToken, err = enc.Encrypt(token.RefreshToken); err != nil {
		return nil, fmt.Errorf("failed to encrypt upstream refresh token: %w", err)
	}
	return &clone, nil
}

// openUpstreamToken reverses sealUpstreamToken.
func (s *Store) openUpstreamToken(token *oauth2.Token) (*oauth2.Token, error) {
	if token == nil {
		return nil, nil
	}
	clone := *token

	enc := s.getEncryptor()
	if enc == nil || !enc.IsEnabled() {
		return &clone, nil
	}

	var err error
	if clone.AccessToken, err = enc.Decrypt(token.AccessToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt upstream access token: %w", err)
	}
	if clone.RefreshToken, err = enc.Decrypt(token.RefreshToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt upstream refresh token: %w", err)
	}
	return &clone, nil
}

// ============================================================
// Key Helpers
// ============================================================

// clientKey returns the key for a client: {prefix}client:{clientID}
func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

// clientIPKey returns the key for client IP tracking: {prefix}client:ip:{ip}
func (s *Store) clientIPKey(ip string) string {
	return fmt.Sprintf("%sclient:ip:%s", s.prefix, ip)
}

// pendingKey returns the key for a pending authorization, keyed by the
// server-generated upstream state: {prefix}pending:{state}
func (s *Store) pendingKey(upstreamState string) string {
	return fmt.Sprintf("%spending:%s", s.prefix, upstreamState)
}

// codeKey returns the key for an authorization code: {prefix}code:{code}
func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

// ============================================================
// JSON Serialization Helpers
// ============================================================

// clientJSON is the JSON representation of a registered client
type clientJSON struct {
	ClientID                string   `json:"client_id"`
	ClientSecretHash        string   `json:"client_secret_hash,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Scopes                  []string `json:"scopes,omitempty"`
	CreatedAt               int64    `json:"created_at"`
}

func toClientJSON(client *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:                client.ClientID,
		ClientSecretHash:        client.ClientSecretHash,
		ClientName:              client.ClientName,
		RedirectURIs:            client.RedirectURIs,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		Scopes:                  client.Scopes,
		CreatedAt:               client.CreatedAt.Unix(),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	if j == nil {
		return nil
	}
	return &storage.Client{
		ClientID:                j.ClientID,
		ClientSecretHash:        j.ClientSecretHash,
		ClientName:              j.ClientName,
		RedirectURIs:            j.RedirectURIs,
		GrantTypes:              j.GrantTypes,
		ResponseTypes:           j.ResponseTypes,
		TokenEndpointAuthMethod: j.TokenEndpointAuthMethod,
		Scopes:                  j.Scopes,
		CreatedAt:               time.Unix(j.CreatedAt, 0),
	}
}

// pendingAuthorizationJSON is the JSON representation of a pending
// authorization
type pendingAuthorizationJSON struct {
	UpstreamState       string `json:"upstream_state"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	ClientState         string `json:"client_state,omitempty"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	Scope               string `json:"scope,omitempty"`
	CreatedAt           int64  `json:"created_at"`
	ExpiresAt           int64  `json:"expires_at"`
}

func toPendingAuthorizationJSON(pending *storage.PendingAuthorization) *pendingAuthorizationJSON {
	return &pendingAuthorizationJSON{
		UpstreamState:       pending.UpstreamState,
		ClientID:            pending.ClientID,
		RedirectURI:         pending.RedirectURI,
		ClientState:         pending.ClientState,
		CodeChallenge:       pending.CodeChallenge,
		CodeChallengeMethod: pending.CodeChallengeMethod,
		Scope:               pending.Scope,
		CreatedAt:           pending.CreatedAt.Unix(),
		ExpiresAt:           pending.ExpiresAt.Unix(),
	}
}

func fromPendingAuthorizationJSON(j *pendingAuthorizationJSON) *storage.PendingAuthorization {
	if j == nil {
		return nil
	}
	return &storage.PendingAuthorization{
		UpstreamState:       j.UpstreamState,
		ClientID:            j.ClientID,
		RedirectURI:         j.RedirectURI,
		ClientState:         j.ClientState,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		Scope:               j.Scope,
		CreatedAt:           time.Unix(j.CreatedAt, 0),
		ExpiresAt:           time.Unix(j.ExpiresAt, 0),
	}
}

// authorizationCodeJSON is the JSON representation of an authorization code
type authorizationCodeJSON struct {
	Code                string        `json:"code"`
	ClientID            string        `json:"client_id"`
	RedirectURI         string        `json:"redirect_uri"`
	CodeChallenge       string        `json:"code_challenge"`
	CodeChallengeMethod string        `json:"code_challenge_method"`
	Scope               string        `json:"scope,omitempty"`
	TenantID            string        `json:"tenant_id,omitempty"`
	UpstreamToken       *oauth2.Token `json:"upstream_token,omitempty"`
	CreatedAt           int64         `json:"created_at"`
	ExpiresAt           int64         `json:"expires_at"`
}

func toAuthorizationCodeJSON(code *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		Code:                code.Code,
		ClientID:            code.ClientID,
		RedirectURI:         code.RedirectURI,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		Scope:               code.Scope,
		TenantID:            code.TenantID,
		UpstreamToken:       code.UpstreamToken,
		CreatedAt:           code.CreatedAt.Unix(),
		ExpiresAt:           code.ExpiresAt.Unix(),
	}
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	if j == nil {
		return nil
	}
	return &storage.AuthorizationCode{
		Code:                j.Code,
		ClientID:            j.ClientID,
		RedirectURI:         j.RedirectURI,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		Scope:               j.Scope,
		TenantID:            j.TenantID,
		UpstreamToken:       j.UpstreamToken,
		CreatedAt:           time.Unix(j.CreatedAt, 0),
		ExpiresAt:           time.Unix(j.ExpiresAt, 0),
	}
}

// ============================================================
// Helper functions
// ============================================================

// isNilError checks if the error indicates a nil/not-found result from Valkey.
// Uses the valkey-go library's built-in nil detection for robustness.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// safeTruncate safely truncates a string to n characters
func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// calculateTTL calculates the TTL for a key based on expiry time
// Returns 0 if the key has already expired
func calculateTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl
}
