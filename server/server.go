package server

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/ledgerbridge/books-oauth/instrumentation"
	"github.com/ledgerbridge/books-oauth/providers"
	"github.com/ledgerbridge/books-oauth/security"
	"github.com/ledgerbridge/books-oauth/storage"
	"github.com/ledgerbridge/books-oauth/tokens"
)

// Server implements the OAuth 2.1 bridge logic. It brokers authorization
// between dynamically registered clients and a single upstream provider,
// minting stateless encrypted tokens that carry the upstream credentials.
type Server struct {
	provider                providers.Provider
	clientStore             storage.ClientStore
	flowStore               storage.FlowStore
	codec                   *tokens.Codec
	Auditor                 *security.Auditor
	RateLimiter             *security.RateLimiter             // IP-based rate limiter
	RegistrationRateLimiter *security.RegistrationRateLimiter // registration endpoint limiter
	Instrumentation         *instrumentation.Instrumentation  // optional OpenTelemetry instrumentation
	Logger                  *slog.Logger
	Config                  *Config
}

// New creates a new bridge server
func New(
	provider providers.Provider,
	clientStore storage.ClientStore,
	flowStore storage.FlowStore,
	codec *tokens.Codec,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if flowStore == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if codec == nil {
		return nil, fmt.Errorf("token codec is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	applyDefaults(config)
	if err := validateIssuer(config, logger); err != nil {
		return nil, err
	}
	logSecurityWarnings(config, logger)

	return &Server{
		provider:    provider,
		clientStore: clientStore,
		flowStore:   flowStore,
		codec:       codec,
		Config:      config,
		Logger:      logger,
	}, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRateLimiter sets the IP-based rate limiter
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetRegistrationRateLimiter sets the rate limiter for dynamic client registration
func (s *Server) SetRegistrationRateLimiter(rl *security.RegistrationRateLimiter) {
	s.RegistrationRateLimiter = rl
}

// SetInstrumentation sets the OpenTelemetry instrumentation used for metrics
// and tracing. When unset the HTTP layer skips metric recording and uses
// no-op tracers.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
}

// Provider returns the upstream provider the bridge fronts
func (s *Server) Provider() providers.Provider {
	return s.provider
}

// AuthenticateBearer decodes a bearer token and verifies it is a live access
// token. The returned payload carries the upstream credentials the request
// may act with.
func (s *Server) AuthenticateBearer(token string) (*tokens.Payload, error) {
	payload, err := s.codec.Decode(token)
	if err != nil {
		return nil, tokens.ErrInvalidToken
	}
	if payload.Kind != tokens.KindAccess {
		return nil, tokens.ErrInvalidToken
	}
	return payload, nil
}

// HealthCheck verifies the upstream provider is reachable
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := s.provider.HealthCheck(ctx); err != nil {
		return fmt.Errorf("provider %s health check failed: %w", s.provider.Name(), err)
	}
	return nil
}

// generateRandomToken generates a cryptographically secure random token.
// This is an alias for oauth2.GenerateVerifier() which produces a URL-safe,
// base64-encoded random string suitable for codes, state parameters, etc.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
