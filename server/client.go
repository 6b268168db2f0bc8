package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/ledgerbridge/books-oauth/security"
	"github.com/ledgerbridge/books-oauth/storage"
)

// Token endpoint authentication method constants (RFC 7591)
const (
	// TokenEndpointAuthMethodNone represents no authentication (public clients)
	TokenEndpointAuthMethodNone = "none"

	// TokenEndpointAuthMethodBasic represents HTTP Basic authentication
	TokenEndpointAuthMethodBasic = "client_secret_basic"

	// TokenEndpointAuthMethodPost represents POST form parameters
	TokenEndpointAuthMethodPost = "client_secret_post"
)

// Grant types the bridge supports
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// ResponseTypeCode is the only response type the bridge issues
const ResponseTypeCode = "code"

// ErrRegistrationRateLimited is returned when an IP exceeds the registration
// rate limit or its registered-client cap
var ErrRegistrationRateLimited = errors.New("client registration rate limit exceeded")

// RegistrationError is a client registration failure with an RFC 7591 error
// code suitable for the registration response body.
type RegistrationError struct {
	Code        string
	Description string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// ClientMetadata is the client-supplied registration metadata after JSON
// decoding, before defaults are applied.
type ClientMetadata struct {
	ClientName              string
	RedirectURIs            []string
	GrantTypes              []string
	ResponseTypes           []string
	TokenEndpointAuthMethod string
	Scope                   string
}

// RegisterClient registers a new OAuth client per RFC 7591.
//
// Defaults when omitted: token_endpoint_auth_method "none" (public client),
// grant_types ["authorization_code", "refresh_token"], response_types
// ["code"]. Clients registering with "none" receive no secret and rely on
// PKCE at the token endpoint.
//
// Redirect URIs must be https, or plain http on a loopback host. Custom
// schemes are rejected.
func (s *Server) RegisterClient(ctx context.Context, meta *ClientMetadata, clientIP string) (*storage.Client, string, error) {
	if s.RegistrationRateLimiter != nil && !s.RegistrationRateLimiter.Allow(clientIP) {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventClientRegistrationRateLimitExceeded,
				IPAddress: clientIP,
			})
		}
		return nil, "", ErrRegistrationRateLimited
	}

	if meta == nil {
		meta = &ClientMetadata{}
	}

	if err := s.validateClientMetadata(meta); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventClientRegistrationRejected,
				IPAddress: clientIP,
				Details: map[string]any{
					"reason": err.Error(),
				},
			})
		}
		s.Logger.Warn("Client registration rejected",
			"error", err.Error(),
			"client_ip", clientIP)
		return nil, "", err
	}

	// The per-IP cap counts successful registrations, so it runs after
	// metadata validation.
	if err := s.clientStore.CheckIPLimit(ctx, clientIP, s.Config.MaxClientsPerIP); err != nil {
		if errors.Is(err, storage.ErrClientLimitExceeded) {
			if s.Auditor != nil {
				s.Auditor.LogEvent(security.Event{
					Type:      security.EventClientRegistrationRateLimitExceeded,
					IPAddress: clientIP,
					Details: map[string]any{
						"reason": "max_clients_per_ip",
					},
				})
			}
			return nil, "", ErrRegistrationRateLimited
		}
		return nil, "", fmt.Errorf("failed to check registration limit: %w", err)
	}

	authMethod := meta.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = TokenEndpointAuthMethodNone
	}
	grantTypes := meta.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}
	}
	responseTypes := meta.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{ResponseTypeCode}
	}

	clientSecret, clientSecretHash, err := generateClientSecret(authMethod)
	if err != nil {
		return nil, "", err
	}

	client := &storage.Client{
		ClientID:                uuid.NewString(),
		ClientSecretHash:        clientSecretHash,
		ClientName:              meta.ClientName,
		RedirectURIs:            meta.RedirectURIs,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		TokenEndpointAuthMethod: authMethod,
		Scopes:                  strings.Fields(meta.Scope),
		CreatedAt:               time.Now(),
	}

	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogClientRegistered(client.ClientID, client.ClientName, clientIP)
	}
	s.Logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"token_endpoint_auth_method", client.TokenEndpointAuthMethod,
		"redirect_uris", len(client.RedirectURIs),
		"client_ip", clientIP)

	return client, clientSecret, nil
}

// validateClientMetadata checks registration metadata against the bridge's
// registration policy. Errors carry RFC 7591 error codes.
func (s *Server) validateClientMetadata(meta *ClientMetadata) error {
	if len(meta.RedirectURIs) == 0 {
		return &RegistrationError{
			Code:        ErrorCodeInvalidRedirectURI,
			Description: "redirect_uris is required",
		}
	}
	for _, uri := range meta.RedirectURIs {
		if err := validateRegistrationRedirectURI(uri); err != nil {
			return &RegistrationError{
				Code:        ErrorCodeInvalidRedirectURI,
				Description: err.Error(),
			}
		}
	}

	switch meta.TokenEndpointAuthMethod {
	case "", TokenEndpointAuthMethodNone, TokenEndpointAuthMethodBasic, TokenEndpointAuthMethodPost:
	default:
		return &RegistrationError{
			Code:        ErrorCodeInvalidClientMetadata,
			Description: fmt.Sprintf("unsupported token_endpoint_auth_method: %s", meta.TokenEndpointAuthMethod),
		}
	}

	for _, grant := range meta.GrantTypes {
		if grant != GrantTypeAuthorizationCode && grant != GrantTypeRefreshToken {
			return &RegistrationError{
				Code:        ErrorCodeInvalidClientMetadata,
				Description: fmt.Sprintf("unsupported grant_type: %s", grant),
			}
		}
	}

	for _, responseType := range meta.ResponseTypes {
		if responseType != ResponseTypeCode {
			return &RegistrationError{
				Code:        ErrorCodeInvalidClientMetadata,
				Description: fmt.Sprintf("unsupported response_type: %s", responseType),
			}
		}
	}

	if err := s.validateScopes(meta.Scope); err != nil {
		return &RegistrationError{
			Code:        ErrorCodeInvalidClientMetadata,
			Description: err.Error(),
		}
	}

	return nil
}

// generateClientSecret generates a secret for clients that authenticate at
// the token endpoint. Public clients (auth method "none") get no secret.
// Returns the plaintext secret (shown once in the registration response) and
// its bcrypt hash for storage.
func generateClientSecret(tokenEndpointAuthMethod string) (string, string, error) {
	if tokenEndpointAuthMethod == TokenEndpointAuthMethodNone {
		return "", "", nil
	}

	clientSecret := generateRandomToken()
	hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return clientSecret, string(hash), nil
}

// ValidateClientCredentials validates client credentials for the token endpoint
func (s *Server) ValidateClientCredentials(ctx context.Context, clientID, clientSecret string) error {
	return s.clientStore.ValidateClientSecret(ctx, clientID, clientSecret)
}

// GetClient retrieves a registered client by ID
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.clientStore.GetClient(ctx, clientID)
}
