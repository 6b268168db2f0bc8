package server

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/ledgerbridge/books-oauth/internal/util"
	"github.com/ledgerbridge/books-oauth/security"
	"github.com/ledgerbridge/books-oauth/storage"
	"github.com/ledgerbridge/books-oauth/tokens"
)

// OAuth 2.0 error codes from RFC 6749 and RFC 7591.
// Note: These are intentionally duplicated from the root package's errors to
// avoid circular imports (the root package imports server, server can't
// import root). Keep these in sync with the root package.
const (
	ErrorCodeInvalidRequest        = "invalid_request"
	ErrorCodeInvalidClient         = "invalid_client"
	ErrorCodeInvalidGrant          = "invalid_grant"
	ErrorCodeInvalidScope          = "invalid_scope"
	ErrorCodeServerError           = "server_error"
	ErrorCodeInvalidRedirectURI    = "invalid_redirect_uri"
	ErrorCodeInvalidClientMetadata = "invalid_client_metadata"
)

// FlowError is an OAuth protocol failure with an RFC 6749 error code. The
// handler renders it as a JSON error response; it must never be delivered to
// a redirect URI.
type FlowError struct {
	Code        string
	Description string
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// AuthorizationError is an authorization failure that is delivered to the
// client's redirect URI as error query parameters (RFC 6749 Section 4.1.2.1).
// It is only produced once the client identity and redirect URI have been
// validated.
type AuthorizationError struct {
	Code        string
	Description string
	RedirectURI string
	State       string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// RedirectURL renders the redirect carrying the error parameters
func (e *AuthorizationError) RedirectURL() string {
	params := url.Values{}
	params.Set("error", e.Code)
	if e.Description != "" {
		params.Set("error_description", e.Description)
	}
	if e.State != "" {
		params.Set("state", e.State)
	}
	return buildRedirectURL(e.RedirectURI, params)
}

// buildRedirectURL appends params to a redirect URI, preserving any query
// parameters the client registered it with. Registered URIs are validated at
// registration time, so the parse cannot fail for stored URIs.
func buildRedirectURL(redirectURI string, params url.Values) string {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	query := parsed.Query()
	for key, values := range params {
		for _, value := range values {
			query.Set(key, value)
		}
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

// StartAuthorizationFlow validates an authorization request and returns the
// upstream provider URL to send the user agent to.
//
// Failures before the client and redirect URI are validated come back as
// *FlowError and must NOT be redirected. Once both are trusted, failures come
// back as *AuthorizationError carrying the redirect URI so the handler can
// deliver them to the client per RFC 6749.
//
// The client's PKCE challenge binds to the bridge's own code; the upstream
// leg runs under a bridge-generated state token with the provider's default
// scopes. Client state is optional and echoed back verbatim on completion.
func (s *Server) StartAuthorizationFlow(ctx context.Context, clientID, redirectURI, scope, codeChallenge, codeChallengeMethod, clientState string) (string, error) {
	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(clientID, "", ErrorCodeInvalidClient)
		}
		return "", &FlowError{
			Code:        ErrorCodeInvalidClient,
			Description: "unknown client",
		}
	}

	if err := s.validateRedirectURI(client, redirectURI); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventInvalidRedirect,
				ClientID: clientID,
				Details: map[string]any{
					"redirect_uri": redirectURI,
				},
			})
		}
		return "", &FlowError{
			Code:        ErrorCodeInvalidRedirectURI,
			Description: "redirect_uri is not registered for this client",
		}
	}

	// The redirect URI is trusted from here on; remaining failures are
	// delivered to it.

	if codeChallenge == "" {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(clientID, "", "missing_pkce_challenge")
		}
		return "", &AuthorizationError{
			Code:        ErrorCodeInvalidRequest,
			Description: "code_challenge is required (OAuth 2.1 mandates PKCE)",
			RedirectURI: redirectURI,
			State:       clientState,
		}
	}

	method := codeChallengeMethod
	if method == "" {
		method = PKCEMethodS256
	}
	switch method {
	case PKCEMethodS256:
	case PKCEMethodPlain:
		if s.Config.RequireS256PKCE {
			if s.Auditor != nil {
				s.Auditor.LogAuthFailure(clientID, "", "plain_pkce_not_allowed")
			}
			return "", &AuthorizationError{
				Code:        ErrorCodeInvalidRequest,
				Description: "'plain' code_challenge_method is not allowed, use S256",
				RedirectURI: redirectURI,
				State:       clientState,
			}
		}
	default:
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(clientID, "", fmt.Sprintf("invalid_pkce_method: %s", method))
		}
		return "", &AuthorizationError{
			Code:        ErrorCodeInvalidRequest,
			Description: fmt.Sprintf("unsupported code_challenge_method: %s", method),
			RedirectURI: redirectURI,
			State:       clientState,
		}
	}

	if err := s.validateScopes(scope); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(clientID, "", fmt.Sprintf("%s: %v", ErrorCodeInvalidScope, err))
		}
		return "", &AuthorizationError{
			Code:        ErrorCodeInvalidScope,
			Description: err.Error(),
			RedirectURI: redirectURI,
			State:       clientState,
		}
	}
	if err := s.validateClientScopes(scope, client.Scopes); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(clientID, "", fmt.Sprintf("%s: %v", ErrorCodeInvalidScope, err))
		}
		return "", &AuthorizationError{
			Code:        ErrorCodeInvalidScope,
			Description: err.Error(),
			RedirectURI: redirectURI,
			State:       clientState,
		}
	}

	upstreamState := generateRandomToken()
	now := time.Now()
	pending := &storage.PendingAuthorization{
		UpstreamState:       upstreamState,
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		ClientState:         clientState,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: method,
		Scope:               scope,
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Duration(s.Config.PendingAuthorizationTTL) * time.Second),
	}
	if err := s.flowStore.SavePendingAuthorization(ctx, pending); err != nil {
		s.Logger.Error("Failed to save pending authorization",
			"error", err,
			"client_id", clientID)
		return "", &AuthorizationError{
			Code:        ErrorCodeServerError,
			Description: "failed to persist authorization state",
			RedirectURI: redirectURI,
			State:       clientState,
		}
	}

	if s.Auditor != nil {
		s.Auditor.LogAuthorizationStarted(clientID, "")
	}
	s.Logger.Info("Authorization flow started",
		"client_id", clientID,
		"scope", scope,
		"pkce_method", method)

	// The upstream request carries the provider's default scopes; the
	// client's requested scopes bind to the bridge token, not to the
	// upstream grant.
	return s.provider.AuthorizationURL(upstreamState, nil), nil
}

// CallbackRequest carries the query parameters the upstream provider sends
// to the bridge's callback endpoint.
type CallbackRequest struct {
	// State is the bridge-generated correlation token
	State string

	// Code is the upstream authorization code
	Code string

	// RealmID is the tenant (company) identifier the provider appends to
	// the callback
	RealmID string

	// Error and ErrorDescription are set when the provider denied the
	// authorization
	Error            string
	ErrorDescription string
}

// HandleUpstreamCallback consumes the pending authorization matching the
// upstream state, exchanges the upstream code, mints a single-use
// authorization code and returns the client redirect URL to send the user
// agent to.
//
// The pending entry is consumed before anything else, so a replayed callback
// fails with *FlowError regardless of its other parameters. Once the pending
// entry is in hand the client's redirect URI is known and every outcome,
// including upstream denials and exchange failures, is returned as a redirect
// URL with nil error.
func (s *Server) HandleUpstreamCallback(ctx context.Context, req *CallbackRequest) (string, error) {
	if req == nil || req.State == "" {
		return "", &FlowError{
			Code:        ErrorCodeInvalidRequest,
			Description: "invalid or expired authorization state",
		}
	}

	pending, err := s.flowStore.ConsumePendingAuthorization(ctx, req.State)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type: security.EventInvalidUpstreamCallback,
				Details: map[string]any{
					"state_prefix": util.SafeTruncate(req.State, 8),
				},
			})
		}
		s.Logger.Warn("Callback with unknown, expired or already consumed state",
			"error", err,
			"state_prefix", util.SafeTruncate(req.State, 8))
		return "", &FlowError{
			Code:        ErrorCodeInvalidRequest,
			Description: "invalid or expired authorization state",
		}
	}

	if req.Error != "" {
		if s.Auditor != nil {
			s.Auditor.LogUpstreamErrorForwarded(pending.ClientID, "", req.Error)
		}
		s.Logger.Info("Upstream authorization denied",
			"client_id", pending.ClientID,
			"upstream_error", req.Error)
		// Forwarded verbatim so the client sees the provider's own error code
		return (&AuthorizationError{
			Code:        req.Error,
			Description: req.ErrorDescription,
			RedirectURI: pending.RedirectURI,
			State:       pending.ClientState,
		}).RedirectURL(), nil
	}

	if req.Code == "" {
		s.Logger.Warn("Upstream callback carried neither code nor error",
			"client_id", pending.ClientID)
		return (&AuthorizationError{
			Code:        ErrorCodeInvalidRequest,
			Description: "upstream callback is missing the authorization code",
			RedirectURI: pending.RedirectURI,
			State:       pending.ClientState,
		}).RedirectURL(), nil
	}

	upstreamToken, err := s.provider.ExchangeCode(ctx, req.Code)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventUpstreamExchangeFailed,
				ClientID: pending.ClientID,
				Details: map[string]any{
					"error": err.Error(),
				},
			})
		}
		s.Logger.Error("Upstream code exchange failed",
			"error", err,
			"client_id", pending.ClientID,
			"provider", s.provider.Name())
		return (&AuthorizationError{
			Code:        ErrorCodeServerError,
			Description: "failed to exchange authorization code with the upstream provider",
			RedirectURI: pending.RedirectURI,
			State:       pending.ClientState,
		}).RedirectURL(), nil
	}

	if req.RealmID == "" {
		s.Logger.Warn("Upstream callback did not include a realm identifier",
			"client_id", pending.ClientID)
	}

	code := generateRandomToken()
	now := time.Now()
	authCode := &storage.AuthorizationCode{
		Code:                code,
		ClientID:            pending.ClientID,
		RedirectURI:         pending.RedirectURI,
		CodeChallenge:       pending.CodeChallenge,
		CodeChallengeMethod: pending.CodeChallengeMethod,
		Scope:               pending.Scope,
		TenantID:            req.RealmID,
		UpstreamToken:       upstreamToken,
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
	}
	if err := s.flowStore.SaveAuthorizationCode(ctx, authCode); err != nil {
		s.Logger.Error("Failed to save authorization code",
			"error", err,
			"client_id", pending.ClientID)
		// The upstream grant would otherwise be orphaned
		s.revokeUpstreamToken(ctx, upstreamToken)
		return (&AuthorizationError{
			Code:        ErrorCodeServerError,
			Description: "failed to persist authorization code",
			RedirectURI: pending.RedirectURI,
			State:       pending.ClientState,
		}).RedirectURL(), nil
	}

	if s.Auditor != nil {
		s.Auditor.LogAuthorizationCodeIssued(pending.ClientID, req.RealmID, "")
	}
	s.Logger.Info("Authorization code issued",
		"client_id", pending.ClientID,
		"tenant_present", req.RealmID != "")

	params := url.Values{}
	params.Set("code", code)
	if pending.ClientState != "" {
		params.Set("state", pending.ClientState)
	}
	return buildRedirectURL(pending.RedirectURI, params), nil
}

// revokeUpstreamToken best-effort revokes an upstream grant the bridge can
// no longer hand to a client. Prefers the refresh token, which kills the
// whole upstream grant.
func (s *Server) revokeUpstreamToken(ctx context.Context, token *oauth2.Token) {
	if token == nil {
		return
	}
	target := token.RefreshToken
	if target == "" {
		target = token.AccessToken
	}
	if target == "" {
		return
	}
	if err := s.provider.RevokeToken(ctx, target); err != nil {
		s.Logger.Warn("Failed to revoke orphaned upstream token",
			"error", err,
			"provider", s.provider.Name())
	}
}

// ExchangeAuthorizationCode redeems a single-use authorization code for a
// sealed access/refresh token pair. Returns the token pair and the scope
// granted to the code.
//
// Redemption is atomic: under concurrent redemption of the same code exactly
// one caller wins and all others get invalid_grant. Unknown, expired and
// replayed codes are indistinguishable to the caller.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, code, clientID, redirectURI, codeVerifier string) (*oauth2.Token, string, error) {
	authCode, err := s.flowStore.ConsumeAuthorizationCode(ctx, code)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(clientID, "", "invalid_authorization_code")
		}
		s.Logger.Debug("Authorization code redemption failed",
			"error", err,
			"code_prefix", util.SafeTruncate(code, 8))
		return nil, "", &FlowError{
			Code:        ErrorCodeInvalidGrant,
			Description: "invalid or expired authorization code",
		}
	}

	if authCode.ClientID != clientID {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(clientID, "", "authorization_code_client_mismatch")
		}
		s.Logger.Warn("Authorization code presented by a different client",
			"client_id", clientID)
		return nil, "", &FlowError{
			Code:        ErrorCodeInvalidGrant,
			Description: "invalid or expired authorization code",
		}
	}

	if authCode.RedirectURI != redirectURI {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(clientID, "", "redirect_uri_mismatch")
		}
		return nil, "", &FlowError{
			Code:        ErrorCodeInvalidGrant,
			Description: "redirect_uri does not match the authorization request",
		}
	}

	if err := s.validatePKCE(authCode.CodeChallenge, authCode.CodeChallengeMethod, codeVerifier); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventPKCEValidationFailed,
				ClientID: clientID,
				Details: map[string]any{
					"error": err.Error(),
				},
			})
		}
		return nil, "", &FlowError{
			Code:        ErrorCodeInvalidGrant,
			Description: err.Error(),
		}
	}

	pair, err := s.mintTokenPair(clientID, authCode.TenantID, authCode.UpstreamToken)
	if err != nil {
		s.Logger.Error("Failed to mint token pair",
			"error", err,
			"client_id", clientID)
		return nil, "", &FlowError{
			Code:        ErrorCodeServerError,
			Description: "failed to issue tokens",
		}
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(clientID, authCode.TenantID, "", GrantTypeAuthorizationCode)
	}
	s.Logger.Info("Access token issued",
		"client_id", clientID,
		"grant_type", GrantTypeAuthorizationCode)

	return pair, authCode.Scope, nil
}

// RefreshAccessToken redeems a sealed refresh token for a fresh token pair,
// refreshing the embedded upstream credentials with the provider along the
// way. The refresh token must have been issued to clientID.
//
// When the upstream refresh fails the grant fails with invalid_grant unless
// AllowStaleUpstreamOnRefreshFailure is set, in which case the stored
// upstream credentials are carried into the new pair unchanged.
func (s *Server) RefreshAccessToken(ctx context.Context, refreshToken, clientID string) (*oauth2.Token, error) {
	payload, err := s.codec.Decode(refreshToken)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(clientID, "", "invalid_refresh_token")
		}
		return nil, &FlowError{
			Code:        ErrorCodeInvalidGrant,
			Description: "invalid or expired refresh token",
		}
	}

	if payload.Kind != tokens.KindRefresh {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(clientID, "", "access_token_presented_as_refresh_token")
		}
		return nil, &FlowError{
			Code:        ErrorCodeInvalidGrant,
			Description: "invalid or expired refresh token",
		}
	}

	if payload.ClientID != clientID {
		if s.Auditor != nil {
			s.Auditor.LogAuthFailure(clientID, "", "refresh_token_client_mismatch")
		}
		s.Logger.Warn("Refresh token presented by a different client",
			"client_id", clientID)
		return nil, &FlowError{
			Code:        ErrorCodeInvalidGrant,
			Description: "invalid or expired refresh token",
		}
	}

	upstream, err := s.provider.Refresh(ctx, payload.UpstreamRefreshToken)
	upstreamRefreshed := true
	if err != nil {
		if !s.Config.AllowStaleUpstreamOnRefreshFailure {
			if s.Auditor != nil {
				s.Auditor.LogEvent(security.Event{
					Type:     security.EventUpstreamRefreshFailed,
					ClientID: payload.ClientID,
					TenantID: payload.TenantID,
					Details: map[string]any{
						"error": err.Error(),
					},
				})
			}
			s.Logger.Warn("Upstream token refresh failed",
				"error", err,
				"client_id", payload.ClientID,
				"provider", s.provider.Name())
			return nil, &FlowError{
				Code:        ErrorCodeInvalidGrant,
				Description: "upstream token refresh failed",
			}
		}

		upstreamRefreshed = false
		s.Logger.Warn("Upstream token refresh failed, reusing stored upstream credentials",
			"error", err,
			"client_id", payload.ClientID,
			"provider", s.provider.Name())
		upstream = &oauth2.Token{
			AccessToken:  payload.UpstreamAccessToken,
			RefreshToken: payload.UpstreamRefreshToken,
		}
	} else if upstream.RefreshToken == "" {
		// Provider kept the previous refresh token
		upstream = &oauth2.Token{
			AccessToken:  upstream.AccessToken,
			RefreshToken: payload.UpstreamRefreshToken,
			TokenType:    upstream.TokenType,
			Expiry:       upstream.Expiry,
		}
	}

	pair, err := s.mintTokenPair(payload.ClientID, payload.TenantID, upstream)
	if err != nil {
		s.Logger.Error("Failed to mint token pair",
			"error", err,
			"client_id", payload.ClientID)
		return nil, &FlowError{
			Code:        ErrorCodeServerError,
			Description: "failed to issue tokens",
		}
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(payload.ClientID, payload.TenantID, "", upstreamRefreshed)
	}
	s.Logger.Info("Access token refreshed",
		"client_id", payload.ClientID,
		"upstream_refreshed", upstreamRefreshed)

	return pair, nil
}

// mintTokenPair seals a fresh access/refresh token pair around the upstream
// credentials. The access token carries only the upstream access token; the
// refresh token carries both upstream tokens so a later refresh can reach
// the provider, or fall back to the stored credentials when allowed.
func (s *Server) mintTokenPair(clientID, tenantID string, upstream *oauth2.Token) (*oauth2.Token, error) {
	var upstreamAccess, upstreamRefresh string
	if upstream != nil {
		upstreamAccess = upstream.AccessToken
		upstreamRefresh = upstream.RefreshToken
	}

	now := time.Now()
	accessExpiry := now.Add(time.Duration(s.Config.AccessTokenTTL) * time.Second)

	accessToken, err := s.codec.Encode(&tokens.Payload{
		Kind:                tokens.KindAccess,
		ClientID:            clientID,
		TenantID:            tenantID,
		UpstreamAccessToken: upstreamAccess,
		IssuedAt:            now.Unix(),
		ExpiresAt:           accessExpiry.Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to seal access token: %w", err)
	}

	refreshToken, err := s.codec.Encode(&tokens.Payload{
		Kind:                 tokens.KindRefresh,
		ClientID:             clientID,
		TenantID:             tenantID,
		UpstreamAccessToken:  upstreamAccess,
		UpstreamRefreshToken: upstreamRefresh,
		IssuedAt:             now.Unix(),
		ExpiresAt:            now.Add(time.Duration(s.Config.RefreshTokenTTL) * time.Second).Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to seal refresh token: %w", err)
	}

	return &oauth2.Token{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		RefreshToken: refreshToken,
		Expiry:       accessExpiry,
	}, nil
}
