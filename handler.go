package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/ledgerbridge/books-oauth/instrumentation"
	"github.com/ledgerbridge/books-oauth/security"
	"github.com/ledgerbridge/books-oauth/server"
	"github.com/ledgerbridge/books-oauth/storage"
)

const (
	defaultCORSMaxAge = 3600 // 1 hour default for preflight cache
	tokenTypeBearer   = "Bearer"
)

// SupportedTokenAuthMethods lists the client authentication methods the
// token endpoint accepts.
var SupportedTokenAuthMethods = []string{
	server.TokenEndpointAuthMethodNone,
	server.TokenEndpointAuthMethodBasic,
	server.TokenEndpointAuthMethodPost,
}

// Handler exposes the bridge over HTTP: the OAuth endpoints, the discovery
// documents and the RequireToken middleware for protected resources.
type Handler struct {
	server *server.Server
	logger *slog.Logger
	tracer trace.Tracer // OpenTelemetry tracer for HTTP layer
}

// NewHandler creates a new HTTP handler
func NewHandler(srv *server.Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: srv,
		logger: logger,
	}

	// Initialize tracer if instrumentation is enabled
	if srv.Instrumentation != nil {
		h.tracer = srv.Instrumentation.Tracer("http")
	}

	return h
}

// RegisterRoutes mounts every bridge endpoint on mux under the fixed paths
// the discovery documents advertise. CORS preflight requests are answered on
// each route.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(server.PathAuthorize, h.withPreflight(h.ServeAuthorization))
	mux.HandleFunc(server.PathCallback, h.withPreflight(h.ServeCallback))
	mux.HandleFunc(server.PathToken, h.withPreflight(h.ServeToken))
	mux.HandleFunc(server.PathRegister, h.withPreflight(h.ServeClientRegistration))
	mux.HandleFunc(server.PathAuthorizationServerMetadata, h.withPreflight(h.ServeAuthorizationServerMetadata))
	mux.HandleFunc(server.PathProtectedResourceMetadata, h.withPreflight(h.ServeProtectedResourceMetadata))
	mux.HandleFunc(server.PathOpenIDConfiguration, h.withPreflight(h.ServeOpenIDConfiguration))
}

// withPreflight routes CORS preflight requests to the preflight handler.
func (h *Handler) withPreflight(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			h.ServePreflightRequest(w, r)
			return
		}
		next(w, r)
	}
}

// UpstreamCredentials are the upstream provider credentials unsealed from a
// bridge access token by RequireToken.
type UpstreamCredentials struct {
	// ClientID is the bridge client the token was issued to
	ClientID string

	// TenantID is the provider company (realm) the credentials belong to
	TenantID string

	// AccessToken is the upstream provider access token
	AccessToken string
}

// contextKey is used for storing values in request context
type contextKey string

// upstreamCredentialsKey is the context key for upstream credentials
const upstreamCredentialsKey contextKey = "upstream_credentials"

// CredentialsFromContext extracts the upstream credentials stashed by
// RequireToken. Returns false when the request did not pass through the
// middleware.
func CredentialsFromContext(ctx context.Context) (*UpstreamCredentials, bool) {
	creds, ok := ctx.Value(upstreamCredentialsKey).(*UpstreamCredentials)
	return creds, ok
}

// ContextWithCredentials returns a context carrying upstream credentials.
func ContextWithCredentials(ctx context.Context, creds *UpstreamCredentials) context.Context {
	return context.WithValue(ctx, upstreamCredentialsKey, creds)
}

// RequireToken is middleware that authenticates requests with a bridge
// access token. On success the unsealed upstream credentials are placed in
// the request context for CredentialsFromContext. On failure the response is
// a 401 with a WWW-Authenticate challenge pointing at the protected resource
// metadata.
func (h *Handler) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)

		if h.checkIPRateLimit(w, r, clientIP) {
			return
		}

		accessToken, ok := h.extractBearerToken(w, r)
		if !ok {
			return
		}

		payload, err := h.server.AuthenticateBearer(accessToken)
		if err != nil {
			h.logger.Warn("Bearer token rejected", "ip", clientIP, "error", err)
			h.writeError(w, ErrorCodeInvalidToken, "Access token is invalid or expired", http.StatusUnauthorized)
			return
		}

		creds := &UpstreamCredentials{
			ClientID:    payload.ClientID,
			TenantID:    payload.TenantID,
			AccessToken: payload.UpstreamAccessToken,
		}

		ctx := ContextWithCredentials(r.Context(), creds)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// checkIPRateLimit checks if the client IP is rate limited. Returns true if limited.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.server.RateLimiter == nil || h.server.RateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP)
	h.recordRateLimitExceeded(r.Context(), "ip", clientIP, r.URL.Path)
	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

// recordRateLimitExceeded records rate limit metrics and audit events.
func (h *Handler) recordRateLimitExceeded(ctx context.Context, limitType, clientIP, endpoint string) {
	if h.server.Instrumentation != nil {
		h.server.Instrumentation.Metrics().RecordRateLimitExceeded(ctx, limitType)
	}
	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(clientIP, endpoint)
	}
}

// extractBearerToken extracts the Bearer token from the Authorization header.
// Returns the token and true if successful, or writes an error and returns false.
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		h.writeError(w, ErrorCodeInvalidToken, "Missing Authorization header", http.StatusUnauthorized)
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		h.writeError(w, ErrorCodeInvalidToken, "Invalid Authorization header format", http.StatusUnauthorized)
		return "", false
	}

	return parts[1], true
}

// ServeProtectedResourceMetadata serves RFC 9728 Protected Resource Metadata.
// The issuer doubles as the resource identifier; the bridge is both the
// authorization server and the resource fronting the provider API.
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
	if h.checkDiscoveryRateLimit(w, r, clientIP) {
		return
	}

	h.setCORSHeaders(w, r)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	metadata := ProtectedResourceMetadata{
		Resource:               h.server.Config.Issuer,
		AuthorizationServers:   []string{h.server.Config.Issuer},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        h.server.Config.SupportedScopes,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(metadata)
}

// ServeAuthorizationServerMetadata serves RFC 8414 Authorization Server
// Metadata so clients can discover the bridge's endpoints and capabilities.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
	if h.checkDiscoveryRateLimit(w, r, clientIP) {
		return
	}

	h.setCORSHeaders(w, r)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	metadata := h.buildAuthServerMetadata()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(metadata)
}

// ServeOpenIDConfiguration handles OpenID Connect Discovery 1.0 requests.
// Per RFC 8414 Section 5 this endpoint returns the same metadata as the
// Authorization Server Metadata endpoint for compatibility with OpenID
// Connect clients.
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	h.ServeAuthorizationServerMetadata(w, r)
}

// buildAuthServerMetadata builds the RFC 8414 authorization server metadata.
func (h *Handler) buildAuthServerMetadata() AuthorizationServerMetadata {
	return AuthorizationServerMetadata{
		Issuer:                            h.server.Config.Issuer,
		AuthorizationEndpoint:             h.server.Config.AuthorizationEndpoint(),
		TokenEndpoint:                     h.server.Config.TokenEndpoint(),
		RegistrationEndpoint:              h.server.Config.RegistrationEndpoint(),
		ScopesSupported:                   h.server.Config.SupportedScopes,
		ResponseTypesSupported:            []string{server.ResponseTypeCode},
		GrantTypesSupported:               []string{server.GrantTypeAuthorizationCode, server.GrantTypeRefreshToken},
		TokenEndpointAuthMethodsSupported: SupportedTokenAuthMethods,
		CodeChallengeMethodsSupported:     h.supportedPKCEMethods(),
	}
}

// supportedPKCEMethods reports the code challenge methods the bridge accepts
// under the current configuration.
func (h *Handler) supportedPKCEMethods() []string {
	if h.server.Config.RequireS256PKCE {
		return []string{server.PKCEMethodS256}
	}
	return []string{server.PKCEMethodS256, server.PKCEMethodPlain}
}

// checkDiscoveryRateLimit checks rate limit for discovery endpoints.
// Returns true if rate limit exceeded and response was written.
func (h *Handler) checkDiscoveryRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.server.RateLimiter == nil || h.server.RateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded on discovery endpoint",
		"ip", clientIP,
		"endpoint", r.URL.Path)
	h.recordRateLimitExceeded(r.Context(), "discovery", clientIP, r.URL.Path)

	w.Header().Set("Retry-After", "60")
	http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

// ServeAuthorization handles OAuth authorization requests
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	// Create span if tracing is enabled
	var span trace.Span
	ctx := r.Context()
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.authorize")
		defer span.End()
		r = r.WithContext(ctx)
	}

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics(server.PathAuthorize, r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Set CORS headers for browser-based clients
	h.setCORSHeaders(w, r)

	query := r.URL.Query()
	responseType := query.Get("response_type")
	clientID := query.Get("client_id")
	redirectURI := query.Get("redirect_uri")
	scope := query.Get("scope")
	state := query.Get("state")
	codeChallenge := query.Get("code_challenge")
	codeChallengeMethod := query.Get("code_challenge_method")

	if responseType != server.ResponseTypeCode {
		h.recordHTTPMetrics(server.PathAuthorize, r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "unsupported response_type")
		h.writeError(w, ErrorCodeUnsupportedResponseType,
			fmt.Sprintf("Response type %s not supported", responseType),
			http.StatusBadRequest)
		return
	}

	if clientID == "" {
		h.recordHTTPMetrics(server.PathAuthorize, r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "client_id missing")
		h.writeError(w, ErrorCodeInvalidRequest, "client_id is required", http.StatusBadRequest)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, clientID),
		attribute.String(instrumentation.AttrPKCEMethod, codeChallengeMethod),
	)

	authURL, err := h.server.StartAuthorizationFlow(ctx, clientID, redirectURI, scope, codeChallenge, codeChallengeMethod, state)
	if err != nil {
		h.handleAuthorizationError(w, r, err, startTime, span)
		return
	}

	h.recordAuthorizationStarted(clientID)
	h.recordHTTPMetrics(server.PathAuthorize, r.Method, http.StatusFound, startTime)
	instrumentation.SetSpanSuccess(span)

	// Redirect to the upstream provider
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleAuthorizationError renders an authorization failure. Failures before
// the client and redirect URI are validated are terminal JSON responses;
// anything after is delivered to the client's redirect URI per RFC 6749.
func (h *Handler) handleAuthorizationError(w http.ResponseWriter, r *http.Request, err error, startTime time.Time, span trace.Span) {
	instrumentation.RecordError(span, err)

	var authErr *server.AuthorizationError
	if errors.As(err, &authErr) {
		h.logger.Warn("Authorization request rejected",
			"error", authErr.Code,
			"description", authErr.Description)
		instrumentation.SetSpanError(span, authErr.Code)
		h.recordHTTPMetrics(server.PathAuthorize, r.Method, http.StatusFound, startTime)
		http.Redirect(w, r, authErr.RedirectURL(), http.StatusFound)
		return
	}

	var flowErr *server.FlowError
	if errors.As(err, &flowErr) {
		h.logger.Warn("Authorization request rejected",
			"error", flowErr.Code,
			"description", flowErr.Description)
		instrumentation.SetSpanError(span, flowErr.Code)
		status := http.StatusBadRequest
		if flowErr.Code == ErrorCodeServerError {
			status = http.StatusInternalServerError
		}
		h.recordHTTPMetrics(server.PathAuthorize, r.Method, status, startTime)
		h.writeError(w, flowErr.Code, flowErr.Description, status)
		return
	}

	h.logger.Error("Failed to start authorization flow", "error", err)
	instrumentation.SetSpanError(span, "authorization flow failed")
	h.recordHTTPMetrics(server.PathAuthorize, r.Method, http.StatusInternalServerError, startTime)
	h.writeError(w, ErrorCodeServerError, "Failed to start authorization flow", http.StatusInternalServerError)
}

// ServeCallback handles the upstream provider callback. Replayed or unknown
// callbacks get a terminal 400; everything tied to a live pending
// authorization, including upstream denials, is delivered to the client's
// redirect URI.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	// Create span if tracing is enabled
	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.callback")
		defer span.End()
	}

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics(server.PathCallback, r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)

	query := r.URL.Query()
	req := &server.CallbackRequest{
		State:            query.Get("state"),
		Code:             query.Get("code"),
		RealmID:          query.Get("realmId"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrTenantID, req.RealmID))

	redirectURL, err := h.server.HandleUpstreamCallback(ctx, req)
	if err != nil {
		h.logger.Warn("Upstream callback rejected", "error", err)
		h.recordCallbackProcessed(false)
		instrumentation.RecordError(span, err)

		var flowErr *server.FlowError
		if errors.As(err, &flowErr) {
			instrumentation.SetSpanError(span, flowErr.Code)
			h.recordHTTPMetrics(server.PathCallback, r.Method, http.StatusBadRequest, startTime)
			h.writeError(w, flowErr.Code, flowErr.Description, http.StatusBadRequest)
			return
		}

		instrumentation.SetSpanError(span, "callback handling failed")
		h.recordHTTPMetrics(server.PathCallback, r.Method, http.StatusInternalServerError, startTime)
		h.writeError(w, ErrorCodeServerError, "Authorization failed", http.StatusInternalServerError)
		return
	}

	h.recordCallbackProcessed(true)
	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics(server.PathCallback, r.Method, http.StatusFound, startTime)

	// Redirect back to the client; the URL carries either the single-use
	// code and client state, or the error parameters for a denied grant.
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// ServeToken handles the OAuth token endpoint
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Set CORS headers for browser-based clients
	h.setCORSHeaders(w, r)

	// Parse form data
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	grantType := r.FormValue("grant_type")

	switch grantType {
	case server.GrantTypeAuthorizationCode:
		h.handleAuthorizationCodeGrant(w, r)
	case server.GrantTypeRefreshToken:
		h.handleRefreshTokenGrant(w, r)
	default:
		h.writeError(w, ErrorCodeUnsupportedGrantType, fmt.Sprintf("Grant type %s not supported", grantType), http.StatusBadRequest)
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	// Create span if tracing is enabled
	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_exchange")
		defer span.End()
	}

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)

	code := r.FormValue("code")
	redirectURI := r.FormValue("redirect_uri")
	codeVerifier := r.FormValue("code_verifier")

	if code == "" {
		h.recordHTTPMetrics(server.PathToken, r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "code missing")
		h.writeError(w, ErrorCodeInvalidRequest, "Required parameter 'code' missing", http.StatusBadRequest)
		return
	}

	client, err := h.authenticateClient(r, clientIP)
	if err != nil {
		h.writeAuthenticationError(w, err, span, startTime)
		return
	}

	if !clientAllowsGrant(client, server.GrantTypeAuthorizationCode) {
		h.recordHTTPMetrics(server.PathToken, r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "grant type not allowed")
		h.writeError(w, ErrorCodeUnauthorizedClient, "Client is not authorized for the authorization_code grant", http.StatusBadRequest)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrGrantType, server.GrantTypeAuthorizationCode),
	)

	token, scope, err := h.server.ExchangeAuthorizationCode(ctx, code, client.ClientID, redirectURI, codeVerifier)
	if err != nil {
		h.logger.Warn("Authorization code exchange failed", "client_id", client.ClientID, "ip", clientIP, "error", err)
		h.writeFlowError(w, err, "Authorization code is invalid or expired", span, startTime)
		return
	}

	h.logger.Info("Token exchange successful", "client_id", client.ClientID, "ip", clientIP)

	pkceMethod := ""
	if codeVerifier != "" {
		pkceMethod = server.PKCEMethodS256
	}
	h.recordCodeExchanged(client.ClientID, pkceMethod)

	h.recordHTTPMetrics(server.PathToken, r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeTokenResponse(w, token, scope)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	// Create span if tracing is enabled
	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_refresh")
		defer span.End()
	}

	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)

	refreshToken := r.FormValue("refresh_token")
	if refreshToken == "" {
		h.recordHTTPMetrics(server.PathToken, r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "refresh_token missing")
		h.writeError(w, ErrorCodeInvalidRequest, "refresh_token is required", http.StatusBadRequest)
		return
	}

	client, err := h.authenticateClient(r, clientIP)
	if err != nil {
		h.writeAuthenticationError(w, err, span, startTime)
		return
	}

	if !clientAllowsGrant(client, server.GrantTypeRefreshToken) {
		h.recordHTTPMetrics(server.PathToken, r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "grant type not allowed")
		h.writeError(w, ErrorCodeUnauthorizedClient, "Client is not authorized for the refresh_token grant", http.StatusBadRequest)
		return
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrGrantType, server.GrantTypeRefreshToken),
	)

	token, err := h.server.RefreshAccessToken(ctx, refreshToken, client.ClientID)
	if err != nil {
		h.logger.Warn("Token refresh failed", "client_id", client.ClientID, "ip", clientIP, "error", err)
		h.writeFlowError(w, err, "Refresh token is invalid or expired", span, startTime)
		return
	}

	h.logger.Info("Token refresh successful", "client_id", client.ClientID, "ip", clientIP)

	h.recordTokenRefreshed(client.ClientID, token.RefreshToken != "")

	h.recordHTTPMetrics(server.PathToken, r.Method, http.StatusOK, startTime)
	instrumentation.SetSpanSuccess(span)

	h.writeTokenResponse(w, token, "")
}

// writeAuthenticationError renders a client authentication failure from
// authenticateClient.
func (h *Handler) writeAuthenticationError(w http.ResponseWriter, err error, span trace.Span, startTime time.Time) {
	instrumentation.RecordError(span, err)
	instrumentation.SetSpanError(span, "client authentication failed")

	if oauthErr, ok := err.(*Error); ok {
		h.recordHTTPMetrics(server.PathToken, http.MethodPost, oauthErr.Status, startTime)
		h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
		return
	}

	h.recordHTTPMetrics(server.PathToken, http.MethodPost, http.StatusUnauthorized, startTime)
	h.writeError(w, ErrorCodeInvalidClient, "Client authentication failed", http.StatusUnauthorized)
}

// writeFlowError renders a *server.FlowError from a token grant, falling
// back to a generic invalid_grant response so internal details never reach
// the client.
func (h *Handler) writeFlowError(w http.ResponseWriter, err error, fallback string, span trace.Span, startTime time.Time) {
	instrumentation.RecordError(span, err)

	var flowErr *server.FlowError
	if errors.As(err, &flowErr) {
		instrumentation.SetSpanError(span, flowErr.Code)
		status := flowErrorStatus(flowErr.Code)
		h.recordHTTPMetrics(server.PathToken, http.MethodPost, status, startTime)
		h.writeError(w, flowErr.Code, flowErr.Description, status)
		return
	}

	instrumentation.SetSpanError(span, ErrorCodeInvalidGrant)
	h.recordHTTPMetrics(server.PathToken, http.MethodPost, http.StatusBadRequest, startTime)
	h.writeError(w, ErrorCodeInvalidGrant, fallback, http.StatusBadRequest)
}

// flowErrorStatus maps OAuth error codes to HTTP status codes for token
// endpoint responses (RFC 6749 Section 5.2).
func flowErrorStatus(code string) int {
	switch code {
	case ErrorCodeInvalidClient:
		return http.StatusUnauthorized
	case ErrorCodeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// clientAllowsGrant reports whether the client registered for the grant type.
func clientAllowsGrant(client *storage.Client, grantType string) bool {
	for _, grant := range client.GrantTypes {
		if grant == grantType {
			return true
		}
	}
	return false
}

// ServeClientRegistration handles RFC 7591 dynamic client registration
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx, span := h.startRegistrationSpan(r)
	if span != nil {
		defer span.End()
		r = r.WithContext(ctx)
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics(server.PathRegister, r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)
	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)

	var req ClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.recordHTTPMetrics(server.PathRegister, r.Method, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "invalid JSON")
		h.writeError(w, ErrorCodeInvalidRequest, "Invalid JSON", http.StatusBadRequest)
		return
	}

	meta := &server.ClientMetadata{
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		Scope:                   req.Scope,
	}

	client, clientSecret, err := h.server.RegisterClient(ctx, meta, clientIP)
	if err != nil {
		h.handleRegistrationError(w, err, clientIP, startTime, span)
		return
	}

	h.recordClientRegistered(client.TokenEndpointAuthMethod)
	h.recordHTTPMetrics(server.PathRegister, r.Method, http.StatusCreated, startTime)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, client.ClientID))
	instrumentation.SetSpanSuccess(span)
	h.writeRegistrationResponse(w, client, clientSecret)
}

// startRegistrationSpan creates a tracing span for client registration.
func (h *Handler) startRegistrationSpan(r *http.Request) (context.Context, trace.Span) {
	if h.tracer == nil {
		return r.Context(), nil
	}
	return h.tracer.Start(r.Context(), "oauth.http.client_registration")
}

// handleRegistrationError renders client registration failures.
func (h *Handler) handleRegistrationError(w http.ResponseWriter, err error, clientIP string, startTime time.Time, span trace.Span) {
	instrumentation.RecordError(span, err)

	if errors.Is(err, server.ErrRegistrationRateLimited) {
		h.logger.Warn("Client registration rate limit exceeded", "ip", clientIP)
		h.recordHTTPMetrics(server.PathRegister, http.MethodPost, http.StatusTooManyRequests, startTime)
		instrumentation.SetSpanError(span, "registration rate limited")
		if h.server.Instrumentation != nil {
			h.server.Instrumentation.Metrics().RecordRateLimitExceeded(context.Background(), "client_registration")
		}
		w.Header().Set("Retry-After", "60")
		h.writeError(w, ErrorCodeRateLimitExceeded, "Client registration limit exceeded. Please try again later.", http.StatusTooManyRequests)
		return
	}

	var regErr *server.RegistrationError
	if errors.As(err, &regErr) {
		h.logger.Warn("Client registration rejected", "ip", clientIP, "error", err)
		h.recordHTTPMetrics(server.PathRegister, http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, regErr.Code)
		h.writeError(w, regErr.Code, regErr.Description, http.StatusBadRequest)
		return
	}

	h.logger.Error("Failed to register client", "ip", clientIP, "error", err)
	h.recordHTTPMetrics(server.PathRegister, http.MethodPost, http.StatusInternalServerError, startTime)
	instrumentation.SetSpanError(span, "registration failed")
	h.writeError(w, ErrorCodeServerError, "Failed to register client", http.StatusInternalServerError)
}

// writeRegistrationResponse writes the RFC 7591 registration response.
func (h *Handler) writeRegistrationResponse(w http.ResponseWriter, client *storage.Client, clientSecret string) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	response := ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            clientSecret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
		Scope:                   strings.Join(client.Scopes, " "),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(response)
}

// Helper methods

func (h *Handler) parseBasicAuth(r *http.Request) (username, password string) {
	username, password, _ = r.BasicAuth()
	return
}

// authenticateClient resolves and authenticates the client for a token
// request from either Basic auth or form parameters. A client_id posted in
// the form must match the Basic auth identity when both are present.
func (h *Handler) authenticateClient(r *http.Request, clientIP string) (*storage.Client, error) {
	clientID := r.FormValue("client_id")
	clientSecret := r.FormValue("client_secret")

	authClientID, authClientSecret := h.parseBasicAuth(r)
	if authClientID != "" {
		if clientID != "" && clientID != authClientID {
			h.logAuthFailure(clientID, clientIP, "client_id_mismatch", "client_id does not match Basic auth identity")
			return nil, ErrInvalidRequest("client_id does not match the authenticated client")
		}
		clientID = authClientID
		clientSecret = authClientSecret
	}

	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	client, err := h.server.GetClient(r.Context(), clientID)
	if err != nil {
		h.logAuthFailure(clientID, clientIP, "unknown_client", "Unknown client")
		return nil, ErrInvalidClient("Client authentication failed")
	}

	if err := h.validateClientSecret(r.Context(), client, clientSecret, clientIP); err != nil {
		return nil, err
	}

	return client, nil
}

// validateClientSecret enforces client authentication for clients that
// registered with a secret-bearing auth method.
func (h *Handler) validateClientSecret(ctx context.Context, client *storage.Client, secret, clientIP string) error {
	if client.TokenEndpointAuthMethod == server.TokenEndpointAuthMethodNone {
		return nil
	}

	if secret == "" {
		h.logAuthFailure(client.ClientID, clientIP, "client_auth_required", "Confidential client missing credentials")
		return ErrInvalidClient("Client authentication required")
	}

	if err := h.server.ValidateClientCredentials(ctx, client.ClientID, secret); err != nil {
		h.logAuthFailure(client.ClientID, clientIP, "client_authentication_failed", "Client authentication failed")
		return ErrInvalidClient("Client authentication failed")
	}

	return nil
}

// logAuthFailure logs authentication failures with optional auditing.
func (h *Handler) logAuthFailure(clientID, clientIP, reason, message string) {
	h.logger.Warn(message, "client_id", clientID, "ip", clientIP)
	if h.server.Auditor != nil {
		h.server.Auditor.LogAuthFailure(clientID, clientIP, reason)
	}
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, token *oauth2.Token, scope string) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	expiresIn := int64(time.Until(token.Expiry).Seconds())
	if expiresIn < 0 {
		expiresIn = 3600
	}

	tokenType := token.TokenType
	if tokenType == "" {
		tokenType = tokenTypeBearer
	}

	response := map[string]any{
		"access_token": token.AccessToken,
		"token_type":   tokenType,
		"expires_in":   expiresIn,
	}

	if token.RefreshToken != "" {
		response["refresh_token"] = token.RefreshToken
	}

	if scope != "" {
		response["scope"] = scope
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	// 401 responses advertise the protected resource metadata (RFC 9728)
	// so clients can discover the authorization server.
	if status == http.StatusUnauthorized {
		if !h.server.Config.DisableWWWAuthenticateMetadata {
			w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(code, description))
		} else {
			// Minimal header for legacy clients (opt-in)
			w.Header().Set("WWW-Authenticate", tokenTypeBearer)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}

// formatWWWAuthenticate builds the Bearer challenge for 401 responses. The
// resource_metadata parameter points clients at the RFC 9728 discovery
// document; error and error_description follow RFC 6750 Section 3.
func (h *Handler) formatWWWAuthenticate(errCode, errorDesc string) string {
	var params []string

	resourceMetadataURL := h.server.Config.ProtectedResourceMetadataEndpoint()
	params = append(params, fmt.Sprintf(`resource_metadata="%s"`, resourceMetadataURL))

	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, errCode))
	}

	if errorDesc != "" {
		// Escape backslashes first, then quotes (order matters!)
		// This follows RFC 2616/7230 quoted-string rules for HTTP headers
		escapedDesc := strings.ReplaceAll(errorDesc, `\`, `\\`)
		escapedDesc = strings.ReplaceAll(escapedDesc, `"`, `\"`)
		params = append(params, fmt.Sprintf(`error_description="%s"`, escapedDesc))
	}

	// Format: "Bearer param1="value1", param2="value2"" per RFC 6750 Section 3
	return "Bearer " + strings.Join(params, ", ")
}

// setCORSHeaders sets CORS headers if configured and the origin is allowed.
// Only applies when CORSAllowedOrigins is configured and the request carries
// an Origin header.
func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(h.server.Config.CORSAllowedOrigins) == 0 {
		return
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}

	if !h.isAllowedOrigin(origin) {
		h.logger.Debug("CORS request from disallowed origin", "origin", origin)
		return
	}

	// Echo back the specific origin rather than "*"
	w.Header().Set("Access-Control-Allow-Origin", origin)

	// Vary prevents caches from serving one origin's response to another
	w.Header().Add("Vary", "Origin")

	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", defaultCORSMaxAge))
}

// isAllowedOrigin checks if the given origin is in the allowed origins list.
// Supports exact matching and wildcard "*" for development.
func (h *Handler) isAllowedOrigin(origin string) bool {
	for _, allowed := range h.server.Config.CORSAllowedOrigins {
		if allowed == "*" {
			h.logger.Warn("CORS wildcard origin (*) allows ALL origins",
				"recommendation", "Use specific origins in production")
			return true
		}

		// Exact match (case-sensitive per CORS spec)
		if allowed == origin {
			return true
		}
	}

	return false
}

// ServePreflightRequest handles CORS preflight (OPTIONS) requests.
// Required for non-simple requests (POST with JSON, custom headers, etc.).
func (h *Handler) ServePreflightRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodOptions {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusNoContent)
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	if h.server.Instrumentation == nil {
		return
	}

	metrics := h.server.Instrumentation.Metrics()
	ctx := context.Background()

	duration := time.Since(startTime).Seconds() * 1000 // convert to milliseconds
	metrics.RecordHTTPRequest(ctx, method, endpoint, status, duration)
}

// recordAuthorizationStarted records when an authorization flow is started
func (h *Handler) recordAuthorizationStarted(clientID string) {
	if h.server.Instrumentation == nil {
		return
	}

	metrics := h.server.Instrumentation.Metrics()
	metrics.RecordAuthorizationStarted(context.Background(), clientID)
}

// recordCallbackProcessed records when an upstream callback is processed
func (h *Handler) recordCallbackProcessed(success bool) {
	if h.server.Instrumentation == nil {
		return
	}

	metrics := h.server.Instrumentation.Metrics()
	metrics.RecordCallbackProcessed(context.Background(), success)
}

// recordCodeExchanged records when an authorization code is exchanged
func (h *Handler) recordCodeExchanged(clientID, pkceMethod string) {
	if h.server.Instrumentation == nil {
		return
	}

	metrics := h.server.Instrumentation.Metrics()
	metrics.RecordCodeExchange(context.Background(), clientID, pkceMethod)
}

// recordTokenRefreshed records when a token is refreshed
func (h *Handler) recordTokenRefreshed(clientID string, rotated bool) {
	if h.server.Instrumentation == nil {
		return
	}

	metrics := h.server.Instrumentation.Metrics()
	metrics.RecordTokenRefresh(context.Background(), clientID, rotated)
}

// recordClientRegistered records when a client is registered
func (h *Handler) recordClientRegistered(authMethod string) {
	if h.server.Instrumentation == nil {
		return
	}

	metrics := h.server.Instrumentation.Metrics()
	metrics.RecordClientRegistration(context.Background(), authMethod)
}
