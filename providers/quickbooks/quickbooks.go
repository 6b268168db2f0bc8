package quickbooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/ledgerbridge/books-oauth/providers"
)

// Compile-time check that Provider implements the providers.Provider interface.
var _ providers.Provider = (*Provider)(nil)

// providerName is the name returned by Provider.Name().
const providerName = "quickbooks"

// Intuit OAuth2 endpoints.
const (
	authorizeEndpoint = "https://appcenter.intuit.com/connect/oauth2"
	tokenEndpoint     = "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"
	revokeEndpoint    = "https://developer.api.intuit.com/v2/oauth2/tokens/revoke"
	discoveryEndpoint = "https://developer.api.intuit.com/.well-known/openid_configuration"
)

// ScopeAccounting grants read/write access to QuickBooks Online
// accounting data. It is the default scope when a client requests none.
const ScopeAccounting = "com.intuit.quickbooks.accounting"

// Provider implements the providers.Provider interface for Intuit
// QuickBooks Online.
type Provider struct {
	*oauth2.Config
	httpClient     *http.Client
	requestTimeout time.Duration

	// Endpoint overrides for tests; default to the Intuit production URLs.
	revokeURL    string
	discoveryURL string
}

// Config holds QuickBooks OAuth configuration.
type Config struct {
	// ClientID is the Intuit app client ID.
	ClientID string

	// ClientSecret is the Intuit app client secret.
	ClientSecret string

	// RedirectURL is the bridge's callback URL. It must match a redirect
	// URI registered on the Intuit app exactly.
	RedirectURL string

	// Scopes are optional custom scopes (defaults to [ScopeAccounting]).
	Scopes []string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// RequestTimeout is the timeout for Intuit API calls (default: 30s).
	RequestTimeout time.Duration
}

// NewProvider creates a new QuickBooks OAuth provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}
	if cfg.RedirectURL == "" {
		return nil, fmt.Errorf("redirect URL is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{ScopeAccounting}
	}

	// Deep copy scopes to prevent external modification
	scopesCopy := make([]string, len(scopes))
	copy(scopesCopy, scopes)
	scopes = scopesCopy

	for i, scope := range scopes {
		if scope == "" {
			return nil, fmt.Errorf("scope at index %d is empty", i)
		}
		if strings.ContainsAny(scope, " \t\r\n") {
			return nil, fmt.Errorf("scope at index %d contains whitespace", i)
		}
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = 30 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: requestTimeout,
		}
	}

	return &Provider{
		Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  authorizeEndpoint,
				TokenURL: tokenEndpoint,
				// Intuit's token endpoint requires HTTP Basic credentials.
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		httpClient:     httpClient,
		requestTimeout: requestTimeout,
		revokeURL:      revokeEndpoint,
		discoveryURL:   discoveryEndpoint,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// DefaultScopes returns the provider's configured default scopes.
// Returns a deep copy to prevent external modification.
func (p *Provider) DefaultScopes() []string {
	if p.Scopes == nil {
		return nil
	}
	scopes := make([]string, len(p.Scopes))
	copy(scopes, p.Scopes)
	return scopes
}

// AuthorizationURL builds the Intuit authorization URL for the given state.
// If scopes is empty, the provider's configured scopes are used. The
// upstream leg carries no PKCE parameters: PKCE terminates at the bridge,
// and the exchange authenticates with the client secret instead.
func (p *Provider) AuthorizationURL(state string, scopes []string) string {
	var scopesToUse []string
	if len(scopes) > 0 {
		scopesToUse = make([]string, len(scopes))
		copy(scopesToUse, scopes)
	} else {
		scopesToUse = make([]string, len(p.Scopes))
		copy(scopesToUse, p.Scopes)
	}

	config := *p.Config
	config.Scopes = scopesToUse
	return config.AuthCodeURL(state)
}

// ensureContextTimeout ensures the context has a deadline, adding one if
// needed. If the context already has a deadline, returns the original
// context with a no-op cancel.
func (p *Provider) ensureContextTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.requestTimeout)
}

// ExchangeCode trades an upstream authorization code for a token pair.
// Intuit responses include a rotating refresh token alongside the access
// token.
func (p *Provider) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	return token, nil
}

// Refresh obtains a fresh token pair from an upstream refresh token.
// Intuit rotates refresh tokens: the returned token usually carries a new
// one, and the old token's remaining validity is not guaranteed.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	tokenSource := p.TokenSource(ctx, &oauth2.Token{
		RefreshToken: refreshToken,
	})

	newToken, err := tokenSource.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	return newToken, nil
}

// RevokeToken revokes an access or refresh token at Intuit's revocation
// endpoint. Revoking either member of a pair invalidates both.
func (p *Provider) RevokeToken(ctx context.Context, token string) error {
	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()

	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return fmt.Errorf("failed to encode revocation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revokeURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create revocation request: %w", err)
	}

	req.SetBasicAuth(p.ClientID, p.ClientSecret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revocation request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token revocation failed with status %d", resp.StatusCode)
	}

	return nil
}

// HealthCheck verifies that the Intuit platform is reachable by fetching
// the OpenID discovery document. Error details are for server-side
// monitoring; do not expose them to untrusted clients.
func (p *Provider) HealthCheck(ctx context.Context) error {
	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.discoveryURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("intuit platform unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("quickbooks health check failed with status %d", resp.StatusCode)
	}

	return nil
}
