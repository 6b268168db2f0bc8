package quickbooks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const (
	testClientID     = "test-client-id"
	testClientSecret = "test-client-secret"
	testCallbackURL  = "https://bridge.example.com/callback"
	testAccessToken  = "test-upstream-access-token"
	testRefreshToken = "test-upstream-refresh-token"
)

func testConfig() *Config {
	return &Config{
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
		RedirectURL:  testCallbackURL,
	}
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid config",
			config:  testConfig(),
			wantErr: false,
		},
		{
			name: "valid config with custom scopes",
			config: &Config{
				ClientID:     testClientID,
				ClientSecret: testClientSecret,
				RedirectURL:  testCallbackURL,
				Scopes:       []string{ScopeAccounting, "openid"},
			},
			wantErr: false,
		},
		{
			name: "missing client ID",
			config: &Config{
				ClientSecret: testClientSecret,
				RedirectURL:  testCallbackURL,
			},
			wantErr: true,
			errMsg:  "client ID is required",
		},
		{
			name: "missing client secret",
			config: &Config{
				ClientID:    testClientID,
				RedirectURL: testCallbackURL,
			},
			wantErr: true,
			errMsg:  "client secret is required",
		},
		{
			name: "missing redirect URL",
			config: &Config{
				ClientID:     testClientID,
				ClientSecret: testClientSecret,
			},
			wantErr: true,
			errMsg:  "redirect URL is required",
		},
		{
			name: "empty scope",
			config: &Config{
				ClientID:     testClientID,
				ClientSecret: testClientSecret,
				RedirectURL:  testCallbackURL,
				Scopes:       []string{ScopeAccounting, ""},
			},
			wantErr: true,
			errMsg:  "is empty",
		},
		{
			name: "scope with whitespace",
			config: &Config{
				ClientID:     testClientID,
				ClientSecret: testClientSecret,
				RedirectURL:  testCallbackURL,
				Scopes:       []string{"com.intuit.quickbooks accounting"},
			},
			wantErr: true,
			errMsg:  "whitespace",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := NewProvider(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewProvider() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && tt.errMsg != "" && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("NewProvider() error = %v, want error containing %q", err, tt.errMsg)
			}
			if !tt.wantErr && provider.httpClient == nil {
				t.Error("NewProvider() httpClient is nil")
			}
		})
	}
}

func TestProvider_Name(t *testing.T) {
	provider, err := NewProvider(testConfig())
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	if got := provider.Name(); got != "quickbooks" {
		t.Errorf("Name() = %q, want %q", got, "quickbooks")
	}
}

func TestProvider_DefaultScopes(t *testing.T) {
	provider, err := NewProvider(testConfig())
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	scopes := provider.DefaultScopes()
	if len(scopes) != 1 || scopes[0] != ScopeAccounting {
		t.Errorf("DefaultScopes() = %v, want [%s]", scopes, ScopeAccounting)
	}
}

func TestProvider_DefaultScopes_DeepCopy(t *testing.T) {
	provider, err := NewProvider(testConfig())
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	scopes1 := provider.DefaultScopes()
	scopes1[0] = "modified"

	scopes2 := provider.DefaultScopes()
	if scopes2[0] == "modified" {
		t.Error("DefaultScopes() should return a deep copy")
	}
}

func TestProvider_AuthorizationURL(t *testing.T) {
	provider, err := NewProvider(testConfig())
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	tests := []struct {
		name            string
		state           string
		scopes          []string
		wantContains    []string
		wantNotContains []string
	}{
		{
			name:   "default scopes",
			state:  "corr-token-123",
			scopes: nil,
			wantContains: []string{
				"https://appcenter.intuit.com/connect/oauth2",
				"state=corr-token-123",
				"client_id=test-client-id",
				"scope=com.intuit.quickbooks.accounting",
				"response_type=code",
			},
			wantNotContains: []string{
				"code_challenge",
			},
		},
		{
			name:   "custom scopes",
			state:  "corr-token-456",
			scopes: []string{"openid", "profile"},
			wantContains: []string{
				"state=corr-token-456",
				"scope=openid+profile",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			authURL := provider.AuthorizationURL(tt.state, tt.scopes)

			for _, want := range tt.wantContains {
				if !strings.Contains(authURL, want) {
					t.Errorf("AuthorizationURL() missing %q in %q", want, authURL)
				}
			}
			for _, notWant := range tt.wantNotContains {
				if strings.Contains(authURL, notWant) {
					t.Errorf("AuthorizationURL() should not contain %q", notWant)
				}
			}
		})
	}
}

func TestProvider_AuthorizationURL_DeepCopySafety(t *testing.T) {
	provider, err := NewProvider(testConfig())
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	customScopes := []string{"openid"}
	_ = provider.AuthorizationURL("state1", customScopes)
	customScopes[0] = "MODIFIED"

	url2 := provider.AuthorizationURL("state2", nil)
	if strings.Contains(url2, "MODIFIED") {
		t.Error("AuthorizationURL() should copy caller scopes")
	}
	if provider.Scopes[0] != ScopeAccounting {
		t.Errorf("provider scopes mutated: %v", provider.Scopes)
	}
}

func TestProvider_ExchangeCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != testClientID || pass != testClientSecret {
			http.Error(w, "missing basic credentials", http.StatusUnauthorized)
			return
		}

		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form data", http.StatusBadRequest)
			return
		}
		if r.FormValue("grant_type") != "authorization_code" {
			http.Error(w, "wrong grant type", http.StatusBadRequest)
			return
		}
		if r.FormValue("code") != "upstream-code" {
			http.Error(w, "invalid code", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  testAccessToken,
			"refresh_token": testRefreshToken,
			"token_type":    "bearer",
			"expires_in":    3600,
		})
	}))
	defer server.Close()

	provider, err := NewProvider(testConfig())
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	provider.Endpoint.TokenURL = server.URL

	token, err := provider.ExchangeCode(context.Background(), "upstream-code")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}

	if token.AccessToken != testAccessToken {
		t.Errorf("AccessToken = %q, want %q", token.AccessToken, testAccessToken)
	}
	if token.RefreshToken != testRefreshToken {
		t.Errorf("RefreshToken = %q, want %q", token.RefreshToken, testRefreshToken)
	}
	if token.Expiry.IsZero() {
		t.Error("Expiry should be set from expires_in")
	}
}

func TestProvider_ExchangeCode_Error(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	}))
	defer server.Close()

	provider, err := NewProvider(testConfig())
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	provider.Endpoint.TokenURL = server.URL

	if _, err := provider.ExchangeCode(context.Background(), "bad-code"); err == nil {
		t.Error("ExchangeCode() should return error for rejected code")
	}
}

func TestProvider_Refresh(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != testClientID || pass != testClientSecret {
			http.Error(w, "missing basic credentials", http.StatusUnauthorized)
			return
		}

		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form data", http.StatusBadRequest)
			return
		}
		if r.FormValue("grant_type") != "refresh_token" {
			http.Error(w, "wrong grant type", http.StatusBadRequest)
			return
		}
		if r.FormValue("refresh_token") != testRefreshToken {
			http.Error(w, "unknown refresh token", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "rotated-access-token",
			"refresh_token": "rotated-refresh-token",
			"token_type":    "bearer",
			"expires_in":    3600,
		})
	}))
	defer server.Close()

	provider, err := NewProvider(testConfig())
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	provider.Endpoint.TokenURL = server.URL

	token, err := provider.Refresh(context.Background(), testRefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if token.AccessToken != "rotated-access-token" {
		t.Errorf("AccessToken = %q, want %q", token.AccessToken, "rotated-access-token")
	}
	if token.RefreshToken != "rotated-refresh-token" {
		t.Errorf("RefreshToken = %q, want rotated value", token.RefreshToken)
	}
}

func TestProvider_Refresh_KeepsRefreshTokenWhenOmitted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "rotated-access-token",
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	provider, err := NewProvider(testConfig())
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	provider.Endpoint.TokenURL = server.URL

	token, err := provider.Refresh(context.Background(), testRefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	// x/oauth2 carries the prior refresh token forward when the response
	// omits one.
	if token.RefreshToken != testRefreshToken {
		t.Errorf("RefreshToken = %q, want retained %q", token.RefreshToken, testRefreshToken)
	}
}

func TestProvider_Refresh_Error(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	}))
	defer server.Close()

	provider, err := NewProvider(testConfig())
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	provider.Endpoint.TokenURL = server.URL

	if _, err := provider.Refresh(context.Background(), "revoked-token"); err == nil {
		t.Error("Refresh() should return error when upstream rejects the token")
	}
}

func TestProvider_RevokeToken(t *testing.T) {
	var gotBody map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != testClientID || pass != testClientSecret {
			http.Error(w, "missing basic credentials", http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	provider, err := NewProvider(testConfig())
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	provider.revokeURL = server.URL

	if err := provider.RevokeToken(context.Background(), testRefreshToken); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}

	if gotBody["token"] != testRefreshToken {
		t.Errorf("revocation body token = %q, want %q", gotBody["token"], testRefreshToken)
	}
}

func TestProvider_RevokeToken_Error(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	provider, err := NewProvider(testConfig())
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	provider.revokeURL = server.URL

	if err := provider.RevokeToken(context.Background(), "unknown-token"); err == nil {
		t.Error("RevokeToken() should return error for non-200 response")
	}
}

func TestProvider_HealthCheck(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		wantErr    bool
	}{
		{
			name:       "healthy",
			statusCode: http.StatusOK,
			wantErr:    false,
		},
		{
			name:       "server error",
			statusCode: http.StatusInternalServerError,
			wantErr:    true,
		},
		{
			name:       "service unavailable",
			statusCode: http.StatusServiceUnavailable,
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			}))
			defer server.Close()

			provider, err := NewProvider(testConfig())
			if err != nil {
				t.Fatalf("NewProvider() error = %v", err)
			}
			provider.discoveryURL = server.URL

			err = provider.HealthCheck(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("HealthCheck() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestProvider_HealthCheck_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.RequestTimeout = 10 * time.Millisecond
	provider, err := NewProvider(cfg)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	provider.discoveryURL = server.URL

	if err := provider.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() should time out with a short deadline")
	}
}

func TestProvider_ensureContextTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.RequestTimeout = 5 * time.Second
	provider, err := NewProvider(cfg)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	newCtx, cancel := provider.ensureContextTimeout(context.Background())
	defer cancel()
	if _, hasDeadline := newCtx.Deadline(); !hasDeadline {
		t.Error("ensureContextTimeout() should add a deadline when none exists")
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()

	newCtx2, cancel3 := provider.ensureContextTimeout(ctx2)
	defer cancel3()
	if newCtx2 != ctx2 {
		t.Error("ensureContextTimeout() should return the original context when a deadline exists")
	}
}
