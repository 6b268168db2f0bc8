// Package mock provides a mock upstream provider implementation for testing.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/ledgerbridge/books-oauth/providers"
)

// Provider is a configurable mock implementation of providers.Provider.
// Each method delegates to the corresponding function field when set and
// falls back to a sensible default otherwise. Call counts are recorded per
// method so tests can assert interaction patterns.
type Provider struct {
	mu sync.Mutex

	NameFunc             func() string
	DefaultScopesFunc    func() []string
	AuthorizationURLFunc func(state string, scopes []string) string
	ExchangeCodeFunc     func(ctx context.Context, code string) (*oauth2.Token, error)
	RefreshFunc          func(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	RevokeTokenFunc      func(ctx context.Context, token string) error
	HealthCheckFunc      func(ctx context.Context) error

	// CallCounts tracks invocations by method name.
	CallCounts map[string]int
}

var _ providers.Provider = (*Provider)(nil)

// NewProvider creates a mock provider with default behaviors.
func NewProvider() *Provider {
	return &Provider{
		CallCounts: make(map[string]int),
	}
}

func (m *Provider) recordCall(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CallCounts == nil {
		m.CallCounts = make(map[string]int)
	}
	m.CallCounts[method]++
}

// GetCallCount returns the number of times a method was invoked.
func (m *Provider) GetCallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCounts[method]
}

// ResetCallCounts clears all recorded invocations.
func (m *Provider) ResetCallCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts = make(map[string]int)
}

// Name returns the provider name, "mock" by default.
func (m *Provider) Name() string {
	m.recordCall("Name")

	m.mu.Lock()
	fn := m.NameFunc
	m.mu.Unlock()

	if fn != nil {
		return fn()
	}
	return "mock"
}

// DefaultScopes returns the default scope set.
func (m *Provider) DefaultScopes() []string {
	m.recordCall("DefaultScopes")

	m.mu.Lock()
	fn := m.DefaultScopesFunc
	m.mu.Unlock()

	if fn != nil {
		return fn()
	}
	return []string{"mock.accounting"}
}

// AuthorizationURL returns a mock authorization URL carrying the state.
func (m *Provider) AuthorizationURL(state string, scopes []string) string {
	m.recordCall("AuthorizationURL")

	m.mu.Lock()
	fn := m.AuthorizationURLFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(state, scopes)
	}
	return fmt.Sprintf("https://mock.example.com/authorize?state=%s", state)
}

// ExchangeCode returns a mock token pair for any code.
func (m *Provider) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	m.recordCall("ExchangeCode")

	m.mu.Lock()
	fn := m.ExchangeCodeFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, code)
	}
	return &oauth2.Token{
		AccessToken:  "mock-upstream-access-token",
		RefreshToken: "mock-upstream-refresh-token",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

// Refresh returns a rotated mock token pair.
func (m *Provider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	m.recordCall("Refresh")

	m.mu.Lock()
	fn := m.RefreshFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, refreshToken)
	}
	return &oauth2.Token{
		AccessToken:  "mock-refreshed-access-token",
		RefreshToken: "mock-rotated-refresh-token",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

// RevokeToken succeeds by default.
func (m *Provider) RevokeToken(ctx context.Context, token string) error {
	m.recordCall("RevokeToken")

	m.mu.Lock()
	fn := m.RevokeTokenFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, token)
	}
	return nil
}

// HealthCheck succeeds by default.
func (m *Provider) HealthCheck(ctx context.Context) error {
	m.recordCall("HealthCheck")

	m.mu.Lock()
	fn := m.HealthCheckFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return nil
}
