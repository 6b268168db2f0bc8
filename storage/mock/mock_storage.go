// Package mock provides mock implementations of the storage interfaces for
// testing. Each method delegates to an overridable function field, with
// default implementations backed by in-memory maps, so tests can inject
// failures for exactly the calls they care about.
package mock

import (
	"context"
	"sync"

	"github.com/ledgerbridge/books-oauth/storage"
)

// MockClientStore is a mock implementation of storage.ClientStore.
type MockClientStore struct {
	mu       sync.Mutex
	clients  map[string]*storage.Client
	ipCounts map[string]int

	SaveClientFunc           func(ctx context.Context, client *storage.Client) error
	GetClientFunc            func(ctx context.Context, clientID string) (*storage.Client, error)
	ValidateClientSecretFunc func(ctx context.Context, clientID, clientSecret string) error
	ListClientsFunc          func(ctx context.Context) ([]*storage.Client, error)
	CheckIPLimitFunc         func(ctx context.Context, ip string, maxPerIP int) error

	callCounts map[string]int
}

var _ storage.ClientStore = (*MockClientStore)(nil)

// NewMockClientStore creates a mock client store with working in-memory
// defaults.
func NewMockClientStore() *MockClientStore {
	m := &MockClientStore{
		clients:    make(map[string]*storage.Client),
		ipCounts:   make(map[string]int),
		callCounts: make(map[string]int),
	}

	m.SaveClientFunc = func(_ context.Context, client *storage.Client) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.clients[client.ClientID] = client
		return nil
	}

	m.GetClientFunc = func(_ context.Context, clientID string) (*storage.Client, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		client, ok := m.clients[clientID]
		if !ok {
			return nil, storage.ErrClientNotFound
		}
		return client, nil
	}

	m.ValidateClientSecretFunc = func(_ context.Context, clientID, clientSecret string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		client, ok := m.clients[clientID]
		if !ok {
			return storage.ErrClientNotFound
		}
		// The default treats the stored hash as the plaintext secret so
		// tests do not have to pay for bcrypt.
		if client.ClientSecretHash == "" || client.ClientSecretHash != clientSecret {
			return storage.ErrInvalidClientSecret
		}
		return nil
	}

	m.ListClientsFunc = func(_ context.Context) ([]*storage.Client, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		clients := make([]*storage.Client, 0, len(m.clients))
		for _, c := range m.clients {
			clients = append(clients, c)
		}
		return clients, nil
	}

	m.CheckIPLimitFunc = func(_ context.Context, ip string, maxPerIP int) error {
		if maxPerIP <= 0 || ip == "" {
			return nil
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.ipCounts[ip] >= maxPerIP {
			return storage.ErrClientLimitExceeded
		}
		m.ipCounts[ip]++
		return nil
	}

	return m
}

// CallCount returns how many times the named method has been called.
func (m *MockClientStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

func (m *MockClientStore) record(method string) {
	m.mu.Lock()
	m.callCounts[method]++
	m.mu.Unlock()
}

// SaveClient persists a registered client
func (m *MockClientStore) SaveClient(ctx context.Context, client *storage.Client) error {
	m.record("SaveClient")
	return m.SaveClientFunc(ctx, client)
}

// GetClient retrieves a client by ID
func (m *MockClientStore) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	m.record("GetClient")
	return m.GetClientFunc(ctx, clientID)
}

// ValidateClientSecret verifies a client secret
func (m *MockClientStore) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	m.record("ValidateClientSecret")
	return m.ValidateClientSecretFunc(ctx, clientID, clientSecret)
}

// ListClients returns all registered clients
func (m *MockClientStore) ListClients(ctx context.Context) ([]*storage.Client, error) {
	m.record("ListClients")
	return m.ListClientsFunc(ctx)
}

// CheckIPLimit records a registration from ip against the per-IP cap
func (m *MockClientStore) CheckIPLimit(ctx context.Context, ip string, maxPerIP int) error {
	m.record("CheckIPLimit")
	return m.CheckIPLimitFunc(ctx, ip, maxPerIP)
}

// MockFlowStore is a mock implementation of storage.FlowStore.
type MockFlowStore struct {
	mu      sync.Mutex
	pending map[string]*storage.PendingAuthorization
	codes   map[string]*storage.AuthorizationCode

	SavePendingAuthorizationFunc    func(ctx context.Context, pending *storage.PendingAuthorization) error
	ConsumePendingAuthorizationFunc func(ctx context.Context, upstreamState string) (*storage.PendingAuthorization, error)
	SaveAuthorizationCodeFunc       func(ctx context.Context, code *storage.AuthorizationCode) error
	ConsumeAuthorizationCodeFunc    func(ctx context.Context, code string) (*storage.AuthorizationCode, error)

	callCounts map[string]int
}

var _ storage.FlowStore = (*MockFlowStore)(nil)

// NewMockFlowStore creates a mock flow store with working in-memory
// defaults. The defaults honor the one-shot consume contract.
func NewMockFlowStore() *MockFlowStore {
	m := &MockFlowStore{
		pending:    make(map[string]*storage.PendingAuthorization),
		codes:      make(map[string]*storage.AuthorizationCode),
		callCounts: make(map[string]int),
	}

	m.SavePendingAuthorizationFunc = func(_ context.Context, pending *storage.PendingAuthorization) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.pending[pending.UpstreamState] = pending
		return nil
	}

	m.ConsumePendingAuthorizationFunc = func(_ context.Context, upstreamState string) (*storage.PendingAuthorization, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		pending, ok := m.pending[upstreamState]
		if !ok {
			return nil, storage.ErrPendingAuthorizationNotFound
		}
		delete(m.pending, upstreamState)
		return pending, nil
	}

	m.SaveAuthorizationCodeFunc = func(_ context.Context, code *storage.AuthorizationCode) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.codes[code.Code] = code
		return nil
	}

	m.ConsumeAuthorizationCodeFunc = func(_ context.Context, code string) (*storage.AuthorizationCode, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		record, ok := m.codes[code]
		if !ok {
			return nil, storage.ErrAuthorizationCodeNotFound
		}
		delete(m.codes, code)
		return record, nil
	}

	return m
}

// CallCount returns how many times the named method has been called.
func (m *MockFlowStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

func (m *MockFlowStore) record(method string) {
	m.mu.Lock()
	m.callCounts[method]++
	m.mu.Unlock()
}

// SavePendingAuthorization stores a pending authorization
func (m *MockFlowStore) SavePendingAuthorization(ctx context.Context, pending *storage.PendingAuthorization) error {
	m.record("SavePendingAuthorization")
	return m.SavePendingAuthorizationFunc(ctx, pending)
}

// ConsumePendingAuthorization atomically retrieves and deletes a pending
// authorization
func (m *MockFlowStore) ConsumePendingAuthorization(ctx context.Context, upstreamState string) (*storage.PendingAuthorization, error) {
	m.record("ConsumePendingAuthorization")
	return m.ConsumePendingAuthorizationFunc(ctx, upstreamState)
}

// SaveAuthorizationCode stores an authorization code
func (m *MockFlowStore) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	m.record("SaveAuthorizationCode")
	return m.SaveAuthorizationCodeFunc(ctx, code)
}

// ConsumeAuthorizationCode atomically retrieves and deletes an authorization
// code
func (m *MockFlowStore) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	m.record("ConsumeAuthorizationCode")
	return m.ConsumeAuthorizationCodeFunc(ctx, code)
}
