package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/ledgerbridge/books-oauth/instrumentation"
	"github.com/ledgerbridge/books-oauth/internal/util"
	"github.com/ledgerbridge/books-oauth/security"
	"github.com/ledgerbridge/books-oauth/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging
	// codes and correlation tokens. Enough for debugging, useless to an
	// attacker reading logs.
	tokenIDLogLength = 8

	// dummyHash is a bcrypt hash compared against when a client is unknown
	// or has no secret, so that ValidateClientSecret burns the same work on
	// every path and response timing does not reveal registration state.
	dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy" //nolint:gosec // not a credential
)

// Store is an in-memory implementation of storage.ClientStore and
// storage.FlowStore. All state lives behind a single RWMutex; the Consume
// operations take the write lock for their whole check-and-delete section,
// which is what makes redemption single-winner.
type Store struct {
	mu sync.RWMutex

	// Client storage
	clients      map[string]*storage.Client
	clientsPerIP map[string]int // IP address -> registration count

	// Flow storage
	pending map[string]*storage.PendingAuthorization // upstream state -> pending
	codes   map[string]*storage.AuthorizationCode    // code -> record

	// Encryption at rest for upstream credentials held inside codes (optional)
	encryptor *security.Encryptor

	// Instrumentation (optional)
	instrumentation *instrumentation.Instrumentation

	// Counters exposed as gauges (lock-free reads for metric collection)
	clientsCount atomic.Int64
	pendingCount atomic.Int64
	codesCount   atomic.Int64

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.FlowStore   = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval
// (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup
// interval. If cleanupInterval is 0 or negative, the default of 1 minute is
// used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		clientsPerIP:    make(map[string]int),
		pending:         make(map[string]*storage.PendingAuthorization),
		codes:           make(map[string]*storage.AuthorizationCode),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetEncryptor enables encryption at rest for the upstream credentials held
// inside stored authorization codes. Call before serving traffic.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Encryption at rest enabled for stored upstream credentials")
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	s.clientsCount.Store(int64(len(s.clients)))
	s.pendingCount.Store(int64(len(s.pending)))
	s.codesCount.Store(int64(len(s.codes)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.clientsCount.Load() },
			func() int64 { return s.pendingCount.Load() },
			func() int64 { return s.codesCount.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient persists a registered client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	var err error
	defer s.recordOperation(ctx, "save_client", time.Now(), &err)

	if client == nil || client.ClientID == "" {
		err = fmt.Errorf("invalid client")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.clients[client.ClientID]; !existed {
		s.clientsCount.Add(1)
	}
	s.clients[client.ClientID] = client

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	var err error
	defer s.recordOperation(ctx, "get_client", time.Now(), &err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}
	return client, nil
}

// ValidateClientSecret verifies a client secret against the stored bcrypt
// hash. Unknown clients and secretless clients still pay for a bcrypt
// comparison so the timing does not reveal whether the client exists.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	var err error
	defer s.recordOperation(ctx, "validate_client_secret", time.Now(), &err)

	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()

	if !ok {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(clientSecret))
		err = storage.ErrClientNotFound
		return err
	}

	if client.ClientSecretHash == "" {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(clientSecret))
		err = storage.ErrInvalidClientSecret
		return err
	}

	if bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)) != nil {
		err = storage.ErrInvalidClientSecret
		return err
	}
	return nil
}

// ListClients returns all registered clients.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	var err error
	defer s.recordOperation(ctx, "list_clients", time.Now(), &err)

	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}
	return clients, nil
}

// CheckIPLimit records a registration from ip and fails once the per-IP cap
// would be exceeded. maxPerIP <= 0 disables the limit.
func (s *Store) CheckIPLimit(ctx context.Context, ip string, maxPerIP int) error {
	var err error
	defer s.recordOperation(ctx, "check_ip_limit", time.Now(), &err)

	if maxPerIP <= 0 || ip == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.clientsPerIP[ip] >= maxPerIP {
		err = fmt.Errorf("%w: ip has %d registrations", storage.ErrClientLimitExceeded, s.clientsPerIP[ip])
		return err
	}
	s.clientsPerIP[ip]++
	return nil
}

// ============================================================
// FlowStore Implementation
// ============================================================

// SavePendingAuthorization stores a pending authorization keyed by its
// upstream state token.
func (s *Store) SavePendingAuthorization(ctx context.Context, pending *storage.PendingAuthorization) error {
	var err error
	defer s.recordOperation(ctx, "save_pending_authorization", time.Now(), &err)

	if pending == nil || pending.UpstreamState == "" {
		err = fmt.Errorf("invalid pending authorization")
		return err
	}

	stored := *pending

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.pending[stored.UpstreamState]; !existed {
		s.pendingCount.Add(1)
	}
	s.pending[stored.UpstreamState] = &stored

	s.logger.Debug("Saved pending authorization",
		"client_id", stored.ClientID,
		"upstream_state_prefix", util.SafeTruncate(stored.UpstreamState, tokenIDLogLength))
	return nil
}

// ConsumePendingAuthorization atomically retrieves and deletes the pending
// authorization for the given upstream state. The whole check-and-delete
// runs under the write lock, so concurrent consumers resolve to exactly one
// winner.
func (s *Store) ConsumePendingAuthorization(ctx context.Context, upstreamState string) (*storage.PendingAuthorization, error) {
	var err error
	defer s.recordOperation(ctx, "consume_pending_authorization", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	pending, ok := s.pending[upstreamState]
	if !ok {
		err = storage.ErrPendingAuthorizationNotFound
		return nil, err
	}
	delete(s.pending, upstreamState)
	s.pendingCount.Add(-1)

	if !time.Now().Before(pending.ExpiresAt) {
		err = storage.ErrPendingAuthorizationExpired
		return nil, err
	}

	s.logger.Debug("Consumed pending authorization",
		"client_id", pending.ClientID,
		"upstream_state_prefix", util.SafeTruncate(upstreamState, tokenIDLogLength))
	return pending, nil
}

// SaveAuthorizationCode stores an issued authorization code. The embedded
// upstream credentials are encrypted at rest when an encryptor is
// configured.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	var err error
	defer s.recordOperation(ctx, "save_authorization_code", time.Now(), &err)

	if code == nil || code.Code == "" {
		err = fmt.Errorf("invalid authorization code")
		return err
	}

	stored := *code
	stored.UpstreamToken, err = s.sealUpstreamToken(code.UpstreamToken)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.codes[stored.Code]; !existed {
		s.codesCount.Add(1)
	}
	s.codes[stored.Code] = &stored

	s.logger.Debug("Saved authorization code",
		"client_id", stored.ClientID,
		"code_prefix", util.SafeTruncate(stored.Code, tokenIDLogLength))
	return nil
}

// ConsumeAuthorizationCode atomically retrieves and deletes the
// authorization code. Concurrent redemptions resolve to exactly one winner;
// the losers observe not-found.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	var err error
	defer s.recordOperation(ctx, "consume_authorization_code", time.Now(), &err)

	s.mu.Lock()
	record, ok := s.codes[code]
	if ok {
		delete(s.codes, code)
		s.codesCount.Add(-1)
	}
	s.mu.Unlock()

	if !ok {
		err = storage.ErrAuthorizationCodeNotFound
		return nil, err
	}

	if !time.Now().Before(record.ExpiresAt) {
		err = storage.ErrAuthorizationCodeExpired
		return nil, err
	}

	record.UpstreamToken, err = s.openUpstreamToken(record.UpstreamToken)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Consumed authorization code",
		"client_id", record.ClientID,
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return record, nil
}

// ============================================================
// Encryption at rest
// ============================================================

// sealUpstreamToken returns a copy of token with its access and refresh
// token strings encrypted. Without an enabled encryptor the copy is
// unmodified.
func (s *Store) sealUpstreamToken(token *oauth2.Token) (*oauth2.Token, error) {
	if token == nil {
		return nil, nil
	}
	clone := *token

	s.mu.RLock()
	enc := s.encryptor
	s.mu.RUnlock()

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

	s.mu.RLock()
	enc := s.encryptor
	s.mu.RUnlock()

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
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup sweeps expired pending authorizations and authorization codes.
// Lookups enforce expiry strictly on their own; the sweeper only bounds
// memory for abandoned flows, so the clock-skew grace period is fine here.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removedPending, removedCodes int

	for state, pending := range s.pending {
		if security.IsTokenExpired(pending.ExpiresAt) {
			delete(s.pending, state)
			s.pendingCount.Add(-1)
			removedPending++
		}
	}

	for code, record := range s.codes {
		if security.IsTokenExpired(record.ExpiresAt) {
			delete(s.codes, code)
			s.codesCount.Add(-1)
			removedCodes++
		}
	}

	if removedPending > 0 || removedCodes > 0 {
		s.logger.Debug("Cleaned up expired flow state",
			"pending_removed", removedPending,
			"codes_removed", removedCodes)
	}
}

// recordOperation reports a storage operation to the metrics pipeline when
// instrumentation is configured. err is read through a pointer so deferred
// calls observe the final value.
func (s *Store) recordOperation(ctx context.Context, operation string, startTime time.Time, err *error) {
	s.mu.RLock()
	inst := s.instrumentation
	s.mu.RUnlock()

	if inst == nil {
		return
	}

	success := err == nil || *err == nil
	inst.Metrics().RecordStorageOperation(ctx, "memory", operation, success, time.Since(startTime))
}
