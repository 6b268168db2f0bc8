package valkey

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/ledgerbridge/books-oauth/security"
	"github.com/ledgerbridge/books-oauth/storage"
)

// testStore creates a test store connected to a local Valkey instance.
// Tests will be skipped if no Valkey is reachable at VALKEY_TEST_ADDR
// (default localhost:6379). Each test gets a unique prefix for isolation.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	prefix := fmt.Sprintf("bookstest:%s:", t.Name())

	store, err := New(Config{
		Address:   addr,
		KeyPrefix: prefix,
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		cleanupTestKeys(t, store)
		store.Close()
	})

	cleanupTestKeys(t, store)
	return store
}

// cleanupTestKeys removes all test keys from Valkey
func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	pattern := s.prefix + "*"

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			t.Logf("Warning: failed to scan for cleanup: %v", err)
			return
		}

		for _, key := range result.Elements {
			_ = s.client.Do(ctx, s.client.B().Del().Key(key).Build())
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}
}

func testClient(id string) *storage.Client {
	return &storage.Client{
		ClientID:                id,
		ClientName:              "Test Client",
		RedirectURIs:            []string{"https://client.example.com/callback"},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "client_secret_basic",
		CreatedAt:               time.Now(),
	}
}

func testPending(state string, ttl time.Duration) *storage.PendingAuthorization {
	now := time.Now()
	return &storage.PendingAuthorization{
		UpstreamState:       state,
		ClientID:            "client-1",
		RedirectURI:         "https://client.example.com/callback",
		ClientState:         "client-state-xyz",
		CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallengeMethod: "S256",
		Scope:               "com.intuit.quickbooks.accounting",
		CreatedAt:           now,
		ExpiresAt:           now.Add(ttl),
	}
}

func testCode(code string, ttl time.Duration) *storage.AuthorizationCode {
	now := time.Now()
	return &storage.AuthorizationCode{
		Code:                code,
		ClientID:            "client-1",
		RedirectURI:         "https://client.example.com/callback",
		CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
		CodeChallengeMethod: "S256",
		Scope:               "com.intuit.quickbooks.accounting",
		TenantID:            "realm-9341452",
		UpstreamToken: &oauth2.Token{
			AccessToken:  "upstream-access-token",
			RefreshToken: "upstream-refresh-token",
			TokenType:    "Bearer",
			Expiry:       now.Add(time.Hour),
		},
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// ============================================================
// Config Tests
// ============================================================

func TestNew_MissingAddress(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Error("Expected error for missing address")
	}
}

func TestNew_InvalidAddress(t *testing.T) {
	_, err := New(Config{Address: "invalid:99999"})
	if err == nil {
		t.Error("Expected error for invalid address")
	}
}

// ============================================================
// ClientStore Tests
// ============================================================

func TestClientStore_SaveAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	client := testClient("client-1")
	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient failed: %v", err)
	}

	got, err := s.GetClient(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}
	if got.ClientID != client.ClientID {
		t.Errorf("expected client ID %q, got %q", client.ClientID, got.ClientID)
	}
	if len(got.RedirectURIs) != 1 || got.RedirectURIs[0] != client.RedirectURIs[0] {
		t.Errorf("redirect URIs not preserved: %v", got.RedirectURIs)
	}
	if got.TokenEndpointAuthMethod != client.TokenEndpointAuthMethod {
		t.Errorf("auth method not preserved: %q", got.TokenEndpointAuthMethod)
	}
}

func TestClientStore_GetNotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.GetClient(context.Background(), "no-such-client")
	if !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("expected ErrClientNotFound, got %v", err)
	}
}

func TestClientStore_ValidateSecret(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("correct-secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash secret: %v", err)
	}

	client := testClient("client-1")
	client.ClientSecretHash = string(hash)
	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient failed: %v", err)
	}

	if err := s.ValidateClientSecret(ctx, "client-1", "correct-secret"); err != nil {
		t.Errorf("expected valid secret to pass, got %v", err)
	}

	err = s.ValidateClientSecret(ctx, "client-1", "wrong-secret")
	if !errors.Is(err, storage.ErrInvalidClientSecret) {
		t.Errorf("expected ErrInvalidClientSecret, got %v", err)
	}

	err = s.ValidateClientSecret(ctx, "no-such-client", "whatever")
	if !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("expected ErrClientNotFound, got %v", err)
	}
}

func TestClientStore_List(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := s.SaveClient(ctx, testClient(id)); err != nil {
			t.Fatalf("SaveClient failed: %v", err)
		}
	}

	clients, err := s.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients failed: %v", err)
	}
	if len(clients) != 3 {
		t.Errorf("expected 3 clients, got %d", len(clients))
	}
}

func TestClientStore_IPLimit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.CheckIPLimit(ctx, "203.0.113.7", 3); err != nil {
			t.Fatalf("registration %d should be allowed: %v", i+1, err)
		}
	}

	err := s.CheckIPLimit(ctx, "203.0.113.7", 3)
	if !errors.Is(err, storage.ErrClientLimitExceeded) {
		t.Errorf("expected ErrClientLimitExceeded, got %v", err)
	}

	// A different IP is unaffected.
	if err := s.CheckIPLimit(ctx, "203.0.113.8", 3); err != nil {
		t.Errorf("fresh IP should be allowed: %v", err)
	}

	// maxPerIP <= 0 disables the limit.
	for i := 0; i < 10; i++ {
		if err := s.CheckIPLimit(ctx, "203.0.113.7", 0); err != nil {
			t.Fatalf("expected no limit with maxPerIP=0, got %v", err)
		}
	}
}

// ============================================================
// FlowStore Tests
// ============================================================

func TestFlowStore_PendingConsumeOnce(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	pending := testPending("state-abc", 10*time.Minute)
	if err := s.SavePendingAuthorization(ctx, pending); err != nil {
		t.Fatalf("SavePendingAuthorization failed: %v", err)
	}

	got, err := s.ConsumePendingAuthorization(ctx, "state-abc")
	if err != nil {
		t.Fatalf("ConsumePendingAuthorization failed: %v", err)
	}
	if got.ClientID != pending.ClientID {
		t.Errorf("expected client ID %q, got %q", pending.ClientID, got.ClientID)
	}
	if got.ClientState != pending.ClientState {
		t.Errorf("expected client state %q, got %q", pending.ClientState, got.ClientState)
	}

	_, err = s.ConsumePendingAuthorization(ctx, "state-abc")
	if !errors.Is(err, storage.ErrPendingAuthorizationNotFound) {
		t.Errorf("expected ErrPendingAuthorizationNotFound on second consume, got %v", err)
	}
}

func TestFlowStore_SaveExpiredPending(t *testing.T) {
	s := testStore(t)

	err := s.SavePendingAuthorization(context.Background(), testPending("state-old", -time.Second))
	if err == nil {
		t.Error("expected error when saving an already expired pending authorization")
	}
}

func TestFlowStore_CodeConsumeOnce(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	code := testCode("code-xyz", 10*time.Minute)
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode failed: %v", err)
	}

	got, err := s.ConsumeAuthorizationCode(ctx, "code-xyz")
	if err != nil {
		t.Fatalf("ConsumeAuthorizationCode failed: %v", err)
	}
	if got.TenantID != code.TenantID {
		t.Errorf("expected tenant ID %q, got %q", code.TenantID, got.TenantID)
	}
	if got.UpstreamToken == nil || got.UpstreamToken.AccessToken != "upstream-access-token" {
		t.Errorf("upstream token not preserved: %+v", got.UpstreamToken)
	}

	_, err = s.ConsumeAuthorizationCode(ctx, "code-xyz")
	if !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("expected ErrAuthorizationCodeNotFound on second consume, got %v", err)
	}
}

func TestFlowStore_CodeTTLExpiry(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.SaveAuthorizationCode(ctx, testCode("code-short", 1*time.Second)); err != nil {
		t.Fatalf("SaveAuthorizationCode failed: %v", err)
	}

	time.Sleep(1500 * time.Millisecond)

	_, err := s.ConsumeAuthorizationCode(ctx, "code-short")
	if err == nil {
		t.Fatal("expected error consuming expired code")
	}
	if !errors.Is(err, storage.ErrAuthorizationCodeNotFound) && !errors.Is(err, storage.ErrAuthorizationCodeExpired) {
		t.Errorf("expected not-found or expired, got %v", err)
	}
}

func TestFlowStore_ConcurrentCodeConsume(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.SaveAuthorizationCode(ctx, testCode("contested-code", 10*time.Minute)); err != nil {
		t.Fatalf("SaveAuthorizationCode failed: %v", err)
	}

	const goroutines = 10

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	start := make(chan struct{})
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := s.ConsumeAuthorizationCode(ctx, "contested-code"); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if winners != 1 {
		t.Errorf("expected exactly 1 winner, got %d", winners)
	}
}

func TestFlowStore_EncryptionAtRest(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}
	s.SetEncryptor(enc)

	code := testCode("encrypted-code", 10*time.Minute)
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode failed: %v", err)
	}

	// The caller's token must not be mutated by save.
	if code.UpstreamToken.AccessToken != "upstream-access-token" {
		t.Errorf("caller's token was mutated: %q", code.UpstreamToken.AccessToken)
	}

	// The raw stored value must not contain the plaintext credentials.
	raw, err := s.client.Do(ctx, s.client.B().Get().Key(s.codeKey("encrypted-code")).Build()).ToString()
	if err != nil {
		t.Fatalf("failed to read raw stored code: %v", err)
	}
	if strings.Contains(raw, "upstream-access-token") || strings.Contains(raw, "upstream-refresh-token") {
		t.Error("raw stored code contains plaintext upstream credentials")
	}

	// Consume must transparently decrypt.
	got, err := s.ConsumeAuthorizationCode(ctx, "encrypted-code")
	if err != nil {
		t.Fatalf("ConsumeAuthorizationCode failed: %v", err)
	}
	if got.UpstreamToken.AccessToken != "upstream-access-token" {
		t.Errorf("expected decrypted access token, got %q", got.UpstreamToken.AccessToken)
	}
	if got.UpstreamToken.RefreshToken != "upstream-refresh-token" {
		t.Errorf("expected decrypted refresh token, got %q", got.UpstreamToken.RefreshToken)
	}
}
