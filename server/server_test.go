package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ledgerbridge/books-oauth/internal/testutil"
	"github.com/ledgerbridge/books-oauth/providers/mock"
	"github.com/ledgerbridge/books-oauth/storage/memory"
	"github.com/ledgerbridge/books-oauth/tokens"
)

func TestNew_RequiredArguments(t *testing.T) {
	store := memory.New()
	t.Cleanup(store.Stop)
	provider := mock.NewProvider()

	codec, err := tokens.NewCodec(testutil.GenerateTestKey())
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}
	config := &Config{Issuer: "https://bridge.example.com"}

	if _, err := New(nil, store, store, codec, config, nil); err == nil {
		t.Error("New() with nil provider did not fail")
	}
	if _, err := New(provider, nil, store, codec, config, nil); err == nil {
		t.Error("New() with nil client store did not fail")
	}
	if _, err := New(provider, store, nil, codec, config, nil); err == nil {
		t.Error("New() with nil flow store did not fail")
	}
	if _, err := New(provider, store, store, nil, config, nil); err == nil {
		t.Error("New() with nil codec did not fail")
	}

	// A nil config gets defaults, but the issuer has no default.
	if _, err := New(provider, store, store, codec, nil, nil); err == nil {
		t.Error("New() with nil config did not fail on the missing issuer")
	}

	srv, err := New(provider, store, store, codec, &Config{Issuer: "https://bridge.example.com/"}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if srv.Logger == nil {
		t.Error("Logger not defaulted")
	}
	if srv.Config.Issuer != "https://bridge.example.com" {
		t.Errorf("Issuer = %q, want normalized", srv.Config.Issuer)
	}
	if srv.Config.AccessTokenTTL != 3600 {
		t.Errorf("AccessTokenTTL = %d, want defaulted to 3600", srv.Config.AccessTokenTTL)
	}
	if srv.Provider() != provider {
		t.Error("Provider() does not return the configured provider")
	}
}

func TestServer_AuthenticateBearer(t *testing.T) {
	srv, _, _ := setupFlowTestServer(t)

	now := time.Now()
	seal := func(kind tokens.Kind, expiresAt time.Time) string {
		token, err := srv.codec.Encode(&tokens.Payload{
			Kind:                kind,
			ClientID:            "client-1",
			TenantID:            testRealmID,
			UpstreamAccessToken: "upstream-access",
			IssuedAt:            now.Unix(),
			ExpiresAt:           expiresAt.Unix(),
		})
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		return token
	}

	t.Run("valid access token", func(t *testing.T) {
		payload, err := srv.AuthenticateBearer(seal(tokens.KindAccess, now.Add(time.Hour)))
		if err != nil {
			t.Fatalf("AuthenticateBearer() error = %v", err)
		}
		if payload.ClientID != "client-1" {
			t.Errorf("ClientID = %q", payload.ClientID)
		}
		if payload.TenantID != testRealmID {
			t.Errorf("TenantID = %q", payload.TenantID)
		}
		if payload.UpstreamAccessToken != "upstream-access" {
			t.Errorf("UpstreamAccessToken = %q", payload.UpstreamAccessToken)
		}
	})

	t.Run("refresh token rejected", func(t *testing.T) {
		_, err := srv.AuthenticateBearer(seal(tokens.KindRefresh, now.Add(time.Hour)))
		if !errors.Is(err, tokens.ErrInvalidToken) {
			t.Errorf("error = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("expired token rejected", func(t *testing.T) {
		_, err := srv.AuthenticateBearer(seal(tokens.KindAccess, now.Add(-time.Minute)))
		if !errors.Is(err, tokens.ErrInvalidToken) {
			t.Errorf("error = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("garbage rejected", func(t *testing.T) {
		_, err := srv.AuthenticateBearer("not-a-token")
		if !errors.Is(err, tokens.ErrInvalidToken) {
			t.Errorf("error = %v, want ErrInvalidToken", err)
		}
	})
}

func TestServer_HealthCheck(t *testing.T) {
	srv, _, provider := setupFlowTestServer(t)

	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	provider.HealthCheckFunc = func(ctx context.Context) error {
		return errors.New("connection refused")
	}
	err := srv.HealthCheck(context.Background())
	if err == nil {
		t.Fatal("HealthCheck() did not surface the provider failure")
	}
}

func TestGenerateRandomToken(t *testing.T) {
	a := generateRandomToken()
	b := generateRandomToken()

	if len(a) < 43 {
		t.Errorf("token length = %d, want at least 43", len(a))
	}
	if a == b {
		t.Error("two generated tokens are identical")
	}
}
