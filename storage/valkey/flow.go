package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ledgerbridge/books-oauth/storage"
)

// ============================================================
// FlowStore Implementation
// ============================================================

// SavePendingAuthorization stores a pending authorization keyed by its
// upstream state token. The record carries its own TTL in Valkey, so
// abandoned flows clean themselves up.
func (s *Store) SavePendingAuthorization(ctx context.Context, pending *storage.PendingAuthorization) error {
	if pending == nil || pending.UpstreamState == "" {
		return fmt.Errorf("invalid pending authorization")
	}

	data, err := json.Marshal(toPendingAuthorizationJSON(pending))
	if err != nil {
		return fmt.Errorf("failed to marshal pending authorization: %w", err)
	}

	ttl := calculateTTL(pending.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("pending authorization already expired")
	}

	key := s.pendingKey(pending.UpstreamState)

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save pending authorization: %w", err)
	}

	s.logger.Debug("Saved pending authorization",
		"client_id", pending.ClientID,
		"upstream_state_prefix", safeTruncate(pending.UpstreamState, tokenIDLogLength))
	return nil
}

// ConsumePendingAuthorization atomically retrieves and deletes the pending
// authorization for the given upstream state. GETDEL makes the
// retrieve-and-delete a single server-side operation, so of N concurrent
// consumers exactly one wins and the rest observe not-found.
func (s *Store) ConsumePendingAuthorization(ctx context.Context, upstreamState string) (*storage.PendingAuthorization, error) {
	key := s.pendingKey(upstreamState)

	data, err := s.client.Do(ctx, s.client.B().Getdel().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrPendingAuthorizationNotFound
		}
		return nil, fmt.Errorf("failed to consume pending authorization: %w", err)
	}

	var j pendingAuthorizationJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending authorization: %w", err)
	}

	pending := fromPendingAuthorizationJSON(&j)

	// The TTL normally evicts expired records server-side. Double-check
	// against the stored expiry in case of clock differences.
	if !time.Now().Before(pending.ExpiresAt) {
		return nil, storage.ErrPendingAuthorizationExpired
	}

	s.logger.Debug("Consumed pending authorization",
		"client_id", pending.ClientID,
		"upstream_state_prefix", safeTruncate(upstreamState, tokenIDLogLength))
	return pending, nil
}

// SaveAuthorizationCode stores an issued authorization code. The embedded
// upstream credentials are encrypted at rest when an encryptor is
// configured.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	sealed := *code
	sealedToken, err := s.sealUpstreamToken(code.UpstreamToken)
	if err != nil {
		return err
	}
	sealed.UpstreamToken = sealedToken

	data, err := json.Marshal(toAuthorizationCodeJSON(&sealed))
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	ttl := calculateTTL(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	key := s.codeKey(code.Code)

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"client_id", code.ClientID,
		"code_prefix", safeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// ConsumeAuthorizationCode atomically retrieves and deletes the
// authorization code via GETDEL. Concurrent redemptions resolve to exactly
// one winner; the losers observe not-found.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	key := s.codeKey(code)

	data, err := s.client.Do(ctx, s.client.B().Getdel().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrAuthorizationCodeNotFound
		}
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}

	record := fromAuthorizationCodeJSON(&j)

	if !time.Now().Before(record.ExpiresAt) {
		return nil, storage.ErrAuthorizationCodeExpired
	}

	record.UpstreamToken, err = s.openUpstreamToken(record.UpstreamToken)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Consumed authorization code",
		"client_id", record.ClientID,
		"code_prefix", safeTruncate(code, tokenIDLogLength))
	return record, nil
}
