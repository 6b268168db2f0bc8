package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/crypto/bcrypt"

	"github.com/ledgerbridge/books-oauth/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	key := s.clientKey(client.ClientID)

	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	key := s.clientKey(clientID)

	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var j clientJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}

	return fromClientJSON(&j), nil
}

// ValidateClientSecret verifies a client secret against the stored bcrypt
// hash. The bcrypt comparison happens on every path, including unknown
// clients, so response timing does not reveal whether a client exists.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	client, err := s.GetClient(ctx, clientID)

	hashToCompare := dummyHash
	if err == nil && client.ClientSecretHash != "" {
		hashToCompare = client.ClientSecretHash
	}

	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return storage.ErrClientNotFound
		}
		return err
	}

	if client.ClientSecretHash == "" {
		return storage.ErrInvalidClientSecret
	}

	if bcryptErr != nil {
		return storage.ErrInvalidClientSecret
	}

	return nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	pattern := s.clientKey("*")

	// Use a map to deduplicate results (SCAN can return duplicates across iterations)
	clientMap := make(map[string]*storage.Client)

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan clients: %w", err)
		}

		for _, key := range result.Elements {
			if _, exists := clientMap[key]; exists {
				continue
			}

			data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
			if err != nil {
				if isNilError(err) {
					continue // Key may have been deleted between SCAN and GET
				}
				return nil, fmt.Errorf("failed to get client %s: %w", key, err)
			}

			var j clientJSON
			if err := json.Unmarshal([]byte(data), &j); err != nil {
				s.logger.Warn("Failed to unmarshal client, skipping",
					"key", key,
					"error", err)
				continue
			}

			clientMap[key] = fromClientJSON(&j)
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}

	clients := make([]*storage.Client, 0, len(clientMap))
	for _, c := range clientMap {
		clients = append(clients, c)
	}

	return clients, nil
}

// luaCheckAndCountRegistration atomically checks the per-IP registration
// count against the limit and increments it if the registration is allowed.
// Atomicity matters here: two concurrent registrations from the same IP must
// not both slip under the limit.
//
// KEYS[1] = client IP key (e.g., "books:client:ip:203.0.113.7")
// ARGV[1] = maximum registrations per IP
// ARGV[2] = counting window in seconds (TTL set when the counter is created)
//
// Returns:
//   - "OK" if the registration was counted
//   - "LIMIT" if the IP already reached the maximum
const luaCheckAndCountRegistration = `
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count >= tonumber(ARGV[1]) then
    return 'LIMIT'
end
count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return 'OK'
`

// CheckIPLimit records a registration from ip and fails once the per-IP cap
// would be exceeded. Counts reset after clientIPWindow passes.
// maxPerIP <= 0 disables the limit.
func (s *Store) CheckIPLimit(ctx context.Context, ip string, maxPerIP int) error {
	if maxPerIP <= 0 || ip == "" {
		return nil
	}

	key := s.clientIPKey(ip)

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaCheckAndCountRegistration).
			Numkeys(1).
			Key(key).
			Arg(strconv.Itoa(maxPerIP), strconv.FormatInt(int64(clientIPWindow.Seconds()), 10)).
			Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to check IP limit: %w", err)
	}

	if result == "LIMIT" {
		// SECURITY: Generic error prevents revealing the current count
		s.logger.Warn("Client registration limit reached",
			"ip", ip,
			"max_allowed", maxPerIP)
		return storage.ErrClientLimitExceeded
	}

	return nil
}
