// Package security provides security-related functionality for the
// authorization server: rate limiting, encryption at rest, client IP
// extraction, request ID propagation, and audit logging.
//
// # Rate Limiting
//
// Two limiters cover two different abuse patterns. RateLimiter is a
// per-identifier token bucket (x/time/rate) for request flooding on the
// authorize and token endpoints. ClientRegistrationRateLimiter counts
// registrations per IP over a sliding window, because dynamic client
// registration is cheap to call and expensive to store.
//
// Both limiters bound their memory with LRU eviction, so a distributed
// attack cycling through source addresses cannot grow the tracking maps
// without limit.
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//	    // 429 Too Many Requests
//	}
//
// # Encryption at Rest
//
// Encryptor seals the upstream credentials that sit inside stored
// authorization codes with AES-256-GCM. A nil or empty key disables it,
// which keeps development setups friction-free; production deployments
// should always pass a key.
//
// # Audit Logging
//
// Auditor emits structured security events with tenant identifiers hashed,
// so the audit trail correlates activity without holding customer
// identifiers in plaintext logs.
package security
