package security

import "time"

// DefaultClockSkewGracePeriod is the tolerance applied when background
// sweepers decide whether an entry is expired. It absorbs small clock
// differences between hosts so a sweeper does not reap an entry an instant
// before the consuming request would have accepted it. Consume paths use
// strict comparison and do not apply this grace.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsTokenExpired checks expiration with the default clock skew grace period.
func IsTokenExpired(expiresAt time.Time) bool {
	return IsTokenExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsTokenExpiredWithGracePeriod checks expiration with a custom grace
// period. A zero expiry time means no expiration.
func IsTokenExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(gracePeriod))
}
