package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	ClientID  string
	TenantID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event. Tenant identifiers are hashed before they
// reach the log stream; client IDs are server-generated and carry no PII.
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"client_id", event.ClientID,
		"tenant_id_hash", hashForLogging(event.TenantID),
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued logs when tokens are issued through a grant
func (a *Auditor) LogTokenIssued(clientID, tenantID, ipAddress, grantType string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		ClientID:  clientID,
		TenantID:  tenantID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"grant_type": grantType,
		},
	})
}

// LogTokenRefreshed logs when an access token is refreshed.
// upstreamRefreshed records whether the provider credentials were renewed
// as part of the grant.
func (a *Auditor) LogTokenRefreshed(clientID, tenantID, ipAddress string, upstreamRefreshed bool) {
	a.LogEvent(Event{
		Type:      EventTokenRefreshed,
		ClientID:  clientID,
		TenantID:  tenantID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"upstream_refreshed": upstreamRefreshed,
		},
	})
}

// LogAuthorizationStarted logs when an authorization flow is initiated
func (a *Auditor) LogAuthorizationStarted(clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventAuthorizationFlowStarted,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogAuthorizationCodeIssued logs when a callback completes and a code is minted
func (a *Auditor) LogAuthorizationCodeIssued(clientID, tenantID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventAuthorizationCodeIssued,
		ClientID:  clientID,
		TenantID:  tenantID,
		IPAddress: ipAddress,
	})
}

// LogAuthFailure logs an authentication failure
func (a *Auditor) LogAuthFailure(clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, endpoint string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Details: map[string]any{
			"endpoint": endpoint,
		},
	})
}

// LogClientRegistered logs when a new client is registered
func (a *Auditor) LogClientRegistered(clientID, clientName, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventClientRegistered,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"client_name": clientName,
		},
	})
}

// LogUpstreamErrorForwarded logs a provider denial forwarded to the client
func (a *Auditor) LogUpstreamErrorForwarded(clientID, ipAddress, upstreamError string) {
	a.LogEvent(Event{
		Type:      EventUpstreamErrorForwarded,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"upstream_error": upstreamError,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
