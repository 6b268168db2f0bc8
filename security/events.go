package security

// Event type constants for security audit logging.
// These constants ensure consistency across the codebase and prevent typos
// when logging security-relevant events.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when access and refresh tokens are issued to a client
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when an access token is refreshed using a refresh token
	EventTokenRefreshed = "token_refreshed"

	// Authorization flow events

	// EventAuthorizationFlowStarted is logged when an authorization flow is initiated
	EventAuthorizationFlowStarted = "authorization_flow_started"

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// Client registration events

	// EventClientRegistered is logged when a new OAuth client is registered
	EventClientRegistered = "client_registered"

	// EventClientRegistrationRejected is logged when client registration is rejected
	EventClientRegistrationRejected = "client_registration_rejected"

	// EventClientRegistrationRateLimitExceeded is logged when the registration rate limit is hit
	EventClientRegistrationRateLimitExceeded = "client_registration_rate_limit_exceeded"

	// Security violation events

	// EventAuthFailure is logged when authentication fails (wrong credentials, bad grants, etc.)
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when PKCE code_verifier validation fails
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventInvalidRedirect is logged when an unregistered redirect URI is presented
	EventInvalidRedirect = "invalid_redirect"

	// Upstream provider events

	// EventInvalidUpstreamCallback is logged when a callback arrives with an
	// unknown or already consumed correlation state
	EventInvalidUpstreamCallback = "invalid_upstream_callback"

	// EventUpstreamErrorForwarded is logged when the provider denies an
	// authorization and the error is forwarded to the client
	EventUpstreamErrorForwarded = "upstream_error_forwarded"

	// EventUpstreamExchangeFailed is logged when the code exchange with the provider fails
	EventUpstreamExchangeFailed = "upstream_exchange_failed"

	// EventUpstreamRefreshFailed is logged when a token refresh against the provider fails
	EventUpstreamRefreshFailed = "upstream_refresh_failed"
)
