// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for the bridge.
//
// This package enables observability across all layers through:
// - Metrics: Counters, histograms, and gauges for monitoring OAuth operations
// - Traces: Distributed tracing for request flows across components
// - Logging: Structured logs with trace context integration
//
// # Quick Start
//
// Enable basic instrumentation:
//
//	import "github.com/ledgerbridge/books-oauth/instrumentation"
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "books-oauth",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	// Pass to the HTTP layer and storage
//	server.SetInstrumentation(inst)
//	store.SetInstrumentation(inst)
//
// # Available Metrics
//
// HTTP Layer:
//   - oauth.http.requests.total{method, endpoint, status} - Total HTTP requests
//   - oauth.http.request.duration{endpoint} - Request duration in milliseconds
//
// OAuth Flows:
//   - oauth.authorization.started{client_id} - Authorization flows started
//   - oauth.callback.processed{client_id, success} - Upstream callbacks processed
//   - oauth.code.exchanged{client_id, pkce_method} - Authorization codes exchanged
//   - oauth.token.refreshed{client_id, rotated} - Tokens refreshed
//   - oauth.client.registered{auth_method} - Clients registered
//
// Security:
//   - oauth.rate_limit.exceeded{limiter_type} - Rate limit violations
//
// Storage:
//   - storage.operation.total{backend, operation, result} - Storage operations
//   - storage.operation.duration{backend, operation} - Operation duration in milliseconds
//   - storage.clients.count - Registered clients currently stored
//   - storage.pending_authorizations.count - Pending authorizations currently stored
//   - storage.authorization_codes.count - Unconsumed authorization codes currently stored
//
// # Distributed Tracing
//
// Spans are created for all HTTP endpoints and carry OAuth metadata attributes
// (client ID, tenant ID, grant type, PKCE method, error codes). Example span
// structure:
//
//	oauth.http.authorize
//	└── start authorization flow (pending authorization saved, upstream URL built)
//	oauth.http.callback
//	└── handle upstream callback (pending consumed, code exchanged upstream)
//	oauth.http.token_exchange
//	└── redeem authorization code (sealed token pair minted)
//	oauth.http.token_refresh
//	└── refresh access token (upstream refresh, new pair sealed)
//
// # Performance
//
// When instrumentation is not configured or disabled:
//   - Zero overhead (uses no-op providers)
//   - No allocations or latency impact
//
// # Thread Safety
//
// All instrumentation operations are thread-safe and can be called concurrently
// from multiple goroutines.
//
// # Security Considerations
//
// IMPORTANT: This package is designed to collect observability data, not sensitive
// credentials.
//
// When instrumenting OAuth flows, you MUST:
//   - NEVER log actual token values (access tokens, refresh tokens, authorization codes)
//   - NEVER log client secrets or PKCE code verifiers
//   - ONLY log metadata (token kinds, expiry times, validation results, tenant IDs)
//
// Data collected in traces and metrics may be:
//   - Persisted for extended periods in observability backends
//   - Accessible to operations teams and potentially wider audiences
//   - Subject to compliance requirements (GDPR, PCI-DSS, SOC 2, etc.)
//
// Privacy considerations:
//   - Client IP addresses may be considered PII in some jurisdictions; use
//     Config.LogClientIPs to omit them from observability data
//   - Configure appropriate retention policies and access controls
package instrumentation
