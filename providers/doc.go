// Package providers defines the upstream provider abstraction.
//
// The bridge sits between dynamically registered OAuth clients and a single
// external accounting provider. Everything provider-specific lives behind
// the Provider interface: endpoint URLs, credential style, scope defaults,
// and refresh/revocation mechanics. The server package drives the interface
// and never sees provider wire formats.
//
// Subpackages:
//
//   - quickbooks: Intuit QuickBooks Online, the production provider.
//   - mock: a configurable fake for tests.
//
// Tenant identity does not cross this interface. QuickBooks reports the
// authorized company as a realmId query parameter on the callback redirect
// rather than in the token response, so the callback handler extracts it
// from the request and carries it through the flow alongside the token.
package providers
