// Package quickbooks implements the upstream provider interface for
// Intuit QuickBooks Online.
//
// The provider is a confidential OAuth2 client of Intuit: authorization
// redirects go to the appcenter authorize endpoint, and code exchange and
// refresh run against the oauth.platform token service with HTTP Basic
// client credentials. Intuit rotates refresh tokens on every refresh, so
// callers must persist the replacement token from each response.
//
// The authorized company (realmId) is not part of the token response.
// Intuit appends it to the callback redirect as a query parameter, where
// the bridge's callback handler picks it up.
package quickbooks
