// Package server implements the core OAuth 2.1 bridge logic.
//
// This package coordinates the authorization code flow between dynamically
// registered clients and a single upstream accounting provider. It owns the
// client-facing OAuth semantics (PKCE, single-use authorization codes,
// stateless token minting) while delegating specialized work:
//   - Upstream provider integration (providers package)
//   - Client and flow state storage (storage package)
//   - Bearer token sealing (tokens package)
//   - Auditing and rate limiting (security package)
//
// Key features:
//   - OAuth 2.1 authorization code flow with mandatory PKCE
//   - Dynamic client registration (RFC 7591)
//   - Stateless encrypted bearer tokens carrying upstream credentials
//   - Single-use authorization codes with atomic redemption
//   - Upstream token refresh on behalf of clients
//
// Example usage:
//
//	provider, err := quickbooks.NewProvider(&quickbooks.Config{
//	    ClientID:     os.Getenv("QB_CLIENT_ID"),
//	    ClientSecret: os.Getenv("QB_CLIENT_SECRET"),
//	    RedirectURL:  "https://bridge.example.com/callback",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	store := memory.NewStore()
//	codec, err := tokens.NewCodec(key)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	srv, err := server.New(provider, store, store, codec, &server.Config{
//	    Issuer: "https://bridge.example.com",
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
