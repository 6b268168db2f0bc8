package security

import (
	"net/http"
	"net/url"
)

// SetSecurityHeaders sets the standard security headers on OAuth endpoint
// responses. The policy is deliberately maximal: these endpoints serve JSON
// and redirects, never markup, so nothing needs framing, scripts, external
// resources, or caching.
func SetSecurityHeaders(w http.ResponseWriter, serverURL string) {
	// Prevent clickjacking
	w.Header().Set("X-Frame-Options", "DENY")

	// Prevent MIME type sniffing
	w.Header().Set("X-Content-Type-Options", "nosniff")

	// Legacy browser XSS filter
	w.Header().Set("X-XSS-Protection", "1; mode=block")

	// No resources of any kind may load from these responses
	w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

	// Never leak endpoint URLs (they can carry codes and state) via Referer
	w.Header().Set("Referrer-Policy", "no-referrer")

	// HSTS only makes sense when the issuer itself is HTTPS
	if parsed, err := url.Parse(serverURL); err == nil && parsed.Scheme == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	// Tokens and codes must never land in any cache
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	w.Header().Set("Pragma", "no-cache")
}
