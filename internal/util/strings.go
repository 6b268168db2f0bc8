// Package util provides small string helpers shared across the bridge's
// packages.
package util

import "strings"

// SafeTruncate truncates a string to maxLen characters without panicking.
// Used when logging prefixes of sensitive values such as codes and state
// parameters, where only the first few characters should appear.
//
// A negative maxLen is treated as 0 and returns an empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL strips trailing slashes so URLs that differ only in a
// trailing slash compare equal. The issuer is normalized this way before
// endpoint URLs are derived from it.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
