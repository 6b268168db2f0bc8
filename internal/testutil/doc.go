// Package testutil provides test fixtures and generators shared by the
// books-oauth test suites: PKCE pairs, codec keys, upstream tokens and
// storage records.
package testutil
