// Package valkey provides a Valkey storage backend for the authorization
// server.
//
// Valkey is a high-performance key-value store that is wire-compatible with
// Redis. This package implements the ClientStore and FlowStore interfaces,
// making it the backend of choice for multi-instance deployments where the
// upstream callback may land on a different instance than the one that
// started the authorization flow.
//
// # Implemented Interfaces
//
//   - [storage.ClientStore]: registered client management
//   - [storage.FlowStore]: pending authorizations and authorization codes
//
// Bearer tokens never touch this store. They are self-contained encrypted
// payloads (see the tokens package), so the hot path of resource requests
// needs no storage round trip at all.
//
// # Key Schema
//
// All keys use a configurable prefix (default "books:") to avoid conflicts
// with other applications sharing the same Valkey instance:
//
//	{prefix}client:{clientID}    -> JSON(Client)
//	{prefix}client:ip:{ip}       -> count (with TTL)
//	{prefix}pending:{state}      -> JSON(PendingAuthorization) (with TTL)
//	{prefix}code:{code}          -> JSON(AuthorizationCode) (with TTL)
//
// # Atomic Operations
//
// Pending authorizations and authorization codes are both one-shot: they are
// consumed with GETDEL, so of N concurrent redemption attempts exactly one
// observes the record and the rest observe not-found. The per-IP
// registration limit uses a small Lua script for an atomic check-and-count.
//
// # Configuration
//
// Basic usage:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "books:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:  "valkey.example.com:6379",
//	    Password: os.Getenv("VALKEY_PASSWORD"),
//	    TLS:      &tls.Config{MinVersion: tls.VersionTLS12},
//	})
//
// # Encryption at Rest
//
// Authorization codes carry the upstream credentials obtained during the
// callback. Those fields can be encrypted before they reach Valkey:
//
//	key, _ := security.GenerateKey()
//	encryptor, _ := security.NewEncryptor(key)
//	store.SetEncryptor(encryptor)
//
// When enabled, the upstream access and refresh tokens inside a stored code
// are encrypted with AES-256-GCM and transparently decrypted on consumption.
package valkey
