// Package memory provides an in-memory implementation of the storage
// interfaces.
//
// This package implements the ClientStore and FlowStore interfaces using
// Go's built-in maps with mutex protection for thread safety. It is suitable
// for development, testing, and single-instance deployments where
// persistence across restarts is not required.
//
// Features:
//   - Thread-safe operations using sync.RWMutex
//   - Single-winner consumption of pending authorizations and codes
//   - Automatic cleanup of expired flow state
//   - Configurable cleanup intervals
//   - Encryption at rest for upstream credentials via security.Encryptor
//
// For multi-instance deployments where a callback may land on a different
// instance than the one that started the flow, use the storage/valkey
// package instead.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	// store serves both the ClientStore and FlowStore interfaces
//	srv, _ := server.New(provider, store, store, codec, cfg)
package memory
