// Package storage defines the persistence interfaces for the OAuth
// authorization bridge:
//   - ClientStore: dynamically registered OAuth clients
//   - FlowStore: in-flight authorization flow state (pending authorizations
//     and single-use authorization codes)
//
// Bearer tokens are deliberately absent: issued tokens are self-contained
// encrypted payloads (see the tokens package) and never stored server-side.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development, testing, and
//     single-process deployments
//   - storage/valkey: Valkey/Redis-compatible storage for multi-replica
//     deployments
package storage
