// Package storage defines the key-value persistence contract pairlink
// components write through, plus in-memory, file-backed, and encrypting
// implementations.
//
// Everything a client needs to survive a restart, from its transport
// identity and nonce counters to dedup positions and sessions, goes through one
// KeyValueStore. Hosts supply whichever implementation fits their platform;
// the provided ones cover tests (MemoryStore), plain hosts (FileStore), and
// hosts that must keep session keys sealed at rest (EncryptedStore).
package storage

import "context"

// KeyValueStore is a durable string-to-string map.
//
// Implementations must be safe for concurrent use and must report a missing
// key as (_, false, nil) rather than an error; errors are reserved for the
// medium failing. Delete of an absent key is a no-op.
type KeyValueStore interface {
	// Get returns the value stored under key and whether it was present.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting an absent key succeeds.
	Delete(ctx context.Context, key string) error
}
