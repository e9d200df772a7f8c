package storage

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/opd-ai/pairlink/protocol"
)

const secretboxNonceSize = 24

// EncryptedStore wraps another KeyValueStore and seals every value with
// NaCl secretbox under a host-supplied 32-byte key. Session private keys
// then never touch the underlying medium in the clear.
//
// Keys (the lookup strings) stay readable: the wrapped store needs them to
// address entries, and they carry identifiers, not secrets.
type EncryptedStore struct {
	inner KeyValueStore
	key   [32]byte
}

// NewEncryptedStore wraps inner so that all values are sealed under key.
// The caller owns key lifecycle; losing it orphans every stored value.
func NewEncryptedStore(inner KeyValueStore, key [32]byte) *EncryptedStore {
	return &EncryptedStore{inner: inner, key: key}
}

// Get unseals and returns the value stored under key. A value that fails to
// unseal (tampered, or sealed under a different key) is an error, not a
// missing entry.
func (e *EncryptedStore) Get(ctx context.Context, key string) (string, bool, error) {
	sealed, ok, err := e.inner.Get(ctx, key)
	if err != nil || !ok {
		return "", ok, err
	}

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", false, fmt.Errorf("stored value for %q is not base64: %w", key, protocol.ErrDecryptionFailed)
	}
	if len(raw) < secretboxNonceSize {
		return "", false, fmt.Errorf("stored value for %q too short: %w", key, protocol.ErrDecryptionFailed)
	}

	var nonce [secretboxNonceSize]byte
	copy(nonce[:], raw[:secretboxNonceSize])
	plain, ok := secretbox.Open(nil, raw[secretboxNonceSize:], &nonce, &e.key)
	if !ok {
		return "", false, fmt.Errorf("failed to unseal value for %q: %w", key, protocol.ErrDecryptionFailed)
	}
	return string(plain), true, nil
}

// Set seals value and stores it under key.
func (e *EncryptedStore) Set(ctx context.Context, key, value string) error {
	var nonce [secretboxNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], []byte(value), &nonce, &e.key)
	return e.inner.Set(ctx, key, base64.StdEncoding.EncodeToString(sealed))
}

// Delete removes key from the wrapped store.
func (e *EncryptedStore) Delete(ctx context.Context, key string) error {
	return e.inner.Delete(ctx, key)
}
