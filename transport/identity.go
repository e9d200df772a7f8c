package transport

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/opd-ai/pairlink/storage"
)

// Storage keys for the transport identity. The client ID survives restarts
// so peers can dedup against a stable sender; the nonce counter survives so
// a restarted sender never reuses a nonce its peers have already recorded.
const (
	clientIDKey = "websocket-transport-client-id"
	noncePrefix = "nonce:"
)

// identity is the persistent sender side of the envelope scheme: one stable
// client ID and one monotonic nonce counter shared by every channel.
type identity struct {
	kv       storage.KeyValueStore
	clientID string

	mu   sync.Mutex
	last uint64
}

// loadIdentity reads or mints the installation's client ID and restores
// its nonce counter.
func loadIdentity(ctx context.Context, kv storage.KeyValueStore) (*identity, error) {
	id, ok, err := kv.Get(ctx, clientIDKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read client id: %w", err)
	}
	if !ok {
		id = uuid.NewString()
		if err := kv.Set(ctx, clientIDKey, id); err != nil {
			return nil, fmt.Errorf("failed to persist client id: %w", err)
		}
	}

	ident := &identity{kv: kv, clientID: id}

	value, ok, err := kv.Get(ctx, ident.nonceKey())
	if err != nil {
		return nil, fmt.Errorf("failed to read nonce counter: %w", err)
	}
	if ok {
		last, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("nonce counter %q corrupt: %w", value, err)
		}
		ident.last = last
	}
	return ident, nil
}

func (i *identity) nonceKey() string {
	return noncePrefix + i.clientID
}

// next assigns the following nonce and persists the counter before
// returning it, so a crash after assignment skips nonces rather than
// repeating them.
func (i *identity) next(ctx context.Context) (uint64, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	n := i.last + 1
	if n > MaxNonce {
		return 0, fmt.Errorf("nonce counter exhausted at %d", i.last)
	}
	if err := i.kv.Set(ctx, i.nonceKey(), strconv.FormatUint(n, 10)); err != nil {
		return 0, fmt.Errorf("failed to persist nonce counter: %w", err)
	}
	i.last = n
	return n, nil
}
