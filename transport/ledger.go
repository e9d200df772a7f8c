package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/opd-ai/pairlink/storage"
)

const ledgerPrefix = "latestNonces:"

// ledger is the persisted dedup state: per channel, the highest nonce the
// application has confirmed from each sender. An envelope at or below its
// sender's mark is a duplicate.
//
// All mutations go through one mutex. Inbound delivery is already serial
// per channel, but Confirm arrives from whatever goroutine the application
// acknowledges on.
type ledger struct {
	kv     storage.KeyValueStore
	selfID string

	mu sync.Mutex
}

func newLedger(kv storage.KeyValueStore, selfID string) *ledger {
	return &ledger{kv: kv, selfID: selfID}
}

// key scopes the ledger per receiving installation, so two clients sharing
// one store never cross-contaminate their positions.
func (l *ledger) key(channel string) string {
	return ledgerPrefix + l.selfID + ":" + channel
}

func (l *ledger) load(ctx context.Context, channel string) (map[string]uint64, error) {
	value, ok, err := l.kv.Get(ctx, l.key(channel))
	if err != nil {
		return nil, fmt.Errorf("failed to read dedup state for %s: %w", channel, err)
	}
	if !ok {
		return map[string]uint64{}, nil
	}
	seen := map[string]uint64{}
	if err := json.Unmarshal([]byte(value), &seen); err != nil {
		return nil, fmt.Errorf("dedup state for %s corrupt: %w", channel, err)
	}
	return seen, nil
}

// lastSeen returns the highest confirmed nonce from sender on channel,
// zero when none.
func (l *ledger) lastSeen(ctx context.Context, channel, sender string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen, err := l.load(ctx, channel)
	if err != nil {
		return 0, err
	}
	return seen[sender], nil
}

// advance records nonce as confirmed from sender on channel. Regressions
// are ignored: a late Confirm for an old message must not reopen the window
// for everything between.
func (l *ledger) advance(ctx context.Context, channel, sender string, nonce uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen, err := l.load(ctx, channel)
	if err != nil {
		return err
	}
	if seen[sender] >= nonce {
		return nil
	}
	seen[sender] = nonce

	data, err := json.Marshal(seen)
	if err != nil {
		return fmt.Errorf("failed to encode dedup state for %s: %w", channel, err)
	}
	if err := l.kv.Set(ctx, l.key(channel), string(data)); err != nil {
		return fmt.Errorf("failed to persist dedup state for %s: %w", channel, err)
	}
	return nil
}

// clear forgets the channel's dedup state entirely.
func (l *ledger) clear(ctx context.Context, channel string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.kv.Delete(ctx, l.key(channel)); err != nil {
		return fmt.Errorf("failed to clear dedup state for %s: %w", channel, err)
	}
	return nil
}
