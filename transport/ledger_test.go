package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/pairlink/storage"
)

func TestLedgerAdvanceAndLastSeen(t *testing.T) {
	ctx := context.Background()
	l := newLedger(storage.NewMemoryStore(), "self")

	last, err := l.lastSeen(ctx, "session:a", "peer")
	require.NoError(t, err)
	assert.Zero(t, last, "fresh channel starts at zero")

	require.NoError(t, l.advance(ctx, "session:a", "peer", 4))
	last, err = l.lastSeen(ctx, "session:a", "peer")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), last)

	// A stale confirm must not regress the mark.
	require.NoError(t, l.advance(ctx, "session:a", "peer", 2))
	last, err = l.lastSeen(ctx, "session:a", "peer")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), last)
}

func TestLedgerIsolatesChannelsAndSenders(t *testing.T) {
	ctx := context.Background()
	l := newLedger(storage.NewMemoryStore(), "self")

	require.NoError(t, l.advance(ctx, "session:a", "peer1", 9))

	last, err := l.lastSeen(ctx, "session:a", "peer2")
	require.NoError(t, err)
	assert.Zero(t, last)

	last, err = l.lastSeen(ctx, "session:b", "peer1")
	require.NoError(t, err)
	assert.Zero(t, last)
}

func TestLedgerSurvivesRestartAndClear(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryStore()

	l := newLedger(kv, "self")
	require.NoError(t, l.advance(ctx, "session:a", "peer", 7))

	// Same store, new ledger: the position persisted.
	reopened := newLedger(kv, "self")
	last, err := reopened.lastSeen(ctx, "session:a", "peer")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), last)

	require.NoError(t, reopened.clear(ctx, "session:a"))
	last, err = reopened.lastSeen(ctx, "session:a", "peer")
	require.NoError(t, err)
	assert.Zero(t, last)
}

func TestLedgerKeyScopedToSelf(t *testing.T) {
	l := newLedger(storage.NewMemoryStore(), "me")
	assert.Equal(t, "latestNonces:me:session:a", l.key("session:a"))
}
