package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memClient binds a MemoryBroker to channels collecting its events.
type memClient struct {
	b          *MemoryBroker
	pubs       chan string
	subscribed chan bool
}

func newMemClient(t *testing.T, hub *Hub) *memClient {
	t.Helper()
	c := &memClient{
		b:          NewMemoryBroker(hub),
		pubs:       make(chan string, 32),
		subscribed: make(chan bool, 8),
	}
	c.b.SetCallbacks(Callbacks{
		OnPublication: func(_, data string) { c.pubs <- data },
		OnSubscribed:  func(_ string, recovered bool) { c.subscribed <- recovered },
	})
	require.NoError(t, c.b.Connect(context.Background()))
	return c
}

func (c *memClient) wantPub(t *testing.T, data string) {
	t.Helper()
	select {
	case got := <-c.pubs:
		assert.Equal(t, data, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %q", data)
	}
}

func TestMemoryBrokerOrderedDelivery(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	sub := newMemClient(t, hub)
	require.NoError(t, sub.b.Subscribe(ctx, "ch"))
	assert.False(t, <-sub.subscribed)

	pub := newMemClient(t, hub)
	for _, data := range []string{"one", "two", "three"} {
		require.NoError(t, pub.b.Publish(ctx, "ch", data))
	}
	sub.wantPub(t, "one")
	sub.wantPub(t, "two")
	sub.wantPub(t, "three")
}

func TestMemoryBrokerResumeAfterReconnect(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	sub := newMemClient(t, hub)
	require.NoError(t, sub.b.Subscribe(ctx, "ch"))
	<-sub.subscribed

	pub := newMemClient(t, hub)
	require.NoError(t, pub.b.Publish(ctx, "ch", "seen"))
	sub.wantPub(t, "seen")

	// Drop, miss one, come back: the kept position makes the resubscribe a
	// recovered replay.
	require.NoError(t, sub.b.Disconnect(ctx))
	require.NoError(t, pub.b.Publish(ctx, "ch", "missed"))

	require.NoError(t, sub.b.Connect(ctx))
	require.NoError(t, sub.b.Subscribe(ctx, "ch"))
	assert.True(t, <-sub.subscribed)
	sub.wantPub(t, "missed")
}

func TestMemoryBrokerClearForgetsPosition(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	sub := newMemClient(t, hub)
	require.NoError(t, sub.b.Subscribe(ctx, "ch"))
	<-sub.subscribed

	pub := newMemClient(t, hub)
	require.NoError(t, pub.b.Publish(ctx, "ch", "x"))
	sub.wantPub(t, "x")

	require.NoError(t, sub.b.Clear(ctx, "ch"))
	require.NoError(t, sub.b.Subscribe(ctx, "ch"))
	assert.False(t, <-sub.subscribed, "cleared channel subscribes fresh")
}

func TestMemoryBrokerLinkDown(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	c := newMemClient(t, hub)
	require.NoError(t, c.b.Subscribe(ctx, "ch"))
	<-c.subscribed

	c.b.SetLinkDown(true)
	assert.Error(t, c.b.Publish(ctx, "ch", "x"))
	_, err := c.b.History(ctx, "ch", 10)
	assert.Error(t, err)
	assert.Error(t, c.b.Subscribe(ctx, "other"))

	// Repair restores service through a reconnect cycle.
	c.b.SetLinkDown(false)
	require.NoError(t, c.b.Reconnect(ctx))
	require.NoError(t, c.b.Subscribe(ctx, "ch"))
	<-c.subscribed
	require.NoError(t, c.b.Publish(ctx, "ch", "back"))
	c.wantPub(t, "back")
}
