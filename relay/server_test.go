package relay

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/pairlink/broker"
)

func startRelay(t *testing.T) (*Server, string) {
	t.Helper()
	server := NewServer(broker.NewHub(), nil)
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)
	return server, "ws" + strings.TrimPrefix(ts.URL, "http")
}

// client wraps a WSBroker with channels collecting its events.
type client struct {
	b          *broker.WSBroker
	pubs       chan [2]string // channel, data
	subscribed chan bool      // recovered flag
}

func dial(t *testing.T, url string) *client {
	t.Helper()
	c := &client{
		b:          broker.NewWSBroker(url),
		pubs:       make(chan [2]string, 32),
		subscribed: make(chan bool, 8),
	}
	c.b.SetCallbacks(broker.Callbacks{
		OnPublication: func(channel, data string) {
			c.pubs <- [2]string{channel, data}
		},
		OnSubscribed: func(_ string, recovered bool) {
			c.subscribed <- recovered
		},
	})
	require.NoError(t, c.b.Connect(context.Background()))
	t.Cleanup(func() { _ = c.b.Disconnect(context.Background()) })
	return c
}

func (c *client) wantPub(t *testing.T, channel, data string) {
	t.Helper()
	select {
	case got := <-c.pubs:
		assert.Equal(t, channel, got[0])
		assert.Equal(t, data, got[1])
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for publication %s on %s", data, channel)
	}
}

func (c *client) noPub(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case got := <-c.pubs:
		t.Fatalf("unexpected publication: %v", got)
	case <-time.After(d):
	}
}

func TestRelayPublishSubscribe(t *testing.T) {
	_, url := startRelay(t)
	ctx := context.Background()

	sub := dial(t, url)
	require.NoError(t, sub.b.Subscribe(ctx, "session:a"))
	assert.False(t, <-sub.subscribed, "first subscribe has nothing to recover")

	pub := dial(t, url)
	require.NoError(t, pub.b.Publish(ctx, "session:a", "hello"))
	sub.wantPub(t, "session:a", "hello")

	// Publications on other channels do not leak across subscriptions.
	require.NoError(t, pub.b.Publish(ctx, "session:b", "stray"))
	sub.noPub(t, 200*time.Millisecond)
}

func TestRelayHistory(t *testing.T) {
	_, url := startRelay(t)
	ctx := context.Background()

	pub := dial(t, url)
	require.NoError(t, pub.b.Publish(ctx, "session:h", "one"))
	require.NoError(t, pub.b.Publish(ctx, "session:h", "two"))
	require.NoError(t, pub.b.Publish(ctx, "session:h", "three"))

	reader := dial(t, url)
	items, err := reader.b.History(ctx, "session:h", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, items)

	// The limit keeps the newest entries.
	items, err = reader.b.History(ctx, "session:h", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"two", "three"}, items)
}

func TestRelayResumeRecovered(t *testing.T) {
	_, url := startRelay(t)
	ctx := context.Background()

	sub := dial(t, url)
	require.NoError(t, sub.b.Subscribe(ctx, "session:r"))
	<-sub.subscribed

	pub := dial(t, url)
	require.NoError(t, pub.b.Publish(ctx, "session:r", "before"))
	sub.wantPub(t, "session:r", "before")

	// Drop the link; the relay retains what is published meanwhile.
	require.NoError(t, sub.b.Disconnect(ctx))
	require.NoError(t, pub.b.Publish(ctx, "session:r", "missed"))

	// Resubscribing with the remembered position replays the gap.
	require.NoError(t, sub.b.Connect(ctx))
	require.NoError(t, sub.b.Subscribe(ctx, "session:r"))
	assert.True(t, <-sub.subscribed, "relay still retains the resume position")
	sub.wantPub(t, "session:r", "missed")
	sub.noPub(t, 200*time.Millisecond)
}

func TestRelayRejectsMalformedFrames(t *testing.T) {
	_, url := startRelay(t)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	roundTrip := func(out broker.Frame) broker.Frame {
		t.Helper()
		require.NoError(t, conn.WriteJSON(out))
		var in broker.Frame
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		require.NoError(t, conn.ReadJSON(&in))
		return in
	}

	reply := roundTrip(broker.Frame{Op: "frobnicate", ID: 1})
	assert.Equal(t, broker.OpError, reply.Op)
	assert.Equal(t, uint64(1), reply.ID)

	reply = roundTrip(broker.Frame{Op: broker.OpSubscribe, ID: 2})
	assert.Equal(t, broker.OpError, reply.Op)

	reply = roundTrip(broker.Frame{Op: broker.OpPublish, ID: 3, Channel: "session:x"})
	assert.Equal(t, broker.OpError, reply.Op)
}

func TestRelayPublishAckCarriesSeq(t *testing.T) {
	server, url := startRelay(t)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(broker.Frame{Op: broker.OpPublish, ID: 1, Channel: "session:s", Data: "x"}))
	var ack broker.Frame
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	require.NoError(t, conn.ReadJSON(&ack))

	assert.Equal(t, broker.OpAck, ack.Op)
	assert.Equal(t, server.Hub().Latest("session:s"), ack.Seq)
	assert.NotZero(t, ack.Seq)
}
