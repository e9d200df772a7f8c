// Package broker defines the channel-based pub/sub contract pairlink rides
// on, plus the implementations shipped with the module: an in-process
// Hub/MemoryBroker pair for tests and embedded use, a WebSocket client for
// the pairlink relay, and a Pool that lets several transports share one
// physical connection.
//
// # Delivery contract
//
// Implementations deliver the events for any one channel sequentially and
// in publication order, from a single goroutine, and emit OnSubscribed for
// a channel before that channel's publications. The transport layer leans
// on this: it fetches channel history synchronously inside OnSubscribed,
// knowing live publications queue behind it.
//
// Brokers are allowed to deliver duplicates and to redeliver after
// reconnects; exactly-once is the transport dedup ledger's job, not the
// broker's.
package broker

import (
	"context"
	"errors"
)

// ErrClosed reports that an operation raced a closing or absent connection.
// History fetches that fail with ErrClosed are treated as benign by the
// transport; everything else is surfaced.
var ErrClosed = errors.New("broker connection closed")

// Callbacks receives connection and channel events. Set every field before
// Connect; nil fields are skipped.
type Callbacks struct {
	// OnConnecting fires when a connection attempt starts.
	OnConnecting func()

	// OnConnected fires when the connection is live. Subscriptions do not
	// survive reconnection; re-establish them here.
	OnConnected func()

	// OnDisconnected fires when the connection ends. err is nil for a
	// deliberate Disconnect and non-nil when the link dropped.
	OnDisconnected func(err error)

	// OnError reports asynchronous failures that did not kill the
	// connection.
	OnError func(err error)

	// OnSubscribed fires once a subscription is live. recovered reports
	// whether the broker replayed every publication since this client's
	// last position on the channel; when false the client must assume a
	// gap and consult history.
	OnSubscribed func(channel string, recovered bool)

	// OnPublication delivers one publication on a subscribed channel.
	OnPublication func(channel, data string)
}

// Broker is a connection to a channel-based pub/sub service with bounded
// per-channel history retention.
type Broker interface {
	// SetCallbacks registers the event sinks. Call before Connect.
	SetCallbacks(cb Callbacks)

	// Connect establishes the connection. Connecting an already-connected
	// broker is a no-op.
	Connect(ctx context.Context) error

	// Disconnect tears the connection down. Disconnecting an idle broker
	// is a no-op.
	Disconnect(ctx context.Context) error

	// Subscribe starts delivery for channel. Subscribing twice is a no-op.
	Subscribe(ctx context.Context, channel string) error

	// Publish sends data on channel. An error means the broker did not
	// accept the message; retrying is the caller's decision.
	Publish(ctx context.Context, channel, data string) error

	// History returns up to limit retained publications on channel,
	// oldest first.
	History(ctx context.Context, channel string, limit int) ([]string, error)

	// Clear unsubscribes from channel and drops this client's per-channel
	// state (resume positions). Broker-side retention is untouched.
	Clear(ctx context.Context, channel string) error
}

// Reconnector is implemented by brokers that can cycle their connection in
// place, emitting the usual disconnected/connected events as they go.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// Relay wire protocol ops. The WSBroker client and the relay server speak
// frames of these kinds over a WebSocket.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPublish     = "publish"
	OpHistory     = "history"
	OpAck         = "ack"
	OpError       = "err"
	OpPublication = "pub"
	OpSubscribed  = "subscribed"
)

// Frame is one message of the relay wire protocol. Client-originated frames
// carry an ID the server echoes in its reply; server-pushed publications
// carry none.
type Frame struct {
	Op        string   `json:"op"`
	ID        uint64   `json:"id,omitempty"`
	Channel   string   `json:"ch,omitempty"`
	Data      string   `json:"data,omitempty"`
	Seq       uint64   `json:"seq,omitempty"`
	After     uint64   `json:"after,omitempty"`
	Limit     int      `json:"limit,omitempty"`
	Recovered bool     `json:"recovered,omitempty"`
	Items     []string `json:"items,omitempty"`
	Msg       string   `json:"msg,omitempty"`
}
