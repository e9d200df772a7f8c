package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// MemoryBroker is a Broker over an in-process Hub. Each instance models one
// client connection: its own subscriptions, its own resume positions, its
// own link state. Several MemoryBrokers over one Hub form a complete
// in-process pub/sub fabric, which is how the integration tests and the
// examples run without a relay.
//
// Resume positions survive Disconnect/Connect on the same instance, so a
// resubscribe after a reconnect replays the gap (recovered=true) when the
// hub still retains it. A fresh instance has no positions and subscribes
// live-only (recovered=false).
type MemoryBroker struct {
	hub *Hub
	log *logrus.Logger

	mu        sync.Mutex
	cb        Callbacks
	connected bool
	linkDown  bool
	subs      map[string]*HubSubscription
	positions map[string]uint64
}

// NewMemoryBroker creates a disconnected broker over hub.
func NewMemoryBroker(hub *Hub) *MemoryBroker {
	return &MemoryBroker{
		hub:       hub,
		log:       logrus.StandardLogger(),
		subs:      make(map[string]*HubSubscription),
		positions: make(map[string]uint64),
	}
}

// SetCallbacks registers the event sinks. Call before Connect.
func (b *MemoryBroker) SetCallbacks(cb Callbacks) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cb = cb
}

func (b *MemoryBroker) callbacks() Callbacks {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cb
}

// Connect marks the broker live. Events fire on the caller's goroutine.
func (b *MemoryBroker) Connect(_ context.Context) error {
	b.mu.Lock()
	if b.connected {
		b.mu.Unlock()
		return nil
	}
	if b.linkDown {
		b.mu.Unlock()
		return fmt.Errorf("connect: %w", ErrClosed)
	}
	b.mu.Unlock()

	cb := b.callbacks()
	if cb.OnConnecting != nil {
		cb.OnConnecting()
	}

	b.mu.Lock()
	if b.linkDown {
		b.mu.Unlock()
		return fmt.Errorf("connect: %w", ErrClosed)
	}
	b.connected = true
	b.mu.Unlock()

	if cb.OnConnected != nil {
		cb.OnConnected()
	}
	return nil
}

// Disconnect drops every live subscription but keeps resume positions, the
// way a real client library keeps channel state across reconnects.
func (b *MemoryBroker) Disconnect(_ context.Context) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = false
	b.closeSubsLocked()
	b.mu.Unlock()

	if cb := b.callbacks(); cb.OnDisconnected != nil {
		cb.OnDisconnected(nil)
	}
	return nil
}

// Reconnect cycles the connection in place.
func (b *MemoryBroker) Reconnect(ctx context.Context) error {
	if err := b.Disconnect(ctx); err != nil {
		return err
	}
	return b.Connect(ctx)
}

// Subscribe attaches to channel and emits OnSubscribed before any of the
// channel's publications are delivered.
func (b *MemoryBroker) Subscribe(_ context.Context, channel string) error {
	b.mu.Lock()
	if !b.connected || b.linkDown {
		b.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", channel, ErrClosed)
	}
	if _, exists := b.subs[channel]; exists {
		b.mu.Unlock()
		return nil
	}

	position, hasPosition := b.positions[channel]
	recovered := hasPosition && b.hub.Resumable(channel, position)
	after := position
	if !recovered {
		// Without a gap-free replay the client must history-fetch anyway,
		// so start live-only rather than replaying a partial window.
		after = b.hub.Latest(channel)
	}

	sub := b.hub.SubscribeFrom(channel, after)
	b.subs[channel] = sub
	b.mu.Unlock()

	cb := b.callbacks()
	if cb.OnSubscribed != nil {
		cb.OnSubscribed(channel, recovered)
	}

	go b.dispatch(channel, sub)
	return nil
}

// dispatch delivers one channel's publications in order.
func (b *MemoryBroker) dispatch(channel string, sub *HubSubscription) {
	for msg := range sub.C() {
		b.mu.Lock()
		b.positions[channel] = msg.Seq
		cb := b.cb
		b.mu.Unlock()

		if cb.OnPublication != nil {
			cb.OnPublication(channel, msg.Data)
		}
	}
}

// Publish records data on channel. The publisher's own subscription sees
// the message too; sender filtering is the layer above's job.
func (b *MemoryBroker) Publish(_ context.Context, channel, data string) error {
	b.mu.Lock()
	if !b.connected || b.linkDown {
		b.mu.Unlock()
		return fmt.Errorf("publish %s: %w", channel, ErrClosed)
	}
	b.mu.Unlock()

	b.hub.Publish(channel, data)
	return nil
}

// History returns up to limit retained publications, oldest first.
func (b *MemoryBroker) History(_ context.Context, channel string, limit int) ([]string, error) {
	b.mu.Lock()
	if !b.connected || b.linkDown {
		b.mu.Unlock()
		return nil, fmt.Errorf("history %s: %w", channel, ErrClosed)
	}
	b.mu.Unlock()

	msgs := b.hub.History(channel, limit)
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Data
	}
	return out, nil
}

// Clear unsubscribes from channel and forgets its resume position.
func (b *MemoryBroker) Clear(_ context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[channel]; ok {
		sub.Close()
		delete(b.subs, channel)
	}
	delete(b.positions, channel)
	return nil
}

// SetLinkDown simulates a dead network path. While down, publishes and
// history fetches fail, live deliveries stop, and the broker does not
// notice until something touches the connection; Reconnect after
// SetLinkDown(false) restores service. Resume positions survive, so the
// replay path after repair is exercised exactly as it would be against a
// real broker.
func (b *MemoryBroker) SetLinkDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.linkDown = down
	if down {
		b.closeSubsLocked()
	}
}

// closeSubsLocked drops live subscriptions. Callers hold b.mu.
func (b *MemoryBroker) closeSubsLocked() {
	for channel, sub := range b.subs {
		sub.Close()
		delete(b.subs, channel)
	}
}
