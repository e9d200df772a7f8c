package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Factory builds a physical broker for a URL. It must not dial; Connect
// does that.
type Factory func(url string) (Broker, error)

// Pool shares physical broker connections between clients. Acquire returns
// a SharedBroker handle implementing Broker; the physical connection opens
// when the first handle connects and closes when the last one disconnects.
// Channel subscriptions are reference-counted across handles, and Reconnect
// is single-flight per URL, so concurrent resume attempts after one network
// drop cycle the socket once rather than once per client.
//
// The pool is owned by whoever builds the clients; nothing here is
// process-global.
type Pool struct {
	factory Factory
	log     *logrus.Logger
	group   singleflight.Group

	mu      sync.Mutex
	entries map[string]*poolEntry
}

// NewPool creates a pool that builds physical brokers with factory.
func NewPool(factory Factory) *Pool {
	return &Pool{
		factory: factory,
		log:     logrus.StandardLogger(),
		entries: make(map[string]*poolEntry),
	}
}

// Acquire returns a handle on the shared connection for url, creating the
// physical broker on first use.
func (p *Pool) Acquire(url string) (*SharedBroker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[url]
	if !ok {
		physical, err := p.factory(url)
		if err != nil {
			return nil, fmt.Errorf("failed to build broker for %s: %w", url, err)
		}
		e = &poolEntry{
			pool:        p,
			url:         url,
			physical:    physical,
			handles:     make(map[*SharedBroker]struct{}),
			subscribers: make(map[string]int),
		}
		physical.SetCallbacks(Callbacks{
			OnConnecting:   e.fanConnecting,
			OnConnected:    e.fanConnected,
			OnDisconnected: e.fanDisconnected,
			OnError:        e.fanError,
			OnSubscribed:   e.fanSubscribed,
			OnPublication:  e.fanPublication,
		})
		p.entries[url] = e
	}

	h := &SharedBroker{entry: e, subs: make(map[string]bool)}
	e.mu.Lock()
	e.handles[h] = struct{}{}
	e.mu.Unlock()
	return h, nil
}

// Reconnect cycles the physical connection for url exactly once, no matter
// how many clients ask concurrently.
func (p *Pool) Reconnect(ctx context.Context, url string) error {
	p.mu.Lock()
	e := p.entries[url]
	p.mu.Unlock()
	if e == nil {
		return fmt.Errorf("no broker acquired for %s", url)
	}

	_, err, shared := p.group.Do(url, func() (any, error) {
		if r, ok := e.physical.(Reconnector); ok {
			return nil, r.Reconnect(ctx)
		}
		if err := e.physical.Disconnect(ctx); err != nil {
			return nil, err
		}
		return nil, e.physical.Connect(ctx)
	})
	if shared {
		p.log.WithFields(logrus.Fields{
			"component": "broker_pool",
			"url":       url,
		}).Debug("Reconnect coalesced with concurrent attempt")
	}
	return err
}

// poolEntry is one shared physical connection and its bookkeeping.
type poolEntry struct {
	pool     *Pool
	url      string
	physical Broker

	mu          sync.Mutex
	connected   bool
	refs        int
	handles     map[*SharedBroker]struct{}
	subscribers map[string]int
}

// connectedHandles snapshots the handles that should receive connection
// events. Fan-out happens outside the lock.
func (e *poolEntry) connectedHandles() []*SharedBroker {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*SharedBroker, 0, len(e.handles))
	for h := range e.handles {
		if h.connected {
			out = append(out, h)
		}
	}
	return out
}

// channelHandles snapshots the connected handles subscribed to channel.
func (e *poolEntry) channelHandles(channel string) []*SharedBroker {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*SharedBroker, 0, len(e.handles))
	for h := range e.handles {
		if h.connected && h.subs[channel] {
			out = append(out, h)
		}
	}
	return out
}

func (e *poolEntry) fanConnecting() {
	for _, h := range e.connectedHandles() {
		if h.cb.OnConnecting != nil {
			h.cb.OnConnecting()
		}
	}
}

func (e *poolEntry) fanConnected() {
	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()

	for _, h := range e.connectedHandles() {
		if h.cb.OnConnected != nil {
			h.cb.OnConnected()
		}
	}
}

func (e *poolEntry) fanDisconnected(err error) {
	e.mu.Lock()
	e.connected = false
	// Physical subscriptions do not survive the connection; neither does
	// the shared bookkeeping, or resubscribes after reconnect would be
	// silently skipped.
	e.subscribers = make(map[string]int)
	for h := range e.handles {
		h.subs = make(map[string]bool)
	}
	e.mu.Unlock()

	for _, h := range e.connectedHandles() {
		if h.cb.OnDisconnected != nil {
			h.cb.OnDisconnected(err)
		}
	}
}

func (e *poolEntry) fanError(err error) {
	for _, h := range e.connectedHandles() {
		if h.cb.OnError != nil {
			h.cb.OnError(err)
		}
	}
}

func (e *poolEntry) fanSubscribed(channel string, recovered bool) {
	for _, h := range e.channelHandles(channel) {
		if h.cb.OnSubscribed != nil {
			h.cb.OnSubscribed(channel, recovered)
		}
	}
}

func (e *poolEntry) fanPublication(channel, data string) {
	for _, h := range e.channelHandles(channel) {
		if h.cb.OnPublication != nil {
			h.cb.OnPublication(channel, data)
		}
	}
}

// SharedBroker is one client's handle on a pooled connection. It satisfies
// Broker; connection and subscription effects are reference-counted at the
// pool entry.
type SharedBroker struct {
	entry *poolEntry

	// cb is set before Connect and read by fan-out; subs and connected are
	// guarded by entry.mu.
	cb        Callbacks
	connected bool
	subs      map[string]bool
}

// SetCallbacks registers the event sinks. Call before Connect.
func (s *SharedBroker) SetCallbacks(cb Callbacks) {
	s.entry.mu.Lock()
	defer s.entry.mu.Unlock()
	s.cb = cb
}

// Connect attaches this handle. The first attachment opens the physical
// connection; later ones receive synthesized connecting/connected events
// so every client observes the same sequence.
func (s *SharedBroker) Connect(ctx context.Context) error {
	e := s.entry

	e.mu.Lock()
	if s.connected {
		e.mu.Unlock()
		return nil
	}
	s.connected = true
	e.refs++
	needPhysical := e.refs == 1 && !e.connected
	alreadyLive := e.connected
	cb := s.cb
	e.mu.Unlock()

	if needPhysical {
		if err := e.physical.Connect(ctx); err != nil {
			e.mu.Lock()
			s.connected = false
			e.refs--
			e.mu.Unlock()
			return err
		}
		return nil
	}

	if alreadyLive {
		if cb.OnConnecting != nil {
			cb.OnConnecting()
		}
		if cb.OnConnected != nil {
			cb.OnConnected()
		}
	}
	// Otherwise another handle's Connect is in flight; its events fan out
	// here too once the physical connection lands.
	return nil
}

// Disconnect detaches this handle; the last detachment closes the physical
// connection. The handle always observes OnDisconnected(nil).
func (s *SharedBroker) Disconnect(ctx context.Context) error {
	e := s.entry

	e.mu.Lock()
	if !s.connected {
		e.mu.Unlock()
		return nil
	}
	s.connected = false
	e.refs--
	last := e.refs == 0
	for channel := range s.subs {
		if e.subscribers[channel] > 0 {
			e.subscribers[channel]--
		}
	}
	s.subs = make(map[string]bool)
	cb := s.cb
	e.mu.Unlock()

	if last {
		if err := e.physical.Disconnect(ctx); err != nil {
			return err
		}
	}
	if cb.OnDisconnected != nil {
		cb.OnDisconnected(nil)
	}
	return nil
}

// Reconnect cycles the shared physical connection through the pool's
// single-flight path.
func (s *SharedBroker) Reconnect(ctx context.Context) error {
	return s.entry.pool.Reconnect(ctx, s.entry.url)
}

// Subscribe attaches this handle to channel. The first subscriber across
// all handles subscribes physically; later ones get a synthesized
// non-recovered grant and lean on history for anything missed.
func (s *SharedBroker) Subscribe(ctx context.Context, channel string) error {
	e := s.entry

	e.mu.Lock()
	if !s.connected {
		e.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", channel, ErrClosed)
	}
	if s.subs[channel] {
		e.mu.Unlock()
		return nil
	}
	s.subs[channel] = true
	e.subscribers[channel]++
	first := e.subscribers[channel] == 1
	cb := s.cb
	e.mu.Unlock()

	if first {
		if err := e.physical.Subscribe(ctx, channel); err != nil {
			e.mu.Lock()
			delete(s.subs, channel)
			if e.subscribers[channel] > 0 {
				e.subscribers[channel]--
			}
			e.mu.Unlock()
			return err
		}
		return nil
	}

	if cb.OnSubscribed != nil {
		cb.OnSubscribed(channel, false)
	}
	return nil
}

// Publish passes through to the physical connection.
func (s *SharedBroker) Publish(ctx context.Context, channel, data string) error {
	s.entry.mu.Lock()
	connected := s.connected
	s.entry.mu.Unlock()
	if !connected {
		return fmt.Errorf("publish %s: %w", channel, ErrClosed)
	}
	return s.entry.physical.Publish(ctx, channel, data)
}

// History passes through to the physical connection.
func (s *SharedBroker) History(ctx context.Context, channel string, limit int) ([]string, error) {
	s.entry.mu.Lock()
	connected := s.connected
	s.entry.mu.Unlock()
	if !connected {
		return nil, fmt.Errorf("history %s: %w", channel, ErrClosed)
	}
	return s.entry.physical.History(ctx, channel, limit)
}

// Clear detaches this handle from channel; the last detachment clears the
// physical subscription and its resume position.
func (s *SharedBroker) Clear(ctx context.Context, channel string) error {
	e := s.entry

	e.mu.Lock()
	wasSubscribed := s.subs[channel]
	delete(s.subs, channel)
	lastSubscriber := false
	if wasSubscribed && e.subscribers[channel] > 0 {
		e.subscribers[channel]--
		lastSubscriber = e.subscribers[channel] == 0
	}
	e.mu.Unlock()

	if lastSubscriber {
		return e.physical.Clear(ctx, channel)
	}
	return nil
}
