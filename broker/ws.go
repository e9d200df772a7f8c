package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WebSocket link timing.
const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

// WSBroker is a Broker over a pairlink relay WebSocket. Request/response
// frames (subscribe, publish, history) are matched by ID; publications and
// subscription grants flow through an ordered event queue so the delivery
// contract holds even though one socket carries everything.
//
// Resume positions are tracked from publication sequence numbers and sent
// with each subscribe, letting the relay replay a gap after a reconnect.
type WSBroker struct {
	url    string
	log    *logrus.Logger
	dialer *websocket.Dialer

	mu          sync.Mutex
	cb          Callbacks
	conn        *websocket.Conn
	connected   bool
	intentional bool
	nextID      uint64
	pending     map[uint64]chan Frame
	subs        map[string]bool
	positions   map[string]uint64
	events      *eventQueue
	pingStop    chan struct{}
	pumpDone    chan struct{}

	// gorilla permits one concurrent writer; writeMu serializes frame and
	// ping writes.
	writeMu sync.Mutex
}

// NewWSBroker creates a disconnected broker that will dial url (a ws:// or
// wss:// relay endpoint) on Connect.
func NewWSBroker(url string) *WSBroker {
	return &WSBroker{
		url:       url,
		log:       logrus.StandardLogger(),
		dialer:    websocket.DefaultDialer,
		pending:   make(map[uint64]chan Frame),
		subs:      make(map[string]bool),
		positions: make(map[string]uint64),
	}
}

// SetCallbacks registers the event sinks. Call before Connect.
func (b *WSBroker) SetCallbacks(cb Callbacks) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cb = cb
}

// Connect dials the relay and starts the read pump.
func (b *WSBroker) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.connected {
		b.mu.Unlock()
		return nil
	}
	cb := b.cb
	b.mu.Unlock()

	if cb.OnConnecting != nil {
		cb.OnConnecting()
	}

	conn, _, err := b.dialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", b.url, err)
	}

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	b.mu.Lock()
	b.conn = conn
	b.connected = true
	b.intentional = false
	b.events = newEventQueue()
	b.pingStop = make(chan struct{})
	b.pumpDone = make(chan struct{})
	b.mu.Unlock()

	go b.readPump(conn)
	go b.pingLoop(conn)

	b.log.WithFields(logrus.Fields{
		"component": "ws_broker",
		"url":       b.url,
	}).Debug("Broker connected")

	if cb.OnConnected != nil {
		cb.OnConnected()
	}
	return nil
}

// Disconnect closes the socket deliberately. The read pump notices and
// finishes teardown; OnDisconnected fires with a nil error.
func (b *WSBroker) Disconnect(_ context.Context) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.intentional = true
	conn := b.conn
	pumpDone := b.pumpDone
	b.mu.Unlock()

	b.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	b.writeMu.Unlock()
	_ = conn.Close()

	<-pumpDone
	return nil
}

// Reconnect cycles the connection in place.
func (b *WSBroker) Reconnect(ctx context.Context) error {
	if err := b.Disconnect(ctx); err != nil {
		return err
	}
	return b.Connect(ctx)
}

// Subscribe asks the relay for delivery on channel, resuming from the last
// seen position when one exists. OnSubscribed arrives through the event
// queue ahead of any replayed publications.
func (b *WSBroker) Subscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	if b.subs[channel] {
		b.mu.Unlock()
		return nil
	}
	after := b.positions[channel]
	b.mu.Unlock()

	if _, err := b.call(ctx, Frame{Op: OpSubscribe, Channel: channel, After: after}); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	b.mu.Lock()
	b.subs[channel] = true
	b.mu.Unlock()
	return nil
}

// Publish sends data on channel and waits for the relay's ack.
func (b *WSBroker) Publish(ctx context.Context, channel, data string) error {
	if _, err := b.call(ctx, Frame{Op: OpPublish, Channel: channel, Data: data}); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// History fetches up to limit retained publications, oldest first.
func (b *WSBroker) History(ctx context.Context, channel string, limit int) ([]string, error) {
	reply, err := b.call(ctx, Frame{Op: OpHistory, Channel: channel, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", channel, err)
	}
	return reply.Items, nil
}

// Clear unsubscribes and forgets the channel's resume position. Clearing
// while disconnected just drops local state.
func (b *WSBroker) Clear(ctx context.Context, channel string) error {
	b.mu.Lock()
	subscribed := b.subs[channel]
	delete(b.subs, channel)
	delete(b.positions, channel)
	connected := b.connected
	b.mu.Unlock()

	if subscribed && connected {
		if _, err := b.call(ctx, Frame{Op: OpUnsubscribe, Channel: channel}); err != nil {
			return fmt.Errorf("clear %s: %w", channel, err)
		}
	}
	return nil
}

// call sends a request frame and waits for its reply.
func (b *WSBroker) call(ctx context.Context, f Frame) (Frame, error) {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return Frame{}, fmt.Errorf("%s: %w", f.Op, ErrClosed)
	}
	b.nextID++
	f.ID = b.nextID
	waiter := make(chan Frame, 1)
	b.pending[f.ID] = waiter
	conn := b.conn
	pumpDone := b.pumpDone
	b.mu.Unlock()

	b.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	err := conn.WriteJSON(f)
	b.writeMu.Unlock()
	if err != nil {
		b.forgetPending(f.ID)
		return Frame{}, fmt.Errorf("failed to send %s: %w", f.Op, err)
	}

	select {
	case reply := <-waiter:
		switch reply.Op {
		case "":
			return Frame{}, ErrClosed
		case OpError:
			return Frame{}, fmt.Errorf("%s rejected by relay: %s", f.Op, reply.Msg)
		}
		return reply, nil
	case <-ctx.Done():
		b.forgetPending(f.ID)
		return Frame{}, ctx.Err()
	case <-pumpDone:
		return Frame{}, ErrClosed
	}
}

func (b *WSBroker) forgetPending(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, id)
}

// readPump owns the socket's read side: it routes solicited replies to
// their waiters and fans events into the ordered queue. It runs until the
// socket dies, then performs teardown exactly once.
func (b *WSBroker) readPump(conn *websocket.Conn) {
	var readErr error
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			readErr = err
			break
		}

		switch f.Op {
		case OpPublication:
			b.mu.Lock()
			b.positions[f.Channel] = f.Seq
			events := b.events
			cb := b.cb
			b.mu.Unlock()

			channel, data := f.Channel, f.Data
			events.push(func() {
				if cb.OnPublication != nil {
					cb.OnPublication(channel, data)
				}
			})

		case OpSubscribed:
			// Unblock the Subscribe call and queue the event so it lands
			// ahead of the replayed publications that follow it.
			b.mu.Lock()
			waiter := b.pending[f.ID]
			delete(b.pending, f.ID)
			events := b.events
			cb := b.cb
			b.mu.Unlock()

			channel, recovered := f.Channel, f.Recovered
			events.push(func() {
				if cb.OnSubscribed != nil {
					cb.OnSubscribed(channel, recovered)
				}
			})
			if waiter != nil {
				waiter <- f
			}

		default:
			b.mu.Lock()
			waiter := b.pending[f.ID]
			delete(b.pending, f.ID)
			b.mu.Unlock()
			if waiter != nil {
				waiter <- f
			}
		}
	}

	b.teardown(readErr)
}

// teardown transitions to disconnected: fails pending calls, drops
// subscriptions (resume positions survive), emits OnDisconnected, and
// drains the event queue.
func (b *WSBroker) teardown(readErr error) {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return
	}
	b.connected = false
	conn := b.conn
	b.conn = nil
	intentional := b.intentional
	events := b.events
	cb := b.cb
	close(b.pingStop)

	for id, waiter := range b.pending {
		delete(b.pending, id)
		waiter <- Frame{}
	}
	b.subs = make(map[string]bool)
	b.mu.Unlock()

	_ = conn.Close()

	var cause error
	if !intentional {
		cause = fmt.Errorf("connection lost: %w: %v", ErrClosed, readErr)
		b.log.WithFields(logrus.Fields{
			"component": "ws_broker",
			"url":       b.url,
		}).WithError(readErr).Warn("Broker connection lost")
	}

	events.push(func() {
		if cb.OnDisconnected != nil {
			cb.OnDisconnected(cause)
		}
	})
	events.shutdown()

	close(b.pumpDone)
}

func (b *WSBroker) pingLoop(conn *websocket.Conn) {
	b.mu.Lock()
	stop := b.pingStop
	b.mu.Unlock()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			b.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}
