// Package relay implements the reference pairlink relay: a WebSocket
// front over a broker.Hub. Each connected client subscribes, publishes,
// and fetches history through JSON frames; the relay retains a bounded
// per-channel history and replays gaps for clients that resume from a
// known position.
//
// The relay is deliberately ignorant of the pairlink protocol: it moves
// opaque strings between channels. Everything confidential is encrypted
// before it gets here.
package relay

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/pairlink/broker"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second

	// maxFrameSize bounds one client frame. Envelopes carry base64
	// ciphertext of application payloads; 1 MiB leaves generous room.
	maxFrameSize = 1 << 20
)

// Server relays publications between WebSocket clients through a Hub. It
// implements http.Handler; mount it wherever the host's mux wants it.
type Server struct {
	hub      *broker.Hub
	log      *logrus.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a relay over hub. A nil hub gets a fresh one with
// default retention.
func NewServer(hub *broker.Hub, log *logrus.Logger) *Server {
	if hub == nil {
		hub = broker.NewHub()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		hub: hub,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The relay carries only encrypted or public handshake
			// payloads; cross-origin browser clients are legitimate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Hub exposes the underlying hub, mainly so tests and embedded setups can
// attach MemoryBrokers beside the WebSocket clients.
func (s *Server) Hub() *broker.Hub {
	return s.hub
}

// ServeHTTP upgrades the request and serves relay frames until the client
// goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithField("component", "relay").WithError(err).Warn("Upgrade failed")
		return
	}

	c := &relayClient{
		server: s,
		conn:   conn,
		remote: r.RemoteAddr,
		subs:   make(map[string]*broker.HubSubscription),
	}
	s.log.WithFields(logrus.Fields{
		"component": "relay",
		"remote":    c.remote,
	}).Debug("Client connected")
	c.run()
}

// relayClient is one connected WebSocket peer.
type relayClient struct {
	server *Server
	conn   *websocket.Conn
	remote string

	// writeMu serializes writes: subscription pumps, replies, and pings
	// share one socket.
	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]*broker.HubSubscription
}

func (c *relayClient) run() {
	defer c.teardown()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPingHandler(func(appData string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return c.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		var f broker.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.server.log.WithFields(logrus.Fields{
					"component": "relay",
					"remote":    c.remote,
				}).WithError(err).Debug("Client read failed")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handle(f)
	}
}

func (c *relayClient) handle(f broker.Frame) {
	switch f.Op {
	case broker.OpSubscribe:
		c.subscribe(f)
	case broker.OpUnsubscribe:
		c.unsubscribe(f)
	case broker.OpPublish:
		c.publish(f)
	case broker.OpHistory:
		c.history(f)
	default:
		c.reply(broker.Frame{Op: broker.OpError, ID: f.ID, Msg: "unknown op " + f.Op})
	}
}

// subscribe attaches the client to a channel. A client resuming from a
// position the hub still retains gets a gap-free replay and recovered=true;
// everyone else starts live and is told to consult history.
func (c *relayClient) subscribe(f broker.Frame) {
	if f.Channel == "" {
		c.reply(broker.Frame{Op: broker.OpError, ID: f.ID, Msg: "subscribe requires a channel"})
		return
	}

	c.mu.Lock()
	if _, exists := c.subs[f.Channel]; exists {
		c.mu.Unlock()
		c.reply(broker.Frame{Op: broker.OpSubscribed, ID: f.ID, Channel: f.Channel, Recovered: true})
		return
	}

	hub := c.server.hub
	recovered := f.After > 0 && hub.Resumable(f.Channel, f.After)
	after := f.After
	if !recovered {
		after = hub.Latest(f.Channel)
	}
	sub := hub.SubscribeFrom(f.Channel, after)
	c.subs[f.Channel] = sub
	c.mu.Unlock()

	// The grant goes out before the pump starts, so replayed publications
	// always trail it.
	c.reply(broker.Frame{Op: broker.OpSubscribed, ID: f.ID, Channel: f.Channel, Recovered: recovered})
	go c.pump(f.Channel, sub)
}

func (c *relayClient) unsubscribe(f broker.Frame) {
	c.mu.Lock()
	if sub, ok := c.subs[f.Channel]; ok {
		sub.Close()
		delete(c.subs, f.Channel)
	}
	c.mu.Unlock()
	c.reply(broker.Frame{Op: broker.OpAck, ID: f.ID, Channel: f.Channel})
}

func (c *relayClient) publish(f broker.Frame) {
	if f.Channel == "" || f.Data == "" {
		c.reply(broker.Frame{Op: broker.OpError, ID: f.ID, Msg: "publish requires channel and data"})
		return
	}
	seq := c.server.hub.Publish(f.Channel, f.Data)
	c.reply(broker.Frame{Op: broker.OpAck, ID: f.ID, Channel: f.Channel, Seq: seq})
}

func (c *relayClient) history(f broker.Frame) {
	msgs := c.server.hub.History(f.Channel, f.Limit)
	items := make([]string, len(msgs))
	for i, m := range msgs {
		items[i] = m.Data
	}
	c.reply(broker.Frame{Op: broker.OpAck, ID: f.ID, Channel: f.Channel, Items: items})
}

// pump forwards one subscription's messages to the socket, in order, until
// the subscription closes or a write fails.
func (c *relayClient) pump(channel string, sub *broker.HubSubscription) {
	for msg := range sub.C() {
		if err := c.write(broker.Frame{Op: broker.OpPublication, Channel: channel, Data: msg.Data, Seq: msg.Seq}); err != nil {
			sub.Close()
			return
		}
	}
}

func (c *relayClient) reply(f broker.Frame) {
	if err := c.write(f); err != nil {
		c.server.log.WithFields(logrus.Fields{
			"component": "relay",
			"remote":    c.remote,
		}).WithError(err).Debug("Reply write failed")
	}
}

func (c *relayClient) write(f broker.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(f)
}

func (c *relayClient) teardown() {
	c.mu.Lock()
	for channel, sub := range c.subs {
		sub.Close()
		delete(c.subs, channel)
	}
	c.mu.Unlock()

	_ = c.conn.Close()
	c.server.log.WithFields(logrus.Fields{
		"component": "relay",
		"remote":    c.remote,
	}).Debug("Client disconnected")
}
