package pairlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/pairlink/crypto"
	"github.com/opd-ai/pairlink/handshake"
	"github.com/opd-ai/pairlink/protocol"
	"github.com/opd-ai/pairlink/session"
	"github.com/opd-ai/pairlink/transport"
)

type clientState int

const (
	stateIdle clientState = iota
	statePairing
	stateConnected
)

// inboxDepth buffers handshake frames between the transport's delivery
// goroutine and the handshake state machine.
const inboxDepth = 16

// BaseClient is the shared engine under Initiator and Responder: it owns
// the transport, key manager, and session store, decrypts inbound traffic,
// and routes protocol frames to the active handshake and application
// payloads to the host.
type BaseClient struct {
	opts  *Options
	tr    *transport.Transport
	store *session.Store
	keys  crypto.Manager
	clock session.TimeProvider
	log   *logrus.Logger

	mu        sync.Mutex
	state     clientState
	sess      *session.Session
	hsChannel string
	inbox     chan handshake.Inbound

	onConnected    func()
	onMessage      func(payload json.RawMessage)
	onError        func(kind protocol.Kind, err error)
	onDisconnected func()
	onDisplayOTP   func(otp string, deadline time.Time)
	onOTPRequired  func(prompt *handshake.OTPPrompt)
}

func newBaseClient(ctx context.Context, opts *Options) (*BaseClient, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if opts.Broker == nil {
		return nil, errors.New("options: Broker is required")
	}
	opts.fill()

	store, err := session.OpenStoreWith(ctx, opts.Storage, opts.Clock, opts.Logger)
	if err != nil {
		return nil, err
	}

	c := &BaseClient{
		opts:  opts,
		store: store,
		keys:  opts.KeyManager,
		clock: opts.Clock,
		log:   opts.Logger,
	}

	tr, err := transport.New(ctx, opts.Broker, opts.Storage, transport.Config{
		MaxRetry:     opts.MaxRetry,
		BaseDelay:    opts.BaseDelay,
		HistoryLimit: opts.HistoryLimit,
		Logger:       opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	c.tr = tr

	tr.OnMessage(c.route)
	tr.OnError(func(err error) {
		c.emitError(err)
	})
	return c, nil
}

// OnConnected registers the callback fired when a session reaches the
// connected state, whether by pairing or by resume.
func (c *BaseClient) OnConnected(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = f
}

// OnMessage registers the callback receiving application payloads.
func (c *BaseClient) OnMessage(f func(payload json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = f
}

// OnError registers the callback for failures the client recovers from or
// reports asynchronously. kind is a stable identifier from the error
// taxonomy.
func (c *BaseClient) OnError(f func(kind protocol.Kind, err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = f
}

// OnDisconnected registers the callback fired when the session ends, for
// any reason.
func (c *BaseClient) OnDisconnected(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnected = f
}

// OnDisplayOTP registers the responder-side callback showing the passcode
// to the user during untrusted pairing.
func (c *BaseClient) OnDisplayOTP(f func(otp string, deadline time.Time)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisplayOTP = f
}

// OnOTPRequired registers the initiator-side callback collecting the
// passcode from the user during untrusted pairing.
func (c *BaseClient) OnOTPRequired(f func(prompt *handshake.OTPPrompt)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOTPRequired = f
}

// Session returns a copy of the current session's identifiers, or ok=false
// when none is active. Hosts persist the ID to resume later.
func (c *BaseClient) Session() (id, channel string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return "", "", false
	}
	return c.sess.ID, c.sess.Channel, true
}

// Resume reinstates a persisted session and reconnects its channel. It
// fails with SESSION_NOT_FOUND when the session is missing or expired.
func (c *BaseClient) Resume(ctx context.Context, id string) error {
	c.mu.Lock()
	if c.state != stateIdle {
		c.mu.Unlock()
		return fmt.Errorf("resume while %d: %w", c.state, protocol.ErrSessionInvalidState)
	}
	c.mu.Unlock()

	sess, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("session %s: %w", id, protocol.ErrSessionNotFound)
	}

	c.mu.Lock()
	c.sess = sess
	c.state = stateConnected
	c.mu.Unlock()

	if err := c.tr.Connect(ctx); err != nil {
		c.reset()
		return err
	}
	if err := c.tr.Subscribe(ctx, sess.Channel); err != nil {
		c.reset()
		return err
	}

	c.log.WithFields(logrus.Fields{
		"component": "client",
		"session":   sess.ID,
		"channel":   sess.Channel,
	}).Info("Session resumed")
	c.emitConnected()
	return nil
}

// Reconnect cycles the broker connection underneath an active session,
// re-establishing its subscriptions. Use it after a network partition
// heals.
func (c *BaseClient) Reconnect(ctx context.Context) error {
	return c.tr.Reconnect(ctx)
}

// Disconnect ends the session: channel state cleared, session deleted from
// the store, keys wiped, disconnected emitted. It runs to completion even
// when individual steps fail.
func (c *BaseClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.state = stateIdle
	c.hsChannel = ""
	c.mu.Unlock()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if sess != nil {
		keep(c.tr.Clear(ctx, sess.Channel))
		keep(c.store.Delete(ctx, sess.ID))
		sess.Wipe()
	}
	keep(c.tr.Disconnect(ctx))

	c.emitDisconnected()
	return firstErr
}

// sendAppMessage encrypts an application payload to the peer and publishes
// it on the session channel.
func (c *BaseClient) sendAppMessage(ctx context.Context, payload any) error {
	c.mu.Lock()
	sess := c.sess
	state := c.state
	c.mu.Unlock()

	if sess == nil || state != stateConnected {
		return fmt.Errorf("no active session: %w", protocol.ErrSessionInvalidState)
	}
	if sess.Expired(c.clock.Now()) {
		c.teardownExpired(ctx, sess)
		return fmt.Errorf("session %s: %w", sess.ID, protocol.ErrSessionExpired)
	}

	msg, err := protocol.NewAppMessage(payload)
	if err != nil {
		return err
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	sealed, err := c.keys.Encrypt(data, sess.PeerPublicKey)
	if err != nil {
		return err
	}

	ok, err := c.tr.Publish(ctx, sess.Channel, sealed)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("publish neutralized: %w", protocol.ErrTransportDisconnected)
	}
	return nil
}

// route is the single inbound entry point, called by the transport once
// per accepted envelope.
func (c *BaseClient) route(channel, payload string, ack *transport.Ack) {
	ctx := context.Background()

	c.mu.Lock()
	sess := c.sess
	hsChannel := c.hsChannel
	pairing := c.state == statePairing
	inbox := c.inbox
	c.mu.Unlock()

	if pairing && channel == hsChannel {
		msg, err := protocol.ParseMessage([]byte(payload))
		if err != nil {
			c.emitError(err)
			c.confirm(ctx, ack)
			return
		}
		c.toInbox(inbox, handshake.Inbound{Channel: channel, Msg: msg})
		c.confirm(ctx, ack)
		return
	}

	if sess != nil && channel == sess.Channel {
		c.routeSession(ctx, sess, pairing, inbox, payload, ack)
		return
	}

	// Stale delivery for a channel we no longer own.
	c.log.WithFields(logrus.Fields{
		"component": "client",
		"channel":   channel,
	}).Debug("Dropping delivery for unowned channel")
}

// routeSession handles one envelope on the session channel.
func (c *BaseClient) routeSession(ctx context.Context, sess *session.Session, pairing bool, inbox chan handshake.Inbound, payload string, ack *transport.Ack) {
	// An expired session is fatal: tear down without confirming, so the
	// message survives in history for whoever re-pairs.
	if sess.Expired(c.clock.Now()) {
		c.emitError(fmt.Errorf("session %s: %w", sess.ID, protocol.ErrSessionExpired))
		c.teardownExpired(ctx, sess)
		return
	}

	plain, err := c.keys.Decrypt(payload, sess.KeyPair)
	if err != nil {
		// Not confirmed: if the failure was transient state (keys being
		// restored), a history replay gets another chance.
		c.emitError(err)
		return
	}

	msg, err := protocol.ParseMessage(plain)
	if err != nil {
		// Confirmed: an unparseable plaintext can never parse on replay.
		c.emitError(err)
		c.confirm(ctx, ack)
		return
	}

	switch msg.Type {
	case protocol.TypeMessage:
		c.deliver(msg.Payload)
		c.confirm(ctx, ack)
	default:
		if pairing {
			c.toInbox(inbox, handshake.Inbound{Channel: sess.Channel, Msg: msg})
		}
		// Outside pairing this is a duplicate handshake frame replayed
		// from history; confirming it retires it for good.
		c.confirm(ctx, ack)
	}
}

// teardownExpired force-ends a session observed past its TTL.
func (c *BaseClient) teardownExpired(ctx context.Context, sess *session.Session) {
	c.mu.Lock()
	current := c.sess == sess || (c.sess != nil && c.sess.ID == sess.ID)
	if current {
		c.sess = nil
		c.state = stateIdle
	}
	c.mu.Unlock()
	if !current {
		return
	}

	if err := c.tr.Clear(ctx, sess.Channel); err != nil {
		c.log.WithField("channel", sess.Channel).WithError(err).Warn("Failed to clear expired session channel")
	}
	if err := c.store.Delete(ctx, sess.ID); err != nil {
		c.log.WithField("session", sess.ID).WithError(err).Warn("Failed to delete expired session")
	}
	sess.Wipe()
	if err := c.tr.Disconnect(ctx); err != nil {
		c.log.WithError(err).Warn("Failed to disconnect after session expiry")
	}
	c.emitDisconnected()
}

// beginPairing flips the client into the pairing state and returns the
// handshake context the handler runs against.
func (c *BaseClient) beginPairing(hsChannel string) (*handshake.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateIdle {
		return nil, fmt.Errorf("pairing while busy: %w", protocol.ErrSessionInvalidState)
	}
	c.state = statePairing
	c.hsChannel = hsChannel
	c.inbox = make(chan handshake.Inbound, inboxDepth)

	return &handshake.Context{
		Transport: c.tr,
		Keys:      c.keys,
		Store:     c.store,
		Clock:     c.clock,
		Log:       c.log,
		Inbox:     c.inbox,
		Install:   c.install,
		Events: handshake.Events{
			DisplayOTP:  c.onDisplayOTP,
			OTPRequired: c.onOTPRequired,
		},
		RequestTTL: c.opts.RequestTTL,
		OTPTTL:     c.opts.OTPTTL,
		Grace:      c.opts.HandshakeGrace,
		SessionTTL: c.opts.SessionTTL,
	}, nil
}

// endPairing records the handshake verdict and moves the state machine on.
func (c *BaseClient) endPairing(err error) {
	c.mu.Lock()
	c.hsChannel = ""
	if err != nil {
		c.sess = nil
		c.state = stateIdle
	} else {
		c.state = stateConnected
	}
	c.mu.Unlock()

	if err != nil {
		c.emitError(err)
		return
	}
	c.emitConnected()
}

func (c *BaseClient) install(s *session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sess = s
}

func (c *BaseClient) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sess = nil
	c.state = stateIdle
	c.hsChannel = ""
}

func (c *BaseClient) toInbox(inbox chan handshake.Inbound, in handshake.Inbound) {
	if inbox == nil {
		return
	}
	select {
	case inbox <- in:
	default:
		c.log.WithField("channel", in.Channel).Warn("Handshake inbox full, dropping frame")
	}
}

func (c *BaseClient) confirm(ctx context.Context, ack *transport.Ack) {
	if err := ack.Confirm(ctx); err != nil {
		c.log.WithField("component", "client").WithError(err).Warn("Failed to confirm message")
	}
}

func (c *BaseClient) deliver(payload json.RawMessage) {
	c.mu.Lock()
	f := c.onMessage
	c.mu.Unlock()
	if f != nil {
		f(payload)
	}
}

func (c *BaseClient) emitConnected() {
	c.mu.Lock()
	f := c.onConnected
	c.mu.Unlock()
	if f != nil {
		f()
	}
}

func (c *BaseClient) emitDisconnected() {
	c.mu.Lock()
	f := c.onDisconnected
	c.mu.Unlock()
	if f != nil {
		f()
	}
}

func (c *BaseClient) emitError(err error) {
	c.mu.Lock()
	f := c.onError
	c.mu.Unlock()
	if f != nil {
		f(protocol.KindOf(err), err)
	}
}
