// Package handshake implements pairlink's pairing state machines: two roles
// (initiator, responder) times two modes (trusted, untrusted). Every
// handler runs the same outline (exchange keys on the public handshake
// channel, then migrate to a private session channel) and differs only in
// how the migration is confirmed: an OTP typed by the user in untrusted
// mode, optimism in trusted mode.
package handshake

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/pairlink/crypto"
	"github.com/opd-ai/pairlink/internal/metrics"
	"github.com/opd-ai/pairlink/protocol"
	"github.com/opd-ai/pairlink/session"
	"github.com/opd-ai/pairlink/transport"
)

// Protocol timing defaults.
const (
	// DefaultRequestTTL bounds how long a rendered session request stays
	// scannable.
	DefaultRequestTTL = 60 * time.Second

	// DefaultOTPTTL bounds how long a displayed passcode stays valid.
	DefaultOTPTTL = 60 * time.Second

	// DefaultGrace extends waits past the nominal deadline to tolerate a
	// peer suspended by its host OS mid-handshake.
	DefaultGrace = 30 * time.Second

	// MaxOTPAttempts is the passcode guess budget per handshake.
	MaxOTPAttempts = 3
)

// Inbound is one protocol frame routed into a running handshake by the
// owning client.
type Inbound struct {
	Channel string
	Msg     *protocol.Message
}

// Events are the host-facing callbacks a handshake can raise. Nil fields
// are skipped; an untrusted handshake with no OTP callback cannot complete.
type Events struct {
	// DisplayOTP asks the responder's host to show the passcode until
	// deadline.
	DisplayOTP func(otp string, deadline time.Time)

	// OTPRequired asks the initiator's host to collect the passcode from
	// the user through prompt.
	OTPRequired func(prompt *OTPPrompt)
}

// Context is the capability handle a handler runs against: the owning
// client's transport, stores, clock, and routing hooks.
type Context struct {
	Transport *transport.Transport
	Keys      crypto.Manager
	Store     *session.Store
	Clock     session.TimeProvider
	Log       *logrus.Logger

	// Inbox delivers the protocol frames the client routes to this
	// handshake: plaintext frames from the handshake channel, decrypted
	// frames from the session channel.
	Inbox <-chan Inbound

	// Install hands the finalized-or-provisional session to the owning
	// client. Handlers call it before any wait that depends on the client
	// decrypting session-channel traffic.
	Install func(s *session.Session)

	Events Events

	RequestTTL time.Duration
	OTPTTL     time.Duration
	Grace      time.Duration
	SessionTTL time.Duration
}

func (c *Context) fill() {
	if c.Clock == nil {
		c.Clock = session.DefaultTimeProvider{}
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	if c.RequestTTL <= 0 {
		c.RequestTTL = DefaultRequestTTL
	}
	if c.OTPTTL <= 0 {
		c.OTPTTL = DefaultOTPTTL
	}
	if c.Grace <= 0 {
		c.Grace = DefaultGrace
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = session.DefaultTTL
	}
}

// Handler is one pairing state machine. Execute runs it to completion and
// returns the established session; the caller owns tearing down on error.
type Handler interface {
	Execute(ctx context.Context, hc *Context) (*session.Session, error)
}

// NewRequest mints the out-of-band session request an initiator renders,
// plus the ephemeral key pair backing it. initialMessage may be nil.
func NewRequest(keys crypto.Manager, clock session.TimeProvider, mode protocol.Mode, ttl time.Duration, initialMessage *protocol.Message) (*protocol.SessionRequest, *crypto.KeyPair, error) {
	if !mode.Valid() {
		return nil, nil, fmt.Errorf("mode %q: %w", mode, protocol.ErrSessionInvalidState)
	}
	pair, err := keys.GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate request keys: %w", err)
	}

	req := &protocol.SessionRequest{
		ID:             newID(),
		Mode:           mode,
		Channel:        protocol.HandshakeChannel(newID()),
		PublicKeyB64:   crypto.EncodePublicKey(pair.Public),
		ExpiresAt:      clock.Now().Add(ttl).UnixMilli(),
		InitialMessage: initialMessage,
	}
	return req, pair, nil
}

// sendPlain publishes a frame unencrypted. Only handshake-channel traffic
// travels this way; the offer is what establishes keys.
func (c *Context) sendPlain(ctx context.Context, channel string, msg *protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	ok, err := c.Transport.Publish(ctx, channel, string(data))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("publish on %s neutralized: %w", channel, protocol.ErrTransportDisconnected)
	}
	return nil
}

// sendSealed encrypts a frame to peer and publishes it.
func (c *Context) sendSealed(ctx context.Context, channel string, msg *protocol.Message, peer []byte) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	sealed, err := c.Keys.Encrypt(data, peer)
	if err != nil {
		return err
	}
	ok, err := c.Transport.Publish(ctx, channel, sealed)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("publish on %s neutralized: %w", channel, protocol.ErrTransportDisconnected)
	}
	return nil
}

// awaitFrame blocks until a frame of wantType arrives on wantChannel, the
// deadline passes, or ctx is cancelled. Frames of other types and channels
// are ignored; the handshake cares about exactly one next step at a time.
func (c *Context) awaitFrame(ctx context.Context, wantChannel, wantType string, deadline time.Time) (*protocol.Message, error) {
	timer := time.NewTimer(deadline.Sub(c.Clock.Now()))
	defer timer.Stop()

	for {
		select {
		case in, ok := <-c.Inbox:
			if !ok {
				return nil, fmt.Errorf("handshake inbox closed: %w", protocol.ErrRequestExpired)
			}
			if in.Channel != wantChannel || in.Msg == nil || in.Msg.Type != wantType {
				continue
			}
			return in.Msg, nil
		case <-timer.C:
			return nil, fmt.Errorf("timed out waiting for %s: %w", wantType, protocol.ErrRequestExpired)
		case <-ctx.Done():
			return nil, fmt.Errorf("handshake cancelled: %w: %w", protocol.ErrRequestExpired, ctx.Err())
		}
	}
}

// newID mints a pairing, channel, or request identifier.
func newID() string {
	return uuid.NewString()
}

// finish records the handshake outcome in the metrics and logs.
func (c *Context) finish(role string, mode protocol.Mode, err error) {
	if err == nil {
		metrics.HandshakesCompleted.WithLabelValues(role, string(mode)).Inc()
		return
	}
	metrics.HandshakesFailed.WithLabelValues(string(protocol.KindOf(err))).Inc()
	c.Log.WithFields(logrus.Fields{
		"component": "handshake",
		"role":      role,
		"mode":      mode,
	}).WithError(err).Warn("Handshake failed")
}
