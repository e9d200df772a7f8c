package handshake

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/pairlink/crypto"
	"github.com/opd-ai/pairlink/protocol"
	"github.com/opd-ai/pairlink/session"
)

// InitiatorTrusted pairs from the initiating side without passcode proof:
// the responder's offer is accepted as-is and the first encrypted message
// on the session channel acts as the implicit acknowledgement. The offer
// wait stretches past the request expiry by the grace period, because the
// initiator may be suspended by its host OS (mobile redirect) while the
// responder answers.
type InitiatorTrusted struct {
	Request *protocol.SessionRequest
	Keys    *crypto.KeyPair
}

// Execute runs the trusted initiator handshake.
func (h *InitiatorTrusted) Execute(ctx context.Context, hc *Context) (*session.Session, error) {
	hc.fill()
	sess, err := runInitiator(ctx, hc, h.Request, h.Keys, false)
	hc.finish("initiator", protocol.ModeTrusted, err)
	return sess, err
}

// InitiatorUntrusted pairs from the initiating side with passcode proof:
// the user reads the OTP off the responder's screen and types it into the
// initiator's host, which submits it through the OTPRequired prompt.
type InitiatorUntrusted struct {
	Request *protocol.SessionRequest
	Keys    *crypto.KeyPair
}

// Execute runs the untrusted initiator handshake.
func (h *InitiatorUntrusted) Execute(ctx context.Context, hc *Context) (*session.Session, error) {
	hc.fill()
	sess, err := runInitiator(ctx, hc, h.Request, h.Keys, true)
	hc.finish("initiator", protocol.ModeUntrusted, err)
	return sess, err
}

func runInitiator(ctx context.Context, hc *Context, req *protocol.SessionRequest, keys *crypto.KeyPair, untrusted bool) (_ *session.Session, err error) {
	now := hc.Clock.Now()
	if req.Expired(now) {
		return nil, fmt.Errorf("session request %s: %w", req.ID, protocol.ErrRequestExpired)
	}

	if err := hc.Transport.Connect(ctx); err != nil {
		return nil, err
	}
	if err := hc.Transport.Subscribe(ctx, req.Channel); err != nil {
		return nil, err
	}
	// From here on the handshake channel holds client state; a failed
	// pairing must not leave it subscribed or its dedup marks behind.
	defer func() {
		if err != nil {
			if clearErr := hc.Transport.Clear(context.WithoutCancel(ctx), req.Channel); clearErr != nil {
				hc.Log.WithField("channel", req.Channel).WithError(clearErr).Warn("Failed to clear handshake channel")
			}
		}
	}()

	offerDeadline := time.UnixMilli(req.ExpiresAt)
	if !untrusted {
		offerDeadline = offerDeadline.Add(hc.Grace)
	}

	msg, err := hc.awaitFrame(ctx, req.Channel, protocol.TypeHandshakeOffer, offerDeadline)
	if err != nil {
		return nil, err
	}
	offer, err := msg.DecodeOffer()
	if err != nil {
		return nil, err
	}
	peer, err := crypto.DecodePublicKey(offer.PublicKeyB64)
	if err != nil {
		return nil, err
	}

	if untrusted {
		if err := hc.verifyOTP(ctx, offer); err != nil {
			return nil, err
		}
	}

	sess := &session.Session{
		ID:            req.ID,
		Channel:       protocol.SessionChannel(offer.ChannelID),
		KeyPair:       keys,
		PeerPublicKey: peer,
		ExpiresAt:     hc.Clock.Now().Add(hc.SessionTTL).UnixMilli(),
	}
	if err := hc.Store.Set(ctx, sess); err != nil {
		return nil, err
	}
	hc.Install(sess)
	if err := hc.Transport.Subscribe(ctx, sess.Channel); err != nil {
		return nil, err
	}

	if untrusted {
		// The encrypted ack on the session channel proves the user typed
		// the passcode into the right device.
		if err := hc.sendSealed(ctx, sess.Channel, protocol.NewAckMessage(), peer); err != nil {
			return nil, err
		}
	}

	if err := hc.Transport.Clear(ctx, req.Channel); err != nil {
		hc.Log.WithField("channel", req.Channel).WithError(err).Warn("Failed to clear handshake channel")
	}

	hc.Log.WithFields(logrus.Fields{
		"component": "handshake",
		"session":   sess.ID,
		"channel":   sess.Channel,
	}).Info("Pairing established")
	return sess, nil
}

// verifyOTP checks the offer carries passcode details, prompts the host,
// and collects attempts until the budget or deadline runs out.
func (hc *Context) verifyOTP(ctx context.Context, offer *protocol.Offer) error {
	if offer.OTP == "" || offer.Deadline == 0 {
		return fmt.Errorf("offer lacks passcode details in untrusted mode: %w", protocol.ErrSessionInvalidState)
	}
	deadline := time.UnixMilli(offer.Deadline)
	if !deadline.After(hc.Clock.Now()) {
		return fmt.Errorf("passcode deadline already passed: %w", protocol.ErrOTPEntryTimeout)
	}
	if hc.Events.OTPRequired == nil {
		return fmt.Errorf("no OTPRequired callback to collect the passcode: %w", protocol.ErrSessionInvalidState)
	}

	prompt := newOTPPrompt(deadline)
	hc.Events.OTPRequired(prompt)
	return prompt.collect(ctx, hc.Clock, offer.OTP)
}
