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

// ResponderTrusted answers a trusted-mode session request: it publishes the
// offer and optimistically finalizes without waiting for an acknowledgement.
// The first encrypted inbound message on the session channel is the proof
// the initiator arrived.
type ResponderTrusted struct {
	Request *protocol.SessionRequest
}

// Execute runs the trusted responder handshake.
func (h *ResponderTrusted) Execute(ctx context.Context, hc *Context) (*session.Session, error) {
	hc.fill()
	sess, err := runResponder(ctx, hc, h.Request, false)
	hc.finish("responder", protocol.ModeTrusted, err)
	return sess, err
}

// ResponderUntrusted answers an untrusted-mode session request: it displays
// a passcode to the user, publishes the offer carrying it, and only
// finalizes once the initiator's encrypted ack lands on the session
// channel.
type ResponderUntrusted struct {
	Request *protocol.SessionRequest
}

// Execute runs the untrusted responder handshake.
func (h *ResponderUntrusted) Execute(ctx context.Context, hc *Context) (*session.Session, error) {
	hc.fill()
	sess, err := runResponder(ctx, hc, h.Request, true)
	hc.finish("responder", protocol.ModeUntrusted, err)
	return sess, err
}

func runResponder(ctx context.Context, hc *Context, req *protocol.SessionRequest, untrusted bool) (_ *session.Session, err error) {
	now := hc.Clock.Now()

	// A stale request fails before any broker traffic: nothing to undo,
	// nothing for the relay to retain.
	if req.Expired(now) {
		return nil, fmt.Errorf("session request %s expired at %d: %w", req.ID, req.ExpiresAt, protocol.ErrRequestExpired)
	}
	initiatorKey, err := crypto.DecodePublicKey(req.PublicKeyB64)
	if err != nil {
		return nil, err
	}

	pair, err := hc.Keys.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	channelID := newID()

	if err := hc.Transport.Connect(ctx); err != nil {
		return nil, err
	}
	if err := hc.Transport.Subscribe(ctx, req.Channel); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			if clearErr := hc.Transport.Clear(context.WithoutCancel(ctx), req.Channel); clearErr != nil {
				hc.Log.WithField("channel", req.Channel).WithError(clearErr).Warn("Failed to clear handshake channel")
			}
		}
	}()

	offer := protocol.Offer{
		ChannelID:    channelID,
		PublicKeyB64: crypto.EncodePublicKey(pair.Public),
	}
	if untrusted {
		otp, otpErr := GenerateOTP()
		if otpErr != nil {
			return nil, otpErr
		}
		offer.OTP = otp
		offer.Deadline = now.Add(hc.OTPTTL).UnixMilli()
		if hc.Events.DisplayOTP != nil {
			hc.Events.DisplayOTP(otp, time.UnixMilli(offer.Deadline))
		}
	}

	sess := &session.Session{
		ID:            req.ID,
		Channel:       protocol.SessionChannel(channelID),
		KeyPair:       pair,
		PeerPublicKey: initiatorKey,
		ExpiresAt:     now.Add(hc.SessionTTL).UnixMilli(),
	}

	// Install before the offer leaves, so the initiator's ack is
	// decryptable the moment it arrives.
	hc.Install(sess)
	if err := hc.Transport.Subscribe(ctx, sess.Channel); err != nil {
		return nil, err
	}

	offerMsg, err := protocol.NewOfferMessage(offer)
	if err != nil {
		return nil, err
	}
	if err := hc.sendPlain(ctx, req.Channel, offerMsg); err != nil {
		return nil, err
	}

	if untrusted {
		ackDeadline := time.UnixMilli(offer.Deadline).Add(hc.Grace)
		if _, err := hc.awaitFrame(ctx, sess.Channel, protocol.TypeHandshakeAck, ackDeadline); err != nil {
			return nil, err
		}
	}

	if err := hc.Store.Set(ctx, sess); err != nil {
		return nil, err
	}
	if err := hc.Transport.Clear(ctx, req.Channel); err != nil {
		hc.Log.WithField("channel", req.Channel).WithError(err).Warn("Failed to clear handshake channel")
	}

	hc.Log.WithFields(logrus.Fields{
		"component": "handshake",
		"session":   sess.ID,
		"channel":   sess.Channel,
		"untrusted": untrusted,
	}).Info("Pairing established")
	return sess, nil
}
