package pairlink

import (
	"context"
	"fmt"

	"github.com/opd-ai/pairlink/handshake"
	"github.com/opd-ai/pairlink/protocol"
)

// Responder is the peer that answers a pairing: it ingests a session
// request delivered out-of-band (scanned QR, deep link) and completes the
// handshake the request's mode asks for.
type Responder struct {
	*BaseClient
}

// NewResponder creates a responding peer client. The session store is
// garbage-collected before this returns.
func NewResponder(ctx context.Context, opts *Options) (*Responder, error) {
	base, err := newBaseClient(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Responder{BaseClient: base}, nil
}

// Connect answers req and blocks until the pairing completes or fails. A
// stale request fails with REQUEST_EXPIRED before any broker traffic. On
// success OnConnected fires, and a request carrying an initial message has
// it delivered through OnMessage as the first application message.
func (r *Responder) Connect(ctx context.Context, req *protocol.SessionRequest) error {
	if req == nil {
		return fmt.Errorf("nil session request: %w", protocol.ErrTransportParseFailed)
	}
	if err := req.Validate(); err != nil {
		return err
	}
	if req.Expired(r.clock.Now()) {
		return fmt.Errorf("session request %s: %w", req.ID, protocol.ErrRequestExpired)
	}

	hc, err := r.beginPairing(req.Channel)
	if err != nil {
		return err
	}

	var handler handshake.Handler
	if req.Mode == protocol.ModeTrusted {
		handler = &handshake.ResponderTrusted{Request: req}
	} else {
		handler = &handshake.ResponderUntrusted{Request: req}
	}

	_, err = handler.Execute(ctx, hc)
	r.endPairing(err)
	if err != nil {
		return err
	}

	// The initiator may be suspended by its host right after rendering
	// the request; its first application message rides the request itself
	// so the responder's application never waits on the initiator waking.
	if req.InitialMessage != nil && req.InitialMessage.Type == protocol.TypeMessage {
		r.deliver(req.InitialMessage.Payload)
	}
	return nil
}

// SendResponse encrypts payload to the initiator and publishes it on the
// session channel.
func (r *Responder) SendResponse(ctx context.Context, payload any) error {
	if err := r.sendAppMessage(ctx, payload); err != nil {
		return fmt.Errorf("send response: %w", err)
	}
	return nil
}
