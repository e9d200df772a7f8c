package pairlink

import (
	"context"
	"fmt"

	"github.com/opd-ai/pairlink/handshake"
	"github.com/opd-ai/pairlink/protocol"
)

// Initiator is the peer that starts a pairing: it mints the session
// request, renders it out-of-band (QR code, deep link), and waits for a
// responder to answer on the handshake channel.
type Initiator struct {
	*BaseClient

	done chan error
}

// ConnectOptions selects how an initiator pairs.
type ConnectOptions struct {
	// Mode defaults to untrusted (OTP-verified).
	Mode protocol.Mode

	// InitialPayload, when set, is embedded into the session request so
	// the responder can hand it to its application the moment the pairing
	// completes, even if this initiator is suspended by then.
	InitialPayload any
}

// NewInitiator creates an initiating peer client. The session store is
// garbage-collected before this returns.
func NewInitiator(ctx context.Context, opts *Options) (*Initiator, error) {
	base, err := newBaseClient(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Initiator{BaseClient: base}, nil
}

// Connect mints a session request and starts the handshake. The returned
// request is rendered out-of-band while the handshake proceeds in the
// background; Done resolves with the outcome, and OnConnected fires on
// success.
func (i *Initiator) Connect(ctx context.Context, copts ConnectOptions) (*protocol.SessionRequest, error) {
	mode := copts.Mode
	if mode == "" {
		mode = protocol.ModeUntrusted
	}

	var initialMessage *protocol.Message
	if copts.InitialPayload != nil {
		msg, err := protocol.NewAppMessage(copts.InitialPayload)
		if err != nil {
			return nil, err
		}
		initialMessage = msg
	}

	req, keys, err := handshake.NewRequest(i.keys, i.clock, mode, i.opts.RequestTTL, initialMessage)
	if err != nil {
		return nil, err
	}

	hc, err := i.beginPairing(req.Channel)
	if err != nil {
		return nil, err
	}

	var handler handshake.Handler
	if mode == protocol.ModeTrusted {
		handler = &handshake.InitiatorTrusted{Request: req, Keys: keys}
	} else {
		handler = &handshake.InitiatorUntrusted{Request: req, Keys: keys}
	}

	done := make(chan error, 1)
	i.mu.Lock()
	i.done = done
	i.mu.Unlock()

	go func() {
		_, err := handler.Execute(ctx, hc)
		i.endPairing(err)
		done <- err
	}()

	return req, nil
}

// Done reports the outcome of the most recent Connect: nil once the
// pairing completed, or the failure that aborted it. It returns nil
// immediately when no handshake was started.
func (i *Initiator) Done() <-chan error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.done == nil {
		closed := make(chan error)
		close(closed)
		return closed
	}
	return i.done
}

// SendRequest encrypts payload to the responder and publishes it on the
// session channel.
func (i *Initiator) SendRequest(ctx context.Context, payload any) error {
	if err := i.sendAppMessage(ctx, payload); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	return nil
}
