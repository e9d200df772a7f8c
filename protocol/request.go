package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Mode selects how a pairing handshake authenticates the peer.
type Mode string

const (
	// ModeTrusted pairs without passcode proof; suitable when the request
	// was delivered over a channel the user already trusts.
	ModeTrusted Mode = "trusted"

	// ModeUntrusted requires the user to copy a one-time passcode from the
	// responder into the initiator before the session is established.
	ModeUntrusted Mode = "untrusted"
)

// Valid reports whether m names a known mode.
func (m Mode) Valid() bool {
	return m == ModeTrusted || m == ModeUntrusted
}

// SessionRequest is the out-of-band pairing payload. The initiator renders
// it (QR code, deep link, copy-paste) and the responder's host feeds it to
// Connect. ExpiresAt is wall-clock milliseconds; a request is unusable once
// the expiry is reached.
type SessionRequest struct {
	ID             string   `json:"id"`
	Mode           Mode     `json:"mode"`
	Channel        string   `json:"channel"`
	PublicKeyB64   string   `json:"publicKeyB64"`
	ExpiresAt      int64    `json:"expiresAt"`
	InitialMessage *Message `json:"initialMessage,omitempty"`
}

// ParseSessionRequest decodes and validates an out-of-band pairing payload.
func ParseSessionRequest(data []byte) (*SessionRequest, error) {
	var r SessionRequest
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode session request: %w: %w", ErrTransportParseFailed, err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Encode renders the request as JSON for out-of-band delivery.
func (r *SessionRequest) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode session request: %w", err)
	}
	return data, nil
}

// Validate checks structural well-formedness. Expiry is a separate check so
// callers can distinguish a malformed request from a stale one.
func (r *SessionRequest) Validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("session request missing id: %w", ErrTransportParseFailed)
	case !r.Mode.Valid():
		return fmt.Errorf("session request mode %q: %w", r.Mode, ErrTransportParseFailed)
	case !IsHandshakeChannel(r.Channel):
		return fmt.Errorf("session request channel %q: %w", r.Channel, ErrTransportParseFailed)
	case r.PublicKeyB64 == "":
		return fmt.Errorf("session request missing publicKeyB64: %w", ErrTransportParseFailed)
	case r.ExpiresAt <= 0:
		return fmt.Errorf("session request missing expiry: %w", ErrTransportParseFailed)
	}
	return nil
}

// Expired reports whether the request is unusable at now. The boundary
// counts as expired.
func (r *SessionRequest) Expired(now time.Time) bool {
	return r.ExpiresAt <= now.UnixMilli()
}
