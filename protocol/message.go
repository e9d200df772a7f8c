package protocol

import (
	"encoding/json"
	"fmt"
)

// Message type tags. A frame's type decides its routing: handshake frames
// feed the active pairing exchange, message frames carry application data.
const (
	TypeHandshakeOffer = "handshake-offer"
	TypeHandshakeAck   = "handshake-ack"
	TypeMessage        = "message"
)

// Message is a typed protocol frame. It travels as an envelope payload:
// plaintext on handshake channels, encrypted on session channels.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Offer is the responder's half of the pairing handshake, published on the
// handshake channel. ChannelID names the session channel suffix both sides
// migrate to; PublicKeyB64 is the responder's compressed public key. OTP and
// Deadline are present only in untrusted mode. Deadline is wall-clock
// milliseconds.
type Offer struct {
	ChannelID    string `json:"channelId"`
	PublicKeyB64 string `json:"publicKeyB64"`
	OTP          string `json:"otp,omitempty"`
	Deadline     int64  `json:"deadline,omitempty"`
}

// NewOfferMessage wraps an offer into a handshake-offer frame.
func NewOfferMessage(o Offer) (*Message, error) {
	payload, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("encode offer: %w", err)
	}
	return &Message{Type: TypeHandshakeOffer, Payload: payload}, nil
}

// NewAckMessage builds the handshake-ack frame. It carries no payload; its
// arrival on the session channel is the confirmation.
func NewAckMessage() *Message {
	return &Message{Type: TypeHandshakeAck}
}

// NewAppMessage wraps an application payload into a message frame. The
// payload must be JSON-encodable.
func NewAppMessage(payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode application payload: %w", err)
	}
	return &Message{Type: TypeMessage, Payload: raw}, nil
}

// ParseMessage decodes a protocol frame. Frames with invalid JSON or a
// missing type tag fail with ErrTransportParseFailed; unknown type tags are
// preserved so callers can decide whether to ignore them.
func ParseMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode protocol message: %w: %w", ErrTransportParseFailed, err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("protocol message missing type: %w", ErrTransportParseFailed)
	}
	return &m, nil
}

// Encode renders the frame as JSON.
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode protocol message: %w", err)
	}
	return data, nil
}

// DecodeOffer extracts the offer from a handshake-offer frame. It validates
// the fields every mode requires; OTP/deadline presence is mode-dependent
// and left to the caller.
func (m *Message) DecodeOffer() (*Offer, error) {
	if m.Type != TypeHandshakeOffer {
		return nil, fmt.Errorf("message type %q is not an offer: %w", m.Type, ErrTransportParseFailed)
	}
	var o Offer
	if err := json.Unmarshal(m.Payload, &o); err != nil {
		return nil, fmt.Errorf("decode offer payload: %w: %w", ErrTransportParseFailed, err)
	}
	if o.ChannelID == "" {
		return nil, fmt.Errorf("offer missing channelId: %w", ErrTransportParseFailed)
	}
	if o.PublicKeyB64 == "" {
		return nil, fmt.Errorf("offer missing publicKeyB64: %w", ErrTransportParseFailed)
	}
	return &o, nil
}
