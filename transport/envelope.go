package transport

import (
	"encoding/json"
	"fmt"

	"github.com/opd-ai/pairlink/protocol"
)

// MaxNonce is the largest envelope nonce accepted or produced. It is the
// IEEE-754 exact-integer ceiling, so every JSON reader in the ecosystem can
// round-trip any nonce this transport emits.
const MaxNonce = uint64(1) << 53

// Envelope is the transport wire wrapper. ClientID identifies the sender
// installation, Nonce is its monotonic send counter, Payload is the inner
// protocol frame (ciphertext on session channels, clear JSON on handshake
// channels).
type Envelope struct {
	ClientID string `json:"clientId"`
	Nonce    uint64 `json:"nonce"`
	Payload  string `json:"payload"`
}

// Encode renders the envelope as wire JSON.
func (e *Envelope) Encode() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	return string(data), nil
}

// ParseEnvelope decodes wire data into an envelope. Missing fields, a zero
// nonce, and nonces beyond MaxNonce all fail with the parse-failure kind;
// a peer sending them is broken and its message cannot be safely deduped.
func ParseEnvelope(data string) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w: %w", protocol.ErrTransportParseFailed, err)
	}
	switch {
	case e.ClientID == "":
		return nil, fmt.Errorf("envelope missing clientId: %w", protocol.ErrTransportParseFailed)
	case e.Nonce == 0:
		return nil, fmt.Errorf("envelope nonce must be positive: %w", protocol.ErrTransportParseFailed)
	case e.Nonce > MaxNonce:
		return nil, fmt.Errorf("envelope nonce %d exceeds %d: %w", e.Nonce, MaxNonce, protocol.ErrTransportParseFailed)
	case e.Payload == "":
		return nil, fmt.Errorf("envelope missing payload: %w", protocol.ErrTransportParseFailed)
	}
	return &e, nil
}
