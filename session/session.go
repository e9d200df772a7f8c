// Package session models established pairings and their persistence.
//
// A Session is the durable outcome of a successful handshake: the channel
// both peers migrated to, the local key pair, the peer's public key, and an
// expiry. The Store keeps sessions in a KeyValueStore under a master-list
// index so clients can resume after a restart; expired entries are dropped
// the moment anything touches them.
package session

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opd-ai/pairlink/crypto"
	"github.com/opd-ai/pairlink/protocol"
)

// Session is an established pairing with one peer.
type Session struct {
	// ID is the pairing identifier, shared by both peers.
	ID string

	// Channel is the session channel both peers migrated to.
	Channel string

	// KeyPair is the local key pair for this pairing.
	KeyPair *crypto.KeyPair

	// PeerPublicKey is the peer's compressed public key.
	PeerPublicKey []byte

	// ExpiresAt is the expiry instant in wall-clock milliseconds.
	ExpiresAt int64
}

// Expired reports whether the session is dead at now. The expiry instant
// itself counts as expired.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt <= now.UnixMilli()
}

// Wipe zeroes the session's private key material. The session is unusable
// afterwards.
func (s *Session) Wipe() {
	if s.KeyPair != nil {
		_ = crypto.WipeKeyPair(s.KeyPair)
	}
}

// validate checks the fields every persisted session must carry. Expiry
// freshness is checked separately against a clock.
func (s *Session) validate() error {
	switch {
	case s == nil:
		return fmt.Errorf("nil session: %w", protocol.ErrSessionSaveFailed)
	case s.ID == "":
		return fmt.Errorf("session missing id: %w", protocol.ErrSessionSaveFailed)
	case !protocol.IsSessionChannel(s.Channel):
		return fmt.Errorf("session channel %q: %w", s.Channel, protocol.ErrSessionSaveFailed)
	case s.KeyPair == nil:
		return fmt.Errorf("session missing key pair: %w", protocol.ErrSessionSaveFailed)
	}
	if err := crypto.ValidatePublicKey(s.KeyPair.Public); err != nil {
		return fmt.Errorf("session local key: %w", err)
	}
	if len(s.KeyPair.Private) != crypto.PrivateKeySize {
		return fmt.Errorf("session private key length %d: %w", len(s.KeyPair.Private), protocol.ErrInvalidKey)
	}
	if err := crypto.ValidatePublicKey(s.PeerPublicKey); err != nil {
		return fmt.Errorf("session peer key: %w", err)
	}
	return nil
}

// record is the persisted JSON form. Key material travels base64.
type record struct {
	ID            string `json:"id"`
	Channel       string `json:"channel"`
	PublicKey     string `json:"publicKey"`
	PrivateKey    string `json:"privateKey"`
	PeerPublicKey string `json:"theirPublicKey"`
	ExpiresAt     int64  `json:"expiresAt"`
}

func (s *Session) encode() (string, error) {
	if err := s.validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(record{
		ID:            s.ID,
		Channel:       s.Channel,
		PublicKey:     crypto.EncodePublicKey(s.KeyPair.Public),
		PrivateKey:    base64.StdEncoding.EncodeToString(s.KeyPair.Private),
		PeerPublicKey: crypto.EncodePublicKey(s.PeerPublicKey),
		ExpiresAt:     s.ExpiresAt,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode session: %w", err)
	}
	return string(data), nil
}

func decodeSession(data string) (*Session, error) {
	var r record
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}

	public, err := crypto.DecodePublicKey(r.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("stored local key: %w", err)
	}
	private, err := base64.StdEncoding.DecodeString(r.PrivateKey)
	if err != nil || len(private) != crypto.PrivateKeySize {
		return nil, fmt.Errorf("stored private key malformed: %w", protocol.ErrInvalidKey)
	}
	peer, err := crypto.DecodePublicKey(r.PeerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("stored peer key: %w", err)
	}

	s := &Session{
		ID:            r.ID,
		Channel:       r.Channel,
		KeyPair:       &crypto.KeyPair{Public: public, Private: private},
		PeerPublicKey: peer,
		ExpiresAt:     r.ExpiresAt,
	}
	if s.ID == "" || !protocol.IsSessionChannel(s.Channel) {
		return nil, fmt.Errorf("stored session malformed: %w", protocol.ErrTransportParseFailed)
	}
	return s, nil
}
