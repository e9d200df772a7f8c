package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/flynn/noise"

	"github.com/opd-ai/pairlink/internal/metrics"
	"github.com/opd-ai/pairlink/protocol"
)

// aeadTagSize is the ChaCha20-Poly1305 authentication tag length.
const aeadTagSize = 16

// Manager performs the key operations a pairlink client needs. Hosts
// normally use NewManager; the interface exists so tests can substitute a
// failing or deterministic implementation.
type Manager interface {
	// GenerateKeyPair creates a fresh session key pair.
	GenerateKeyPair() (*KeyPair, error)

	// ValidatePeerKey checks a peer's public key before first use.
	ValidatePeerKey(pub []byte) error

	// Encrypt seals plaintext to the holder of peerPublic and returns the
	// base64 wire form.
	Encrypt(plaintext, peerPublic []byte) (string, error)

	// Decrypt opens a base64 wire payload with the local key pair.
	Decrypt(ciphertext string, keys *KeyPair) ([]byte, error)
}

// NoiseManager implements Manager with one-shot Noise N handshakes: every
// Encrypt generates a fresh ephemeral key, runs ECDH against the peer's
// static key, and seals the plaintext with ChaCha20-Poly1305. The wire form
// is base64(compressed ephemeral public || AEAD ciphertext), so each message
// decrypts independently and out-of-order or replayed delivery never
// desynchronizes a ratchet.
type NoiseManager struct {
	rng io.Reader
}

// NewManager creates a NoiseManager backed by crypto/rand.
func NewManager() *NoiseManager {
	return &NoiseManager{rng: rand.Reader}
}

// GenerateKeyPair creates a fresh session key pair.
func (nm *NoiseManager) GenerateKeyPair() (*KeyPair, error) {
	return GenerateKeyPair()
}

// ValidatePeerKey checks a peer's public key before first use.
func (nm *NoiseManager) ValidatePeerKey(pub []byte) error {
	return ValidatePublicKey(pub)
}

// Encrypt seals plaintext to the holder of peerPublic.
func (nm *NoiseManager) Encrypt(plaintext, peerPublic []byte) (string, error) {
	if err := ValidatePublicKey(peerPublic); err != nil {
		metrics.CryptoOperations.WithLabelValues("encrypt", "failure").Inc()
		return "", err
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: cipherSuite,
		Random:      nm.rng,
		Pattern:     noise.HandshakeN,
		Initiator:   true,
		PeerStatic:  peerPublic,
	})
	if err != nil {
		metrics.CryptoOperations.WithLabelValues("encrypt", "failure").Inc()
		return "", fmt.Errorf("failed to initialize encryption: %w", err)
	}

	sealed, _, _, err := hs.WriteMessage(nil, plaintext)
	if err != nil {
		metrics.CryptoOperations.WithLabelValues("encrypt", "failure").Inc()
		return "", fmt.Errorf("failed to encrypt payload: %w", err)
	}

	metrics.CryptoOperations.WithLabelValues("encrypt", "success").Inc()
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a base64 wire payload with the local key pair. Every
// failure mode (bad base64, truncation, wrong key, tampering) reports
// ErrDecryptionFailed; callers cannot distinguish them and should not try.
func (nm *NoiseManager) Decrypt(ciphertext string, keys *KeyPair) ([]byte, error) {
	if keys == nil || len(keys.Private) != PrivateKeySize || len(keys.Public) != PublicKeySize {
		metrics.CryptoOperations.WithLabelValues("decrypt", "failure").Inc()
		return nil, fmt.Errorf("local key pair malformed: %w", protocol.ErrInvalidKey)
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		metrics.CryptoOperations.WithLabelValues("decrypt", "failure").Inc()
		return nil, fmt.Errorf("ciphertext is not base64: %w", protocol.ErrDecryptionFailed)
	}
	if len(raw) < PublicKeySize+aeadTagSize {
		metrics.CryptoOperations.WithLabelValues("decrypt", "failure").Inc()
		return nil, fmt.Errorf("ciphertext too short (%d bytes): %w", len(raw), protocol.ErrDecryptionFailed)
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        nm.rng,
		Pattern:       noise.HandshakeN,
		Initiator:     false,
		StaticKeypair: noise.DHKey{Private: keys.Private, Public: keys.Public},
	})
	if err != nil {
		metrics.CryptoOperations.WithLabelValues("decrypt", "failure").Inc()
		return nil, fmt.Errorf("failed to initialize decryption: %w", err)
	}

	plain, _, _, err := hs.ReadMessage(nil, raw)
	if err != nil {
		metrics.CryptoOperations.WithLabelValues("decrypt", "failure").Inc()
		return nil, fmt.Errorf("%w: %v", protocol.ErrDecryptionFailed, err)
	}

	metrics.CryptoOperations.WithLabelValues("decrypt", "success").Inc()
	return plain, nil
}
