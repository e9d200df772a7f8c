// Package crypto implements the cryptographic primitives for pairlink
// sessions: secp256k1 key pairs and one-shot public-key encryption built on
// the Noise N pattern with ChaCha20-Poly1305.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", crypto.EncodePublicKey(keys.Public))
package crypto

import (
	"fmt"

	"encoding/base64"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/opd-ai/pairlink/protocol"
)

// Key sizes. Public keys always travel compressed: 33 bytes with a 0x02 or
// 0x03 parity prefix.
const (
	PublicKeySize  = 33
	PrivateKeySize = 32
)

// KeyPair holds a secp256k1 key pair. Public is the compressed encoding;
// Private is the 32-byte scalar. Call WipeKeyPair when the pair leaves use.
type KeyPair struct {
	Public  []byte
	Private []byte
}

// GenerateKeyPair creates a new random secp256k1 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	defer priv.Zero()

	return &KeyPair{
		Public:  priv.PubKey().SerializeCompressed(),
		Private: priv.Serialize(),
	}, nil
}

// FromPrivateKey rebuilds a key pair from a stored private key, deriving
// the public half.
func FromPrivateKey(private []byte) (*KeyPair, error) {
	if len(private) != PrivateKeySize {
		return nil, fmt.Errorf("private key length %d, want %d: %w", len(private), PrivateKeySize, protocol.ErrInvalidKey)
	}
	if isZeroKey(private) {
		return nil, fmt.Errorf("private key is all zeros: %w", protocol.ErrInvalidKey)
	}

	priv := secp256k1.PrivKeyFromBytes(private)
	defer priv.Zero()

	return &KeyPair{
		Public:  priv.PubKey().SerializeCompressed(),
		Private: append([]byte(nil), private...),
	}, nil
}

// ValidatePublicKey checks that pub is a well-formed compressed secp256k1
// point: 33 bytes, parity prefix, on-curve.
func ValidatePublicKey(pub []byte) error {
	if len(pub) != PublicKeySize {
		return fmt.Errorf("public key length %d, want %d: %w", len(pub), PublicKeySize, protocol.ErrInvalidKey)
	}
	if pub[0] != 0x02 && pub[0] != 0x03 {
		return fmt.Errorf("public key prefix 0x%02x, want 0x02 or 0x03: %w", pub[0], protocol.ErrInvalidKey)
	}
	if _, err := secp256k1.ParsePubKey(pub); err != nil {
		return fmt.Errorf("public key not on curve: %w", protocol.ErrInvalidKey)
	}
	return nil
}

// EncodePublicKey renders a public key in the base64 form used on the wire
// and in storage.
func EncodePublicKey(pub []byte) string {
	return base64.StdEncoding.EncodeToString(pub)
}

// DecodePublicKey parses a base64 compressed public key and validates it.
func DecodePublicKey(s string) ([]byte, error) {
	pub, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("public key is not base64: %w", protocol.ErrInvalidKey)
	}
	if err := ValidatePublicKey(pub); err != nil {
		return nil, err
	}
	return pub, nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key []byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
