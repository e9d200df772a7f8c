package crypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/flynn/noise"

	"github.com/opd-ai/pairlink/protocol"
)

// dhSecp256k1 plugs secp256k1 into the Noise framework. Public keys use the
// 33-byte compressed encoding; the shared secret is the 32-byte x coordinate
// of the ECDH point.
type dhSecp256k1 struct{}

func (dhSecp256k1) GenerateKeypair(rng io.Reader) (noise.DHKey, error) {
	if rng == nil {
		rng = rand.Reader
	}
	priv, err := secp256k1.GeneratePrivateKeyFromRand(rng)
	if err != nil {
		return noise.DHKey{}, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	defer priv.Zero()

	return noise.DHKey{
		Private: priv.Serialize(),
		Public:  priv.PubKey().SerializeCompressed(),
	}, nil
}

func (dhSecp256k1) DH(privkey, pubkey []byte) ([]byte, error) {
	if len(privkey) != PrivateKeySize {
		return nil, fmt.Errorf("private key length %d: %w", len(privkey), protocol.ErrInvalidKey)
	}
	pub, err := secp256k1.ParsePubKey(pubkey)
	if err != nil {
		return nil, fmt.Errorf("peer key not on curve: %w", protocol.ErrInvalidKey)
	}

	priv := secp256k1.PrivKeyFromBytes(privkey)
	defer priv.Zero()

	return secp256k1.GenerateSharedSecret(priv, pub), nil
}

func (dhSecp256k1) DHLen() int { return PublicKeySize }

func (dhSecp256k1) DHName() string { return "secp256k1" }

// cipherSuite is the single suite pairlink speaks:
// Noise_N_secp256k1_ChaChaPoly_SHA256.
var cipherSuite = noise.NewCipherSuite(dhSecp256k1{}, noise.CipherChaChaPoly, noise.HashSHA256)
