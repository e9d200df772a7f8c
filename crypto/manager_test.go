package crypto

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/pairlink/protocol"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	nm := NewManager()
	recipient, err := nm.GenerateKeyPair()
	require.NoError(t, err)

	payloads := [][]byte{
		nil,
		[]byte(`{"type":"message","payload":{"method":"ping"}}`),
		bytes.Repeat([]byte("x"), 4096),
	}

	for _, payload := range payloads {
		sealed, err := nm.Encrypt(payload, recipient.Public)
		require.NoError(t, err)

		plain, err := nm.Decrypt(sealed, recipient)
		require.NoError(t, err)
		assert.Equal(t, len(payload), len(plain))
		assert.True(t, bytes.Equal(payload, plain) || len(payload) == 0)
	}
}

func TestEncryptUsesFreshEphemerals(t *testing.T) {
	nm := NewManager()
	recipient, err := nm.GenerateKeyPair()
	require.NoError(t, err)

	first, err := nm.Encrypt([]byte("same plaintext"), recipient.Public)
	require.NoError(t, err)
	second, err := nm.Encrypt([]byte("same plaintext"), recipient.Public)
	require.NoError(t, err)

	assert.NotEqual(t, first, second, "one-shot encryption must never repeat ciphertexts")
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	nm := NewManager()
	recipient, err := nm.GenerateKeyPair()
	require.NoError(t, err)
	eavesdropper, err := nm.GenerateKeyPair()
	require.NoError(t, err)

	sealed, err := nm.Encrypt([]byte("secret"), recipient.Public)
	require.NoError(t, err)

	_, err = nm.Decrypt(sealed, eavesdropper)
	require.Error(t, err)
	assert.Equal(t, protocol.KindDecryptionFailed, protocol.KindOf(err))
}

func TestDecryptRejectsTampering(t *testing.T) {
	nm := NewManager()
	recipient, err := nm.GenerateKeyPair()
	require.NoError(t, err)

	sealed, err := nm.Encrypt([]byte("secret"), recipient.Public)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sealed)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = nm.Decrypt(tampered, recipient)
	require.Error(t, err)
	assert.Equal(t, protocol.KindDecryptionFailed, protocol.KindOf(err))
}

func TestDecryptRejectsGarbage(t *testing.T) {
	nm := NewManager()
	recipient, err := nm.GenerateKeyPair()
	require.NoError(t, err)

	_, err = nm.Decrypt("@@not-base64@@", recipient)
	require.Error(t, err)
	assert.Equal(t, protocol.KindDecryptionFailed, protocol.KindOf(err))

	_, err = nm.Decrypt(base64.StdEncoding.EncodeToString([]byte("short")), recipient)
	require.Error(t, err)
	assert.Equal(t, protocol.KindDecryptionFailed, protocol.KindOf(err))
}

func TestEncryptValidatesPeerKey(t *testing.T) {
	nm := NewManager()

	_, err := nm.Encrypt([]byte("x"), []byte{0x04, 0x01, 0x02})
	require.Error(t, err)
	assert.Equal(t, protocol.KindInvalidKey, protocol.KindOf(err))
}

func TestDecryptValidatesLocalKeys(t *testing.T) {
	nm := NewManager()

	_, err := nm.Decrypt("AAAA", nil)
	require.Error(t, err)
	assert.Equal(t, protocol.KindInvalidKey, protocol.KindOf(err))

	_, err = nm.Decrypt("AAAA", &KeyPair{Public: []byte{1}, Private: []byte{2}})
	require.Error(t, err)
	assert.Equal(t, protocol.KindInvalidKey, protocol.KindOf(err))
}
