package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/pairlink/crypto"
)

func newTestSession(t *testing.T, id string, expiresAt int64) *Session {
	t.Helper()

	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	peer, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	return &Session{
		ID:            id,
		Channel:       "session:" + id,
		KeyPair:       keys,
		PeerPublicKey: peer.Public,
		ExpiresAt:     expiresAt,
	}
}

func TestSessionExpiredBoundary(t *testing.T) {
	now := time.Now()
	s := newTestSession(t, "abc", now.UnixMilli())

	assert.True(t, s.Expired(now), "expiry instant counts as expired")

	s.ExpiresAt = now.UnixMilli() + 1
	assert.False(t, s.Expired(now))
}

func TestSessionRecordRoundTrip(t *testing.T) {
	s := newTestSession(t, "abc", time.Now().Add(time.Hour).UnixMilli())

	encoded, err := s.encode()
	require.NoError(t, err)

	decoded, err := decodeSession(encoded)
	require.NoError(t, err)
	assert.Equal(t, s.ID, decoded.ID)
	assert.Equal(t, s.Channel, decoded.Channel)
	assert.Equal(t, s.KeyPair.Public, decoded.KeyPair.Public)
	assert.Equal(t, s.KeyPair.Private, decoded.KeyPair.Private)
	assert.Equal(t, s.PeerPublicKey, decoded.PeerPublicKey)
	assert.Equal(t, s.ExpiresAt, decoded.ExpiresAt)
}

func TestDecodeSessionRejectsBadRecords(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "][;"},
		{"bad keys", `{"id":"a","channel":"session:a","publicKey":"!!","privateKey":"!!","theirPublicKey":"!!","expiresAt":1}`},
		{"missing id", `{"channel":"session:a","publicKey":"","privateKey":"","theirPublicKey":"","expiresAt":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeSession(tt.data)
			assert.Error(t, err)
		})
	}
}

func TestSessionValidateRejectsForeignChannel(t *testing.T) {
	s := newTestSession(t, "abc", time.Now().Add(time.Hour).UnixMilli())
	s.Channel = "handshake:abc"

	_, err := s.encode()
	assert.Error(t, err, "sessions live on session channels only")
}

func TestSessionWipe(t *testing.T) {
	s := newTestSession(t, "abc", time.Now().Add(time.Hour).UnixMilli())
	private := s.KeyPair.Private

	s.Wipe()
	for _, b := range private {
		require.Zero(t, b, "private key must be zeroed")
	}
}
