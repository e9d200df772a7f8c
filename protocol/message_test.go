package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"type":"message","payload":{"method":"ping"}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeMessage, msg.Type)
	assert.JSONEq(t, `{"method":"ping"}`, string(msg.Payload))
}

func TestParseMessageRejectsGarbage(t *testing.T) {
	_, err := ParseMessage([]byte("not json"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransportParseFailed))
}

func TestParseMessageRequiresType(t *testing.T) {
	_, err := ParseMessage([]byte(`{"payload":{}}`))
	require.Error(t, err)
	assert.Equal(t, KindTransportParseFailed, KindOf(err))
}

func TestParseMessageKeepsUnknownTypes(t *testing.T) {
	// Unknown tags parse fine; routing decides what to do with them.
	msg, err := ParseMessage([]byte(`{"type":"future-extension"}`))
	require.NoError(t, err)
	assert.Equal(t, "future-extension", msg.Type)
}

func TestOfferMessageRoundTrip(t *testing.T) {
	offer := Offer{
		ChannelID:    "0b8f2a9c",
		PublicKeyB64: "AiEq1vDoppm1QHH6c379sZzicHGRYYCWKIJXeY452WGp",
		OTP:          "034291",
		Deadline:     1700000060000,
	}

	msg, err := NewOfferMessage(offer)
	require.NoError(t, err)
	assert.Equal(t, TypeHandshakeOffer, msg.Type)

	encoded, err := msg.Encode()
	require.NoError(t, err)

	parsed, err := ParseMessage(encoded)
	require.NoError(t, err)

	decoded, err := parsed.DecodeOffer()
	require.NoError(t, err)
	assert.Equal(t, offer, *decoded)
}

func TestDecodeOfferValidation(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"wrong type", Message{Type: TypeMessage, Payload: json.RawMessage(`{}`)}},
		{"missing channelId", Message{Type: TypeHandshakeOffer, Payload: json.RawMessage(`{"publicKeyB64":"Ag=="}`)}},
		{"missing publicKeyB64", Message{Type: TypeHandshakeOffer, Payload: json.RawMessage(`{"channelId":"abc"}`)}},
		{"bad payload json", Message{Type: TypeHandshakeOffer, Payload: json.RawMessage(`[1,2]`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.msg.DecodeOffer()
			require.Error(t, err)
			assert.Equal(t, KindTransportParseFailed, KindOf(err))
		})
	}
}

func TestNewAppMessage(t *testing.T) {
	msg, err := NewAppMessage(map[string]any{"method": "eth_accounts"})
	require.NoError(t, err)
	assert.Equal(t, TypeMessage, msg.Type)
	assert.JSONEq(t, `{"method":"eth_accounts"}`, string(msg.Payload))
}

func TestNewAckMessageHasNoPayload(t *testing.T) {
	encoded, err := NewAckMessage().Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"handshake-ack"}`, string(encoded))
}
