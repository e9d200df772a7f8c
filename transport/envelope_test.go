package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/pairlink/protocol"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	in := Envelope{ClientID: "c1", Nonce: 7, Payload: "ciphertext"}

	data, err := in.Encode()
	require.NoError(t, err)

	out, err := ParseEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, in, *out)
}

func TestParseEnvelopeWireShape(t *testing.T) {
	out, err := ParseEnvelope(`{"clientId":"abc","nonce":3,"payload":"x"}`)
	require.NoError(t, err)
	assert.Equal(t, "abc", out.ClientID)
	assert.Equal(t, uint64(3), out.Nonce)
	assert.Equal(t, "x", out.Payload)
}

func TestParseEnvelopeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":        `{{`,
		"missing client":  `{"nonce":1,"payload":"x"}`,
		"missing payload": `{"clientId":"abc","nonce":1}`,
		"zero nonce":      `{"clientId":"abc","nonce":0,"payload":"x"}`,
		"huge nonce":      `{"clientId":"abc","nonce":9007199254740993,"payload":"x"}`,
	}

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseEnvelope(data)
			require.Error(t, err)
			assert.Equal(t, protocol.KindTransportParseFailed, protocol.KindOf(err))
		})
	}
}
