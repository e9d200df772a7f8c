package protocol

import "strings"

// Channel name prefixes. A pairing exchange runs on a handshake channel and
// migrates to a session channel once keys are agreed.
const (
	HandshakeChannelPrefix = "handshake:"
	SessionChannelPrefix   = "session:"
)

// HandshakeChannel builds the handshake channel name for an exchange ID.
func HandshakeChannel(id string) string {
	return HandshakeChannelPrefix + id
}

// SessionChannel builds the session channel name for a channel ID.
func SessionChannel(id string) string {
	return SessionChannelPrefix + id
}

// IsHandshakeChannel reports whether name is a handshake channel.
func IsHandshakeChannel(name string) bool {
	return strings.HasPrefix(name, HandshakeChannelPrefix) && len(name) > len(HandshakeChannelPrefix)
}

// IsSessionChannel reports whether name is a session channel.
func IsSessionChannel(name string) bool {
	return strings.HasPrefix(name, SessionChannelPrefix) && len(name) > len(SessionChannelPrefix)
}
