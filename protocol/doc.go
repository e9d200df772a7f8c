// Package protocol defines the wire vocabulary shared by every pairlink
// component: protocol message frames, the out-of-band session request, the
// channel naming scheme, and the closed error taxonomy.
//
// # Frames
//
// Peers exchange JSON frames of the shape {type, payload}. Three types
// exist: handshake-offer and handshake-ack drive pairing, message carries
// application data. Frames ride inside transport envelopes; on session
// channels the frame JSON is encrypted before enveloping, on handshake
// channels it travels in the clear (the offer is what establishes keys).
//
// # Error taxonomy
//
// Every failure surfaced to a host maps to exactly one Kind. Sentinels wrap
// with the standard errors package:
//
//	if errors.Is(err, protocol.ErrSessionExpired) {
//	    // re-pair
//	}
//
// or classify for logging and UX dispatch:
//
//	switch protocol.KindOf(err) {
//	case protocol.KindOTPIncorrect:
//	    // let the user retry
//	}
package protocol
