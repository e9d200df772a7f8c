// Package pairlink establishes end-to-end-encrypted sessions between two
// peers over an untrusted channel-based pub/sub relay.
//
// One peer initiates: it mints a session request and renders it out of
// band as a QR code, a deep link, or a copy-pasted blob. The other peer
// responds: it ingests the request and answers on the request's handshake
// channel. The two exchange public keys, migrate to a private session
// channel, and from then on every payload is encrypted to the peer. The
// relay sees channel names and ciphertext, nothing else.
//
// Two pairing modes exist. Untrusted mode shows a six-digit passcode on
// the responder that the user types into the initiator; it is the right
// default for cross-device QR flows. Trusted mode skips the passcode and
// commits optimistically, for same-device deep links where the delivery
// channel itself is the trust anchor.
//
// # Basic usage
//
//	hub := broker.NewHub()
//
//	dapp, err := pairlink.NewInitiator(ctx, &pairlink.Options{
//	    Broker:  broker.NewMemoryBroker(hub),
//	    Storage: store,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	dapp.OnMessage(func(payload json.RawMessage) {
//	    // responses from the wallet
//	})
//
//	req, err := dapp.Connect(ctx, pairlink.ConnectOptions{Mode: protocol.ModeTrusted})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	renderQR(req) // deliver out-of-band
//
//	// ... on the other device ...
//	wallet, _ := pairlink.NewResponder(ctx, walletOpts)
//	if err := wallet.Connect(ctx, scannedRequest); err != nil {
//	    log.Fatal(err)
//	}
//	wallet.SendResponse(ctx, map[string]any{"result": 42})
//
// Sessions persist through the configured storage and survive restarts:
// hosts keep the session ID and call Resume to reconnect. Delivery into
// the application is exactly-once per session channel, enforced by a
// persisted per-sender nonce ledger that only advances when the message
// has actually been processed.
//
// Subpackages: protocol (wire types and the error taxonomy), crypto (keys
// and payload encryption), broker (pub/sub adapters and the connection
// pool), transport (envelopes, dedup, retry, recovery), session (session
// records and their store), handshake (the four pairing state machines),
// storage (persistence backends), and relay (a reference WebSocket relay
// served by cmd/pairlink-relay).
package pairlink
