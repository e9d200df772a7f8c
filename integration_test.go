package pairlink

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/pairlink/broker"
	"github.com/opd-ai/pairlink/crypto"
	"github.com/opd-ai/pairlink/handshake"
	"github.com/opd-ai/pairlink/protocol"
	"github.com/opd-ai/pairlink/storage"
)

// fastOpts builds client options over hub with retry timings tuned for
// tests.
func fastOpts(hub *broker.Hub, kv storage.KeyValueStore) (*Options, *broker.MemoryBroker) {
	mb := broker.NewMemoryBroker(hub)
	opts := NewOptions()
	opts.Broker = mb
	opts.Storage = kv
	opts.BaseDelay = time.Millisecond
	opts.HandshakeGrace = 2 * time.Second
	return opts, mb
}

// mailbox collects one client's application messages.
type mailbox struct {
	msgs chan json.RawMessage
}

func newMailbox(c *BaseClient) *mailbox {
	mb := &mailbox{msgs: make(chan json.RawMessage, 16)}
	c.OnMessage(func(payload json.RawMessage) {
		mb.msgs <- payload
	})
	return mb
}

func (mb *mailbox) want(t *testing.T, expected string) {
	t.Helper()
	select {
	case got := <-mb.msgs:
		assert.JSONEq(t, expected, string(got))
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for message %s", expected)
	}
}

func (mb *mailbox) silent(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case got := <-mb.msgs:
		t.Fatalf("unexpected message: %s", got)
	case <-time.After(d):
	}
}

func freshPublicKeyB64(t *testing.T) string {
	t.Helper()
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return crypto.EncodePublicKey(keys.Public)
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for initiator handshake")
	}
}

// pairTrusted runs a trusted handshake to completion and returns both
// connected clients.
func pairTrusted(t *testing.T, hub *broker.Hub, dappKV, walletKV storage.KeyValueStore) (*Initiator, *Responder, *broker.MemoryBroker, *broker.MemoryBroker) {
	t.Helper()
	ctx := context.Background()

	dappOpts, dappBroker := fastOpts(hub, dappKV)
	dapp, err := NewInitiator(ctx, dappOpts)
	require.NoError(t, err)

	walletOpts, walletBroker := fastOpts(hub, walletKV)
	wallet, err := NewResponder(ctx, walletOpts)
	require.NoError(t, err)

	req, err := dapp.Connect(ctx, ConnectOptions{Mode: protocol.ModeTrusted})
	require.NoError(t, err)
	require.NoError(t, wallet.Connect(ctx, req))
	waitDone(t, dapp.Done())

	return dapp, wallet, dappBroker, walletBroker
}

func TestTrustedHappyPath(t *testing.T) {
	hub := broker.NewHub()
	ctx := context.Background()

	dappOpts, _ := fastOpts(hub, storage.NewMemoryStore())
	dapp, err := NewInitiator(ctx, dappOpts)
	require.NoError(t, err)
	dappInbox := newMailbox(dapp.BaseClient)
	dappConnected := make(chan struct{}, 1)
	dapp.OnConnected(func() { dappConnected <- struct{}{} })

	walletOpts, _ := fastOpts(hub, storage.NewMemoryStore())
	wallet, err := NewResponder(ctx, walletOpts)
	require.NoError(t, err)
	walletInbox := newMailbox(wallet.BaseClient)
	walletConnected := make(chan struct{}, 1)
	wallet.OnConnected(func() { walletConnected <- struct{}{} })

	req, err := dapp.Connect(ctx, ConnectOptions{Mode: protocol.ModeTrusted})
	require.NoError(t, err)
	assert.Equal(t, protocol.ModeTrusted, req.Mode)

	require.NoError(t, wallet.Connect(ctx, req))
	waitDone(t, dapp.Done())

	<-dappConnected
	<-walletConnected

	require.NoError(t, dapp.SendRequest(ctx, map[string]any{"method": "ping"}))
	walletInbox.want(t, `{"method":"ping"}`)

	require.NoError(t, wallet.SendResponse(ctx, map[string]any{"result": 42}))
	dappInbox.want(t, `{"result":42}`)
}

func TestUntrustedOTPHappyPath(t *testing.T) {
	hub := broker.NewHub()
	ctx := context.Background()

	dappOpts, _ := fastOpts(hub, storage.NewMemoryStore())
	dapp, err := NewInitiator(ctx, dappOpts)
	require.NoError(t, err)

	walletOpts, _ := fastOpts(hub, storage.NewMemoryStore())
	wallet, err := NewResponder(ctx, walletOpts)
	require.NoError(t, err)

	displayed := make(chan string, 1)
	wallet.OnDisplayOTP(func(otp string, deadline time.Time) {
		assert.Len(t, otp, 6)
		assert.True(t, deadline.After(time.Now()))
		displayed <- otp
	})

	dapp.OnOTPRequired(func(prompt *handshake.OTPPrompt) {
		go func() {
			otp := <-displayed
			// Two wrong attempts must not kill the handshake.
			assert.ErrorIs(t, prompt.Submit(ctx, "999999"), protocol.ErrOTPIncorrect)
			assert.ErrorIs(t, prompt.Submit(ctx, "888888"), protocol.ErrOTPIncorrect)
			assert.NoError(t, prompt.Submit(ctx, otp))
		}()
	})

	req, err := dapp.Connect(ctx, ConnectOptions{Mode: protocol.ModeUntrusted})
	require.NoError(t, err)
	require.NoError(t, wallet.Connect(ctx, req))
	waitDone(t, dapp.Done())

	dappInbox := newMailbox(dapp.BaseClient)
	require.NoError(t, wallet.SendResponse(ctx, map[string]any{"hello": "dapp"}))
	dappInbox.want(t, `{"hello":"dapp"}`)
}

func TestOTPExhaustionAbortsPairing(t *testing.T) {
	hub := broker.NewHub()
	ctx := context.Background()

	dappKV := storage.NewMemoryStore()
	dappOpts, _ := fastOpts(hub, dappKV)
	dapp, err := NewInitiator(ctx, dappOpts)
	require.NoError(t, err)

	walletOpts, _ := fastOpts(hub, storage.NewMemoryStore())
	walletOpts.OTPTTL = 3 * time.Second
	wallet, err := NewResponder(ctx, walletOpts)
	require.NoError(t, err)
	wallet.OnDisplayOTP(func(string, time.Time) {})

	dapp.OnOTPRequired(func(prompt *handshake.OTPPrompt) {
		go func() {
			for i := 0; i < handshake.MaxOTPAttempts; i++ {
				_ = prompt.Submit(ctx, "000000")
			}
		}()
	})

	req, err := dapp.Connect(ctx, ConnectOptions{Mode: protocol.ModeUntrusted})
	require.NoError(t, err)

	walletErr := make(chan error, 1)
	go func() { walletErr <- wallet.Connect(ctx, req) }()

	select {
	case err := <-dapp.Done():
		require.Error(t, err)
		assert.Equal(t, protocol.KindOTPMaxAttempts, protocol.KindOf(err))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for OTP exhaustion")
	}

	// No session persisted on the initiator.
	sess, err := dapp.store.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Nil(t, sess)

	// The wallet never sees the ack and gives up on its own deadline.
	select {
	case err := <-walletErr:
		require.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for responder to give up")
	}
}

func TestExpiredRequestRejectedBeforeBrokerIO(t *testing.T) {
	hub := broker.NewHub()
	ctx := context.Background()

	walletOpts, walletBroker := fastOpts(hub, storage.NewMemoryStore())
	wallet, err := NewResponder(ctx, walletOpts)
	require.NoError(t, err)

	// Stale the moment it is scanned. The boundary counts as expired too.
	req := &protocol.SessionRequest{
		ID:           "stale",
		Mode:         protocol.ModeTrusted,
		Channel:      protocol.HandshakeChannel("h"),
		PublicKeyB64: freshPublicKeyB64(t),
		ExpiresAt:    time.Now().Add(-time.Millisecond).UnixMilli(),
	}

	err = wallet.Connect(ctx, req)
	require.Error(t, err)
	assert.Equal(t, protocol.KindRequestExpired, protocol.KindOf(err))

	// The broker was never connected, so any traffic attempt fails.
	publishErr := walletBroker.Publish(ctx, req.Channel, "x")
	assert.Error(t, publishErr, "broker must never have been connected")
}

func TestResumeAfterRestart(t *testing.T) {
	hub := broker.NewHub()
	ctx := context.Background()

	dappKV := storage.NewMemoryStore()
	walletKV := storage.NewMemoryStore()

	dapp, _, dappBroker, walletBroker := pairTrusted(t, hub, dappKV, walletKV)
	id, _, ok := dapp.Session()
	require.True(t, ok)

	// Simulate both processes dying: sever the old links, then bring up
	// fresh clients over the same stores. Leaving the old clients live
	// would have them race the resumed ones for the shared nonce ledger.
	require.NoError(t, dappBroker.Disconnect(ctx))
	require.NoError(t, walletBroker.Disconnect(ctx))

	dappOpts2, _ := fastOpts(hub, dappKV)
	dapp2, err := NewInitiator(ctx, dappOpts2)
	require.NoError(t, err)
	require.NoError(t, dapp2.Resume(ctx, id))

	walletOpts2, _ := fastOpts(hub, walletKV)
	wallet2, err := NewResponder(ctx, walletOpts2)
	require.NoError(t, err)
	require.NoError(t, wallet2.Resume(ctx, id))

	walletInbox := newMailbox(wallet2.BaseClient)
	require.NoError(t, dapp2.SendRequest(ctx, map[string]any{"method": "after-resume"}))
	walletInbox.want(t, `{"method":"after-resume"}`)

	// The stores still hold the session for the next resume.
	sess, err := dapp2.store.Get(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, sess)
}

func TestResumeUnknownSession(t *testing.T) {
	hub := broker.NewHub()
	ctx := context.Background()

	opts, _ := fastOpts(hub, storage.NewMemoryStore())
	dapp, err := NewInitiator(ctx, opts)
	require.NoError(t, err)

	err = dapp.Resume(ctx, "no-such-session")
	require.Error(t, err)
	assert.Equal(t, protocol.KindSessionNotFound, protocol.KindOf(err))
}

func TestDedupAcrossRestart(t *testing.T) {
	hub := broker.NewHub()
	ctx := context.Background()

	dappKV := storage.NewMemoryStore()
	walletKV := storage.NewMemoryStore()

	dapp, wallet, _, walletBroker := pairTrusted(t, hub, dappKV, walletKV)
	id, _, ok := wallet.Session()
	require.True(t, ok)

	// A message processed (and therefore confirmed) before the restart.
	walletInbox := newMailbox(wallet.BaseClient)
	require.NoError(t, dapp.SendRequest(ctx, map[string]any{"seq": 1}))
	walletInbox.want(t, `{"seq":1}`)

	// The old wallet process dies.
	require.NoError(t, walletBroker.Disconnect(ctx))

	// Wallet restarts over the same store and resumes: history replays
	// the broker's retained messages, but the confirmed one stays dead.
	walletOpts2, _ := fastOpts(hub, walletKV)
	wallet2, err := NewResponder(ctx, walletOpts2)
	require.NoError(t, err)
	walletInbox2 := newMailbox(wallet2.BaseClient)
	require.NoError(t, wallet2.Resume(ctx, id))
	walletInbox2.silent(t, 300*time.Millisecond)

	// A message the wallet never saw fires exactly once after the next
	// restart.
	require.NoError(t, dapp.SendRequest(ctx, map[string]any{"seq": 2}))
	walletInbox2.want(t, `{"seq":2}`)
	walletInbox2.silent(t, 300*time.Millisecond)
}

func TestOneSidedPartition(t *testing.T) {
	hub := broker.NewHub()
	ctx := context.Background()

	dapp, wallet, _, walletBroker := pairTrusted(t, hub, storage.NewMemoryStore(), storage.NewMemoryStore())
	walletInbox := newMailbox(wallet.BaseClient)

	// Sever only the wallet's link. The dapp publishes into the void as
	// far as the wallet is concerned.
	walletBroker.SetLinkDown(true)
	require.NoError(t, dapp.SendRequest(ctx, map[string]any{"m": "partitioned"}))
	walletInbox.silent(t, 500*time.Millisecond)

	// Heal and reconnect: the missed message arrives exactly once, and
	// live traffic flows again.
	walletBroker.SetLinkDown(false)
	require.NoError(t, wallet.Reconnect(ctx))
	walletInbox.want(t, `{"m":"partitioned"}`)
	walletInbox.silent(t, 300*time.Millisecond)

	require.NoError(t, dapp.SendRequest(ctx, map[string]any{"m": "live"}))
	walletInbox.want(t, `{"m":"live"}`)
}

func TestInitialPayloadDeliveredToResponder(t *testing.T) {
	hub := broker.NewHub()
	ctx := context.Background()

	dappOpts, _ := fastOpts(hub, storage.NewMemoryStore())
	dapp, err := NewInitiator(ctx, dappOpts)
	require.NoError(t, err)

	walletOpts, _ := fastOpts(hub, storage.NewMemoryStore())
	wallet, err := NewResponder(ctx, walletOpts)
	require.NoError(t, err)
	walletInbox := newMailbox(wallet.BaseClient)

	req, err := dapp.Connect(ctx, ConnectOptions{
		Mode:           protocol.ModeTrusted,
		InitialPayload: map[string]any{"method": "eth_requestAccounts"},
	})
	require.NoError(t, err)
	require.NotNil(t, req.InitialMessage)
	assert.Equal(t, protocol.TypeMessage, req.InitialMessage.Type)

	require.NoError(t, wallet.Connect(ctx, req))
	walletInbox.want(t, `{"method":"eth_requestAccounts"}`)
	waitDone(t, dapp.Done())
}

func TestDisconnectDeletesSessionAndEmits(t *testing.T) {
	hub := broker.NewHub()
	ctx := context.Background()

	dapp, _, _, _ := pairTrusted(t, hub, storage.NewMemoryStore(), storage.NewMemoryStore())
	id, _, ok := dapp.Session()
	require.True(t, ok)

	disconnected := make(chan struct{}, 1)
	dapp.OnDisconnected(func() { disconnected <- struct{}{} })

	require.NoError(t, dapp.Disconnect(ctx))
	<-disconnected

	sess, err := dapp.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, sess, "disconnect deletes the session")

	_, _, ok = dapp.Session()
	assert.False(t, ok)
}
