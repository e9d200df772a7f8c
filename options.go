package pairlink

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/pairlink/broker"
	"github.com/opd-ai/pairlink/crypto"
	"github.com/opd-ai/pairlink/handshake"
	"github.com/opd-ai/pairlink/session"
	"github.com/opd-ai/pairlink/storage"
	"github.com/opd-ai/pairlink/transport"
)

// Options configures a peer client. Get a populated instance from
// NewOptions, adjust fields, then pass it to NewInitiator or NewResponder.
type Options struct {
	// Broker is the pub/sub connection the client rides. Required. Use a
	// broker.MemoryBroker for in-process setups, broker.NewWSBroker for a
	// relay, or a Pool handle to share one physical connection.
	Broker broker.Broker

	// Storage persists the client's identity, dedup state, and sessions.
	// Defaults to an in-memory store, which means no resumption across
	// restarts; hosts that want durable sessions supply a FileStore or
	// their own implementation.
	Storage storage.KeyValueStore

	// KeyManager performs key generation and payload encryption. Defaults
	// to the built-in Noise-based manager.
	KeyManager crypto.Manager

	// Clock supplies the time for expiry decisions. Defaults to the wall
	// clock.
	Clock session.TimeProvider

	// Logger receives structured logs. Defaults to the logrus standard
	// logger.
	Logger *logrus.Logger

	// SessionTTL is how long an established session may be resumed.
	SessionTTL time.Duration

	// RequestTTL is how long a rendered session request stays scannable.
	RequestTTL time.Duration

	// OTPTTL is how long a displayed passcode stays valid.
	OTPTTL time.Duration

	// HandshakeGrace extends handshake waits past their nominal deadline
	// to tolerate a peer suspended by its host OS.
	HandshakeGrace time.Duration

	// MaxRetry is the publish attempt budget per queued message.
	MaxRetry int

	// BaseDelay seeds the exponential backoff between publish attempts.
	BaseDelay time.Duration

	// HistoryLimit bounds the channel history fetch after a subscription
	// the broker could not resume in place.
	HistoryLimit int
}

// NewOptions returns the default configuration. Broker must still be set
// by the caller.
func NewOptions() *Options {
	return &Options{
		SessionTTL:     session.DefaultTTL,
		RequestTTL:     handshake.DefaultRequestTTL,
		OTPTTL:         handshake.DefaultOTPTTL,
		HandshakeGrace: handshake.DefaultGrace,
		MaxRetry:       transport.DefaultMaxRetry,
		BaseDelay:      transport.DefaultBaseDelay,
		HistoryLimit:   transport.DefaultHistoryLimit,
	}
}

func (o *Options) fill() {
	if o.Storage == nil {
		o.Storage = storage.NewMemoryStore()
	}
	if o.KeyManager == nil {
		o.KeyManager = crypto.NewManager()
	}
	if o.Clock == nil {
		o.Clock = session.DefaultTimeProvider{}
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.SessionTTL <= 0 {
		o.SessionTTL = session.DefaultTTL
	}
}
