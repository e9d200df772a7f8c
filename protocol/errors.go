package protocol

import "errors"

// Kind names an error class in the pairlink failure taxonomy. Kinds are
// stable identifiers: hosts switch on them to decide whether to retry,
// re-pair, or surface the failure, without parsing error strings.
type Kind string

// The closed set of failure kinds.
const (
	KindSessionExpired           Kind = "SESSION_EXPIRED"
	KindSessionNotFound          Kind = "SESSION_NOT_FOUND"
	KindSessionInvalidState      Kind = "SESSION_INVALID_STATE"
	KindSessionSaveFailed        Kind = "SESSION_SAVE_FAILED"
	KindTransportDisconnected    Kind = "TRANSPORT_DISCONNECTED"
	KindTransportPublishFailed   Kind = "TRANSPORT_PUBLISH_FAILED"
	KindTransportSubscribeFailed Kind = "TRANSPORT_SUBSCRIBE_FAILED"
	KindTransportHistoryFailed   Kind = "TRANSPORT_HISTORY_FAILED"
	KindTransportParseFailed     Kind = "TRANSPORT_PARSE_FAILED"
	KindTransportReconnectFailed Kind = "TRANSPORT_RECONNECT_FAILED"
	KindDecryptionFailed         Kind = "DECRYPTION_FAILED"
	KindInvalidKey               Kind = "INVALID_KEY"
	KindRequestExpired           Kind = "REQUEST_EXPIRED"
	KindOTPIncorrect             Kind = "OTP_INCORRECT"
	KindOTPMaxAttempts           Kind = "OTP_MAX_ATTEMPTS_REACHED"
	KindOTPEntryTimeout          Kind = "OTP_ENTRY_TIMEOUT"
	KindUnknown                  Kind = "UNKNOWN"
)

// Session lifecycle errors.
var (
	// ErrSessionExpired indicates the session TTL has lapsed.
	ErrSessionExpired = errors.New("session expired")

	// ErrSessionNotFound indicates no session exists under the requested ID.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionInvalidState indicates an operation was attempted from a
	// state that does not permit it.
	ErrSessionInvalidState = errors.New("invalid session state")

	// ErrSessionSaveFailed indicates the session could not be persisted.
	ErrSessionSaveFailed = errors.New("session save failed")
)

// Transport errors.
var (
	// ErrTransportDisconnected indicates the operation requires a live
	// broker connection and none exists.
	ErrTransportDisconnected = errors.New("transport disconnected")

	// ErrTransportPublishFailed indicates a publish was dropped after
	// exhausting its retry budget.
	ErrTransportPublishFailed = errors.New("transport publish failed")

	// ErrTransportSubscribeFailed indicates a channel subscription could
	// not be established.
	ErrTransportSubscribeFailed = errors.New("transport subscribe failed")

	// ErrTransportHistoryFailed indicates a history fetch failed for a
	// reason other than a mid-flight connection close.
	ErrTransportHistoryFailed = errors.New("transport history fetch failed")

	// ErrTransportParseFailed indicates inbound data did not parse as a
	// well-formed envelope or protocol message.
	ErrTransportParseFailed = errors.New("transport parse failed")

	// ErrTransportReconnectFailed indicates a reconnect attempt failed.
	ErrTransportReconnectFailed = errors.New("transport reconnect failed")
)

// Cryptography errors.
var (
	// ErrDecryptionFailed indicates a payload could not be decrypted with
	// the session keys.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrInvalidKey indicates key material was malformed: wrong length,
	// bad prefix, or not a curve point.
	ErrInvalidKey = errors.New("invalid key")
)

// Pairing errors.
var (
	// ErrRequestExpired indicates the session request's expiry passed
	// before the handshake completed, or the host cancelled pairing.
	ErrRequestExpired = errors.New("session request expired")

	// ErrOTPIncorrect indicates a submitted one-time passcode did not
	// match; the host may retry while attempts remain.
	ErrOTPIncorrect = errors.New("incorrect one-time passcode")

	// ErrOTPMaxAttempts indicates the passcode attempt budget is spent;
	// the handshake is aborted.
	ErrOTPMaxAttempts = errors.New("one-time passcode attempts exhausted")

	// ErrOTPEntryTimeout indicates the passcode entry deadline passed.
	ErrOTPEntryTimeout = errors.New("one-time passcode entry timed out")
)

// kindSentinels pairs every kind with its sentinel. Sentinels are disjoint;
// an error chain is expected to wrap at most one of them.
var kindSentinels = map[Kind]error{
	KindSessionExpired:           ErrSessionExpired,
	KindSessionNotFound:          ErrSessionNotFound,
	KindSessionInvalidState:      ErrSessionInvalidState,
	KindSessionSaveFailed:        ErrSessionSaveFailed,
	KindTransportDisconnected:    ErrTransportDisconnected,
	KindTransportPublishFailed:   ErrTransportPublishFailed,
	KindTransportSubscribeFailed: ErrTransportSubscribeFailed,
	KindTransportHistoryFailed:   ErrTransportHistoryFailed,
	KindTransportParseFailed:     ErrTransportParseFailed,
	KindTransportReconnectFailed: ErrTransportReconnectFailed,
	KindDecryptionFailed:         ErrDecryptionFailed,
	KindInvalidKey:               ErrInvalidKey,
	KindRequestExpired:           ErrRequestExpired,
	KindOTPIncorrect:             ErrOTPIncorrect,
	KindOTPMaxAttempts:           ErrOTPMaxAttempts,
	KindOTPEntryTimeout:          ErrOTPEntryTimeout,
}

// Err returns the sentinel error carrying the kind, or nil for KindUnknown
// and unrecognized kinds.
func (k Kind) Err() error {
	return kindSentinels[k]
}

// KindOf classifies err against the taxonomy by walking its wrap chain with
// errors.Is. Errors outside the taxonomy (and nil) report KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}
