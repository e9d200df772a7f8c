// Package transport is the resilient delivery layer between a pairlink
// client and a broker: it wraps every outbound payload in an envelope
// carrying the sender's client ID and a monotonic nonce, retries transient
// publish failures with exponential backoff, replays channel history after
// a subscription that could not resume in place, and drops anything the
// application has already acknowledged.
//
// # Exactly-once delivery
//
// Brokers are allowed to redeliver. The transport turns at-least-once relay
// into at-most-once delivery with a persisted per-channel ledger of the
// highest nonce acknowledged per sender. The ledger only advances when the
// application calls Ack.Confirm, so a message that failed processing (say,
// a decrypt error against not-yet-restored keys) is redelivered by the next
// history replay instead of being lost.
//
// # Ordering
//
// Outbound publishes leave in enqueue order. Inbound delivery preserves the
// broker's per-channel order; across channels and across senders nothing is
// promised.
package transport
