// Package metrics holds pairlink's Prometheus instrumentation. Collectors
// register against the default registry; hosts that scrape expose them with
// promhttp, hosts that don't pay one counter increment per event.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CryptoOperations counts encrypt and decrypt outcomes.
	CryptoOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pairlink",
		Subsystem: "crypto",
		Name:      "operations_total",
		Help:      "Encrypt and decrypt operations by outcome.",
	}, []string{"operation", "result"})

	// TransportPublishes counts queued publishes by final resolution.
	TransportPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pairlink",
		Subsystem: "transport",
		Name:      "publishes_total",
		Help:      "Queued publishes by final resolution: delivered, neutralized, failed.",
	}, []string{"result"})

	// TransportRetries counts publish attempts beyond each message's first.
	TransportRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pairlink",
		Subsystem: "transport",
		Name:      "publish_retries_total",
		Help:      "Publish attempts beyond the first, across all messages.",
	})

	// TransportDeduplicated counts inbound envelopes dropped by the nonce
	// ledger.
	TransportDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pairlink",
		Subsystem: "transport",
		Name:      "deduplicated_total",
		Help:      "Inbound envelopes dropped as duplicates or replays.",
	})

	// TransportHistoryReplays counts envelopes re-examined from channel
	// history after a subscribe.
	TransportHistoryReplays = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pairlink",
		Subsystem: "transport",
		Name:      "history_replayed_total",
		Help:      "Envelopes replayed from channel history after subscribe.",
	})

	// SessionsSaved counts successful session persists.
	SessionsSaved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pairlink",
		Subsystem: "session",
		Name:      "saved_total",
		Help:      "Sessions written to the store.",
	})

	// SessionsExpired counts sessions dropped for passing their TTL,
	// whether at read time or during store garbage collection.
	SessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pairlink",
		Subsystem: "session",
		Name:      "expired_total",
		Help:      "Sessions dropped for passing their TTL.",
	})

	// HandshakesCompleted counts successful pairings by role and mode.
	HandshakesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pairlink",
		Subsystem: "handshake",
		Name:      "completed_total",
		Help:      "Completed pairings by role and mode.",
	}, []string{"role", "mode"})

	// HandshakesFailed counts aborted pairings by failure kind.
	HandshakesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pairlink",
		Subsystem: "handshake",
		Name:      "failed_total",
		Help:      "Aborted pairings by failure kind.",
	}, []string{"kind"})
)
