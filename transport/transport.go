package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/pairlink/broker"
	"github.com/opd-ai/pairlink/internal/metrics"
	"github.com/opd-ai/pairlink/protocol"
	"github.com/opd-ai/pairlink/storage"
)

// State is the transport connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String renders the state for logs.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Retry and recovery tuning.
const (
	// DefaultMaxRetry is the publish attempt budget per message.
	DefaultMaxRetry = 5

	// DefaultBaseDelay seeds the exponential backoff between attempts.
	DefaultBaseDelay = 100 * time.Millisecond

	// DefaultHistoryLimit bounds the history fetch after a non-recovered
	// subscribe.
	DefaultHistoryLimit = 50
)

// Config tunes a Transport. The zero value of any field selects its
// default.
type Config struct {
	MaxRetry     int
	BaseDelay    time.Duration
	HistoryLimit int
	Logger       *logrus.Logger
}

func (c *Config) fill() {
	if c.MaxRetry <= 0 {
		c.MaxRetry = DefaultMaxRetry
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
}

// MessageHandler receives one accepted inbound payload. ack confirms the
// message once the application has durably processed it; an unconfirmed
// message is redelivered by a later history replay.
type MessageHandler func(channel, payload string, ack *Ack)

// errNeutralized marks a publish attempt overtaken by a disconnect.
var errNeutralized = errors.New("publish neutralized by disconnect")

// Transport rides a Broker and implements the envelope, dedup, retry, and
// recovery behavior of the delivery layer. One Transport serves one client
// installation; its identity and dedup ledger live in the KeyValueStore.
type Transport struct {
	broker broker.Broker
	kv     storage.KeyValueStore
	cfg    Config
	log    *logrus.Logger

	ident  *identity
	ledger *ledger

	mu       sync.Mutex
	state    State
	subs     map[string]bool // channels the client wants
	queue    []*queueItem
	draining bool

	onMessage MessageHandler
	onError   func(err error)
}

type queueItem struct {
	channel string
	data    string

	once sync.Once
	done chan publishOutcome
}

type publishOutcome struct {
	ok  bool
	err error
}

func (qi *queueItem) resolve(ok bool, err error) {
	qi.once.Do(func() {
		qi.done <- publishOutcome{ok: ok, err: err}
	})
}

// New creates a Transport over b, persisting its identity and dedup state
// in kv. The client ID and nonce counter are loaded (or minted) before New
// returns.
func New(ctx context.Context, b broker.Broker, kv storage.KeyValueStore, cfg Config) (*Transport, error) {
	cfg.fill()

	ident, err := loadIdentity(ctx, kv)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		broker: b,
		kv:     kv,
		cfg:    cfg,
		log:    cfg.Logger,
		ident:  ident,
		ledger: newLedger(kv, ident.clientID),
		subs:   make(map[string]bool),
	}

	b.SetCallbacks(broker.Callbacks{
		OnConnecting:   t.brokerConnecting,
		OnConnected:    t.brokerConnected,
		OnDisconnected: t.brokerDisconnected,
		OnError:        t.brokerError,
		OnSubscribed:   t.brokerSubscribed,
		OnPublication:  t.brokerPublication,
	})
	return t, nil
}

// ClientID returns the stable per-installation sender identifier.
func (t *Transport) ClientID() string {
	return t.ident.clientID
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// OnMessage registers the inbound delivery handler. Call before Connect.
func (t *Transport) OnMessage(h MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = h
}

// OnError registers the sink for non-fatal asynchronous failures: parse
// errors, history fetch failures, broker trouble.
func (t *Transport) OnError(h func(err error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onError = h
}

// Connect brings the transport up. Connecting a transport that is already
// connecting or connected is a no-op.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StateDisconnected {
		t.mu.Unlock()
		return nil
	}
	t.state = StateConnecting
	t.mu.Unlock()

	if err := t.broker.Connect(ctx); err != nil {
		t.mu.Lock()
		t.state = StateDisconnected
		t.mu.Unlock()
		return fmt.Errorf("%w: %w", protocol.ErrTransportDisconnected, err)
	}
	return nil
}

// Disconnect tears the transport down. Every queued publish resolves
// (false, nil), the caller's contract for cancellation. Disconnect always
// completes its local teardown, even when the broker objects.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateDisconnected {
		t.mu.Unlock()
		return nil
	}
	t.state = StateDisconnected
	pending := t.queue
	t.queue = nil
	t.mu.Unlock()

	for _, item := range pending {
		metrics.TransportPublishes.WithLabelValues("neutralized").Inc()
		item.resolve(false, nil)
	}

	if err := t.broker.Disconnect(ctx); err != nil {
		t.log.WithField("component", "transport").WithError(err).Warn("Broker disconnect failed")
		return fmt.Errorf("broker disconnect: %w", err)
	}
	return nil
}

// Reconnect cycles the broker connection. Subscriptions re-establish on the
// connected edge and queued publishes resume draining.
func (t *Transport) Reconnect(ctx context.Context) error {
	var err error
	if r, ok := t.broker.(broker.Reconnector); ok {
		err = r.Reconnect(ctx)
	} else {
		if err = t.broker.Disconnect(ctx); err == nil {
			err = t.broker.Connect(ctx)
		}
	}
	if err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrTransportReconnectFailed, err)
	}
	return nil
}

// Subscribe registers interest in channel. While connected the broker
// subscription is established immediately; otherwise it happens on the next
// connected edge. Subscribing twice is a no-op.
func (t *Transport) Subscribe(ctx context.Context, channel string) error {
	t.mu.Lock()
	already := t.subs[channel]
	t.subs[channel] = true
	connected := t.state == StateConnected
	t.mu.Unlock()

	if already || !connected {
		return nil
	}
	if err := t.broker.Subscribe(ctx, channel); err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrTransportSubscribeFailed, err)
	}
	return nil
}

// Clear unsubscribes from channel and erases its dedup state. Anything the
// broker later delivers for the channel is dropped.
func (t *Transport) Clear(ctx context.Context, channel string) error {
	t.mu.Lock()
	delete(t.subs, channel)
	t.mu.Unlock()

	if err := t.broker.Clear(ctx, channel); err != nil {
		return fmt.Errorf("failed to clear channel %s: %w", channel, err)
	}
	return t.ledger.clear(ctx, channel)
}

// Publish wraps payload in the next envelope and queues it. It returns
// (true, nil) once the broker accepted the message, (false, nil) when a
// disconnect neutralized it first, and an error of kind
// TRANSPORT_PUBLISH_FAILED when the retry budget ran out.
func (t *Transport) Publish(ctx context.Context, channel, payload string) (bool, error) {
	nonce, err := t.ident.next(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: %w", protocol.ErrTransportPublishFailed, err)
	}

	env := Envelope{ClientID: t.ident.clientID, Nonce: nonce, Payload: payload}
	data, err := env.Encode()
	if err != nil {
		return false, fmt.Errorf("%w: %w", protocol.ErrTransportPublishFailed, err)
	}

	item := &queueItem{channel: channel, data: data, done: make(chan publishOutcome, 1)}

	t.mu.Lock()
	t.queue = append(t.queue, item)
	t.mu.Unlock()
	t.kickDrain()

	t.log.WithFields(logrus.Fields{
		"component": "transport",
		"channel":   channel,
		"nonce":     nonce,
	}).Debug("Publish queued")

	select {
	case outcome := <-item.done:
		return outcome.ok, outcome.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// kickDrain starts the drain goroutine when there is work and nobody is
// draining. The goroutine exits when the queue empties or the state leaves
// connected.
func (t *Transport) kickDrain() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.draining || t.state != StateConnected || len(t.queue) == 0 {
		return
	}
	t.draining = true
	go t.drain()
}

func (t *Transport) drain() {
	for {
		t.mu.Lock()
		if t.state != StateConnected || len(t.queue) == 0 {
			t.draining = false
			t.mu.Unlock()
			return
		}
		item := t.queue[0]
		t.queue = t.queue[1:]
		t.mu.Unlock()

		t.deliver(item)
	}
}

// deliver pushes one item at the broker, retrying transient failures with
// exponential backoff up to the attempt budget.
func (t *Transport) deliver(item *queueItem) {
	attempt := 0
	op := func() error {
		if t.State() != StateConnected {
			return backoff.Permanent(errNeutralized)
		}
		if attempt > 0 {
			metrics.TransportRetries.Inc()
		}
		attempt++
		return t.broker.Publish(context.Background(), item.channel, item.data)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.cfg.BaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	err := backoff.Retry(op, backoff.WithMaxRetries(bo, uint64(t.cfg.MaxRetry-1)))
	switch {
	case err == nil:
		metrics.TransportPublishes.WithLabelValues("delivered").Inc()
		item.resolve(true, nil)
	case errors.Is(err, errNeutralized):
		metrics.TransportPublishes.WithLabelValues("neutralized").Inc()
		item.resolve(false, nil)
	default:
		metrics.TransportPublishes.WithLabelValues("failed").Inc()
		t.log.WithFields(logrus.Fields{
			"component": "transport",
			"channel":   item.channel,
			"attempts":  attempt,
		}).WithError(err).Warn("Publish dropped after retry budget")
		item.resolve(false, fmt.Errorf("%w after %d attempts: %w", protocol.ErrTransportPublishFailed, attempt, err))
	}
}

// --- broker event handlers ---

func (t *Transport) brokerConnecting() {
	t.mu.Lock()
	if t.state == StateDisconnected {
		t.state = StateConnecting
	}
	t.mu.Unlock()
}

// brokerConnected is the connected edge: re-establish every requested
// subscription, then resume draining.
func (t *Transport) brokerConnected() {
	t.mu.Lock()
	t.state = StateConnected
	channels := make([]string, 0, len(t.subs))
	for channel := range t.subs {
		channels = append(channels, channel)
	}
	t.mu.Unlock()

	for _, channel := range channels {
		if err := t.broker.Subscribe(context.Background(), channel); err != nil {
			t.emitError(fmt.Errorf("%w: %s: %w", protocol.ErrTransportSubscribeFailed, channel, err))
		}
	}
	t.kickDrain()
}

// brokerDisconnected handles the link dropping out from under us. Queued
// publishes stay queued; they resume on the next connected edge. A
// deliberate Disconnect has already moved the state on, so the transition
// here only fires for surprises.
func (t *Transport) brokerDisconnected(err error) {
	t.mu.Lock()
	wasConnected := t.state != StateDisconnected
	t.state = StateDisconnected
	t.mu.Unlock()

	if err != nil && wasConnected {
		t.log.WithField("component", "transport").WithError(err).Warn("Broker link lost")
		t.emitError(fmt.Errorf("%w: %w", protocol.ErrTransportDisconnected, err))
	}
}

func (t *Transport) brokerError(err error) {
	t.emitError(err)
}

// brokerSubscribed runs on the channel's delivery goroutine, ahead of its
// publications. A non-recovered grant means the broker cannot vouch for a
// gap-free replay, so history is consulted; confirmed duplicates fall out
// in the dedup path.
func (t *Transport) brokerSubscribed(channel string, recovered bool) {
	t.kickDrain()
	if recovered {
		return
	}

	items, err := t.broker.History(context.Background(), channel, t.cfg.HistoryLimit)
	if err != nil {
		// A connection dying mid-fetch is routine; the resubscribe after
		// reconnect fetches again.
		if errors.Is(err, broker.ErrClosed) {
			return
		}
		t.emitError(fmt.Errorf("%w: %s: %w", protocol.ErrTransportHistoryFailed, channel, err))
		return
	}

	for _, data := range items {
		metrics.TransportHistoryReplays.Inc()
		t.handleRaw(channel, data)
	}
}

func (t *Transport) brokerPublication(channel, data string) {
	t.handleRaw(channel, data)
}

// handleRaw is the single inbound path: live publications and history
// replay both land here, per channel in order, one at a time.
func (t *Transport) handleRaw(channel, data string) {
	t.mu.Lock()
	subscribed := t.subs[channel]
	handler := t.onMessage
	t.mu.Unlock()

	// A cleared channel can still have deliveries in flight; they no
	// longer concern us.
	if !subscribed || handler == nil {
		return
	}

	env, err := ParseEnvelope(data)
	if err != nil {
		t.emitError(err)
		return
	}
	if env.ClientID == t.ident.clientID {
		return
	}

	last, err := t.ledger.lastSeen(context.Background(), channel, env.ClientID)
	if err != nil {
		t.emitError(err)
		return
	}
	if env.Nonce <= last {
		metrics.TransportDeduplicated.Inc()
		t.log.WithFields(logrus.Fields{
			"component": "transport",
			"channel":   channel,
			"nonce":     env.Nonce,
			"last_seen": last,
		}).Debug("Duplicate envelope dropped")
		return
	}

	handler(channel, env.Payload, &Ack{
		ledger:  t.ledger,
		channel: channel,
		sender:  env.ClientID,
		nonce:   env.Nonce,
	})
}

func (t *Transport) emitError(err error) {
	t.mu.Lock()
	handler := t.onError
	t.mu.Unlock()

	if handler != nil {
		handler(err)
	}
}

// Ack acknowledges one delivered message. Until Confirm succeeds the dedup
// ledger stays put, so the message is redelivered by history replay if the
// application never managed to process it.
type Ack struct {
	ledger  *ledger
	channel string
	sender  string
	nonce   uint64

	mu   sync.Mutex
	done bool
}

// Confirm advances the persisted dedup position past this message. It is
// idempotent; only the first successful call writes.
func (a *Ack) Confirm(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.done {
		return nil
	}
	if err := a.ledger.advance(ctx, a.channel, a.sender, a.nonce); err != nil {
		return err
	}
	a.done = true
	return nil
}
