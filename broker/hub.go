package broker

import "sync"

// DefaultRetention is how many publications a hub channel keeps for
// history fetches and resume replay.
const DefaultRetention = 512

// Hub is an in-process pub/sub core: named channels, bounded retention,
// sequence-numbered publications, and gap-free replay for subscribers that
// resume from a known position. MemoryBroker wraps it for in-process use
// and the relay server exposes it over WebSockets.
//
// Hub is safe for concurrent use.
type Hub struct {
	mu        sync.Mutex
	channels  map[string]*hubChannel
	retention int
}

// HubMessage is one retained publication. Seq is channel-scoped and starts
// at 1.
type HubMessage struct {
	Seq  uint64
	Data string
}

type hubChannel struct {
	nextSeq uint64
	history []HubMessage
	subs    map[*HubSubscription]struct{}
}

// NewHub creates a hub with DefaultRetention.
func NewHub() *Hub {
	return NewHubWithRetention(DefaultRetention)
}

// NewHubWithRetention creates a hub keeping up to retention publications
// per channel.
func NewHubWithRetention(retention int) *Hub {
	if retention < 1 {
		retention = 1
	}
	return &Hub{
		channels:  make(map[string]*hubChannel),
		retention: retention,
	}
}

func (h *Hub) channel(name string) *hubChannel {
	ch, ok := h.channels[name]
	if !ok {
		ch = &hubChannel{nextSeq: 1, subs: make(map[*HubSubscription]struct{})}
		h.channels[name] = ch
	}
	return ch
}

// Publish records data on channel and fans it out to attached subscribers.
// It returns the assigned sequence number.
func (h *Hub) Publish(channel, data string) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := h.channel(channel)
	msg := HubMessage{Seq: ch.nextSeq, Data: data}
	ch.nextSeq++

	ch.history = append(ch.history, msg)
	if len(ch.history) > h.retention {
		ch.history = ch.history[len(ch.history)-h.retention:]
	}

	for sub := range ch.subs {
		sub.push(msg)
	}
	return msg.Seq
}

// History returns up to limit retained publications on channel, oldest
// first. limit <= 0 means everything retained.
func (h *Hub) History(channel string, limit int) []HubMessage {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.channels[channel]
	if !ok {
		return nil
	}
	history := ch.history
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]HubMessage, len(history))
	copy(out, history)
	return out
}

// Latest returns the highest sequence assigned on channel, 0 if none.
func (h *Hub) Latest(channel string) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.channels[channel]
	if !ok {
		return 0
	}
	return ch.nextSeq - 1
}

// Resumable reports whether a subscriber that has seen everything up to
// after can be replayed the remainder gap-free from retention.
func (h *Hub) Resumable(channel string, after uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.channels[channel]
	if !ok {
		return after == 0
	}
	latest := ch.nextSeq - 1
	if after > latest {
		return false
	}
	if after == latest {
		return true
	}
	return len(ch.history) > 0 && ch.history[0].Seq <= after+1
}

// SubscribeFrom attaches a subscriber to channel. Retained publications
// with Seq > after are replayed first, then live publications follow,
// in order and without duplication. Close the subscription to detach.
func (h *Hub) SubscribeFrom(channel string, after uint64) *HubSubscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := h.channel(channel)
	sub := newHubSubscription(h, channel)
	for _, msg := range ch.history {
		if msg.Seq > after {
			sub.push(msg)
		}
	}
	ch.subs[sub] = struct{}{}
	return sub
}

func (h *Hub) detach(channel string, sub *HubSubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.channels[channel]; ok {
		delete(ch.subs, sub)
	}
}

// HubSubscription is one attachment to a hub channel. Messages arrive on C
// in order; the queue between the hub and C is unbounded, so a slow
// consumer never stalls publishers.
type HubSubscription struct {
	hub     *Hub
	channel string

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []HubMessage
	closed bool

	// done unblocks a pump parked on the unbuffered send when the
	// subscription closes under a consumer that stopped reading C.
	done chan struct{}
	out  chan HubMessage
}

func newHubSubscription(h *Hub, channel string) *HubSubscription {
	s := &HubSubscription{
		hub:     h,
		channel: channel,
		done:    make(chan struct{}),
		out:     make(chan HubMessage),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

// C delivers the subscription's messages. It is closed when the
// subscription is.
func (s *HubSubscription) C() <-chan HubMessage { return s.out }

// Close detaches from the hub and closes C. Queued but undelivered
// messages are dropped.
func (s *HubSubscription) Close() {
	s.hub.detach(s.channel, s)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *HubSubscription) push(msg HubMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.queue = append(s.queue, msg)
	s.cond.Signal()
}

func (s *HubSubscription) pump() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			close(s.out)
			return
		}
		msg := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- msg:
		case <-s.done:
			close(s.out)
			return
		}
	}
}
