package broker

import "sync"

// eventQueue runs callbacks one at a time, in push order, on a dedicated
// goroutine. The queue is unbounded so producers (a WebSocket read pump)
// never block behind a slow callback, which also means a callback can
// safely issue broker calls that need the pump alive, like a history fetch
// from inside OnSubscribed.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	closed bool
}

func newEventQueue() *eventQueue {
	q := &eventQueue{}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// push appends fn. Pushes after shutdown are dropped.
func (q *eventQueue) push(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.items = append(q.items, fn)
	q.cond.Signal()
}

// shutdown stops accepting new callbacks; already-queued ones still run,
// then the goroutine exits.
func (q *eventQueue) shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Signal()
}

func (q *eventQueue) run() {
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		fn := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		fn()
	}
}
