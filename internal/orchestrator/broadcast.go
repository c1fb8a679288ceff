package orchestrator

import (
	"sync"
	"sync/atomic"

	"github.com/roach88/torque/internal/engine"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity.
const DefaultSubscriberBuffer = 256

// Subscription is one consumer of a session's notification stream.
//
// C delivers notifications in emission order and is closed after the
// session's terminal transition, or when the subscription is closed.
//
// Slow-consumer policy: when C is full the oldest buffered notification is
// discarded to make room and Dropped is incremented. The publisher never
// blocks on a subscriber. A consumer that sees Dropped() > 0 should re-read
// history from the store.
type Subscription struct {
	C <-chan engine.Notification

	ch      chan engine.Notification
	b       *Broadcaster
	dropped atomic.Uint64
}

// Dropped returns how many notifications were discarded for this
// subscriber.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.b.remove(s)
}

// Broadcaster fans one session's notifications out to its subscribers.
//
// Publish is called from the session worker; Subscribe and Close from any
// goroutine.
type Broadcaster struct {
	mu     sync.Mutex
	buffer int
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBroadcaster creates a broadcaster whose subscribers buffer up to
// buffer notifications. A non-positive buffer uses DefaultSubscriberBuffer.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Broadcaster{buffer: buffer, subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a consumer. Only notifications published after this
// call are delivered; there is no replay. Subscribing to a closed
// broadcaster returns a subscription whose channel is already closed.
func (b *Broadcaster) Subscribe() *Subscription {
	ch := make(chan engine.Notification, b.buffer)
	s := &Subscription{C: ch, ch: ch, b: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish delivers n to every subscriber without blocking.
func (b *Broadcaster) Publish(n engine.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		select {
		case s.ch <- n:
			continue
		default:
		}
		// Full: drop the oldest, then retry once. The consumer may have
		// drained in between, in which case nothing is dropped.
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
		select {
		case s.ch <- n:
		default:
			s.dropped.Add(1)
		}
	}
}

// Len returns the number of live subscribers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Idempotent.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
		delete(b.subs, s)
	}
}

func (b *Broadcaster) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	close(s.ch)
}
