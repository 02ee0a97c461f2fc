package stream

import (
	"sync"
	"sync/atomic"
)

// Channel is the transport end of a subscriber, typically one WebSocket client.
// Deliver is only ever called from the subscriber's own delivery goroutine.
type Channel interface {
	ID() string
	Deliver(msg Message) error
}

// subscriber owns a bounded queue drained by a dedicated delivery goroutine,
// so a slow client never holds up the processor loop or other clients
type subscriber struct {
	ch    Channel
	queue chan Message
	done  chan struct{}

	mu     sync.Mutex
	closed bool

	discard   atomic.Bool
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func newSubscriber(ch Channel, queueSize int, onFail func(*subscriber, error)) *subscriber {
	if queueSize <= 0 {
		queueSize = 32
	}
	s := &subscriber{
		ch:    ch,
		queue: make(chan Message, queueSize),
		done:  make(chan struct{}),
	}
	go s.run(onFail)
	return s
}

// enqueue never blocks. Frames are dropped when the queue is full; other
// messages evict the oldest queued entry instead.
func (s *subscriber) enqueue(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	return s.enqueueLocked(msg)
}

func (s *subscriber) enqueueLocked(msg Message) bool {
	select {
	case s.queue <- msg:
		return true
	default:
	}

	if msg.IsFrame() {
		s.dropped.Add(1)
		return false
	}

	select {
	case <-s.queue:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.queue <- msg:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// finish queues the final messages and closes with flush in one step, so
// nothing can be enqueued after them
func (s *subscriber) finish(final ...Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	for _, m := range final {
		s.enqueueLocked(m)
	}
	s.closed = true
	close(s.queue)
}

// close stops accepting messages. With flush the delivery goroutine still
// writes what is queued; without it pending messages are discarded.
func (s *subscriber) close(flush bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	if !flush {
		s.discard.Store(true)
	}
	close(s.queue)
}

func (s *subscriber) run(onFail func(*subscriber, error)) {
	defer close(s.done)

	failed := false
	for msg := range s.queue {
		if failed || s.discard.Load() {
			continue
		}
		if err := s.ch.Deliver(msg); err != nil {
			failed = true
			if onFail != nil {
				onFail(s, &DeliveryError{Subscriber: s.ch.ID(), Err: err})
			}
			continue
		}
		s.delivered.Add(1)
	}
}
