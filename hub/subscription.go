package hub

import (
	"sync"

	"goa.design/relay/event"
)

// Subscription is one subscriber's bounded delivery queue on a session.
// Events arrive in publish order. When the queue is full the oldest
// undelivered event is dropped so the publisher never blocks.
type Subscription struct {
	session *session
	ch      chan event.Envelope
	once    sync.Once
	closed  bool // guarded by session.mu; blocks deliver after closeAll
}

// Events returns the delivery channel. It is closed when the subscription is
// closed, the session is evicted, or the hub shuts down.
func (s *Subscription) Events() <-chan event.Envelope {
	return s.ch
}

// Close removes the subscriber from the session and closes the delivery
// channel. Idempotent and safe to call concurrently with delivery.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.session.unsubscribe(s)
	})
}

// deliver enqueues the envelope without blocking, dropping the oldest queued
// event when full. Called with session.mu held, which excludes concurrent
// unsubscribe/close, so the send can never hit a closed channel. Reports
// whether an event was dropped.
func (s *Subscription) deliver(env event.Envelope) bool {
	if s.closed {
		return false
	}
	dropped := false
	for {
		select {
		case s.ch <- env:
			return dropped
		default:
		}
		select {
		case <-s.ch:
			dropped = true
		default:
			// A consumer drained the queue between the two selects; retry
			// the send.
		}
	}
}

// markClosed flags the subscription so a racing deliver cannot send on the
// closed channel. Called with session.mu held.
func (s *Subscription) markClosed() {
	s.closed = true
}
