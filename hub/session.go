package hub

import (
	"sync"
	"time"

	"goa.design/relay/event"
)

type (
	// Session is the read-only view of a session's state.
	Session struct {
		// ID is the hub-generated session identifier.
		ID string
		// CreatedAt records when the session was created.
		CreatedAt time.Time
		// LastActivityAt records the last publish into the session.
		LastActivityAt time.Time
		// HasContent reports whether the session holds real conversation
		// content. Content-bearing sessions are never evicted by TTL alone.
		HasContent bool
		// Subscribers is the current live subscriber count.
		Subscribers int
	}

	// session is the mutable broadcast state for one session. All fields are
	// guarded by mu. The lock is held only for queue-local, non-blocking
	// operations so the publish path stays bounded regardless of subscriber
	// speed.
	session struct {
		mu           sync.Mutex
		id           string
		createdAt    time.Time
		lastActivity time.Time
		hasContent   bool
		history      *ring
		subs         map[*Subscription]struct{}
	}

	// ring is a fixed-capacity envelope buffer. Oldest entries are evicted
	// first once capacity is reached. Guarded by the owning session's mutex:
	// appends are by-one and snapshots copy out, so readers never hold up
	// the publisher beyond the copy.
	ring struct {
		buf   []event.Envelope
		start int
		size  int
	}
)

func newSession(id string, now time.Time, historyCap int) *session {
	return &session{
		id:           id,
		createdAt:    now,
		lastActivity: now,
		history:      newRing(historyCap),
		subs:         make(map[*Subscription]struct{}),
	}
}

// publish appends the envelope to history, refreshes activity, and delivers
// to every live subscriber without blocking. Returns the number of events
// dropped from full subscriber queues.
func (s *session) publish(env event.Envelope, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.append(env)
	s.lastActivity = now
	dropped := 0
	for sub := range s.subs {
		if sub.deliver(env) {
			dropped++
		}
	}
	return dropped
}

// subscribe registers a new subscription whose queue is preloaded with the
// current history. The queue is sized to hold the full replay plus queueCap
// live events so a late joiner never loses retained history to its own
// catch-up.
func (s *session) subscribe(queueCap int) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	replay := s.history.snapshot()
	sub := &Subscription{
		session: s,
		ch:      make(chan event.Envelope, queueCap+len(replay)),
	}
	for _, env := range replay {
		sub.ch <- env
	}
	s.subs[sub] = struct{}{}
	return sub
}

// unsubscribe removes the subscription and closes its channel. Idempotence
// is enforced by Subscription.Close.
func (s *session) unsubscribe(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub]; !ok {
		return
	}
	delete(s.subs, sub)
	close(sub.ch)
}

// closeAll closes every subscription, for shutdown and eviction.
func (s *session) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		delete(s.subs, sub)
		sub.markClosed()
		close(sub.ch)
	}
}

func (s *session) markHasContent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasContent = true
}

// evictable reports whether the session qualifies for TTL eviction: idle
// past the TTL, zero subscribers, and no user content.
func (s *session) evictable(now time.Time, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.hasContent && len(s.subs) == 0 && now.Sub(s.lastActivity) >= ttl
}

func (s *session) view() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Session{
		ID:             s.id,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivity,
		HasContent:     s.hasContent,
		Subscribers:    len(s.subs),
	}
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]event.Envelope, capacity)}
}

// append stores the envelope, evicting the oldest entry at capacity.
func (r *ring) append(env event.Envelope) {
	if len(r.buf) == 0 {
		return
	}
	idx := (r.start + r.size) % len(r.buf)
	r.buf[idx] = env
	if r.size < len(r.buf) {
		r.size++
	} else {
		r.start = (r.start + 1) % len(r.buf)
	}
}

// snapshot copies the retained envelopes in append order.
func (r *ring) snapshot() []event.Envelope {
	out := make([]event.Envelope, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
