// Package hub implements the per-session broadcast core of the relay
// pipeline. A Hub is an explicit, process-wide registry of sessions: event
// producers publish raw envelopes into a session, and any number of
// subscribers receive them in publish order through bounded delivery queues.
//
// Design constraints, in order of priority:
//   - Publish never blocks on a slow subscriber. When a subscriber queue is
//     full the oldest undelivered event for that subscriber is dropped
//     (liveness over completeness for intermediate events).
//   - Every session retains a bounded history ring so late-joining and
//     reconnecting subscribers can replay what they missed.
//   - Idle sessions without user content are evicted after a TTL. Sessions
//     holding real conversation content are never evicted by TTL alone.
//
// The Hub is owned by the service process: constructed at start, passed as an
// explicit dependency to the components that need it, and torn down once via
// Shutdown. There is no ambient singleton.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"goa.design/relay/event"
	"goa.design/relay/telemetry"
)

type (
	// Hub routes published envelopes to per-session subscribers. Safe for
	// concurrent use: one publish path and N subscriber delivery paths may
	// run in parallel per session.
	Hub struct {
		mu       sync.RWMutex
		sessions map[string]*session
		closed   bool

		opts     Options
		mirrors  []Mirror
		dropWarn *rate.Limiter
		done     chan struct{}
		wg       sync.WaitGroup
	}

	// Options configures a Hub. Zero values fall back to the package
	// defaults.
	Options struct {
		// HistoryCap bounds the per-session replay ring. Defaults to
		// DefaultHistoryCap.
		HistoryCap int
		// QueueCap bounds each subscriber's live delivery queue. Defaults to
		// DefaultQueueCap.
		QueueCap int
		// TTL is the idle duration after which a content-free session with no
		// subscribers is evicted. Defaults to DefaultTTL.
		TTL time.Duration
		// SweepInterval is how often the eviction janitor runs. Defaults to
		// DefaultSweepInterval.
		SweepInterval time.Duration
		// Clock supplies time. Defaults to the system clock. Tests inject a
		// fake to drive eviction without real time passing.
		Clock Clock
		// Logger receives operational logs. Defaults to a noop logger.
		Logger telemetry.Logger
		// Metrics receives operational counters. Defaults to noop metrics.
		Metrics telemetry.Metrics
		// Mirrors are forwarded every accepted envelope after local fan-out.
		// Mirror failures are logged, never propagated to the publisher.
		Mirrors []Mirror
	}

	// Mirror receives every envelope accepted by the hub, after local
	// delivery. Implementations forward traffic to external systems (for
	// example a Pulse/Redis stream) on a best-effort basis.
	Mirror interface {
		Publish(ctx context.Context, sessionID string, env event.Envelope) error
	}

	// Clock abstracts time for the hub so eviction can be tested without
	// real time passing.
	Clock interface {
		// Now returns the current time.
		Now() time.Time
		// After waits for the duration to elapse and delivers the current
		// time on the returned channel.
		After(d time.Duration) <-chan time.Time
	}

	systemClock struct{}
)

// Defaults applied by New for zero-valued Options fields.
const (
	// DefaultHistoryCap is the default per-session replay ring capacity.
	DefaultHistoryCap = 1000
	// DefaultQueueCap is the default subscriber delivery queue capacity.
	DefaultQueueCap = 64
	// DefaultTTL is the default idle eviction TTL for content-free sessions.
	DefaultTTL = 30 * time.Minute
	// DefaultSweepInterval is the default eviction janitor period.
	DefaultSweepInterval = time.Minute
)

var (
	// ErrClosed is returned by hub operations after Shutdown.
	ErrClosed = errors.New("hub is shut down")
	// ErrSessionNotFound is returned when an operation targets a session the
	// hub does not know.
	ErrSessionNotFound = errors.New("session not found")
)

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock returns a Clock backed by package time.
func SystemClock() Clock { return systemClock{} }

// New constructs a Hub and starts its eviction janitor. Call Shutdown to
// release it.
func New(opts Options) *Hub {
	if opts.HistoryCap <= 0 {
		opts.HistoryCap = DefaultHistoryCap
	}
	if opts.QueueCap <= 0 {
		opts.QueueCap = DefaultQueueCap
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	h := &Hub{
		sessions: make(map[string]*session),
		opts:     opts,
		mirrors:  opts.Mirrors,
		// One drop warning per second with a small burst: a single slow
		// subscriber must not flood the logs.
		dropWarn: rate.NewLimiter(rate.Every(time.Second), 5),
		done:     make(chan struct{}),
	}
	h.wg.Add(1)
	go h.janitor()
	return h
}

// OpenSession creates a new session with a hub-generated identifier. Callers
// never choose session IDs: the identifier is always generated by the owning
// side and returned.
func (h *Hub) OpenSession(ctx context.Context) (Session, error) {
	return h.EnsureSession(ctx, uuid.NewString())
}

// EnsureSession creates the session if it does not exist and returns its
// current state. Idempotent: re-ensuring an existing session is a no-op.
func (h *Hub) EnsureSession(_ context.Context, sessionID string) (Session, error) {
	if sessionID == "" {
		return Session{}, errors.New("session id is required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return Session{}, ErrClosed
	}
	s, ok := h.sessions[sessionID]
	if !ok {
		s = newSession(sessionID, h.opts.Clock.Now(), h.opts.HistoryCap)
		h.sessions[sessionID] = s
	}
	return s.view(), nil
}

// Publish appends the envelope to the session's history and fans it out to
// every live subscriber. Publishing to a session with no subscribers is a
// no-op except for history retention. The session is created on demand so a
// producer can start emitting before any client attaches.
//
// Envelopes whose payload is not valid JSON are dropped with a logged
// warning; the producer never sees an error for them.
func (h *Hub) Publish(ctx context.Context, sessionID string, env event.Envelope) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if len(env.Payload) > 0 && !json.Valid(env.Payload) {
		h.opts.Logger.Warn(ctx, "dropping unparseable envelope",
			"session_id", sessionID, "event_type", env.EventType)
		return nil
	}
	env.SessionID = sessionID

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrClosed
	}
	s := h.sessions[sessionID]
	h.mu.RUnlock()
	if s == nil {
		if _, err := h.EnsureSession(ctx, sessionID); err != nil {
			return err
		}
		h.mu.RLock()
		s = h.sessions[sessionID]
		h.mu.RUnlock()
		if s == nil {
			return ErrClosed
		}
	}

	dropped := s.publish(env, h.opts.Clock.Now())
	h.opts.Metrics.IncCounter(telemetry.MetricEventsPublished, 1)
	if dropped > 0 {
		h.opts.Metrics.IncCounter(telemetry.MetricEventsDropped, float64(dropped))
		if h.dropWarn.Allow() {
			h.opts.Logger.Warn(ctx, "dropped events from slow subscriber",
				"session_id", sessionID, "dropped", dropped)
		}
	}

	for _, m := range h.mirrors {
		if err := m.Publish(ctx, sessionID, env); err != nil {
			h.opts.Logger.Warn(ctx, "mirror publish failed",
				"session_id", sessionID, "err", err.Error())
		}
	}
	return nil
}

// Subscribe registers a new subscriber on the session, replaying the current
// history into its queue before any live event. The session is created on
// demand. Close the returned subscription to stop delivery and release its
// queue.
func (h *Hub) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	if _, err := h.EnsureSession(ctx, sessionID); err != nil {
		return nil, err
	}
	h.mu.RLock()
	s := h.sessions[sessionID]
	h.mu.RUnlock()
	if s == nil {
		return nil, ErrClosed
	}
	return s.subscribe(h.opts.QueueCap), nil
}

// MarkHasContent flags the session as holding real conversation content,
// suspending TTL eviction permanently. Returns ErrSessionNotFound for an
// unknown session.
func (h *Hub) MarkHasContent(sessionID string) error {
	h.mu.RLock()
	s := h.sessions[sessionID]
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if s == nil {
		return ErrSessionNotFound
	}
	s.markHasContent()
	return nil
}

// Snapshot returns the current state of a session.
func (h *Hub) Snapshot(sessionID string) (Session, error) {
	h.mu.RLock()
	s := h.sessions[sessionID]
	h.mu.RUnlock()
	if s == nil {
		return Session{}, ErrSessionNotFound
	}
	return s.view(), nil
}

// Shutdown drains and closes all subscriptions, stops the janitor, and
// releases session state. Idempotent.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[string]*session)
	close(h.done)
	h.mu.Unlock()

	for _, s := range sessions {
		s.closeAll()
	}
	h.wg.Wait()
	h.opts.Logger.Info(ctx, "hub shut down", "sessions_released", len(sessions))
	return nil
}

// janitor periodically evicts idle, content-free sessions.
func (h *Hub) janitor() {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return
		case <-h.opts.Clock.After(h.opts.SweepInterval):
			h.sweep(h.opts.Clock.Now())
		}
	}
}

// sweep evicts every session that has been idle past the TTL with zero
// subscribers and no user content. Returns the number of evicted sessions.
func (h *Hub) sweep(now time.Time) int {
	h.mu.Lock()
	var evicted []*session
	for id, s := range h.sessions {
		if s.evictable(now, h.opts.TTL) {
			delete(h.sessions, id)
			evicted = append(evicted, s)
		}
	}
	h.mu.Unlock()

	for _, s := range evicted {
		s.closeAll()
		h.opts.Metrics.IncCounter(telemetry.MetricSessionsEvicted, 1)
		h.opts.Logger.Info(context.Background(), "evicted idle session",
			"session_id", s.id)
	}
	return len(evicted)
}
