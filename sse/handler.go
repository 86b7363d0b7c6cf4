// Package sse exposes the broadcaster over HTTP as Server-Sent Events. The
// delivery endpoint streams normalized canonical events as
// "event: <type>\ndata: <json>" frames, emits periodic comment heartbeats to
// keep idle connections alive, and terminates with a "[DONE]" data frame when
// the session stream ends.
//
// Authentication is delegated: the handler extracts the bearer credential and
// CSRF token from headers and hands them to caller-supplied verifier
// functions. The pipeline forwards credentials, it never mints or validates
// them itself.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"goa.design/relay/event"
	"goa.design/relay/hub"
	"goa.design/relay/telemetry"
)

type (
	// Handler serves the relay HTTP surface: session creation, turn
	// submission, and the SSE delivery endpoint.
	Handler struct {
		hub       *hub.Hub
		norm      *event.Normalizer
		auth      VerifyFunc
		csrf      VerifyFunc
		heartbeat time.Duration
		clock     hub.Clock
		logger    telemetry.Logger
	}

	// Options configures a Handler.
	Options struct {
		// Hub is the broadcaster to serve. Required.
		Hub *hub.Hub
		// Normalizer converts raw envelopes to canonical events before they
		// reach the wire. Required.
		Normalizer *event.Normalizer
		// Authorize verifies the bearer credential from the Authorization
		// header. Nil disables bearer verification.
		Authorize VerifyFunc
		// VerifyCSRF verifies the CSRF token on mutating requests, read from
		// the X-CSRF-Token header. Nil disables CSRF verification.
		VerifyCSRF VerifyFunc
		// Heartbeat is the idle keep-alive interval. Defaults to
		// DefaultHeartbeat.
		Heartbeat time.Duration
		// Clock drives heartbeats. Defaults to the system clock.
		Clock hub.Clock
		// Logger receives operational logs. Defaults to a noop logger.
		Logger telemetry.Logger
	}

	// VerifyFunc validates a credential extracted from a request header. A
	// nil error admits the request. The empty string is passed when the
	// header is absent.
	VerifyFunc func(r *http.Request, token string) error

	// turnRequest is the body of a turn submission.
	turnRequest struct {
		Content string `json:"content"`
	}
)

// DefaultHeartbeat is the default idle keep-alive interval for SSE streams.
const DefaultHeartbeat = 15 * time.Second

// csrfHeader carries the CSRF token on mutating requests.
const csrfHeader = "X-CSRF-Token"

// New constructs a Handler. Hub and Normalizer are required.
func New(opts Options) (*Handler, error) {
	if opts.Hub == nil {
		return nil, fmt.Errorf("hub is required")
	}
	if opts.Normalizer == nil {
		return nil, fmt.Errorf("normalizer is required")
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.Clock == nil {
		opts.Clock = hub.SystemClock()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Handler{
		hub:       opts.Hub,
		norm:      opts.Normalizer,
		auth:      opts.Authorize,
		csrf:      opts.VerifyCSRF,
		heartbeat: opts.Heartbeat,
		clock:     opts.Clock,
		logger:    opts.Logger,
	}, nil
}

// Routes returns the HTTP routes served by the handler.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", h.createSession)
	mux.HandleFunc("POST /sessions/{id}/messages", h.submitTurn)
	mux.HandleFunc("GET /sessions/{id}/events", h.streamEvents)
	return mux
}

// createSession opens a new session and returns its hub-generated ID. The
// caller never supplies an identifier.
func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	sess, err := h.hub.OpenSession(r.Context())
	if err != nil {
		h.serverError(w, r, "open session", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": sess.ID})
}

// submitTurn accepts a user message for the session, publishes it into the
// session stream, and marks the session as content-bearing so TTL eviction
// is suspended.
func (h *Handler) submitTurn(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	if h.csrf != nil {
		if err := h.csrf(r, r.Header.Get(csrfHeader)); err != nil {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid csrf token"})
			return
		}
	}
	sessionID := r.PathValue("id")
	var turn turnRequest
	if err := json.NewDecoder(r.Body).Decode(&turn); err != nil || turn.Content == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "content is required"})
		return
	}

	messageID := uuid.NewString()
	env := event.Envelope{
		EventType:    "message",
		InvocationID: messageID,
		Role:         event.RoleUser,
		Payload:      event.TextPayload(turn.Content),
	}
	if err := h.hub.Publish(r.Context(), sessionID, env); err != nil {
		h.serverError(w, r, "publish turn", err)
		return
	}
	if err := h.hub.MarkHasContent(sessionID); err != nil {
		h.serverError(w, r, "mark content", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message_id": messageID})
}

// streamEvents serves the session event stream as SSE frames until the
// client disconnects or the session stream ends.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sessionID := r.PathValue("id")
	sub, err := h.hub.Subscribe(r.Context(), sessionID)
	if err != nil {
		h.serverError(w, r, "subscribe", err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	heartbeat := h.clock.After(h.heartbeat)
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
			heartbeat = h.clock.After(h.heartbeat)
		case env, open := <-sub.Events():
			if !open {
				fmt.Fprintf(w, "data: %s\n\n", event.Terminal)
				flusher.Flush()
				return
			}
			evt := h.norm.Normalize(env)
			data, err := json.Marshal(evt)
			if err != nil {
				h.logger.Error(ctx, "marshal canonical event",
					"session_id", sessionID, "err", err.Error())
				continue
			}
			eventType := evt.EventType
			if eventType == "" {
				eventType = "message"
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
			flusher.Flush()
		}
	}
}

// authorize verifies the bearer credential. Writes a 401 and returns false
// when verification fails.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) bool {
	if h.auth == nil {
		return true
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if err := h.auth(r, token); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return false
	}
	return true
}

func (h *Handler) serverError(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.Error(r.Context(), op, "err", err.Error())
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": op + " failed"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
