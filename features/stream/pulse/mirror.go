// Package pulse exposes a hub.Mirror implementation that forwards session
// envelopes to goa.design/pulse streams. It mirrors the layering used by
// existing Pulse deployments: services build a Redis client, pass it to the
// Pulse client, and register the resulting mirror on the hub. External
// consumers can then tail session traffic from Redis without holding a live
// SSE connection.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/relay/event"
	"goa.design/relay/features/stream/pulse/clients/pulse"
)

type (
	// Options configures the Mirror.
	Options struct {
		// Client is the Pulse client used to publish envelopes. Required.
		Client pulse.Client
		// StreamName derives the target Pulse stream from a session ID.
		// Defaults to "session/<id>".
		StreamName func(sessionID string) string
		// Now supplies envelope timestamps. Defaults to time.Now.
		Now func() time.Time
	}

	// Mirror publishes hub envelopes into per-session Pulse streams.
	// Thread-safe for concurrent Publish calls.
	Mirror struct {
		client     pulse.Client
		streamName func(string) string
		now        func() time.Time
	}

	// record wraps an envelope for transmission over Pulse streams.
	record struct {
		// Type identifies the event kind (e.g. "message", "tool_call").
		Type string `json:"type"`
		// SessionID links the record to its session.
		SessionID string `json:"session_id"`
		// Timestamp records when the envelope was mirrored (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload is the original envelope payload, if any.
		Payload json.RawMessage `json:"payload,omitempty"`
	}
)

// NewMirror constructs a Pulse-backed hub mirror. The Client field in opts is
// required.
func NewMirror(opts Options) (*Mirror, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	m := &Mirror{
		client:     opts.Client,
		streamName: defaultStreamName,
		now:        time.Now,
	}
	if opts.StreamName != nil {
		m.streamName = opts.StreamName
	}
	if opts.Now != nil {
		m.now = opts.Now
	}
	return m, nil
}

// Publish forwards the envelope to the session's Pulse stream.
func (m *Mirror) Publish(ctx context.Context, sessionID string, env event.Envelope) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	handle, err := m.client.Stream(m.streamName(sessionID))
	if err != nil {
		return err
	}
	rec := record{
		Type:      env.EventType,
		SessionID: sessionID,
		Timestamp: m.now().UTC(),
		Payload:   env.Payload,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal mirror record: %w", err)
	}
	if _, err := handle.Add(ctx, rec.Type, payload); err != nil {
		return err
	}
	return nil
}

// Close releases resources owned by the mirror.
func (m *Mirror) Close(ctx context.Context) error {
	return m.client.Close(ctx)
}

func defaultStreamName(sessionID string) string {
	return "session/" + sessionID
}
