package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/require"

	"goa.design/relay/event"
)

// testDecoder feeds a fixed sequence of events to the ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.err != nil {
		return false
	}
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

type recordingPublisher struct {
	mu        sync.Mutex
	envelopes []event.Envelope
	err       error
}

func (p *recordingPublisher) Publish(_ context.Context, sessionID string, env event.Envelope) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	env.SessionID = sessionID
	p.envelopes = append(p.envelopes, env)
	return nil
}

func sseEvent(typ, data string) ssestream.Event {
	return ssestream.Event{Type: typ, Data: []byte(data)}
}

func newTestStream(events ...ssestream.Event) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	return ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{events: events}, nil)
}

func newTestSource(t *testing.T, pub Publisher) *Source {
	t.Helper()
	s, err := New(Options{Publisher: pub, NewInvocationID: func() string { return "inv-1" }})
	require.NoError(t, err)
	return s
}

func TestRunPublishesAccumulatedTextDeltas(t *testing.T) {
	pub := &recordingPublisher{}
	s := newTestSource(t, pub)

	stream := newTestStream(
		sseEvent("message_start", `{"type":"message_start","message":{"role":"assistant","content":[]}}`),
		sseEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"The answer"}}`),
		sseEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" is 42."}}`),
		sseEvent("message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"input_tokens":10,"output_tokens":5}}`),
		sseEvent("message_stop", `{"type":"message_stop"}`),
	)
	require.NoError(t, s.Run(context.Background(), "s1", stream))

	require.Len(t, pub.envelopes, 3)
	norm := event.NewNormalizer(event.Options{})

	first := norm.Normalize(pub.envelopes[0])
	require.True(t, first.Partial)
	require.True(t, first.HasContent)
	require.Equal(t, "The answer", *first.Text)
	require.Equal(t, "inv-1", first.InvocationID)

	second := norm.Normalize(pub.envelopes[1])
	require.Equal(t, "The answer is 42.", *second.Text)

	final := norm.Normalize(pub.envelopes[2])
	require.False(t, final.Partial)
	require.True(t, final.Final)
	require.Equal(t, "The answer is 42.", *final.Text)
}

func TestRunPublishesToolCalls(t *testing.T) {
	pub := &recordingPublisher{}
	s := newTestSource(t, pub)

	stream := newTestStream(
		sseEvent("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"t1","name":"web_search"}}`),
		sseEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"query\":"}}`),
		sseEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"go\"}"}}`),
		sseEvent("content_block_stop", `{"type":"content_block_stop","index":0}`),
		sseEvent("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"input_tokens":8,"output_tokens":3}}`),
		sseEvent("message_stop", `{"type":"message_stop"}`),
	)
	require.NoError(t, s.Run(context.Background(), "s1", stream))

	require.Len(t, pub.envelopes, 2)
	require.Equal(t, "tool_call", pub.envelopes[0].EventType)

	norm := event.NewNormalizer(event.Options{})
	call := norm.Normalize(pub.envelopes[0])
	require.False(t, call.HasContent)
	require.Len(t, call.ToolCalls, 1)
	require.Equal(t, "t1", call.ToolCalls[0].ID)
	require.Equal(t, "web_search", call.ToolCalls[0].Name)
	require.JSONEq(t, `{"query":"go"}`, string(call.ToolCalls[0].Args))

	// An unresolved tool call keeps the closing envelope non-final.
	final := norm.Normalize(pub.envelopes[1])
	require.False(t, final.Partial)
	require.False(t, final.Final)
	require.Len(t, final.ToolCalls, 1)
}

func TestRunPublishesThinkingAsThoughts(t *testing.T) {
	pub := &recordingPublisher{}
	s := newTestSource(t, pub)

	stream := newTestStream(
		sseEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"Let me reason"}}`),
		sseEvent("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Answer."}}`),
		sseEvent("message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"input_tokens":1,"output_tokens":1}}`),
		sseEvent("message_stop", `{"type":"message_stop"}`),
	)
	require.NoError(t, s.Run(context.Background(), "s1", stream))

	require.Len(t, pub.envelopes, 3)
	require.Equal(t, "thought", pub.envelopes[0].EventType)

	// Thoughts stay internal under default normalization.
	norm := event.NewNormalizer(event.Options{})
	thought := norm.Normalize(pub.envelopes[0])
	require.False(t, thought.HasContent)

	verbose := event.NewNormalizer(event.Options{IncludeThoughts: true})
	visible := verbose.Normalize(pub.envelopes[0])
	require.True(t, visible.HasContent)
	require.Equal(t, "Let me reason", *visible.Text)
}

func TestRunEmptyResponseClosesWithoutContent(t *testing.T) {
	pub := &recordingPublisher{}
	s := newTestSource(t, pub)

	stream := newTestStream(
		sseEvent("message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"input_tokens":2,"output_tokens":0}}`),
		sseEvent("message_stop", `{"type":"message_stop"}`),
	)
	require.NoError(t, s.Run(context.Background(), "s1", stream))

	require.Len(t, pub.envelopes, 1)
	final := event.NewNormalizer(event.Options{}).Normalize(pub.envelopes[0])
	require.False(t, final.HasContent)
	require.True(t, final.Final)
}

func TestRunSurfacesPublishFailure(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("hub closed")}
	s := newTestSource(t, pub)

	stream := newTestStream(
		sseEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"x"}}`),
	)
	require.ErrorContains(t, s.Run(context.Background(), "s1", stream), "hub closed")
}

func TestRunRequiresSessionAndStream(t *testing.T) {
	s := newTestSource(t, &recordingPublisher{})
	require.Error(t, s.Run(context.Background(), "", newTestStream()))
	require.Error(t, s.Run(context.Background(), "s1", nil))
}

func TestRunRejectsToolUseBlockWithoutID(t *testing.T) {
	pub := &recordingPublisher{}
	s := newTestSource(t, pub)

	stream := newTestStream(
		sseEvent("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"","name":"web_search"}}`),
	)
	require.Error(t, s.Run(context.Background(), "s1", stream))
}

func TestRunToolCallWithoutInputDefaultsToEmptyObject(t *testing.T) {
	pub := &recordingPublisher{}
	s := newTestSource(t, pub)

	stream := newTestStream(
		sseEvent("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"t1","name":"list_files"}}`),
		sseEvent("content_block_stop", `{"type":"content_block_stop","index":0}`),
	)
	require.NoError(t, s.Run(context.Background(), "s1", stream))

	require.Len(t, pub.envelopes, 1)
	var body struct {
		Parts []struct {
			Args json.RawMessage `json:"args"`
		} `json:"parts"`
	}
	require.NoError(t, json.Unmarshal(pub.envelopes[0].Payload, &body))
	require.Len(t, body.Parts, 1)
	require.JSONEq(t, `{}`, string(body.Parts[0].Args))
}
