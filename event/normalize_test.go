package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeFlatReport(t *testing.T) {
	n := NewNormalizer(Options{})
	evt := n.Normalize(Envelope{
		SessionID:    "s1",
		EventType:    "final",
		InvocationID: "inv-1",
		Payload:      json.RawMessage(`{"report":"final report text","usage":{"input_tokens":10,"output_tokens":20}}`),
	})
	require.True(t, evt.HasContent)
	require.NotNil(t, evt.Text)
	require.Equal(t, "final report text", *evt.Text)
	require.True(t, evt.Final)
	require.Equal(t, "s1", evt.SessionID)
	require.Equal(t, "inv-1", evt.InvocationID)
}

func TestNormalizeReportWinsOverParts(t *testing.T) {
	n := NewNormalizer(Options{})
	evt := n.Normalize(Envelope{
		Payload: json.RawMessage(`{"report":"the report","parts":[{"type":"text","text":"ignored"}]}`),
	})
	require.Equal(t, "the report", *evt.Text)
}

func TestNormalizeTextParts(t *testing.T) {
	n := NewNormalizer(Options{})
	evt := n.Normalize(Envelope{
		Payload: json.RawMessage(`{"parts":[
			{"type":"text","text":"Hello, "},
			{"type":"thought","text":"the user greeted me"},
			{"type":"text","text":"world"}
		]}`),
	})
	require.True(t, evt.HasContent)
	require.Equal(t, "Hello, world", *evt.Text)
}

func TestNormalizeIncludeThoughts(t *testing.T) {
	n := NewNormalizer(Options{IncludeThoughts: true})
	evt := n.Normalize(Envelope{
		Payload: json.RawMessage(`{"parts":[
			{"type":"thought","text":"thinking... "},
			{"type":"text","text":"answer"}
		]}`),
	})
	require.Equal(t, "thinking... answer", *evt.Text)
}

func TestNormalizeToolCallOnlyHasNoContent(t *testing.T) {
	n := NewNormalizer(Options{})
	evt := n.Normalize(Envelope{
		Payload: json.RawMessage(`{"parts":[
			{"type":"tool_call","id":"t1","name":"search","args":{"q":"go"}},
			{"type":"thought","text":"I should search"}
		],"usage":{"input_tokens":1,"output_tokens":2}}`),
	})
	require.False(t, evt.HasContent)
	require.Nil(t, evt.Text)
	require.Len(t, evt.ToolCalls, 1)
	require.Equal(t, "search", evt.ToolCalls[0].Name)
	// Pending tool call: usage present but the invocation is outstanding.
	require.False(t, evt.Final)
}

func TestNormalizeTextPlusToolCall(t *testing.T) {
	n := NewNormalizer(Options{})
	evt := n.Normalize(Envelope{
		Payload: json.RawMessage(`{"parts":[
			{"type":"text","text":"partial answer"},
			{"type":"tool_call","id":"t1","name":"search"}
		]}`),
	})
	require.True(t, evt.HasContent)
	require.Equal(t, "partial answer", *evt.Text)
}

func TestNormalizeToolResultFallbackChain(t *testing.T) {
	n := NewNormalizer(Options{})
	cases := []struct {
		name    string
		part    string
		want    string
		content bool
	}{
		{
			name:    "primary result field",
			part:    `{"type":"tool_result","tool_call_id":"t1","result":"from result"}`,
			want:    "from result",
			content: true,
		},
		{
			name:    "secondary content field",
			part:    `{"type":"tool_result","tool_call_id":"t1","content":"from content"}`,
			want:    "from content",
			content: true,
		},
		{
			name:    "generic output field",
			part:    `{"type":"tool_result","tool_call_id":"t1","output":"from output"}`,
			want:    "from output",
			content: true,
		},
		{
			name:    "serialized structured result",
			part:    `{"type":"tool_result","tool_call_id":"t1","result":{"rows": [1, 2]}}`,
			want:    `{"rows":[1,2]}`,
			content: true,
		},
		{
			name:    "empty result",
			part:    `{"type":"tool_result","tool_call_id":"t1"}`,
			want:    "",
			content: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			evt := n.Normalize(Envelope{Payload: json.RawMessage(`{"parts":[` + tc.part + `]}`)})
			require.Equal(t, tc.content, evt.HasContent)
			if tc.content {
				require.Equal(t, tc.want, *evt.Text)
			} else {
				require.Nil(t, evt.Text)
			}
		})
	}
}

func TestNormalizeTextPartBeatsToolResult(t *testing.T) {
	n := NewNormalizer(Options{})
	evt := n.Normalize(Envelope{
		Payload: json.RawMessage(`{"parts":[
			{"type":"tool_result","tool_call_id":"t1","result":"tool output"},
			{"type":"text","text":"summary"}
		]}`),
	})
	require.Equal(t, "summary", *evt.Text)
}

func TestNormalizeEmptyTextPartsFallBackToToolResult(t *testing.T) {
	n := NewNormalizer(Options{})
	evt := n.Normalize(Envelope{
		Payload: json.RawMessage(`{"parts":[
			{"type":"text","text":""},
			{"type":"tool_result","tool_call_id":"t1","result":"tool output"}
		]}`),
	})
	require.True(t, evt.HasContent)
	require.Equal(t, "tool output", *evt.Text)
}

func TestNormalizeCarriesRole(t *testing.T) {
	n := NewNormalizer(Options{})
	user := n.Normalize(Envelope{Role: RoleUser, Payload: TextPayload("hi")})
	require.Equal(t, RoleUser, user.Role)
	require.True(t, user.HasContent)

	agent := n.Normalize(Envelope{Role: RoleAssistant, Payload: TextPayload("hello")})
	require.Equal(t, RoleAssistant, agent.Role)

	unset := n.Normalize(Envelope{Payload: TextPayload("hello")})
	require.Empty(t, unset.Role)
}

func TestNormalizeFinality(t *testing.T) {
	n := NewNormalizer(Options{})
	cases := []struct {
		name    string
		env     Envelope
		isFinal bool
	}{
		{
			name: "complete with usage",
			env: Envelope{Payload: json.RawMessage(
				`{"parts":[{"type":"text","text":"done"}],"usage":{"input_tokens":1,"output_tokens":1}}`)},
			isFinal: true,
		},
		{
			name: "partial never final",
			env: Envelope{Partial: true, Payload: json.RawMessage(
				`{"parts":[{"type":"text","text":"frag"}],"usage":{"input_tokens":1,"output_tokens":1}}`)},
			isFinal: false,
		},
		{
			name: "missing usage",
			env: Envelope{Payload: json.RawMessage(
				`{"parts":[{"type":"text","text":"done"}]}`)},
			isFinal: false,
		},
		{
			name: "truncated",
			env: Envelope{Payload: json.RawMessage(
				`{"parts":[{"type":"text","text":"done"}],"usage":{"input_tokens":1,"output_tokens":1},"truncated":true}`)},
			isFinal: false,
		},
		{
			name: "explicit pending tool calls",
			env: Envelope{Payload: json.RawMessage(
				`{"parts":[{"type":"text","text":"working"}],"usage":{"input_tokens":1,"output_tokens":1},"pending_tool_calls":2}`)},
			isFinal: false,
		},
		{
			name: "resolved tool call",
			env: Envelope{Payload: json.RawMessage(
				`{"parts":[
					{"type":"tool_call","id":"t1","name":"search"},
					{"type":"tool_result","tool_call_id":"t1","result":"ok"},
					{"type":"text","text":"done"}
				],"usage":{"input_tokens":1,"output_tokens":1}}`)},
			isFinal: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.isFinal, n.Normalize(tc.env).Final)
		})
	}
}

func TestNormalizeMalformedPayload(t *testing.T) {
	n := NewNormalizer(Options{})
	evt := n.Normalize(Envelope{
		SessionID: "s1",
		Payload:   json.RawMessage(`{"parts": [{`),
	})
	require.False(t, evt.HasContent)
	require.Nil(t, evt.Text)
	require.False(t, evt.Final)
	require.NotEmpty(t, evt.Raw.Err)
	require.Equal(t, json.RawMessage(`{"parts": [{`), evt.Raw.Payload)
}

func TestNormalizeEmptyPayload(t *testing.T) {
	n := NewNormalizer(Options{})
	evt := n.Normalize(Envelope{SessionID: "s1", EventType: "status"})
	require.False(t, evt.HasContent)
	require.Empty(t, evt.Raw.Err)
}

func TestNormalizeBareStringPayload(t *testing.T) {
	n := NewNormalizer(Options{})
	evt := n.Normalize(Envelope{Payload: json.RawMessage(`"just text"`)})
	require.True(t, evt.HasContent)
	require.Equal(t, "just text", *evt.Text)
}

func TestNormalizeUnknownPartsSkipped(t *testing.T) {
	n := NewNormalizer(Options{})
	evt := n.Normalize(Envelope{
		Payload: json.RawMessage(`{"parts":[
			{"type":"citation","url":"https://example.com"},
			{"type":"text","text":"cited"}
		]}`),
	})
	require.Equal(t, "cited", *evt.Text)
}

func TestNormalizeDeterministic(t *testing.T) {
	n := NewNormalizer(Options{})
	env := Envelope{
		SessionID:    "s1",
		InvocationID: "inv-1",
		Payload: json.RawMessage(`{"parts":[
			{"type":"text","text":"a"},
			{"type":"tool_call","id":"t1","name":"x"},
			{"type":"tool_result","tool_call_id":"t1","result":"r"}
		],"usage":{"input_tokens":1,"output_tokens":1}}`),
	}
	first := n.Normalize(env)
	for i := 0; i < 5; i++ {
		require.Equal(t, first, n.Normalize(env))
	}
}

func TestMarshalPayloadRoundTrip(t *testing.T) {
	raw, err := MarshalPayload(&Usage{InputTokens: 3, OutputTokens: 7},
		TextPart{Text: "answer"},
		ThoughtPart{Text: "reasoning"},
		ToolCallPart{ID: "t1", Name: "search", Args: json.RawMessage(`{"q":"go"}`)},
		ToolResultPart{ToolCallID: "t1", Result: json.RawMessage(`"ok"`)},
	)
	require.NoError(t, err)

	n := NewNormalizer(Options{})
	evt := n.Normalize(Envelope{Payload: raw})
	require.Equal(t, "answer", *evt.Text)
	require.Len(t, evt.ToolCalls, 1)
	require.Len(t, evt.ToolResults, 1)
	require.True(t, evt.Final)
}
