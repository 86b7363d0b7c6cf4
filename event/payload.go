package event

import (
	"encoding/json"
	"fmt"
)

// Usage summarizes token accounting reported by an event source on the final
// envelope of an invocation. Its presence marks the envelope as carrying
// completion metadata.
type Usage struct {
	// InputTokens counts tokens consumed by the request.
	InputTokens int `json:"input_tokens"`
	// OutputTokens counts tokens produced by the response.
	OutputTokens int `json:"output_tokens"`
}

// MarshalPayload builds the canonical wire payload for a list of typed parts.
// Producers (source adapters, the turn-submission endpoint, tests) use it to
// emit envelopes the Normalizer is guaranteed to understand. A nil usage
// omits completion metadata, keeping the envelope non-final.
func MarshalPayload(usage *Usage, parts ...Part) (json.RawMessage, error) {
	body := struct {
		Parts []json.RawMessage `json:"parts,omitempty"`
		Usage *Usage            `json:"usage,omitempty"`
	}{Usage: usage}
	for _, p := range parts {
		raw, err := marshalPart(p)
		if err != nil {
			return nil, err
		}
		body.Parts = append(body.Parts, raw)
	}
	return json.Marshal(body)
}

// TextPayload builds a payload carrying a single text part.
func TextPayload(text string) json.RawMessage {
	raw, err := MarshalPayload(nil, TextPart{Text: text})
	if err != nil {
		// Marshaling a flat string part cannot fail.
		panic(err)
	}
	return raw
}

func marshalPart(p Part) (json.RawMessage, error) {
	switch v := p.(type) {
	case TextPart:
		return json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{partText, v.Text})
	case ThoughtPart:
		return json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{partThought, v.Text})
	case ToolCallPart:
		return json.Marshal(struct {
			Type string          `json:"type"`
			ID   string          `json:"id"`
			Name string          `json:"name"`
			Args json.RawMessage `json:"args,omitempty"`
		}{partToolCall, v.ID, v.Name, v.Args})
	case ToolResultPart:
		return json.Marshal(struct {
			Type       string          `json:"type"`
			ToolCallID string          `json:"tool_call_id"`
			Name       string          `json:"name,omitempty"`
			Result     json.RawMessage `json:"result,omitempty"`
			IsError    bool            `json:"is_error,omitempty"`
		}{partToolResult, v.ToolCallID, v.Name, v.Result, v.IsError})
	case CodeExecutionPart:
		return json.Marshal(struct {
			Type     string `json:"type"`
			Language string `json:"language"`
			Code     string `json:"code"`
			Output   string `json:"output,omitempty"`
		}{partCodeExecution, v.Language, v.Code, v.Output})
	default:
		return nil, fmt.Errorf("unsupported part type %T", p)
	}
}
