package event

import (
	"bytes"
	"encoding/json"
	"strings"
)

type (
	// Normalizer converts raw Envelopes into CanonicalEvents. Normalization is
	// pure and synchronous: no I/O, no hidden state, and the same envelope
	// always yields the same canonical event. Malformed payloads degrade to
	// "nothing to show" rather than halting the pipeline: the Normalizer
	// never returns an error.
	Normalizer struct {
		includeThoughts bool
	}

	// Options configures a Normalizer.
	Options struct {
		// IncludeThoughts includes internal reasoning parts in the extracted
		// text. Off by default: reasoning is not user-facing content.
		IncludeThoughts bool
	}

	// payloadBody is the loose superset of envelope payload shapes the
	// normalizer understands. Unknown fields are ignored.
	payloadBody struct {
		// Report and Result are flat convenience fields carrying the final
		// user-facing text verbatim. Report wins when both are set.
		Report *string `json:"report"`
		Result *string `json:"result"`
		// Parts is an ordered list of tagged content parts.
		Parts []json.RawMessage `json:"parts"`
		// Usage carries completion/usage metadata. Its presence contributes
		// to finality.
		Usage json.RawMessage `json:"usage"`
		// PendingToolCalls is an explicit count of outstanding tool
		// invocations reported by the producer.
		PendingToolCalls int `json:"pending_tool_calls"`
		// Truncated indicates the response was cut short; a truncated
		// envelope is never final.
		Truncated bool `json:"truncated"`
	}

	// rawPart is the tagged wire shape of a payload part.
	rawPart struct {
		Type       string          `json:"type"`
		Text       string          `json:"text"`
		ID         string          `json:"id"`
		Name       string          `json:"name"`
		Args       json.RawMessage `json:"args"`
		Input      json.RawMessage `json:"input"`
		ToolCallID string          `json:"tool_call_id"`
		Result     json.RawMessage `json:"result"`
		Content    json.RawMessage `json:"content"`
		Output     json.RawMessage `json:"output"`
		IsError    bool            `json:"is_error"`
		Language   string          `json:"language"`
		Code       string          `json:"code"`
	}
)

// Part type tags recognized in envelope payloads.
const (
	partText          = "text"
	partThought       = "thought"
	partReasoning     = "reasoning" // alias used by some producers
	partToolCall      = "tool_call"
	partToolResult    = "tool_result"
	partCodeExecution = "code_execution"
)

// NewNormalizer constructs a Normalizer with the given options.
func NewNormalizer(opts Options) *Normalizer {
	return &Normalizer{includeThoughts: opts.IncludeThoughts}
}

// Normalize converts one raw envelope into one canonical event.
//
// Content extraction precedence, first match wins:
//  1. flat report/result string, used verbatim
//  2. concatenated text parts in order, excluding reasoning parts
//  3. textual result of a tool-result part, via the fallback chain
//     result field, content field, output field, compact serialization
//  4. no content: HasContent is false and Text is nil
func (n *Normalizer) Normalize(env Envelope) CanonicalEvent {
	out := CanonicalEvent{
		SessionID:    env.SessionID,
		InvocationID: env.InvocationID,
		Role:         env.Role,
		EventType:    env.EventType,
		Partial:      env.Partial,
		Raw:          Raw{Payload: env.Payload},
	}

	body, err := decodePayload(env.Payload)
	if err != nil {
		out.Raw.Err = err.Error()
		return out
	}

	var (
		texts          []string
		toolResultText string
		resolved       = map[string]bool{}
	)
	for _, raw := range body.Parts {
		var rp rawPart
		if err := json.Unmarshal(raw, &rp); err != nil {
			out.Raw.Err = err.Error()
			return out
		}
		switch rp.Type {
		case partText:
			texts = append(texts, rp.Text)
		case partThought, partReasoning:
			if n.includeThoughts {
				texts = append(texts, rp.Text)
			}
		case partToolCall:
			args := rp.Args
			if len(args) == 0 {
				args = rp.Input
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{ID: rp.ID, Name: rp.Name, Args: args})
		case partToolResult:
			out.ToolResults = append(out.ToolResults, ToolResult{
				ToolCallID: rp.ToolCallID,
				Name:       rp.Name,
				Result:     rp.Result,
				IsError:    rp.IsError,
			})
			resolved[rp.ToolCallID] = true
			if toolResultText == "" {
				toolResultText = extractToolResultText(rp)
			}
		case partCodeExecution:
			// Code execution is an internal mechanism, not user-facing text.
		default:
			// Unknown part types are skipped, not errors: producers are free
			// to emit richer parts than the pipeline understands.
		}
	}

	pending := 0
	for _, tc := range out.ToolCalls {
		if !resolved[tc.ID] {
			pending++
		}
	}
	if body.PendingToolCalls > pending {
		pending = body.PendingToolCalls
	}

	// Text parts only win over the tool-result fallback when they actually
	// yield content: a parts list of empty strings is not content.
	joined := strings.Join(texts, "")
	switch {
	case body.Report != nil:
		out.setText(*body.Report)
	case body.Result != nil:
		out.setText(*body.Result)
	case joined != "":
		out.setText(joined)
	default:
		out.setText(toolResultText)
	}

	out.Final = !env.Partial && pending == 0 && len(body.Usage) > 0 && !body.Truncated
	return out
}

// setText records extracted user-facing text. Empty text is not content.
func (e *CanonicalEvent) setText(text string) {
	if text == "" {
		return
	}
	e.Text = &text
	e.HasContent = true
}

// decodePayload parses a raw envelope payload into its loose body fields.
// A nil or empty payload decodes to nothing. A payload that is a bare JSON
// string decodes to the flat result field.
func decodePayload(raw json.RawMessage) (payloadBody, error) {
	var body payloadBody
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return body, nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return body, err
		}
		body.Result = &s
		return body, nil
	}
	if err := json.Unmarshal(trimmed, &body); err != nil {
		return payloadBody{}, err
	}
	return body, nil
}

// extractToolResultText extracts the textual result embedded in a tool-result
// part using the fallback chain: result field, content field, output field,
// then a compact serialization of the whole result value as last resort.
func extractToolResultText(rp rawPart) string {
	for _, candidate := range []json.RawMessage{rp.Result, rp.Content, rp.Output} {
		if s := decodeLooseString(candidate); s != "" {
			return s
		}
	}
	if len(bytes.TrimSpace(rp.Result)) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, rp.Result); err == nil && buf.Len() > 0 {
			return buf.String()
		}
	}
	return ""
}

// decodeLooseString returns the string value of a raw JSON fragment when it
// is a JSON string, and the empty string otherwise.
func decodeLooseString(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return ""
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return ""
	}
	return s
}
