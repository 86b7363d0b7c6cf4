// Package event defines the wire-level event model for the relay pipeline.
//
// An Envelope is the raw, loosely-structured record emitted by an event
// source (an agent runtime, a model adapter, a tool executor). Envelope
// payloads vary wildly in shape: flat report strings, lists of typed parts,
// bare fragments of an in-progress response. The Normalizer converts each
// Envelope into exactly one CanonicalEvent, the fixed-shape record that all
// downstream code (SSE egress, client transport, conversation reconciliation)
// operates on. Downstream code never inspects raw payloads.
package event

import (
	"encoding/json"
)

type (
	// Envelope is the raw event record accepted by the broadcaster. The
	// payload is opaque: no schema is enforced beyond being valid JSON.
	Envelope struct {
		// SessionID identifies the session this event belongs to.
		SessionID string `json:"session_id"`
		// EventType is a free-form tag set by the producer, e.g. "message",
		// "status", "error", "final".
		EventType string `json:"event_type"`
		// Partial marks the envelope as an incomplete fragment of a longer
		// in-progress response. Defaults to false.
		Partial bool `json:"partial,omitempty"`
		// InvocationID correlates multiple envelopes belonging to one logical
		// unit of work by the event source.
		InvocationID string `json:"invocation_id,omitempty"`
		// Role identifies the origin of the event: RoleUser for echoed user
		// turns, RoleAssistant or empty for agent output. Session streams
		// carry both, so consumers that render assistant output must check it.
		Role string `json:"role,omitempty"`
		// Payload carries the producer-specific event body.
		Payload json.RawMessage `json:"payload,omitempty"`
	}

	// CanonicalEvent is the fixed-shape record produced by the Normalizer.
	// It is a transient, non-owned transformation: the same Envelope always
	// yields the same CanonicalEvent.
	CanonicalEvent struct {
		// SessionID identifies the session this event belongs to.
		SessionID string `json:"session_id"`
		// InvocationID correlates fragments of one logical turn.
		InvocationID string `json:"invocation_id,omitempty"`
		// Role echoes the envelope's origin role.
		Role string `json:"role,omitempty"`
		// EventType echoes the envelope's event type tag.
		EventType string `json:"event_type"`
		// Partial marks an incomplete fragment. Partial events must never be
		// used for finality decisions.
		Partial bool `json:"partial"`
		// Final is true only when the envelope is not partial, carries no
		// outstanding tool invocations, and reports completion metadata.
		Final bool `json:"final"`
		// HasContent reports whether the event carries user-facing content.
		// Tool-call-only and reasoning-only envelopes are never user-facing.
		HasContent bool `json:"has_content"`
		// Text is the extracted user-facing text, nil when HasContent is false.
		Text *string `json:"text,omitempty"`
		// ToolCalls lists tool invocations declared by the envelope.
		ToolCalls []ToolCall `json:"tool_calls,omitempty"`
		// ToolResults lists tool results carried by the envelope.
		ToolResults []ToolResult `json:"tool_results,omitempty"`
		// Raw retains the original payload for debugging and fallback.
		Raw Raw `json:"raw,omitempty"`
	}

	// Raw retains the original envelope payload alongside any parse error
	// encountered while normalizing it.
	Raw struct {
		// Payload is the original envelope payload, verbatim.
		Payload json.RawMessage `json:"payload,omitempty"`
		// Err is the parse error message when the payload could not be
		// decoded. Empty on success.
		Err string `json:"err,omitempty"`
	}

	// ToolCall describes a tool invocation declared by an event source.
	ToolCall struct {
		// ID correlates this invocation with a later ToolResult.
		ID string `json:"id"`
		// Name is the tool identifier.
		Name string `json:"name"`
		// Args are the JSON-encoded tool arguments.
		Args json.RawMessage `json:"args,omitempty"`
	}

	// ToolResult carries the outcome of a completed tool invocation.
	ToolResult struct {
		// ToolCallID correlates to a prior ToolCall.ID.
		ToolCallID string `json:"tool_call_id"`
		// Name is the tool identifier when known.
		Name string `json:"name,omitempty"`
		// Result is the JSON-encoded tool output.
		Result json.RawMessage `json:"result,omitempty"`
		// IsError indicates whether the tool invocation failed.
		IsError bool `json:"is_error,omitempty"`
	}

	// Part is a tagged variant of an envelope payload part. Concrete types
	// are TextPart, ThoughtPart, ToolCallPart, ToolResultPart and
	// CodeExecutionPart.
	Part interface {
		isPart()
	}

	// TextPart carries plain user-visible text.
	TextPart struct {
		// Text is visible content intended for users.
		Text string
	}

	// ThoughtPart carries internal model reasoning. Excluded from extracted
	// text unless the normalizer is configured to include thoughts.
	ThoughtPart struct {
		// Text is the reasoning text.
		Text string
	}

	// ToolCallPart declares a tool invocation.
	ToolCallPart struct {
		// ID is the invocation identifier used to correlate the result.
		ID string
		// Name is the tool identifier.
		Name string
		// Args are the JSON-encoded tool arguments.
		Args json.RawMessage
	}

	// ToolResultPart carries a tool result back from the executor.
	ToolResultPart struct {
		// ToolCallID correlates to a prior ToolCallPart.ID.
		ToolCallID string
		// Name is the tool identifier when known.
		Name string
		// Result is the raw tool output.
		Result json.RawMessage
		// IsError indicates whether the tool invocation failed.
		IsError bool
	}

	// CodeExecutionPart carries the outcome of a sandboxed code execution.
	CodeExecutionPart struct {
		// Language is the execution language, e.g. "python".
		Language string
		// Code is the executed source.
		Code string
		// Output is the captured execution output.
		Output string
	}
)

func (TextPart) isPart()          {}
func (ThoughtPart) isPart()       {}
func (ToolCallPart) isPart()      {}
func (ToolResultPart) isPart()    {}
func (CodeExecutionPart) isPart() {}

// Event origin roles.
const (
	// RoleUser marks a user turn echoed back through the session stream.
	RoleUser = "user"
	// RoleAssistant marks agent output.
	RoleAssistant = "assistant"
)

// Terminal is the marker sent on a delivery stream when no further events
// will follow. It is a graceful end, not an error.
const Terminal = "[DONE]"
