// Package anthropic bridges Anthropic Messages streaming responses into
// session envelopes. It is the reference event source: each SDK stream event
// becomes an envelope published to the hub, with text deltas surfacing as
// partial message envelopes, thinking deltas as thought envelopes, tool use
// blocks as tool call envelopes and message_stop as the closing envelope
// carrying usage metadata.
//
// Partial text envelopes carry the accumulated text so far rather than the
// bare delta, so a consumer that reprocesses a replayed envelope converges on
// the same rendering instead of duplicating content.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/google/uuid"

	"goa.design/relay/event"
	"goa.design/relay/telemetry"
)

type (
	// Publisher receives the envelopes produced from the SDK stream. The hub
	// satisfies it.
	Publisher interface {
		Publish(ctx context.Context, sessionID string, env event.Envelope) error
	}

	// Options configures a Source.
	Options struct {
		// Publisher receives produced envelopes. Required.
		Publisher Publisher
		// Logger receives diagnostics. Defaults to noop.
		Logger telemetry.Logger
		// NewInvocationID mints the invocation identifier shared by all
		// envelopes of one Run. Defaults to UUIDs.
		NewInvocationID func() string
	}

	// Source converts Anthropic message streams into published envelopes.
	Source struct {
		pub    Publisher
		logger telemetry.Logger
		newID  func() string
	}

	// processor accumulates per-stream state while converting SDK events.
	processor struct {
		source       *Source
		sessionID    string
		invocationID string

		text       strings.Builder
		thinking   strings.Builder
		toolBlocks map[int]*toolBuffer
		toolCalls  []event.ToolCallPart
		usage      *event.Usage
		stopReason string
	}

	// toolBuffer assembles a tool_use block streamed as JSON fragments.
	toolBuffer struct {
		id        string
		name      string
		fragments []string
	}
)

// New constructs a Source. The Publisher field in opts is required.
func New(opts Options) (*Source, error) {
	if opts.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	s := &Source{
		pub:    opts.Publisher,
		logger: opts.Logger,
		newID:  opts.NewInvocationID,
	}
	if s.logger == nil {
		s.logger = telemetry.NewNoopLogger()
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s, nil
}

// Run consumes the SDK stream to completion, publishing envelopes to the
// session as events arrive. It returns the stream error, if any; publish
// failures abort the run.
func (s *Source) Run(ctx context.Context, sessionID string, stream *ssestream.Stream[sdk.MessageStreamEventUnion]) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if stream == nil {
		return errors.New("stream is required")
	}
	defer stream.Close()

	p := &processor{
		source:       s,
		sessionID:    sessionID,
		invocationID: s.newID(),
		toolBlocks:   make(map[int]*toolBuffer),
	}
	for stream.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.handle(ctx, stream.Current()); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("anthropic stream: %w", err)
	}
	return nil
}

func (p *processor) handle(ctx context.Context, ev sdk.MessageStreamEventUnion) error {
	switch ev := ev.AsAny().(type) {
	case sdk.MessageStartEvent:
		p.text.Reset()
		p.thinking.Reset()
		p.toolBlocks = make(map[int]*toolBuffer)
		p.toolCalls = nil
		p.usage = nil
		p.stopReason = ""
		return nil
	case sdk.ContentBlockStartEvent:
		if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			if toolUse.ID == "" {
				return errors.New("anthropic stream: tool use block missing id")
			}
			if toolUse.Name == "" {
				return fmt.Errorf("anthropic stream: tool use block %q missing name", toolUse.ID)
			}
			p.toolBlocks[int(ev.Index)] = &toolBuffer{id: toolUse.ID, name: toolUse.Name}
		}
		return nil
	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			p.text.WriteString(delta.Text)
			return p.publish(ctx, "message", true, nil, event.TextPart{Text: p.text.String()})
		case sdk.ThinkingDelta:
			if delta.Thinking == "" {
				return nil
			}
			p.thinking.WriteString(delta.Thinking)
			return p.publish(ctx, "thought", true, nil, event.ThoughtPart{Text: p.thinking.String()})
		case sdk.InputJSONDelta:
			if delta.PartialJSON == "" {
				return nil
			}
			if tb := p.toolBlocks[int(ev.Index)]; tb != nil {
				tb.fragments = append(tb.fragments, delta.PartialJSON)
			}
			return nil
		default:
			return nil
		}
	case sdk.ContentBlockStopEvent:
		tb := p.toolBlocks[int(ev.Index)]
		if tb == nil {
			return nil
		}
		delete(p.toolBlocks, int(ev.Index))
		call := event.ToolCallPart{ID: tb.id, Name: tb.name, Args: tb.args()}
		p.toolCalls = append(p.toolCalls, call)
		return p.publish(ctx, "tool_call", true, nil, call)
	case sdk.MessageDeltaEvent:
		p.stopReason = string(ev.Delta.StopReason)
		p.usage = &event.Usage{
			InputTokens:  int(ev.Usage.InputTokens),
			OutputTokens: int(ev.Usage.OutputTokens),
		}
		return nil
	case sdk.MessageStopEvent:
		parts := make([]event.Part, 0, len(p.toolCalls)+1)
		if s := p.text.String(); s != "" {
			parts = append(parts, event.TextPart{Text: s})
		}
		for _, call := range p.toolCalls {
			parts = append(parts, call)
		}
		p.source.logger.Debug(ctx, "anthropic stream stopped",
			"session_id", p.sessionID, "stop_reason", p.stopReason)
		return p.publish(ctx, "message", false, p.usage, parts...)
	}
	return nil
}

// publish wraps the parts in an envelope and hands it to the publisher.
func (p *processor) publish(ctx context.Context, eventType string, partial bool, usage *event.Usage, parts ...event.Part) error {
	payload, err := event.MarshalPayload(usage, parts...)
	if err != nil {
		return err
	}
	return p.source.pub.Publish(ctx, p.sessionID, event.Envelope{
		SessionID:    p.sessionID,
		EventType:    eventType,
		Partial:      partial,
		InvocationID: p.invocationID,
		Role:         event.RoleAssistant,
		Payload:      payload,
	})
}

// args returns the assembled tool input, defaulting to an empty object when
// the model streamed no fragments.
func (tb *toolBuffer) args() json.RawMessage {
	joined := strings.TrimSpace(strings.Join(tb.fragments, ""))
	if joined == "" {
		joined = "{}"
	}
	return json.RawMessage(joined)
}
