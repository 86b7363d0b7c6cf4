// Package conversation maintains the client-side view of a conversation: an
// ordered list of display messages reconciled from the canonical event
// stream. Message identity is the heart of the package. Each assistant
// message is tied to the user turn it answers via InReplyTo, and completion
// is monotonic: once a message completes it can never be reopened, mutated,
// or resurrected by late or replayed events. A fresh user turn always mints
// a fresh reply identity, so a follow-up can never be written into the
// previous turn's finished message.
//
// The conversation is single-writer: the transport feeds events into Apply
// one at a time and nothing else mutates state. Readers receive copies.
package conversation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"goa.design/relay/event"
	"goa.design/relay/telemetry"
)

type (
	// Role identifies the author of a display message.
	Role string

	// DisplayMessage is a message rendered to the user. Content is mutable
	// while the message streams; Completed is monotonic and freezes the
	// content permanently.
	DisplayMessage struct {
		// ID uniquely identifies the message.
		ID string
		// Role is the message author.
		Role Role
		// Content is the rendered text. Mutable until Completed.
		Content string
		// InReplyTo is the ID of the user message this assistant message
		// answers. Set once at creation, immutable, empty for user messages.
		InReplyTo string
		// Completed reports whether the message is final. Once true it never
		// reverts and content updates are rejected.
		Completed bool
		// CreatedAt records when the message was created.
		CreatedAt time.Time
		// UpdatedAt records the last content change.
		UpdatedAt time.Time
	}

	// Conversation is the reconciled message state for one session.
	Conversation struct {
		messages   []*DisplayMessage
		byReply    map[string]*DisplayMessage // open assistant message per user turn
		lastUserID string

		// segments orders streamed content per assistant message by
		// invocation, so replayed events overwrite their own slot instead of
		// duplicating content.
		segments map[string]*segmentSet

		now    func() time.Time
		newID  func() string
		logger telemetry.Logger
	}

	// Options configures a Conversation.
	Options struct {
		// Now supplies timestamps. Defaults to time.Now.
		Now func() time.Time
		// NewID mints message identifiers. Defaults to UUIDs.
		NewID func() string
		// Logger receives debug logs for rejected updates. Defaults to noop.
		Logger telemetry.Logger
	}

	// Outcome describes what Apply did with an event.
	Outcome string

	// segmentSet accumulates streamed text per invocation in first-seen
	// order.
	segmentSet struct {
		order []string
		text  map[string]string
	}
)

// Message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Apply outcomes.
const (
	// OutcomeCreated indicates a new assistant message was created.
	OutcomeCreated Outcome = "created"
	// OutcomeUpdated indicates an existing streaming message was updated.
	OutcomeUpdated Outcome = "updated"
	// OutcomeCompleted indicates the open message was marked completed.
	OutcomeCompleted Outcome = "completed"
	// OutcomeIgnored indicates the event produced no state change: no
	// user-facing content, no user turn to answer, or the target message
	// already completed.
	OutcomeIgnored Outcome = "ignored"
)

// New constructs an empty Conversation.
func New(opts Options) *Conversation {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Conversation{
		byReply:  make(map[string]*DisplayMessage),
		segments: make(map[string]*segmentSet),
		now:      opts.Now,
		newID:    opts.NewID,
		logger:   opts.Logger,
	}
}

// AddUserMessage appends a user message and advances the current turn. The
// next content-bearing assistant event will answer this message with a fresh
// identity, never the previous turn's.
func (c *Conversation) AddUserMessage(text string) DisplayMessage {
	now := c.now()
	msg := &DisplayMessage{
		ID:        c.newID(),
		Role:      RoleUser,
		Content:   text,
		CreatedAt: now,
		UpdatedAt: now,
	}
	c.messages = append(c.messages, msg)
	c.lastUserID = msg.ID
	return *msg
}

// Apply reconciles one canonical event into the conversation. It is the
// single mutation entry point for assistant messages:
//
//   - the first content-bearing event of a turn creates the assistant
//     message answering the current user turn
//   - subsequent events update its content while it streams
//   - a final event completes it, irreversibly
//   - events for a completed turn, and events without user-facing content,
//     are ignored
func (c *Conversation) Apply(evt event.CanonicalEvent) Outcome {
	if evt.Role == event.RoleUser {
		// The session stream echoes submitted user turns back to every
		// subscriber. The turn is already in the conversation via
		// AddUserMessage; its echo must never become assistant content.
		return OutcomeIgnored
	}
	if c.lastUserID == "" {
		return OutcomeIgnored
	}
	open := c.byReply[c.lastUserID]

	// Trust Text over HasContent: events decoded off the wire may claim
	// content without carrying any.
	hasContent := evt.HasContent && evt.Text != nil
	if !hasContent {
		// Tool calls and internal reasoning never surface. A final
		// no-content event still completes the in-flight message: finality
		// is a lifecycle signal, not content.
		if evt.Final && open != nil {
			return c.complete(open)
		}
		return OutcomeIgnored
	}

	if open == nil {
		if c.completedReply(c.lastUserID) {
			// The turn already has a finished answer. Late or replayed
			// events must not resurrect it or allocate a duplicate.
			c.logger.Debug(context.Background(), "rejected event for completed turn",
				"in_reply_to", c.lastUserID, "invocation_id", evt.InvocationID)
			return OutcomeIgnored
		}
		now := c.now()
		open = &DisplayMessage{
			ID:        c.newID(),
			Role:      RoleAssistant,
			InReplyTo: c.lastUserID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		c.messages = append(c.messages, open)
		c.byReply[c.lastUserID] = open
		c.segments[open.ID] = newSegmentSet()
		c.setSegment(open, evt)
		if evt.Final {
			c.complete(open)
		}
		return OutcomeCreated
	}

	c.setSegment(open, evt)
	if evt.Final {
		return c.complete(open)
	}
	return OutcomeUpdated
}

// Messages returns a copy of the conversation in order.
func (c *Conversation) Messages() []DisplayMessage {
	out := make([]DisplayMessage, len(c.messages))
	for i, m := range c.messages {
		out[i] = *m
	}
	return out
}

// LastUserMessageID returns the identifier of the current user turn, empty
// before the first user message.
func (c *Conversation) LastUserMessageID() string {
	return c.lastUserID
}

// setSegment records the event's text under its invocation slot and
// re-renders the message content. Replayed events overwrite their own slot,
// making reapplication idempotent.
func (c *Conversation) setSegment(msg *DisplayMessage, evt event.CanonicalEvent) {
	segs := c.segments[msg.ID]
	if segs == nil {
		segs = newSegmentSet()
		c.segments[msg.ID] = segs
	}
	key := evt.InvocationID
	if key == "" {
		key = "-"
	}
	segs.set(key, *evt.Text)
	msg.Content = segs.render()
	msg.UpdatedAt = c.now()
}

// complete marks the message completed and closes its turn. Idempotent.
func (c *Conversation) complete(msg *DisplayMessage) Outcome {
	if msg.Completed {
		return OutcomeIgnored
	}
	msg.Completed = true
	msg.UpdatedAt = c.now()
	delete(c.byReply, msg.InReplyTo)
	delete(c.segments, msg.ID)
	return OutcomeCompleted
}

// completedReply reports whether the user turn already has a completed
// assistant answer.
func (c *Conversation) completedReply(userID string) bool {
	for _, m := range c.messages {
		if m.Role == RoleAssistant && m.InReplyTo == userID && m.Completed {
			return true
		}
	}
	return false
}

func newSegmentSet() *segmentSet {
	return &segmentSet{text: make(map[string]string)}
}

// set stores or replaces the text for an invocation slot.
func (s *segmentSet) set(key, text string) {
	if _, ok := s.text[key]; !ok {
		s.order = append(s.order, key)
	}
	s.text[key] = text
}

// render joins segment text in first-seen invocation order.
func (s *segmentSet) render() string {
	out := ""
	for _, key := range s.order {
		out += s.text[key]
	}
	return out
}
