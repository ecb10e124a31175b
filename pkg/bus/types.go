package bus

import (
	"context"
	"time"
)

// Event is the canonical form of one inbound webhook occurrence.
// Immutable after normalization.
type Event struct {
	ID             string            `json:"id"`
	Source         string            `json:"source"`
	ConversationID string            `json:"conversation_id"`
	Payload        []byte            `json:"payload,omitempty"`
	ReceivedAt     time.Time         `json:"received_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Command is the routable view of an Event: a name plus positional args.
type Command struct {
	Name  string   `json:"name"`
	Args  []string `json:"args,omitempty"`
	Event Event    `json:"event"`
}

// OutboundMessage is a reply produced by a handler. It is owned by the
// delivery queue from enqueue until it is delivered or exhausted.
type OutboundMessage struct {
	ConversationID string    `json:"conversation_id"`
	Body           string    `json:"body"`
	Media          []string  `json:"media,omitempty"` // local file paths to send
	AttemptCount   int       `json:"attempt_count"`
	MaxAttempts    int       `json:"max_attempts"`
	NextAttemptAt  time.Time `json:"next_attempt_at,omitempty"`
}

// Handler is a unit of business logic bound to a command pattern.
// It returns zero or more outbound messages, in the order they should
// be delivered. The context carries the invocation deadline.
type Handler func(ctx context.Context, cmd Command) ([]OutboundMessage, error)

// Reply is a convenience constructor for the common single text reply.
func Reply(cmd Command, body string) []OutboundMessage {
	return []OutboundMessage{{
		ConversationID: cmd.Event.ConversationID,
		Body:           body,
	}}
}
