package core

import (
	"context"
	"time"
)

// InboundEvent is the envelope produced by channel adapters for every
// message received from a client.
type InboundEvent struct {
	ConversationKey string    `json:"conversation_key"`
	ClientID        string    `json:"client_id"`
	Channel         string    `json:"channel"`
	Text            string    `json:"text"`
	ReceivedAt      time.Time `json:"received_at"`
}

// OutboundReply is the composed reply handed back to channel adapters
// for delivery.
type OutboundReply struct {
	ConversationKey string            `json:"conversation_key"`
	Text            string            `json:"text"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Sender delivers outbound replies. Implementations are channel
// adapters (websocket gateway, chat transport, test sinks).
type Sender interface {
	Send(ctx context.Context, reply *OutboundReply) error
}

// EventKind distinguishes live inbound messages from scheduler-injected
// reminder fires. Both kinds flow through the same per-conversation
// queues so reminder delivery shares the ordering machinery.
type EventKind string

const (
	EventMessage      EventKind = "message"
	EventReminderFire EventKind = "reminder_fire"
)

// Event is the unit of work on a conversation queue.
type Event struct {
	Kind EventKind

	// Inbound is set for EventMessage.
	Inbound *InboundEvent

	// InstanceID and RuleID are set for EventReminderFire.
	InstanceID string
	RuleID     string

	// Cancelled, when non-nil, is probed immediately before dispatch.
	// A true result drops the event without processing (used for
	// reminder fires whose rule was cancelled after scheduling).
	Cancelled func(ctx context.Context) bool
}
