// Package core defines the shared entity types, event envelopes, and
// error taxonomy used by every other package in the orchestration core.
//
// The types here mirror the platform's persistent data model:
//   - Conversation: ordered message thread tied to one client and channel
//   - Message: immutable inbound/outbound text with classified intent
//   - ReminderRule / ReminderInstance: time-based notification rules and
//     their independently-deliverable occurrences
//   - AuditEntry: append-only record of every dispatch decision
//
// AgentResult and SideEffect are ephemeral: they exist only for the
// duration of one dispatch and are folded into the outbound Message and
// AuditEntry.
package core

import "time"

// DispatchState is the persisted dispatch state of a conversation.
type DispatchState string

const (
	StateIdle          DispatchState = "idle"
	StateProcessing    DispatchState = "processing"
	StateAwaitingAgent DispatchState = "awaiting_agent"
)

// Intent is the classified intent label of an inbound message.
type Intent string

const (
	IntentInformation    Intent = "information_request"
	IntentRecommendation Intent = "recommendation_request"
	IntentReminderAck    Intent = "reminder_ack"
	IntentProjectUpdate  Intent = "project_update"
	IntentDataCapture    Intent = "data_capture"
	IntentUnstructured   Intent = "unstructured"
)

// Direction marks a message as inbound (from the client) or outbound
// (a composed reply).
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Conversation is an ordered message thread for one client on one
// channel. Conversations are created on the first inbound event for a
// (client, channel) key and are never deleted, only archived.
//
// Version is the optimistic-concurrency token: every successful write
// increments it, and a write carrying a stale version is rejected.
type Conversation struct {
	ID        string
	ClientID  string
	Channel   string
	Key       string
	State     DispatchState
	Archived  bool
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one message in a conversation. Immutable once persisted:
// classification happens before the append, never as an update.
type Message struct {
	ID             string
	ConversationID string
	Direction      Direction
	Text           string

	// Intent is empty until the message has been classified.
	Intent     Intent
	Confidence float64

	CreatedAt time.Time
}

// TriggerKind distinguishes one-shot from recurring reminder triggers.
type TriggerKind string

const (
	TriggerAt    TriggerKind = "at"
	TriggerEvery TriggerKind = "every"
)

// Trigger describes when a reminder rule fires: either an absolute
// time or a fixed recurrence interval anchored at At.
type Trigger struct {
	Kind  TriggerKind
	At    time.Time
	Every time.Duration
}

// Next returns the first occurrence strictly after the given time.
// For one-shot triggers this is At itself (zero time if already past).
func (t Trigger) Next(after time.Time) time.Time {
	switch t.Kind {
	case TriggerAt:
		if t.At.After(after) {
			return t.At
		}
		return time.Time{}
	case TriggerEvery:
		if t.Every <= 0 {
			return time.Time{}
		}
		next := t.At
		for !next.After(after) {
			next = next.Add(t.Every)
		}
		return next
	}
	return time.Time{}
}

// RuleStatus is the lifecycle status of a reminder rule.
type RuleStatus string

const (
	RuleActive    RuleStatus = "active"
	RulePaused    RuleStatus = "paused"
	RuleFired     RuleStatus = "fired"
	RuleCancelled RuleStatus = "cancelled"
)

// ReminderRule is a client-owned trigger definition with a payload
// template. Rules are created by the capture or project agents, fired
// and advanced by the scheduler, and cancelled when their owning entity
// is deleted.
type ReminderRule struct {
	ID             string
	ClientID       string
	ConversationID string
	Trigger        Trigger
	Payload        string
	Status         RuleStatus

	// SourceMessageID identifies the inbound message that created the
	// rule. It is unique in the store, so replaying that message cannot
	// create a second rule.
	SourceMessageID string

	// OwnerRef optionally ties the rule to another entity (e.g. a
	// project); cancelling the owner cancels the rule.
	OwnerRef string

	Version   int64
	CreatedAt time.Time
}

// InstanceState is the delivery state of a reminder instance.
//
// Transitions are monotonic: pending -> delivered on a successful
// conditional claim, or pending -> failed -> dead_lettered once the
// attempt bound is exhausted. A failed attempt below the bound keeps
// the instance pending with Attempts incremented.
type InstanceState string

const (
	InstancePending      InstanceState = "pending"
	InstanceDelivered    InstanceState = "delivered"
	InstanceFailed       InstanceState = "failed"
	InstanceDeadLettered InstanceState = "dead_lettered"
)

// Terminal reports whether the state admits no further transitions.
func (s InstanceState) Terminal() bool {
	return s == InstanceDelivered || s == InstanceDeadLettered
}

// ReminderInstance is one concrete occurrence of a rule: the unit of
// idempotent delivery.
type ReminderInstance struct {
	ID           string
	RuleID       string
	ScheduledFor time.Time
	State        InstanceState
	Attempts     int
	LastError    string
	// AcknowledgedAt is set when the client acknowledges a delivered
	// instance. Zero means unacknowledged.
	AcknowledgedAt time.Time
	Version        int64
	CreatedAt      time.Time
}

// Project is a minimal tracked project. It exists in the core so agent
// side effects have a shared mutable entity to contend over.
type Project struct {
	ID       string
	ClientID string
	Name     string
	Notes    string
	Status   string
	Version  int64
}

// Person is a captured contact record.
type Person struct {
	ID        string
	ClientID  string
	Name      string
	Notes     string
	CreatedAt time.Time
}
