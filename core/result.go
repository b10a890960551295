package core

import (
	"context"
	"fmt"
	"time"
)

// SideEffect describes one state mutation an agent wants to perform.
//
// Effects are staged, not applied, by the agent: the orchestrator
// applies them in invocation order during composition so that when two
// agents target the same entity in one dispatch, the first wins and the
// second's effect is recorded but discarded.
type SideEffect struct {
	// Kind names the entity type ("project", "person", "reminder_rule").
	Kind string

	// EntityID identifies the target entity. Kind+EntityID is the
	// conflict-arbitration key.
	EntityID string

	// Op names the mutation ("create", "update", "cancel").
	Op string

	// Applied is set by the orchestrator after arbitration.
	Applied bool

	// Apply performs the mutation. Never persisted; nil for effects
	// replayed from the idempotency ledger.
	Apply func(ctx context.Context) error
}

// Key returns the conflict-arbitration key for this effect.
func (e SideEffect) Key() string { return e.Kind + ":" + e.EntityID }

// String renders the effect for audit detail.
func (e SideEffect) String() string {
	applied := "discarded"
	if e.Applied {
		applied = "applied"
	}
	return fmt.Sprintf("%s %s:%s (%s)", e.Op, e.Kind, e.EntityID, applied)
}

// AgentResult is the ephemeral output of one agent invocation. It is
// folded into the outbound message and the dispatch's audit entry,
// never persisted directly.
type AgentResult struct {
	Agent       string
	Text        string
	Payload     map[string]string
	Confidence  float64
	SideEffects []SideEffect
}

// Audit decision labels.
const (
	DecisionReplied            = "replied"
	DecisionDispatchFailed     = "dispatch_failed"
	DecisionDuplicateSkip      = "duplicate_skip"
	DecisionReminderDeadLetter = "reminder_dead_lettered"
)

// Audit flags recorded on entries for operator visibility.
const (
	FlagLowConfidence = "low_confidence"
	FlagAgentTimeout  = "agent_timeout"
	FlagConflict      = "conflict"
	FlagDeadLetter    = "dead_letter"
)

// AuditEntry is one append-only record of a dispatch decision. Entries
// are write-once: never mutated or deleted. Every outbound message is
// traceable to exactly one entry via MessageID.
type AuditEntry struct {
	ID             string
	ConversationID string
	MessageID      string
	Agents         []string
	Decision       string
	Flags          []string
	Detail         string
	CreatedAt      time.Time
}

// HasFlag reports whether the entry carries the given flag.
func (e *AuditEntry) HasFlag(flag string) bool {
	for _, f := range e.Flags {
		if f == flag {
			return true
		}
	}
	return false
}
