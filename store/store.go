// Package store defines the State Store capability: typed read/write
// access to the platform's entities with per-entity optimistic
// concurrency and conditional updates for reminder instances.
//
// Implementations:
//   - SQLite (primary, modernc.org/sqlite)
//   - Memory (tests and local runs)
//
// All mutations go through this capability; the orchestration core
// holds no other shared mutable state.
package store

import (
	"context"
	"time"

	"github.com/voyantlabs/concierge-core/core"
)

// Store is the State Store capability.
//
// Version semantics: Update* methods compare the entity's Version
// against the stored row and return core.ErrVersionConflict on a stale
// write; on success the entity's Version is incremented in place.
// Conditional methods return core.ErrConditionFailed when the required
// current state no longer holds.
type Store interface {
	// Conversations. Never deleted, only archived.
	CreateConversation(ctx context.Context, c *core.Conversation) error
	Conversation(ctx context.Context, id string) (*core.Conversation, error)
	ConversationByKey(ctx context.Context, key string) (*core.Conversation, error)
	UpdateConversation(ctx context.Context, c *core.Conversation) error

	// Messages. Immutable once appended; RecentMessages returns the
	// newest limit messages in chronological order.
	AppendMessage(ctx context.Context, m *core.Message) error
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]*core.Message, error)

	// Persons and projects.
	CreatePerson(ctx context.Context, p *core.Person) error
	CreateProject(ctx context.Context, p *core.Project) error
	Project(ctx context.Context, id string) (*core.Project, error)
	ProjectByName(ctx context.Context, clientID, name string) (*core.Project, error)
	UpdateProject(ctx context.Context, p *core.Project) error

	// Reminder rules. CreateReminderRule returns core.ErrDuplicate when
	// a rule for the same source message already exists.
	CreateReminderRule(ctx context.Context, r *core.ReminderRule) error
	ReminderRule(ctx context.Context, id string) (*core.ReminderRule, error)
	UpdateReminderRule(ctx context.Context, r *core.ReminderRule) error
	ActiveReminderRules(ctx context.Context) ([]*core.ReminderRule, error)
	ReminderRulesByConversation(ctx context.Context, conversationID string) ([]*core.ReminderRule, error)
	// CancelReminderRulesByOwner cancels every active rule whose
	// OwnerRef matches, returning how many were cancelled.
	CancelReminderRulesByOwner(ctx context.Context, ownerRef string) (int, error)

	// Reminder instances. DueReminderInstances returns pending
	// instances of active rules whose scheduled time has passed.
	CreateReminderInstance(ctx context.Context, inst *core.ReminderInstance) error
	ReminderInstance(ctx context.Context, id string) (*core.ReminderInstance, error)
	LatestInstanceForRule(ctx context.Context, ruleID string) (*core.ReminderInstance, error)
	DueReminderInstances(ctx context.Context, now time.Time) ([]*core.ReminderInstance, error)
	// MarkInstanceDelivered is the conditional pending -> delivered
	// transition: the effect-level dedup point for reminder delivery.
	MarkInstanceDelivered(ctx context.Context, id string) error
	// RecordInstanceFailure increments the attempt count while the
	// instance is pending; at maxAttempts it transitions the instance
	// to dead_lettered. Returns the updated instance.
	RecordInstanceFailure(ctx context.Context, id, cause string, maxAttempts int) (*core.ReminderInstance, error)
	// AcknowledgeInstance stamps a delivered instance as acknowledged
	// by the client. ErrConditionFailed if the instance is not
	// delivered.
	AcknowledgeInstance(ctx context.Context, id string, at time.Time) error

	// ClaimEffect claims (messageID, agent) in the idempotency ledger.
	// The first claim returns true; replays return false. Agents claim
	// before applying mutations so crash-replay cannot double-apply.
	ClaimEffect(ctx context.Context, messageID, agent string) (bool, error)
	// ReleaseEffect removes a claim. Claimants release when the claimed
	// mutation fails so a replay of the message can apply it.
	ReleaseEffect(ctx context.Context, messageID, agent string) error

	// Audit sink: append-only, write-once.
	AppendAudit(ctx context.Context, e *core.AuditEntry) error
	AuditByConversation(ctx context.Context, conversationID string) ([]*core.AuditEntry, error)

	Close() error
}
