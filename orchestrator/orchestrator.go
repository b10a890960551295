// Package orchestrator implements the central dispatch cycle:
// classify -> dispatch -> compose.
//
// One Process call handles one queue event end to end. The session
// manager guarantees per-conversation serialization, so Process never
// races with itself on the same conversation; all cross-conversation
// coordination goes through the store's optimistic concurrency.
//
// Dispatch state machine (persisted on the conversation):
//
//	idle -> processing -> awaiting_agent -> idle
//
// Every terminal outcome, success or failure, produces exactly one
// audit entry and returns the conversation to idle.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voyantlabs/concierge-core/agents"
	"github.com/voyantlabs/concierge-core/audit"
	"github.com/voyantlabs/concierge-core/classify"
	"github.com/voyantlabs/concierge-core/core"
	"github.com/voyantlabs/concierge-core/index"
	"github.com/voyantlabs/concierge-core/store"
)

const (
	// DefaultConfidenceThreshold is the minimum classification
	// confidence required to route on the classified intent.
	DefaultConfidenceThreshold = 0.6

	// DefaultAgentTimeout bounds a single agent invocation.
	DefaultAgentTimeout = 5 * time.Second

	// DefaultHistoryWindow is how many recent messages agents and the
	// classifier see.
	DefaultHistoryWindow = 20

	// DefaultStoreRetries bounds retries of transient agent failures.
	DefaultStoreRetries = 2

	// DefaultMaxDeliveryAttempts bounds reminder delivery attempts
	// before an instance is dead-lettered.
	DefaultMaxDeliveryAttempts = 5
)

// defaultReply is sent when composition produces no agent text.
const defaultReply = "I've noted that, but I don't have anything useful to add yet."

// Orchestrator runs the dispatch cycle. Construct with New; the zero
// value is not usable.
type Orchestrator struct {
	store      store.Store
	classifier classify.Classifier
	registry   *agents.Registry
	routes     *agents.Routes
	auditor    audit.Writer
	sender     core.Sender
	idx        index.Index
	embedder   index.Embedder
	logger     *zap.Logger
	now        func() time.Time

	confidenceThreshold float64
	agentTimeout        time.Duration
	historyWindow       int
	storeRetries        int
	maxDeliveryAttempts int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClassifier sets the intent classifier.
func WithClassifier(c classify.Classifier) Option {
	return func(o *Orchestrator) { o.classifier = c }
}

// WithRegistry sets the agent registry.
func WithRegistry(r *agents.Registry) Option {
	return func(o *Orchestrator) { o.registry = r }
}

// WithRoutes sets the intent routing table.
func WithRoutes(r *agents.Routes) Option {
	return func(o *Orchestrator) { o.routes = r }
}

// WithAuditWriter sets the audit writer.
func WithAuditWriter(w audit.Writer) Option {
	return func(o *Orchestrator) { o.auditor = w }
}

// WithSender sets the outbound reply sender.
func WithSender(s core.Sender) Option {
	return func(o *Orchestrator) { o.sender = s }
}

// WithIndex sets the embedding index handed to agents.
func WithIndex(ix index.Index, em index.Embedder) Option {
	return func(o *Orchestrator) { o.idx, o.embedder = ix, em }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock sets the dispatch clock.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithConfidenceThreshold sets the routing confidence threshold.
func WithConfidenceThreshold(t float64) Option {
	return func(o *Orchestrator) { o.confidenceThreshold = t }
}

// WithAgentTimeout sets the per-agent invocation timeout.
func WithAgentTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.agentTimeout = d
		}
	}
}

// WithHistoryWindow sets the recent-history window size.
func WithHistoryWindow(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.historyWindow = n
		}
	}
}

// WithStoreRetries sets the transient-failure retry bound.
func WithStoreRetries(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.storeRetries = n
		}
	}
}

// WithMaxDeliveryAttempts sets the reminder dead-letter bound.
func WithMaxDeliveryAttempts(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxDeliveryAttempts = n
		}
	}
}

// New creates an Orchestrator over the given store. The classifier
// defaults to the keyword reference classifier and the routing table to
// the standard intent bindings; registry, sender, and audit writer must
// be provided by options for a working pipeline.
func New(st store.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:               st,
		classifier:          classify.NewKeyword(),
		registry:            agents.NewRegistry(),
		routes:              agents.DefaultRoutes(),
		logger:              zap.NewNop(),
		now:                 time.Now,
		confidenceThreshold: DefaultConfidenceThreshold,
		agentTimeout:        DefaultAgentTimeout,
		historyWindow:       DefaultHistoryWindow,
		storeRetries:        DefaultStoreRetries,
		maxDeliveryAttempts: DefaultMaxDeliveryAttempts,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.auditor == nil {
		o.auditor = audit.NewStoreWriter(st, audit.WithLogger(o.logger))
	}
	return o
}

// Process handles one queue event to a terminal outcome. It is the
// session manager's ProcessFunc.
func (o *Orchestrator) Process(ctx context.Context, ev *core.Event) error {
	switch ev.Kind {
	case core.EventReminderFire:
		return o.processReminderFire(ctx, ev)
	case core.EventMessage:
		return o.processMessage(ctx, ev)
	default:
		return errors.New("orchestrator: unknown event kind " + string(ev.Kind))
	}
}

// resolveConversation loads the conversation for the event's key,
// creating it on first contact.
func (o *Orchestrator) resolveConversation(ctx context.Context, in *core.InboundEvent) (*core.Conversation, error) {
	conv, err := o.store.ConversationByKey(ctx, in.ConversationKey)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return nil, err
	}
	conv = &core.Conversation{
		ID:        newID(),
		ClientID:  in.ClientID,
		Channel:   in.Channel,
		Key:       in.ConversationKey,
		State:     core.StateIdle,
		CreatedAt: o.now(),
		UpdatedAt: o.now(),
	}
	if cerr := o.store.CreateConversation(ctx, conv); cerr != nil {
		// Lost a creation race with another channel adapter; re-read.
		if errors.Is(cerr, core.ErrDuplicate) {
			return o.store.ConversationByKey(ctx, in.ConversationKey)
		}
		return nil, cerr
	}
	return conv, nil
}

// setState persists a dispatch-state transition with a single re-read
// retry on version conflict. A second conflict propagates: per-key
// serialization means repeated conflicts indicate a real bug.
func (o *Orchestrator) setState(ctx context.Context, conv *core.Conversation, state core.DispatchState) error {
	conv.State = state
	conv.UpdatedAt = o.now()
	err := o.store.UpdateConversation(ctx, conv)
	if !errors.Is(err, core.ErrVersionConflict) {
		return err
	}
	fresh, rerr := o.store.Conversation(ctx, conv.ID)
	if rerr != nil {
		return rerr
	}
	fresh.State = state
	fresh.UpdatedAt = o.now()
	if uerr := o.store.UpdateConversation(ctx, fresh); uerr != nil {
		return uerr
	}
	*conv = *fresh
	return nil
}

func newID() string { return uuid.New().String() }
