// Package reminder implements the background scheduler that turns
// reminder rules into deliverable occurrences.
//
// Each tick does two things:
//  1. injects a reminder_fire event for every due pending instance,
//     routed through the owning conversation's queue so fires respect
//     the same ordering as live messages
//  2. advances recurrence: once a rule's latest instance is terminal,
//     a recurring rule gets its next pending instance and a one-shot
//     rule is marked fired
//
// Delivery idempotency does not live here. The scheduler may inject the
// same instance twice (overlapping ticks, restarts); the orchestrator's
// conditional pending -> delivered transition makes duplicates no-ops.
package reminder

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voyantlabs/concierge-core/core"
	"github.com/voyantlabs/concierge-core/store"
)

// DefaultTickInterval is the scheduler's polling period.
const DefaultTickInterval = 30 * time.Second

// Scheduler polls the store for due reminder instances and feeds them
// into the dispatch pipeline. The enqueue function is typically a thin
// wrapper over the session manager's Enqueue, dropping the ticket.
type Scheduler struct {
	store    store.Store
	enqueue  func(conversationKey string, ev *core.Event)
	logger   *zap.Logger
	now      func() time.Time
	interval time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithClock sets the scheduler clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithTickInterval sets the polling period.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// New creates a scheduler that enqueues fires through enqueue.
func New(st store.Store, enqueue func(conversationKey string, ev *core.Event), opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    st,
		enqueue:  enqueue,
		logger:   zap.NewNop(),
		now:      time.Now,
		interval: DefaultTickInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks until ctx is cancelled. An immediate tick runs on start so
// restarts pick up overdue instances without waiting a full interval.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if err := s.Tick(ctx); err != nil {
		s.logger.Error("scheduler tick failed", zap.Error(err))
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				s.logger.Error("scheduler tick failed", zap.Error(err))
			}
		}
	}
}

// Tick runs one scheduling pass. Exported so tests and operational
// tooling can drive the scheduler without the ticker.
func (s *Scheduler) Tick(ctx context.Context) error {
	if err := s.advanceRules(ctx); err != nil {
		return err
	}
	return s.injectDue(ctx)
}

// injectDue enqueues a fire event for every due pending instance.
func (s *Scheduler) injectDue(ctx context.Context) error {
	due, err := s.store.DueReminderInstances(ctx, s.now())
	if err != nil {
		return err
	}
	for _, inst := range due {
		rule, err := s.store.ReminderRule(ctx, inst.RuleID)
		if err != nil {
			s.logger.Error("due instance with unloadable rule",
				zap.String("instance_id", inst.ID),
				zap.String("rule_id", inst.RuleID),
				zap.Error(err))
			continue
		}
		conv, err := s.store.Conversation(ctx, rule.ConversationID)
		if err != nil {
			s.logger.Error("due instance with unloadable conversation",
				zap.String("instance_id", inst.ID),
				zap.Error(err))
			continue
		}

		ruleID := rule.ID
		ev := &core.Event{
			Kind:       core.EventReminderFire,
			InstanceID: inst.ID,
			RuleID:     ruleID,
			// Re-read the rule at dequeue time: a rule cancelled while
			// the fire sat in the queue drops the event.
			Cancelled: func(cctx context.Context) bool {
				r, err := s.store.ReminderRule(cctx, ruleID)
				if err != nil {
					return false
				}
				return r.Status == core.RuleCancelled || r.Status == core.RulePaused
			},
		}
		s.logger.Info("injecting reminder fire",
			zap.String("instance_id", inst.ID),
			zap.String("rule_id", rule.ID),
			zap.String("conversation_key", conv.Key),
			zap.Time("scheduled_for", inst.ScheduledFor))
		s.enqueue(conv.Key, ev)
	}
	return nil
}

// advanceRules creates the next occurrence for rules whose latest
// instance has settled, and retires one-shot rules after their fire.
func (s *Scheduler) advanceRules(ctx context.Context) error {
	rules, err := s.store.ActiveReminderRules(ctx)
	if err != nil {
		return err
	}
	now := s.now()
	for _, rule := range rules {
		latest, err := s.store.LatestInstanceForRule(ctx, rule.ID)
		switch {
		case errors.Is(err, core.ErrNotFound):
			// Rule without an occurrence yet (created outside the
			// capture path). Seed its first instance.
			if err := s.createInstance(ctx, rule, rule.Trigger.Next(now.Add(-time.Nanosecond))); err != nil {
				s.logger.Error("seed instance failed", zap.String("rule_id", rule.ID), zap.Error(err))
			}
			continue
		case err != nil:
			s.logger.Error("load latest instance failed", zap.String("rule_id", rule.ID), zap.Error(err))
			continue
		}
		if !latest.State.Terminal() {
			continue
		}

		switch rule.Trigger.Kind {
		case core.TriggerAt:
			rule.Status = core.RuleFired
			if uerr := s.store.UpdateReminderRule(ctx, rule); uerr != nil && !errors.Is(uerr, core.ErrVersionConflict) {
				s.logger.Error("retire one-shot rule failed", zap.String("rule_id", rule.ID), zap.Error(uerr))
			}
		case core.TriggerEvery:
			next := rule.Trigger.Next(latest.ScheduledFor)
			if next.IsZero() {
				continue
			}
			if cerr := s.createInstance(ctx, rule, next); cerr != nil {
				s.logger.Error("advance recurrence failed", zap.String("rule_id", rule.ID), zap.Error(cerr))
			}
		}
	}
	return nil
}

func (s *Scheduler) createInstance(ctx context.Context, rule *core.ReminderRule, at time.Time) error {
	if at.IsZero() {
		return nil
	}
	inst := &core.ReminderInstance{
		ID:           uuid.New().String(),
		RuleID:       rule.ID,
		ScheduledFor: at,
		State:        core.InstancePending,
		CreatedAt:    s.now(),
	}
	return s.store.CreateReminderInstance(ctx, inst)
}
