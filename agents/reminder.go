package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voyantlabs/concierge-core/core"
)

// Reminder renders reminder-fire events into notification replies and
// handles client responses to reminders (acknowledge, snooze, dismiss).
type Reminder struct {
	snooze time.Duration
}

// NewReminder creates the reminder agent. Snoozed reminders come back
// after snooze (default one hour).
func NewReminder(snooze time.Duration) *Reminder {
	if snooze <= 0 {
		snooze = time.Hour
	}
	return &Reminder{snooze: snooze}
}

func (a *Reminder) Name() string { return NameReminder }

func (a *Reminder) Handle(ctx context.Context, req *Request) (*core.AgentResult, error) {
	if req.Event != nil && req.Event.Kind == core.EventReminderFire {
		return a.fire(ctx, req)
	}
	return a.acknowledge(ctx, req)
}

// fire renders the due reminder into the outbound notification.
func (a *Reminder) fire(ctx context.Context, req *Request) (*core.AgentResult, error) {
	rule, err := req.Store.ReminderRule(ctx, req.Event.RuleID)
	if err != nil {
		if core.IsTransient(err) {
			return nil, err
		}
		return nil, &core.FatalAgentError{Agent: a.Name(), Err: fmt.Errorf("load rule: %w", err)}
	}
	payload := rule.Payload
	if payload == "" {
		payload = "you asked me to remind you"
	}
	return &core.AgentResult{
		Agent:      a.Name(),
		Text:       "Reminder: " + payload,
		Confidence: 1,
		Payload: map[string]string{
			"rule_id":     rule.ID,
			"instance_id": req.Event.InstanceID,
		},
	}, nil
}

// acknowledge handles a client's reply to a reminder notification.
func (a *Reminder) acknowledge(ctx context.Context, req *Request) (*core.AgentResult, error) {
	result := &core.AgentResult{Agent: a.Name(), Confidence: 1}

	rules, err := req.Store.ReminderRulesByConversation(ctx, req.Conversation.ID)
	if err != nil {
		return nil, err
	}
	// Most recently created active/recurring rule is the one the
	// client is responding to.
	var target *core.ReminderRule
	for _, r := range rules {
		if r.Status == core.RuleActive || r.Status == core.RuleFired {
			target = r
		}
	}
	if target == nil {
		result.Text = "Noted."
		return result, nil
	}

	lower := strings.ToLower(req.Message.Text)
	switch {
	case strings.Contains(lower, "dismiss") || strings.Contains(lower, "stop remind"):
		rule := target
		result.Text = "Done. I won't remind you about that again."
		result.SideEffects = []core.SideEffect{{
			Kind:     "reminder_rule",
			EntityID: rule.ID,
			Op:       "cancel",
			Apply: claimed(req.Store, req.Message.ID, a.Name(), func(ctx context.Context) error {
				return a.cancelRule(ctx, req, rule.ID)
			}),
		}}
	case strings.Contains(lower, "snooze"):
		rule := target
		when := req.Clock().Add(a.snooze)
		result.Text = fmt.Sprintf("Snoozed. I'll remind you again at %s.", when.Format("15:04"))
		result.SideEffects = []core.SideEffect{{
			Kind:     "reminder_instance",
			EntityID: rule.ID,
			Op:       "create",
			Apply: claimed(req.Store, req.Message.ID, a.Name(), func(ctx context.Context) error {
				return req.Store.CreateReminderInstance(ctx, &core.ReminderInstance{
					ID:           uuid.New().String(),
					RuleID:       rule.ID,
					ScheduledFor: when,
					State:        core.InstancePending,
					CreatedAt:    req.Clock(),
				})
			}),
		}}
	default:
		result.Text = "Got it, marked as acknowledged."
		// The acknowledgement lands on the most recent delivered
		// instance; with nothing delivered yet the ack is just words.
		inst, ierr := req.Store.LatestInstanceForRule(ctx, target.ID)
		if ierr != nil && !errors.Is(ierr, core.ErrNotFound) {
			return nil, ierr
		}
		if ierr == nil && inst.State == core.InstanceDelivered {
			instID := inst.ID
			at := req.Clock()
			result.SideEffects = []core.SideEffect{{
				Kind:     "reminder_instance",
				EntityID: instID,
				Op:       "acknowledge",
				Apply: claimed(req.Store, req.Message.ID, a.Name(), func(ctx context.Context) error {
					err := req.Store.AcknowledgeInstance(ctx, instID, at)
					if errors.Is(err, core.ErrConditionFailed) {
						return nil
					}
					return err
				}),
			}}
		}
	}
	return result, nil
}

// cancelRule re-reads and retries once on a stale version.
func (a *Reminder) cancelRule(ctx context.Context, req *Request, ruleID string) error {
	for attempt := 0; attempt < 2; attempt++ {
		rule, err := req.Store.ReminderRule(ctx, ruleID)
		if err != nil {
			return err
		}
		if rule.Status == core.RuleCancelled {
			return nil
		}
		rule.Status = core.RuleCancelled
		err = req.Store.UpdateReminderRule(ctx, rule)
		if err == nil {
			return nil
		}
		if !errors.Is(err, core.ErrVersionConflict) {
			return err
		}
	}
	return core.ErrVersionConflict
}

var _ Agent = (*Reminder)(nil)
