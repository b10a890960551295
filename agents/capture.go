package agents

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/voyantlabs/concierge-core/core"
	"github.com/voyantlabs/concierge-core/index"
)

// Capture extracts structured data from free-form messages: reminder
// requests become a ReminderRule with a pending first instance, and
// "remember that" statements become person/notes records that also feed
// the embedding index for later retrieval.
type Capture struct{}

// NewCapture creates the data-capture agent.
func NewCapture() *Capture { return &Capture{} }

func (a *Capture) Name() string { return NameCapture }

var (
	remindRe   = regexp.MustCompile(`(?i)\bremind\s+me\s+(?:about|to|of)?\s*`)
	rememberRe = regexp.MustCompile(`(?i)\bremember\s+(?:that\s+)?(.+)`)
)

func (a *Capture) Handle(ctx context.Context, req *Request) (*core.AgentResult, error) {
	text := req.Message.Text
	if remindRe.MatchString(text) {
		return a.captureReminder(ctx, req)
	}
	if m := rememberRe.FindStringSubmatch(text); m != nil {
		return a.captureNote(ctx, req, strings.TrimSpace(m[1]))
	}
	return &core.AgentResult{
		Agent: a.Name(),
		Text:  "I can save notes (\"remember that ...\") or set reminders (\"remind me about ... tomorrow 9am\").",
	}, nil
}

func (a *Capture) captureReminder(ctx context.Context, req *Request) (*core.AgentResult, error) {
	now := req.Clock()
	trigger, subject, ok := parseTrigger(req.Message.Text, now)
	if !ok {
		return &core.AgentResult{
			Agent: a.Name(),
			Text:  "When should I remind you? Try \"next Monday 9am\", \"tomorrow\", or \"in 2 hours\".",
		}, nil
	}
	subject = strings.TrimSpace(remindRe.ReplaceAllString(subject, ""))
	if subject == "" {
		subject = "your reminder"
	}

	ruleID := uuid.New().String()
	instanceID := uuid.New().String()
	st := req.Store
	conv := req.Conversation
	msgID := req.Message.ID

	result := &core.AgentResult{
		Agent:      a.Name(),
		Confidence: 0.9,
		Payload:    map[string]string{"rule_id": ruleID},
		SideEffects: []core.SideEffect{{
			Kind:     "reminder_rule",
			EntityID: ruleID,
			Op:       "create",
			Apply: claimed(st, msgID, a.Name(), func(ctx context.Context) error {
				err := st.CreateReminderRule(ctx, &core.ReminderRule{
					ID:              ruleID,
					ClientID:        conv.ClientID,
					ConversationID:  conv.ID,
					Trigger:         trigger,
					Payload:         subject,
					Status:          core.RuleActive,
					SourceMessageID: msgID,
					CreatedAt:       now,
				})
				if errors.Is(err, core.ErrDuplicate) {
					// Replay of the creating message: the rule exists.
					return nil
				}
				if err != nil {
					return err
				}
				first := trigger.At
				if trigger.Kind == core.TriggerEvery {
					first = trigger.Next(now.Add(-1)) // anchor occurrence itself is due
				}
				return st.CreateReminderInstance(ctx, &core.ReminderInstance{
					ID:           instanceID,
					RuleID:       ruleID,
					ScheduledFor: first,
					State:        core.InstancePending,
					CreatedAt:    now,
				})
			}),
		}},
	}

	when := trigger.At.Format("Mon Jan 2 15:04")
	if trigger.Kind == core.TriggerEvery {
		result.Text = fmt.Sprintf("Will do. I'll remind you about %s starting %s, then every %s.", subject, when, trigger.Every)
	} else {
		result.Text = fmt.Sprintf("Will do. I'll remind you about %s on %s.", subject, when)
	}
	return result, nil
}

func (a *Capture) captureNote(ctx context.Context, req *Request, note string) (*core.AgentResult, error) {
	personID := uuid.New().String()
	st := req.Store
	conv := req.Conversation
	msgID := req.Message.ID
	now := req.Clock()
	idx := req.Index
	embedder := req.Embedder

	name := noteSubject(note)
	return &core.AgentResult{
		Agent:      a.Name(),
		Text:       "Noted. I'll remember that.",
		Confidence: 0.9,
		SideEffects: []core.SideEffect{{
			Kind:     "person",
			EntityID: personID,
			Op:       "create",
			Apply: claimed(st, msgID, a.Name(), func(ctx context.Context) error {
				if err := st.CreatePerson(ctx, &core.Person{
					ID:        personID,
					ClientID:  conv.ClientID,
					Name:      name,
					Notes:     note,
					CreatedAt: now,
				}); err != nil {
					return err
				}
				if idx == nil || embedder == nil {
					return nil
				}
				vec, err := embedder.Embed(ctx, note)
				if err != nil {
					return fmt.Errorf("embed note: %w", err)
				}
				return idx.Upsert(ctx, conv.ClientID, index.Document{
					EntityID:  personID,
					Text:      note,
					Embedding: vec,
					Metadata:  map[string]string{"kind": "person"},
				})
			}),
		}},
	}, nil
}

// noteSubject takes the leading capitalized words as the subject name.
func noteSubject(note string) string {
	fields := strings.Fields(note)
	var name []string
	for _, f := range fields {
		if f == "" || !(f[0] >= 'A' && f[0] <= 'Z') {
			break
		}
		name = append(name, f)
	}
	if len(name) == 0 && len(fields) > 0 {
		return fields[0]
	}
	return strings.Join(name, " ")
}

var _ Agent = (*Capture)(nil)
