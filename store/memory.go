package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/voyantlabs/concierge-core/core"
)

// MemoryStore is an in-memory Store for tests and local runs. All
// entities are copied on the way in and out so callers never alias
// stored state.
type MemoryStore struct {
	mu sync.Mutex

	conversations map[string]*core.Conversation
	byKey         map[string]string // conversation key -> ID
	messages      map[string][]*core.Message
	persons       map[string]*core.Person
	projects      map[string]*core.Project
	rules         map[string]*core.ReminderRule
	bySource      map[string]string // source message ID -> rule ID
	instances     map[string]*core.ReminderInstance
	effects       map[string]bool // messageID+"\x00"+agent
	audit         []*core.AuditEntry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*core.Conversation),
		byKey:         make(map[string]string),
		messages:      make(map[string][]*core.Message),
		persons:       make(map[string]*core.Person),
		projects:      make(map[string]*core.Project),
		rules:         make(map[string]*core.ReminderRule),
		bySource:      make(map[string]string),
		instances:     make(map[string]*core.ReminderInstance),
		effects:       make(map[string]bool),
	}
}

func (s *MemoryStore) CreateConversation(ctx context.Context, c *core.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byKey[c.Key]; ok {
		return core.ErrDuplicate
	}
	c.Version = 1
	cp := *c
	s.conversations[c.ID] = &cp
	s.byKey[c.Key] = c.ID
	return nil
}

func (s *MemoryStore) Conversation(ctx context.Context, id string) (*core.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ConversationByKey(ctx context.Context, key string) (*core.Conversation, error) {
	s.mu.Lock()
	id, ok := s.byKey[key]
	s.mu.Unlock()
	if !ok {
		return nil, core.ErrNotFound
	}
	return s.Conversation(ctx, id)
}

func (s *MemoryStore) UpdateConversation(ctx context.Context, c *core.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.conversations[c.ID]
	if !ok {
		return core.ErrNotFound
	}
	if cur.Version != c.Version {
		return core.ErrVersionConflict
	}
	c.Version++
	cp := *c
	s.conversations[c.ID] = &cp
	return nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, m *core.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], &cp)
	return nil
}

func (s *MemoryStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]*core.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*core.Message, len(msgs))
	for i, m := range msgs {
		cp := *m
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) CreatePerson(ctx context.Context, p *core.Person) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.persons[p.ID] = &cp
	return nil
}

func (s *MemoryStore) CreateProject(ctx context.Context, p *core.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Version = 1
	cp := *p
	s.projects[p.ID] = &cp
	return nil
}

func (s *MemoryStore) Project(ctx context.Context, id string) (*core.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ProjectByName(ctx context.Context, clientID, name string) (*core.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.projects {
		if p.ClientID == clientID && p.Name == name {
			cp := *p
			return &cp, nil
		}
	}
	return nil, core.ErrNotFound
}

func (s *MemoryStore) UpdateProject(ctx context.Context, p *core.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.projects[p.ID]
	if !ok {
		return core.ErrNotFound
	}
	if cur.Version != p.Version {
		return core.ErrVersionConflict
	}
	p.Version++
	cp := *p
	s.projects[p.ID] = &cp
	return nil
}

func (s *MemoryStore) CreateReminderRule(ctx context.Context, r *core.ReminderRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.SourceMessageID != "" {
		if _, ok := s.bySource[r.SourceMessageID]; ok {
			return core.ErrDuplicate
		}
	}
	r.Version = 1
	cp := *r
	s.rules[r.ID] = &cp
	if r.SourceMessageID != "" {
		s.bySource[r.SourceMessageID] = r.ID
	}
	return nil
}

func (s *MemoryStore) ReminderRule(ctx context.Context, id string) (*core.ReminderRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) UpdateReminderRule(ctx context.Context, r *core.ReminderRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rules[r.ID]
	if !ok {
		return core.ErrNotFound
	}
	if cur.Version != r.Version {
		return core.ErrVersionConflict
	}
	r.Version++
	cp := *r
	s.rules[r.ID] = &cp
	return nil
}

func (s *MemoryStore) ActiveReminderRules(ctx context.Context) ([]*core.ReminderRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.ReminderRule
	for _, r := range s.rules {
		if r.Status == core.RuleActive {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ReminderRulesByConversation(ctx context.Context, conversationID string) ([]*core.ReminderRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.ReminderRule
	for _, r := range s.rules {
		if r.ConversationID == conversationID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CancelReminderRulesByOwner(ctx context.Context, ownerRef string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.rules {
		if r.OwnerRef == ownerRef && r.Status == core.RuleActive {
			r.Status = core.RuleCancelled
			r.Version++
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CreateReminderInstance(ctx context.Context, inst *core.ReminderInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst.Version = 1
	cp := *inst
	s.instances[inst.ID] = &cp
	return nil
}

func (s *MemoryStore) ReminderInstance(ctx context.Context, id string) (*core.ReminderInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (s *MemoryStore) LatestInstanceForRule(ctx context.Context, ruleID string) (*core.ReminderInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *core.ReminderInstance
	for _, inst := range s.instances {
		if inst.RuleID != ruleID {
			continue
		}
		if latest == nil || inst.ScheduledFor.After(latest.ScheduledFor) {
			latest = inst
		}
	}
	if latest == nil {
		return nil, core.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) DueReminderInstances(ctx context.Context, now time.Time) ([]*core.ReminderInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.ReminderInstance
	for _, inst := range s.instances {
		if inst.State != core.InstancePending || inst.ScheduledFor.After(now) {
			continue
		}
		rule, ok := s.rules[inst.RuleID]
		if !ok || rule.Status != core.RuleActive {
			continue
		}
		cp := *inst
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	return out, nil
}

func (s *MemoryStore) MarkInstanceDelivered(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return core.ErrNotFound
	}
	if inst.State != core.InstancePending {
		return core.ErrConditionFailed
	}
	inst.State = core.InstanceDelivered
	inst.Version++
	return nil
}

func (s *MemoryStore) RecordInstanceFailure(ctx context.Context, id, cause string, maxAttempts int) (*core.ReminderInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	if inst.State != core.InstancePending {
		return nil, core.ErrConditionFailed
	}
	inst.Attempts++
	inst.LastError = cause
	if inst.Attempts >= maxAttempts {
		inst.State = core.InstanceDeadLettered
	}
	inst.Version++
	cp := *inst
	return &cp, nil
}

func (s *MemoryStore) AcknowledgeInstance(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return core.ErrNotFound
	}
	if inst.State != core.InstanceDelivered {
		return core.ErrConditionFailed
	}
	inst.AcknowledgedAt = at
	inst.Version++
	return nil
}

func (s *MemoryStore) ClaimEffect(ctx context.Context, messageID, agent string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := messageID + "\x00" + agent
	if s.effects[key] {
		return false, nil
	}
	s.effects[key] = true
	return true, nil
}

func (s *MemoryStore) ReleaseEffect(ctx context.Context, messageID, agent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.effects, messageID+"\x00"+agent)
	return nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, e *core.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	cp.Agents = append([]string(nil), e.Agents...)
	cp.Flags = append([]string(nil), e.Flags...)
	s.audit = append(s.audit, &cp)
	return nil
}

func (s *MemoryStore) AuditByConversation(ctx context.Context, conversationID string) ([]*core.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.AuditEntry
	for _, e := range s.audit {
		if e.ConversationID == conversationID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
