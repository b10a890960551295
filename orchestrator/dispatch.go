package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/voyantlabs/concierge-core/agents"
	"github.com/voyantlabs/concierge-core/classify"
	"github.com/voyantlabs/concierge-core/core"
)

// processMessage runs the full cycle for a live inbound message:
// resolve conversation, classify, persist, fan out to agents, compose,
// audit, send.
func (o *Orchestrator) processMessage(ctx context.Context, ev *core.Event) error {
	in := ev.Inbound
	conv, err := o.resolveConversation(ctx, in)
	if err != nil {
		return fmt.Errorf("resolve conversation: %w", err)
	}

	if err := o.setState(ctx, conv, core.StateProcessing); err != nil {
		return o.fail(ctx, conv, "", nil, fmt.Errorf("enter processing: %w", err))
	}

	history, err := o.store.RecentMessages(ctx, conv.ID, o.historyWindow)
	if err != nil {
		return o.fail(ctx, conv, "", nil, fmt.Errorf("load history: %w", err))
	}

	res, cerr := o.classifier.Classify(ctx, in.Text, history)
	if cerr != nil {
		// Classification failure is not fatal: the message still flows
		// to the fallback agent as unstructured.
		o.logger.Warn("classification failed, treating as unstructured",
			zap.String("conversation_id", conv.ID), zap.Error(cerr))
		res = classify.Result{Intent: core.IntentUnstructured, Confidence: 0}
	}

	msg := &core.Message{
		ID:             newID(),
		ConversationID: conv.ID,
		Direction:      core.DirectionInbound,
		Text:           in.Text,
		Intent:         res.Intent,
		Confidence:     res.Confidence,
		CreatedAt:      o.now(),
	}
	if err := o.store.AppendMessage(ctx, msg); err != nil {
		return o.fail(ctx, conv, "", nil, fmt.Errorf("persist inbound: %w", err))
	}
	history = append(history, msg)

	var flags []string
	names := o.routes.For(res.Intent)
	if res.Confidence < o.confidenceThreshold {
		names = []string{o.routes.Fallback()}
		flags = append(flags, core.FlagLowConfidence)
	}

	return o.dispatch(ctx, conv, msg, history, ev, names, flags, nil)
}

// processReminderFire dispatches a scheduler-injected fire. No
// classification: fires route straight to the reminder agent. Delivery
// is settled after the send via the instance's conditional state
// transition, which is the dedup point.
func (o *Orchestrator) processReminderFire(ctx context.Context, ev *core.Event) error {
	inst, err := o.store.ReminderInstance(ctx, ev.InstanceID)
	if err != nil {
		return fmt.Errorf("load instance %s: %w", ev.InstanceID, err)
	}
	rule, err := o.store.ReminderRule(ctx, ev.RuleID)
	if err != nil {
		return fmt.Errorf("load rule %s: %w", ev.RuleID, err)
	}
	conv, err := o.store.Conversation(ctx, rule.ConversationID)
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", rule.ConversationID, err)
	}

	// A fire for an already-settled instance is a duplicate injection
	// (scheduler restart, overlapping ticks). Skip without side effects.
	if inst.State != core.InstancePending {
		entry := &core.AuditEntry{
			ID:             newID(),
			ConversationID: conv.ID,
			Agents:         []string{agents.NameReminder},
			Decision:       core.DecisionDuplicateSkip,
			Detail:         fmt.Sprintf("instance %s already %s", inst.ID, inst.State),
			CreatedAt:      o.now(),
		}
		if aerr := o.auditor.Record(ctx, entry); aerr != nil {
			return aerr
		}
		return nil
	}

	if err := o.setState(ctx, conv, core.StateProcessing); err != nil {
		return o.fail(ctx, conv, "", nil, fmt.Errorf("enter processing: %w", err))
	}

	history, err := o.store.RecentMessages(ctx, conv.ID, o.historyWindow)
	if err != nil {
		return o.fail(ctx, conv, "", nil, fmt.Errorf("load history: %w", err))
	}

	// Synthetic message so the fire shows up in conversation history.
	msg := &core.Message{
		ID:             newID(),
		ConversationID: conv.ID,
		Direction:      core.DirectionInbound,
		Text:           "reminder due: " + rule.Payload,
		Intent:         core.IntentReminderAck,
		Confidence:     1,
		CreatedAt:      o.now(),
	}
	if err := o.store.AppendMessage(ctx, msg); err != nil {
		return o.fail(ctx, conv, "", nil, fmt.Errorf("persist fire message: %w", err))
	}
	history = append(history, msg)

	return o.dispatch(ctx, conv, msg, history, ev, []string{agents.NameReminder}, nil, inst)
}

// invocation pairs an agent with its fan-out slot.
type invocation struct {
	agent  agents.Agent
	result *core.AgentResult
	// timedOut marks a deadline-exceeded invocation: its result is
	// dropped from composition but flagged in the audit entry.
	timedOut bool
}

// dispatch is the shared fan-out / fan-in / compose / deliver tail.
// inst is non-nil only for reminder fires.
func (o *Orchestrator) dispatch(
	ctx context.Context,
	conv *core.Conversation,
	msg *core.Message,
	history []*core.Message,
	ev *core.Event,
	names []string,
	flags []string,
	inst *core.ReminderInstance,
) error {
	if err := o.setState(ctx, conv, core.StateAwaitingAgent); err != nil {
		return o.fail(ctx, conv, msg.ID, flags, fmt.Errorf("enter awaiting_agent: %w", err))
	}

	invocations := make([]*invocation, 0, len(names))
	for _, name := range names {
		agent, ok := o.registry.Get(name)
		if !ok {
			return o.fail(ctx, conv, msg.ID, flags, fmt.Errorf("no agent registered for %q", name))
		}
		invocations = append(invocations, &invocation{agent: agent})
	}

	req := &agents.Request{
		Conversation: conv,
		Message:      msg,
		History:      history,
		Event:        ev,
		Store:        o.store,
		Index:        o.idx,
		Embedder:     o.embedder,
		Now:          o.now,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, inv := range invocations {
		inv := inv
		g.Go(func() error {
			actx, cancel := context.WithTimeout(gctx, o.agentTimeout)
			defer cancel()
			res, err := o.invoke(actx, inv.agent, req)
			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) && gctx.Err() == nil {
					inv.timedOut = true
					return nil
				}
				return fmt.Errorf("agent %s: %w", inv.agent.Name(), err)
			}
			inv.result = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return o.fail(ctx, conv, msg.ID, flags, err)
	}

	text, agentNames, detail, composeFlags, err := o.compose(ctx, invocations)
	if err != nil {
		return o.fail(ctx, conv, msg.ID, flags, err)
	}
	flags = append(flags, composeFlags...)
	if text == "" {
		text = defaultReply
	}

	out := &core.Message{
		ID:             newID(),
		ConversationID: conv.ID,
		Direction:      core.DirectionOutbound,
		Text:           text,
		CreatedAt:      o.now(),
	}
	if err := o.store.AppendMessage(ctx, out); err != nil {
		return o.fail(ctx, conv, msg.ID, flags, fmt.Errorf("persist outbound: %w", err))
	}

	// Audit before send: an unaudited reply must never leave the core.
	entry := &core.AuditEntry{
		ID:             newID(),
		ConversationID: conv.ID,
		MessageID:      out.ID,
		Agents:         agentNames,
		Decision:       core.DecisionReplied,
		Flags:          flags,
		Detail:         detail,
		CreatedAt:      o.now(),
	}
	if err := o.auditor.Record(ctx, entry); err != nil {
		return o.finishFailed(ctx, conv, msg.ID, fmt.Errorf("audit: %w", err))
	}

	reply := &core.OutboundReply{ConversationKey: conv.Key, Text: text}
	if inst != nil {
		reply.Metadata = map[string]string{"rule_id": inst.RuleID, "instance_id": inst.ID}
	}
	sendErr := o.send(ctx, reply)

	// The reply is audited and on its way; a failed idle transition
	// must not block it, so it is logged and the dispatch settles.
	if serr := o.setState(ctx, conv, core.StateIdle); serr != nil {
		o.logger.Error("failed to return conversation to idle",
			zap.String("conversation_id", conv.ID), zap.Error(serr))
	}

	if inst != nil {
		return o.settleReminder(ctx, conv, inst, sendErr)
	}
	if sendErr != nil {
		// No MessageID here: the outbound message already has its
		// replied entry, and outbound-to-audit stays one-to-one.
		entry := &core.AuditEntry{
			ID:             newID(),
			ConversationID: conv.ID,
			Agents:         agentNames,
			Decision:       core.DecisionDispatchFailed,
			Flags:          flags,
			Detail:         fmt.Sprintf("send failed for message %s: %v", out.ID, sendErr),
			CreatedAt:      o.now(),
		}
		if aerr := o.auditor.Record(ctx, entry); aerr != nil {
			o.logger.Error("audit write failed on send failure", zap.Error(aerr))
		}
		return &core.DispatchFailedError{ConversationID: conv.ID, MessageID: msg.ID, Err: sendErr}
	}
	return nil
}

// runAgent runs Handle in its own goroutine and abandons it at the
// deadline, so a handler that ignores its context cannot hold the
// dispatch past the per-agent timeout.
func runAgent(ctx context.Context, a agents.Agent, req *agents.Request) (*core.AgentResult, error) {
	type outcome struct {
		res *core.AgentResult
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := a.Handle(ctx, req)
		ch <- outcome{res: res, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case out := <-ch:
		return out.res, out.err
	}
}

// invoke runs one agent, retrying transient store failures up to the
// configured bound. Fatal errors and context errors propagate.
func (o *Orchestrator) invoke(ctx context.Context, a agents.Agent, req *agents.Request) (*core.AgentResult, error) {
	var last error
	for attempt := 0; attempt <= o.storeRetries; attempt++ {
		res, err := runAgent(ctx, a, req)
		if err == nil {
			return res, nil
		}
		if !core.IsTransient(err) {
			return nil, err
		}
		last = err
		o.logger.Warn("transient agent failure",
			zap.String("agent", a.Name()),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 25 * time.Millisecond):
		}
	}
	return nil, last
}

// compose folds agent results in invocation order: texts concatenate,
// side effects apply first-wins on their Kind:EntityID key, and losing
// effects are discarded with the conflict flag set.
func (o *Orchestrator) compose(ctx context.Context, invocations []*invocation) (text string, agentNames []string, detail string, flags []string, err error) {
	var parts []string
	var effects []string
	claimed := make(map[string]string)

	for _, inv := range invocations {
		if inv.timedOut {
			agentNames = append(agentNames, inv.agent.Name())
			flags = appendUnique(flags, core.FlagAgentTimeout)
			o.logger.Warn("agent timed out, result dropped", zap.String("agent", inv.agent.Name()))
			continue
		}
		res := inv.result
		if res == nil {
			continue
		}
		agentNames = append(agentNames, res.Agent)
		if res.Text != "" {
			parts = append(parts, res.Text)
		}
		for i := range res.SideEffects {
			eff := &res.SideEffects[i]
			if winner, taken := claimed[eff.Key()]; taken {
				eff.Applied = false
				flags = appendUnique(flags, core.FlagConflict)
				o.logger.Info("side effect discarded: entity already claimed",
					zap.String("effect", eff.Key()),
					zap.String("loser", res.Agent),
					zap.String("winner", winner))
			} else {
				claimed[eff.Key()] = res.Agent
				if eff.Apply != nil {
					if aerr := eff.Apply(ctx); aerr != nil {
						return "", nil, "", nil, fmt.Errorf("apply effect %s: %w", eff.Key(), aerr)
					}
				}
				eff.Applied = true
			}
			effects = append(effects, eff.String())
		}
	}
	return strings.Join(parts, "\n\n"), agentNames, strings.Join(effects, "; "), flags, nil
}

// settleReminder records the delivery outcome of a fire after the send.
func (o *Orchestrator) settleReminder(ctx context.Context, conv *core.Conversation, inst *core.ReminderInstance, sendErr error) error {
	if sendErr == nil {
		err := o.store.MarkInstanceDelivered(ctx, inst.ID)
		if errors.Is(err, core.ErrConditionFailed) {
			// Another delivery settled this instance first; the send was
			// a duplicate. The conditional transition held the invariant.
			o.logger.Info("instance already delivered", zap.String("instance_id", inst.ID))
			return nil
		}
		return err
	}

	updated, rerr := o.store.RecordInstanceFailure(ctx, inst.ID, sendErr.Error(), o.maxDeliveryAttempts)
	if rerr != nil {
		return fmt.Errorf("record delivery failure: %w", rerr)
	}
	if updated.State == core.InstanceDeadLettered {
		entry := &core.AuditEntry{
			ID:             newID(),
			ConversationID: conv.ID,
			Agents:         []string{agents.NameReminder},
			Decision:       core.DecisionReminderDeadLetter,
			Flags:          []string{core.FlagDeadLetter},
			Detail:         fmt.Sprintf("instance %s dead-lettered after %d attempts: %v", inst.ID, updated.Attempts, sendErr),
			CreatedAt:      o.now(),
		}
		if aerr := o.auditor.Record(ctx, entry); aerr != nil {
			o.logger.Error("audit write failed on dead-letter", zap.Error(aerr))
		}
	}
	return &core.DispatchFailedError{ConversationID: conv.ID, Err: sendErr}
}

// fail is the standard terminal-failure path: audit the failed
// dispatch, return the conversation to idle, and wrap the cause.
func (o *Orchestrator) fail(ctx context.Context, conv *core.Conversation, messageID string, flags []string, cause error) error {
	entry := &core.AuditEntry{
		ID:             newID(),
		ConversationID: conv.ID,
		MessageID:      messageID,
		Decision:       core.DecisionDispatchFailed,
		Flags:          flags,
		Detail:         cause.Error(),
		CreatedAt:      o.now(),
	}
	if aerr := o.auditor.Record(ctx, entry); aerr != nil {
		o.logger.Error("audit write failed on dispatch failure",
			zap.String("conversation_id", conv.ID), zap.Error(aerr))
	}
	return o.finishFailed(ctx, conv, messageID, cause)
}

// finishFailed resets the conversation to idle and wraps the cause.
// Used directly when the failure IS an audit failure, so fail's audit
// attempt is not duplicated.
func (o *Orchestrator) finishFailed(ctx context.Context, conv *core.Conversation, messageID string, cause error) error {
	if serr := o.setState(ctx, conv, core.StateIdle); serr != nil {
		o.logger.Error("failed to reset conversation to idle",
			zap.String("conversation_id", conv.ID), zap.Error(serr))
	}
	return &core.DispatchFailedError{ConversationID: conv.ID, MessageID: messageID, Err: cause}
}

func appendUnique(flags []string, flag string) []string {
	for _, f := range flags {
		if f == flag {
			return flags
		}
	}
	return append(flags, flag)
}

func (o *Orchestrator) send(ctx context.Context, reply *core.OutboundReply) error {
	if o.sender == nil {
		return errors.New("no sender configured")
	}
	return o.sender.Send(ctx, reply)
}
