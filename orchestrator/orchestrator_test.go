package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyantlabs/concierge-core/agents"
	"github.com/voyantlabs/concierge-core/core"
	"github.com/voyantlabs/concierge-core/store"
)

var testClock = func() time.Time {
	return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
}

// stubAgent lets each test script agent behavior.
type stubAgent struct {
	name   string
	handle func(ctx context.Context, req *agents.Request) (*core.AgentResult, error)

	mu    sync.Mutex
	calls int
}

func (s *stubAgent) Name() string { return s.name }

func (s *stubAgent) Handle(ctx context.Context, req *agents.Request) (*core.AgentResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.handle(ctx, req)
}

func (s *stubAgent) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// captureSender records sent replies and can be scripted to fail.
type captureSender struct {
	mu      sync.Mutex
	replies []*core.OutboundReply
	fail    error
}

func (c *captureSender) Send(ctx context.Context, reply *core.OutboundReply) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.replies = append(c.replies, reply)
	return nil
}

func (c *captureSender) sent() []*core.OutboundReply {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*core.OutboundReply(nil), c.replies...)
}

func replyAgent(name, text string) *stubAgent {
	return &stubAgent{name: name, handle: func(ctx context.Context, req *agents.Request) (*core.AgentResult, error) {
		return &core.AgentResult{Agent: name, Text: text}, nil
	}}
}

func messageEvent(text string) *core.Event {
	return &core.Event{
		Kind: core.EventMessage,
		Inbound: &core.InboundEvent{
			ConversationKey: "alice/websocket",
			ClientID:        "alice",
			Channel:         "websocket",
			Text:            text,
			ReceivedAt:      testClock(),
		},
	}
}

type fixture struct {
	store  *store.MemoryStore
	sender *captureSender
	orch   *Orchestrator
}

func newFixture(t *testing.T, routes *agents.Routes, registry *agents.Registry, opts ...Option) *fixture {
	t.Helper()
	st := store.NewMemory()
	sender := &captureSender{}
	base := []Option{
		WithRegistry(registry),
		WithRoutes(routes),
		WithSender(sender),
		WithClock(testClock),
		WithAgentTimeout(200 * time.Millisecond),
	}
	return &fixture{
		store:  st,
		sender: sender,
		orch:   New(st, append(base, opts...)...),
	}
}

func (f *fixture) auditEntries(t *testing.T) []*core.AuditEntry {
	t.Helper()
	conv, err := f.store.ConversationByKey(context.Background(), "alice/websocket")
	require.NoError(t, err)
	entries, err := f.store.AuditByConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	return entries
}

func TestProcessRoutesOnClassifiedIntent(t *testing.T) {
	rec := replyAgent("recommendation", "Try the florist on 5th.")
	registry := agents.NewRegistry()
	registry.Register(rec)
	registry.Register(replyAgent("retrieval", "fallback text"))

	routes := agents.NewRoutes("retrieval")
	routes.Bind(core.IntentRecommendation, "recommendation")

	f := newFixture(t, routes, registry)
	require.NoError(t, f.orch.Process(context.Background(), messageEvent("can you recommend a florist?")))

	assert.Equal(t, 1, rec.callCount())
	sent := f.sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Try the florist on 5th.", sent[0].Text)

	// Inbound persisted with its classification, outbound with the reply.
	conv, err := f.store.ConversationByKey(context.Background(), "alice/websocket")
	require.NoError(t, err)
	assert.Equal(t, core.StateIdle, conv.State)
	msgs, err := f.store.RecentMessages(context.Background(), conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, core.IntentRecommendation, msgs[0].Intent)
	assert.Equal(t, core.DirectionOutbound, msgs[1].Direction)

	entries := f.auditEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, core.DecisionReplied, entries[0].Decision)
	assert.Equal(t, []string{"recommendation"}, entries[0].Agents)
	assert.Equal(t, msgs[1].ID, entries[0].MessageID)
}

func TestLowConfidenceFallsBack(t *testing.T) {
	fallback := replyAgent("retrieval", "Here is everything I know.")
	rec := replyAgent("recommendation", "should not run")
	registry := agents.NewRegistry()
	registry.Register(fallback)
	registry.Register(rec)

	routes := agents.NewRoutes("retrieval")
	routes.Bind(core.IntentRecommendation, "recommendation")

	f := newFixture(t, routes, registry)
	require.NoError(t, f.orch.Process(context.Background(), messageEvent("hmm ok then")))

	assert.Equal(t, 1, fallback.callCount())
	assert.Equal(t, 0, rec.callCount())

	entries := f.auditEntries(t)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].HasFlag(core.FlagLowConfidence))
}

func TestFanOutComposesInInvocationOrder(t *testing.T) {
	registry := agents.NewRegistry()
	registry.Register(replyAgent("first", "alpha"))
	registry.Register(replyAgent("second", "beta"))

	routes := agents.NewRoutes("first")
	routes.Bind(core.IntentRecommendation, "first", "second")

	f := newFixture(t, routes, registry)
	require.NoError(t, f.orch.Process(context.Background(), messageEvent("recommend something")))

	sent := f.sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "alpha\n\nbeta", sent[0].Text)

	entries := f.auditEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, []string{"first", "second"}, entries[0].Agents)
}

func TestConflictingSideEffectsFirstWins(t *testing.T) {
	var applied []string
	var mu sync.Mutex
	effect := func(agent string) core.SideEffect {
		return core.SideEffect{
			Kind:     "project",
			EntityID: "p1",
			Op:       "update",
			Apply: func(ctx context.Context) error {
				mu.Lock()
				defer mu.Unlock()
				applied = append(applied, agent)
				return nil
			},
		}
	}
	mk := func(name string) *stubAgent {
		return &stubAgent{name: name, handle: func(ctx context.Context, req *agents.Request) (*core.AgentResult, error) {
			return &core.AgentResult{Agent: name, Text: name, SideEffects: []core.SideEffect{effect(name)}}, nil
		}}
	}

	registry := agents.NewRegistry()
	registry.Register(mk("first"))
	registry.Register(mk("second"))
	routes := agents.NewRoutes("first")
	routes.Bind(core.IntentRecommendation, "first", "second")

	f := newFixture(t, routes, registry)
	require.NoError(t, f.orch.Process(context.Background(), messageEvent("recommend something")))

	mu.Lock()
	assert.Equal(t, []string{"first"}, applied)
	mu.Unlock()

	entries := f.auditEntries(t)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].HasFlag(core.FlagConflict))
	assert.Contains(t, entries[0].Detail, "applied")
	assert.Contains(t, entries[0].Detail, "discarded")
}

func TestTimedOutAgentIsDroppedFromComposition(t *testing.T) {
	slow := &stubAgent{name: "slow", handle: func(ctx context.Context, req *agents.Request) (*core.AgentResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	registry := agents.NewRegistry()
	registry.Register(slow)
	registry.Register(replyAgent("fast", "quick answer"))

	routes := agents.NewRoutes("fast")
	routes.Bind(core.IntentRecommendation, "slow", "fast")

	f := newFixture(t, routes, registry, WithAgentTimeout(30*time.Millisecond))
	require.NoError(t, f.orch.Process(context.Background(), messageEvent("recommend something")))

	sent := f.sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "quick answer", sent[0].Text)

	entries := f.auditEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, core.DecisionReplied, entries[0].Decision)
	assert.True(t, entries[0].HasFlag(core.FlagAgentTimeout))
}

func TestContextIgnoringAgentIsAbandonedAtDeadline(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	stuck := &stubAgent{name: "stuck", handle: func(ctx context.Context, req *agents.Request) (*core.AgentResult, error) {
		// Ignores its context entirely.
		<-release
		return &core.AgentResult{Agent: "stuck", Text: "too late"}, nil
	}}
	registry := agents.NewRegistry()
	registry.Register(stuck)
	registry.Register(replyAgent("fast", "quick answer"))

	routes := agents.NewRoutes("fast")
	routes.Bind(core.IntentRecommendation, "stuck", "fast")

	f := newFixture(t, routes, registry, WithAgentTimeout(30*time.Millisecond))
	require.NoError(t, f.orch.Process(context.Background(), messageEvent("recommend something")))

	sent := f.sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "quick answer", sent[0].Text)

	entries := f.auditEntries(t)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].HasFlag(core.FlagAgentTimeout))
}

func TestTransientAgentFailureIsRetried(t *testing.T) {
	attempts := 0
	flaky := &stubAgent{name: "flaky", handle: func(ctx context.Context, req *agents.Request) (*core.AgentResult, error) {
		attempts++
		if attempts < 3 {
			return nil, core.Transient("lookup", errors.New("locked"))
		}
		return &core.AgentResult{Agent: "flaky", Text: "eventually"}, nil
	}}
	registry := agents.NewRegistry()
	registry.Register(flaky)
	routes := agents.NewRoutes("flaky")

	f := newFixture(t, routes, registry, WithStoreRetries(2))
	require.NoError(t, f.orch.Process(context.Background(), messageEvent("whatever")))

	assert.Equal(t, 3, attempts)
	sent := f.sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "eventually", sent[0].Text)
}

func TestFatalAgentErrorFailsDispatch(t *testing.T) {
	broken := &stubAgent{name: "broken", handle: func(ctx context.Context, req *agents.Request) (*core.AgentResult, error) {
		return nil, &core.FatalAgentError{Agent: "broken", Err: errors.New("index gone")}
	}}
	registry := agents.NewRegistry()
	registry.Register(broken)
	routes := agents.NewRoutes("broken")

	f := newFixture(t, routes, registry)
	err := f.orch.Process(context.Background(), messageEvent("whatever"))

	var dispatchErr *core.DispatchFailedError
	require.ErrorAs(t, err, &dispatchErr)
	assert.True(t, core.IsFatalAgent(err))
	assert.Empty(t, f.sender.sent())

	// Failure still leaves the conversation serviceable and audited.
	conv, cerr := f.store.ConversationByKey(context.Background(), "alice/websocket")
	require.NoError(t, cerr)
	assert.Equal(t, core.StateIdle, conv.State)

	entries := f.auditEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, core.DecisionDispatchFailed, entries[0].Decision)
}

func TestEmptyCompositionSendsDefaultReply(t *testing.T) {
	empty := &stubAgent{name: "retrieval", handle: func(ctx context.Context, req *agents.Request) (*core.AgentResult, error) {
		return &core.AgentResult{Agent: "retrieval"}, nil
	}}
	registry := agents.NewRegistry()
	registry.Register(empty)
	routes := agents.NewRoutes("retrieval")

	f := newFixture(t, routes, registry)
	require.NoError(t, f.orch.Process(context.Background(), messageEvent("what is the venue address?")))

	sent := f.sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, defaultReply, sent[0].Text)
}

func TestAuditWriteFailureFailsDispatch(t *testing.T) {
	registry := agents.NewRegistry()
	registry.Register(replyAgent("retrieval", "found it"))
	routes := agents.NewRoutes("retrieval")

	f := newFixture(t, routes, registry, WithAuditWriter(failingAuditWriter{}))
	err := f.orch.Process(context.Background(), messageEvent("what is the plan?"))

	var dispatchErr *core.DispatchFailedError
	require.ErrorAs(t, err, &dispatchErr)
	// The reply was never sent: audit comes first.
	assert.Empty(t, f.sender.sent())
}

// conversationFailStore fails conversation updates into one target
// state and delegates everything else.
type conversationFailStore struct {
	store.Store
	failState core.DispatchState
}

func (s *conversationFailStore) UpdateConversation(ctx context.Context, c *core.Conversation) error {
	if c.State == s.failState {
		return core.Transient("update conversation", errors.New("database is locked"))
	}
	return s.Store.UpdateConversation(ctx, c)
}

func TestEnterProcessingFailureIsAudited(t *testing.T) {
	registry := agents.NewRegistry()
	registry.Register(replyAgent("retrieval", "found it"))
	routes := agents.NewRoutes("retrieval")

	mem := store.NewMemory()
	st := &conversationFailStore{Store: mem, failState: core.StateProcessing}
	sender := &captureSender{}
	orch := New(st,
		WithRegistry(registry),
		WithRoutes(routes),
		WithSender(sender),
		WithClock(testClock),
	)

	err := orch.Process(context.Background(), messageEvent("what is the plan?"))
	var dispatchErr *core.DispatchFailedError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Empty(t, sender.sent())

	conv, cerr := mem.ConversationByKey(context.Background(), "alice/websocket")
	require.NoError(t, cerr)
	entries, aerr := mem.AuditByConversation(context.Background(), conv.ID)
	require.NoError(t, aerr)
	require.Len(t, entries, 1)
	assert.Equal(t, core.DecisionDispatchFailed, entries[0].Decision)
	assert.Contains(t, entries[0].Detail, "enter processing")
}

func TestIdleTransitionFailureDoesNotBlockSend(t *testing.T) {
	registry := agents.NewRegistry()
	registry.Register(replyAgent("retrieval", "found it"))
	routes := agents.NewRoutes("retrieval")

	mem := store.NewMemory()
	st := &conversationFailStore{Store: mem, failState: core.StateIdle}
	sender := &captureSender{}
	orch := New(st,
		WithRegistry(registry),
		WithRoutes(routes),
		WithSender(sender),
		WithClock(testClock),
	)

	// The reply is persisted and audited; a failed return to idle must
	// not swallow it.
	require.NoError(t, orch.Process(context.Background(), messageEvent("what is the plan?")))

	sent := sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "found it", sent[0].Text)
}

func TestSendFailureKeepsOutboundAuditOneToOne(t *testing.T) {
	registry := agents.NewRegistry()
	registry.Register(replyAgent("retrieval", "found it"))
	routes := agents.NewRoutes("retrieval")

	f := newFixture(t, routes, registry)
	f.sender.fail = errors.New("socket closed")

	err := f.orch.Process(context.Background(), messageEvent("what is the plan?"))
	var dispatchErr *core.DispatchFailedError
	require.ErrorAs(t, err, &dispatchErr)

	conv, cerr := f.store.ConversationByKey(context.Background(), "alice/websocket")
	require.NoError(t, cerr)
	msgs, merr := f.store.RecentMessages(context.Background(), conv.ID, 10)
	require.NoError(t, merr)
	out := msgs[len(msgs)-1]
	require.Equal(t, core.DirectionOutbound, out.Direction)

	entries := f.auditEntries(t)
	require.Len(t, entries, 2)
	assert.Equal(t, core.DecisionReplied, entries[0].Decision)
	assert.Equal(t, out.ID, entries[0].MessageID)
	assert.Equal(t, core.DecisionDispatchFailed, entries[1].Decision)
	// The failure entry points at the outbound message through its
	// detail only; the replied entry keeps the one-to-one link.
	assert.Empty(t, entries[1].MessageID)
	assert.Contains(t, entries[1].Detail, out.ID)
}

type failingAuditWriter struct{}

func (failingAuditWriter) Record(ctx context.Context, e *core.AuditEntry) error {
	return &core.AuditWriteFailure{Attempts: 3, Err: errors.New("disk full")}
}
