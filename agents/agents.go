// Package agents defines the uniform agent capability behind which all
// specialized handlers sit, the registry that owns them, and the
// intent-to-agent routing table.
//
// An agent receives a Request (message, recent history window, store and
// index handles) and returns a core.AgentResult. Mutating agents stage
// their mutations as side effects with Apply closures; the orchestrator
// applies winners during composition, and each Apply claims the
// (message, agent) pair in the store's effect ledger first so that
// crash-recovery replay of the same message cannot double-apply.
package agents

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/voyantlabs/concierge-core/core"
	"github.com/voyantlabs/concierge-core/index"
	"github.com/voyantlabs/concierge-core/store"
)

// Agent names. The set is closed: selection goes through the routing
// table, never reflection or name lookup of arbitrary strings.
const (
	NameRetrieval      = "retrieval"
	NameRecommendation = "recommendation"
	NameReminder       = "reminder"
	NameProject        = "project"
	NameCapture        = "capture"
)

// Request carries everything an agent may consult or mutate. The store
// handle is explicit per request; there is no process-wide session.
type Request struct {
	Conversation *core.Conversation
	Message      *core.Message

	// History is the recent-history window, chronological order,
	// including the current message.
	History []*core.Message

	// Event is the queue event that triggered this dispatch; reminder
	// fires carry their instance and rule IDs here.
	Event *core.Event

	Store    store.Store
	Index    index.Index
	Embedder index.Embedder

	// Now is the dispatch clock; injected so tests control time.
	Now func() time.Time
}

// Clock returns the request time, falling back to wall time.
func (r *Request) Clock() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Agent is the uniform capability contract all handlers implement.
//
// Error taxonomy: a retrieval miss is an empty successful result, not
// an error; core.TransientStoreError is retried by the orchestrator up
// to a fixed bound; core.FatalAgentError fails the dispatch.
type Agent interface {
	Name() string
	Handle(ctx context.Context, req *Request) (*core.AgentResult, error)
}

// Registry owns the closed set of agents.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds an agent, replacing any previous agent with that name.
func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.Name()] = a
}

// Get returns the named agent.
func (r *Registry) Get(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// Names returns the registered agent names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for n := range r.agents {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Routes is the extensible intent-to-agent mapping table. Multiple
// agents may be bound to one intent; they are invoked concurrently in
// bind order within a dispatch.
type Routes struct {
	mu       sync.RWMutex
	table    map[core.Intent][]string
	fallback string
}

// NewRoutes creates an empty table with the given fallback agent. The
// fallback handles low-confidence classifications and intents with no
// binding.
func NewRoutes(fallback string) *Routes {
	return &Routes{table: make(map[core.Intent][]string), fallback: fallback}
}

// DefaultRoutes binds the five concierge agents to their intents with
// retrieval as the fallback.
func DefaultRoutes() *Routes {
	r := NewRoutes(NameRetrieval)
	r.Bind(core.IntentInformation, NameRetrieval)
	r.Bind(core.IntentRecommendation, NameRecommendation)
	r.Bind(core.IntentReminderAck, NameReminder)
	r.Bind(core.IntentProjectUpdate, NameProject)
	r.Bind(core.IntentDataCapture, NameCapture)
	return r
}

// Bind maps an intent to the given agents, replacing any prior binding.
func (r *Routes) Bind(intent core.Intent, names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table[intent] = append([]string(nil), names...)
}

// For returns the agents bound to the intent, or the fallback when the
// intent has no binding.
func (r *Routes) For(intent core.Intent) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if names, ok := r.table[intent]; ok && len(names) > 0 {
		return append([]string(nil), names...)
	}
	return []string{r.fallback}
}

// Fallback returns the fallback agent name.
func (r *Routes) Fallback() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallback
}

// claimed wraps a mutation in an effect-ledger claim: replaying the
// same (message, agent) pair is a no-op. A failed mutation releases
// the claim so a retry or crash-recovery replay can apply it.
func claimed(st store.Store, messageID, agent string, apply func(ctx context.Context) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		first, err := st.ClaimEffect(ctx, messageID, agent)
		if err != nil {
			return fmt.Errorf("claim effect: %w", err)
		}
		if !first {
			return nil
		}
		if err := apply(ctx); err != nil {
			if rerr := st.ReleaseEffect(ctx, messageID, agent); rerr != nil {
				return fmt.Errorf("%w (release effect: %v)", err, rerr)
			}
			return err
		}
		return nil
	}
}
