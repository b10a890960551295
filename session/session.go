// Package session owns per-conversation ordering and concurrency: the
// Conversation Session Manager.
//
// Guarantee: events enqueued for the same conversation are processed
// strictly FIFO; events for different conversations run concurrently.
// Each conversation key maps to an ordered queue with an exclusive
// processing flag, the sole in-process lock in the core. The flag is
// held for the whole of one event's processing (including synchronous
// agent calls) and released on completion or failure, so a failed
// dispatch never blocks the conversation.
package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voyantlabs/concierge-core/core"
)

// ProcessFunc processes one dequeued event. The orchestrator's Process
// method is the production implementation.
type ProcessFunc func(ctx context.Context, ev *core.Event) error

// Ticket is the handle returned by Enqueue. Done closes when the event
// reaches a terminal outcome; Err then reports the dispatch error, if
// any (core.ErrEventCancelled for events cancelled before dispatch).
type Ticket struct {
	id   string
	done chan struct{}

	mu  sync.Mutex
	err error
}

// ID returns the ticket's unique identifier.
func (t *Ticket) ID() string { return t.id }

// Done returns a channel closed when processing finishes.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Err returns the processing error. Only valid after Done is closed.
func (t *Ticket) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Wait blocks until the event finishes or ctx is cancelled.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Ticket) finish(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	close(t.done)
}

type workItem struct {
	event  *core.Event
	ticket *Ticket
}

type queue struct {
	items []*workItem
	busy  bool
}

// Manager is the Conversation Session Manager.
type Manager struct {
	process ProcessFunc
	logger  *zap.Logger

	mu     sync.Mutex
	queues map[string]*queue
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a session manager that drains queues with process.
func NewManager(process ProcessFunc, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		process: process,
		logger:  zap.NewNop(),
		queues:  make(map[string]*queue),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enqueue appends the event to the conversation's queue and returns its
// ticket. If the conversation is not currently processing, a drain
// worker starts immediately; otherwise the event waits its turn.
func (m *Manager) Enqueue(conversationKey string, ev *core.Event) *Ticket {
	t := &Ticket{id: uuid.New().String(), done: make(chan struct{})}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		t.finish(context.Canceled)
		return t
	}
	q, ok := m.queues[conversationKey]
	if !ok {
		q = &queue{}
		m.queues[conversationKey] = q
	}
	q.items = append(q.items, &workItem{event: ev, ticket: t})
	start := !q.busy
	if start {
		q.busy = true
		m.wg.Add(1)
	}
	m.mu.Unlock()

	if start {
		go m.drain(conversationKey)
	}
	return t
}

// drain processes the conversation's queue in order until it is empty,
// then releases the exclusive flag.
func (m *Manager) drain(conversationKey string) {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		q := m.queues[conversationKey]
		if len(q.items) == 0 {
			q.busy = false
			delete(m.queues, conversationKey)
			m.mu.Unlock()
			return
		}
		item := q.items[0]
		q.items = q.items[1:]
		m.mu.Unlock()

		m.run(conversationKey, item)
	}
}

func (m *Manager) run(conversationKey string, item *workItem) {
	ev := item.event

	// Cancellation probe: a reminder fire whose rule was cancelled
	// between scheduling and dequeue is dropped here.
	if ev.Cancelled != nil && ev.Cancelled(m.ctx) {
		m.logger.Info("event cancelled before dispatch",
			zap.String("conversation_key", conversationKey),
			zap.String("kind", string(ev.Kind)))
		item.ticket.finish(core.ErrEventCancelled)
		return
	}

	err := m.process(m.ctx, ev)
	if err != nil {
		// Recorded as a failed dispatch; the queue keeps draining so
		// the conversation is never permanently blocked.
		m.logger.Error("dispatch failed",
			zap.String("conversation_key", conversationKey),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err))
	}
	item.ticket.finish(err)
}

// Close stops accepting events, cancels in-flight processing contexts,
// and waits for drain workers to exit. Queued-but-unprocessed events
// finish with their processing error (typically context.Canceled).
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}
