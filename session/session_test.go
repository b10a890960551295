package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/voyantlabs/concierge-core/core"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func inboundEvent(text string) *core.Event {
	return &core.Event{
		Kind:    core.EventMessage,
		Inbound: &core.InboundEvent{Text: text},
	}
}

func TestEnqueuePreservesPerConversationOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []string

	mgr := NewManager(func(ctx context.Context, ev *core.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.Inbound.Text)
		return nil
	})
	defer mgr.Close()

	const n = 50
	tickets := make([]*Ticket, 0, n)
	for i := 0; i < n; i++ {
		tickets = append(tickets, mgr.Enqueue("alice/websocket", inboundEvent(string(rune('a'+i%26)))))
	}
	for _, tk := range tickets {
		require.NoError(t, tk.Wait(context.Background()))
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, n)
	for i, text := range seen {
		assert.Equal(t, string(rune('a'+i%26)), text)
	}
}

func TestConversationsProcessConcurrently(t *testing.T) {
	// Each conversation's handler blocks until every conversation has
	// started: only concurrent draining lets this finish.
	const conversations = 4
	started := make(chan struct{}, conversations)
	release := make(chan struct{})

	mgr := NewManager(func(ctx context.Context, ev *core.Event) error {
		started <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	defer mgr.Close()

	var tickets []*Ticket
	for i := 0; i < conversations; i++ {
		key := string(rune('a'+i)) + "/websocket"
		tickets = append(tickets, mgr.Enqueue(key, inboundEvent("hi")))
	}

	for i := 0; i < conversations; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d conversations started", i, conversations)
		}
	}
	close(release)

	for _, tk := range tickets {
		require.NoError(t, tk.Wait(context.Background()))
	}
}

func TestProcessingErrorDoesNotBlockQueue(t *testing.T) {
	boom := errors.New("boom")
	mgr := NewManager(func(ctx context.Context, ev *core.Event) error {
		if ev.Inbound.Text == "bad" {
			return boom
		}
		return nil
	})
	defer mgr.Close()

	bad := mgr.Enqueue("k", inboundEvent("bad"))
	good := mgr.Enqueue("k", inboundEvent("good"))

	assert.ErrorIs(t, bad.Wait(context.Background()), boom)
	assert.NoError(t, good.Wait(context.Background()))
}

func TestCancelledProbeDropsEvent(t *testing.T) {
	processed := false
	mgr := NewManager(func(ctx context.Context, ev *core.Event) error {
		processed = true
		return nil
	})
	defer mgr.Close()

	ev := inboundEvent("stale fire")
	ev.Cancelled = func(ctx context.Context) bool { return true }

	tk := mgr.Enqueue("k", ev)
	assert.ErrorIs(t, tk.Wait(context.Background()), core.ErrEventCancelled)
	assert.False(t, processed)
}

func TestTicketWaitHonorsContext(t *testing.T) {
	release := make(chan struct{})
	mgr := NewManager(func(ctx context.Context, ev *core.Event) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	defer func() {
		close(release)
		mgr.Close()
	}()

	tk := mgr.Enqueue("k", inboundEvent("slow"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tk.Wait(ctx), context.DeadlineExceeded)
}

func TestCloseRejectsNewEvents(t *testing.T) {
	mgr := NewManager(func(ctx context.Context, ev *core.Event) error { return nil })
	mgr.Close()

	tk := mgr.Enqueue("k", inboundEvent("late"))
	assert.ErrorIs(t, tk.Wait(context.Background()), context.Canceled)
}
