// Package audit provides the append-only audit log writer. Every state
// transition and dispatch decision produces exactly one entry; an entry
// that cannot be persisted fails the dispatch rather than disappearing.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/voyantlabs/concierge-core/core"
)

// Writer records audit entries. Record never fails silently: it either
// persists the entry or returns an error after exhausting retries.
type Writer interface {
	Record(ctx context.Context, e *core.AuditEntry) error
}

// Sink is the persistence target. The store's audit table satisfies it.
type Sink interface {
	AppendAudit(ctx context.Context, e *core.AuditEntry) error
}

// StoreWriter writes entries to a Sink with bounded retry and
// exponential backoff. Exhausting the bound surfaces
// core.AuditWriteFailure, which the orchestrator treats as a dispatch
// failure, not a degraded feature.
type StoreWriter struct {
	sink     Sink
	attempts int
	backoff  time.Duration
	logger   *zap.Logger
}

// Option configures a StoreWriter.
type Option func(*StoreWriter)

// WithAttempts sets how many writes are tried before giving up.
func WithAttempts(n int) Option {
	return func(w *StoreWriter) {
		if n > 0 {
			w.attempts = n
		}
	}
}

// WithBackoff sets the initial retry delay (doubled per attempt).
func WithBackoff(d time.Duration) Option {
	return func(w *StoreWriter) {
		if d > 0 {
			w.backoff = d
		}
	}
}

// WithLogger sets the writer's logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *StoreWriter) { w.logger = l }
}

// NewStoreWriter creates a writer over the sink. Defaults: 3 attempts,
// 50ms initial backoff.
func NewStoreWriter(sink Sink, opts ...Option) *StoreWriter {
	w := &StoreWriter{
		sink:     sink,
		attempts: 3,
		backoff:  50 * time.Millisecond,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *StoreWriter) Record(ctx context.Context, e *core.AuditEntry) error {
	delay := w.backoff
	var lastErr error
	for attempt := 1; attempt <= w.attempts; attempt++ {
		lastErr = w.sink.AppendAudit(ctx, e)
		if lastErr == nil {
			return nil
		}
		w.logger.Warn("audit write failed",
			zap.String("entry_id", e.ID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		if attempt == w.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return &core.AuditWriteFailure{Attempts: attempt, Err: ctx.Err()}
		case <-time.After(delay):
		}
		delay *= 2
	}
	return &core.AuditWriteFailure{Attempts: w.attempts, Err: lastErr}
}

var _ Writer = (*StoreWriter)(nil)
