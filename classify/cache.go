package classify

import (
	"context"
	"strings"

	"github.com/dgraph-io/ristretto"

	"github.com/voyantlabs/concierge-core/core"
)

// Cached decorates a Classifier with a ristretto cache keyed by the
// normalized message text. Classification is pure per text, so repeats
// (common for reminder acks and short commands) skip the inner
// classifier entirely.
type Cached struct {
	inner Classifier
	cache *ristretto.Cache
}

// NewCached wraps inner with a cache sized for maxEntries texts.
func NewCached(inner Classifier, maxEntries int64) (*Cached, error) {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cached{inner: inner, cache: cache}, nil
}

func (c *Cached) Classify(ctx context.Context, text string, history []*core.Message) (Result, error) {
	key := strings.ToLower(strings.TrimSpace(text))
	if v, ok := c.cache.Get(key); ok {
		return v.(Result), nil
	}
	res, err := c.inner.Classify(ctx, text, history)
	if err != nil {
		return Result{}, err
	}
	c.cache.Set(key, res, 1)
	return res, nil
}

// Wait blocks until pending cache writes are visible. Test hook.
func (c *Cached) Wait() { c.cache.Wait() }

// Close releases the cache's resources.
func (c *Cached) Close() { c.cache.Close() }

var _ Classifier = (*Cached)(nil)
