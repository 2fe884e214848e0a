// Package enrich caches secondary entity lookups (login → profile) within
// and across runs.
package enrich

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sightline-analytics/pulse/internal/model"
)

// DefaultTTL governs persistent-tier freshness.
const DefaultTTL = 7 * 24 * time.Hour

// FetchFunc resolves a missing key. It runs outside any cache lock.
type FetchFunc func(ctx context.Context) (model.Profile, error)

// Store is the persistent cache tier surviving across runs.
type Store interface {
	Get(ctx context.Context, key string) (*model.Profile, error)
	Put(ctx context.Context, key string, p model.Profile, ttl time.Duration) error
	Purge(ctx context.Context, key string) error
	DeleteExpired(ctx context.Context) (int, error)
}

// inflight tracks one in-progress fetch so concurrent callers share it.
type inflight struct {
	done chan struct{}
	val  model.Profile
	err  error
}

// Cache is a single-flight, TTL'd lookup cache. Lookups check the
// in-process map, then the persistent store, then call the fetch function.
// The mutex guards only the map check-and-insert; fetches run unlocked.
type Cache struct {
	store Store // optional persistent tier
	ttl   time.Duration

	mu      sync.Mutex
	local   map[string]model.Profile
	pending map[string]*inflight
}

// NewCache creates a cache. store may be nil for a purely in-process cache.
func NewCache(store Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		store:   store,
		ttl:     ttl,
		local:   make(map[string]model.Profile),
		pending: make(map[string]*inflight),
	}
}

// GetOrFetch returns the cached value for key, fetching it at most once no
// matter how many callers ask concurrently. A miss is not an error; it just
// triggers fetchFn.
func (c *Cache) GetOrFetch(ctx context.Context, key string, fetchFn FetchFunc) (model.Profile, error) {
	c.mu.Lock()
	if v, ok := c.local[key]; ok {
		c.mu.Unlock()
		return v, nil
	}
	if fl, ok := c.pending[key]; ok {
		c.mu.Unlock()
		select {
		case <-fl.done:
			return fl.val, fl.err
		case <-ctx.Done():
			return model.Profile{}, ctx.Err()
		}
	}
	fl := &inflight{done: make(chan struct{})}
	c.pending[key] = fl
	c.mu.Unlock()

	fl.val, fl.err = c.resolve(ctx, key, fetchFn)

	c.mu.Lock()
	delete(c.pending, key)
	if fl.err == nil {
		c.local[key] = fl.val
	}
	c.mu.Unlock()
	close(fl.done)

	return fl.val, fl.err
}

// resolve consults the persistent tier, then the fetch function. Runs
// without holding the cache lock.
func (c *Cache) resolve(ctx context.Context, key string, fetchFn FetchFunc) (model.Profile, error) {
	if c.store != nil {
		cached, err := c.store.Get(ctx, key)
		if err != nil {
			zap.L().Warn("enrich: persistent tier read failed",
				zap.String("key", key),
				zap.Error(err),
			)
		} else if cached != nil {
			return *cached, nil
		}
	}

	val, err := fetchFn(ctx)
	if err != nil {
		return model.Profile{}, err
	}
	if val.FetchedAt.IsZero() {
		val.FetchedAt = time.Now().UTC()
	}

	if c.store != nil {
		if err := c.store.Put(ctx, key, val, c.ttl); err != nil {
			zap.L().Warn("enrich: persistent tier write failed",
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}
	return val, nil
}

// Purge drops a key from both tiers.
func (c *Cache) Purge(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.local, key)
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	return c.store.Purge(ctx, key)
}
