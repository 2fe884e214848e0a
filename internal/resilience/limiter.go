package resilience

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Pool bounds the number of concurrently outstanding calls to one external
// collaborator and optionally enforces inter-request spacing so callers stay
// under the provider's documented requests-per-minute quota. Acquire waits
// cooperatively; there is no busy-wait and no fairness guarantee beyond the
// semaphore's FIFO-ish release order.
type Pool struct {
	name    string
	size    int
	sem     *semaphore.Weighted
	spacing *rate.Limiter
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithRequestsPerMinute adds inter-request spacing under the given quota.
// The burst is kept at 1 so calls are actually spaced, not front-loaded.
func WithRequestsPerMinute(rpm float64) PoolOption {
	return func(p *Pool) {
		if rpm > 0 {
			p.spacing = rate.NewLimiter(rate.Limit(rpm/60.0), 1)
		}
	}
}

// NewPool creates a permit pool of the given size. Size must be at least 1.
func NewPool(name string, size int, opts ...PoolOption) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		name: name,
		size: size,
		sem:  semaphore.NewWeighted(int64(size)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire blocks until a permit is free (and, when spacing is configured,
// until the next request slot opens). The returned release function must be
// called exactly once; it is safe to call from a deferred statement even
// after cancellation elsewhere.
func (p *Pool) Acquire(ctx context.Context) (release func(), err error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, eris.Wrapf(err, "limiter: acquire %s", p.name)
	}
	if p.spacing != nil {
		if err := p.spacing.Wait(ctx); err != nil {
			p.sem.Release(1)
			return nil, eris.Wrapf(err, "limiter: spacing %s", p.name)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { p.sem.Release(1) })
	}, nil
}

// Name returns the provider this pool guards.
func (p *Pool) Name() string {
	return p.name
}

// Size returns the configured permit count.
func (p *Pool) Size() int {
	return p.size
}

// Pools is a registry of per-provider permit pools. Quotas differ per
// provider, so the remote data source and each analysis provider get
// independent pools.
type Pools struct {
	mu          sync.RWMutex
	pools       map[string]*Pool
	defaultSize int
}

// NewPools creates a pool registry. Providers without an explicit pool get
// one of defaultSize on first use.
func NewPools(defaultSize int) *Pools {
	if defaultSize < 1 {
		defaultSize = 1
	}
	return &Pools{
		pools:       make(map[string]*Pool),
		defaultSize: defaultSize,
	}
}

// Set registers a pool for the named provider, replacing any existing one.
func (ps *Pools) Set(name string, size int, opts ...PoolOption) *Pool {
	p := NewPool(name, size, opts...)
	ps.mu.Lock()
	ps.pools[name] = p
	ps.mu.Unlock()
	return p
}

// Get returns the pool for the named provider, creating a default-sized one
// if needed.
func (ps *Pools) Get(name string) *Pool {
	ps.mu.RLock()
	p, ok := ps.pools[name]
	ps.mu.RUnlock()
	if ok {
		return p
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if p, ok = ps.pools[name]; ok {
		return p
	}
	p = NewPool(name, ps.defaultSize)
	ps.pools[name] = p
	return p
}
