package policycache

import (
	"context"
	"errors"
	"sync"
	"time"

	"modelgate/pkg/models"
)

// ErrUnavailable is returned when no snapshot can be served: refresh
// failed and any cached entry is past the stale ceiling.
var ErrUnavailable = errors.New("policy snapshot unavailable")

// Fetcher retrieves the current snapshot from the policy collaborator.
type Fetcher interface {
	Fetch(ctx context.Context, tenantID string) (*models.PolicySnapshot, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, tenantID string) (*models.PolicySnapshot, error)

func (f FetcherFunc) Fetch(ctx context.Context, tenantID string) (*models.PolicySnapshot, error) {
	return f(ctx, tenantID)
}

type entry struct {
	snapshot  *models.PolicySnapshot
	fetchedAt time.Time
	// forceRefresh is set by push invalidation; the next Get attempts a
	// refresh regardless of age.
	forceRefresh bool
}

type flight struct {
	done chan struct{}
	snap *models.PolicySnapshot
	err  error
}

// Cache holds one immutable snapshot per tenant. Snapshots are swapped
// as whole values under the lock and never mutated in place, so a
// request can hold its reference for its entire lifetime.
type Cache struct {
	fetcher        Fetcher
	freshFor       time.Duration
	staleCeiling   time.Duration
	refreshTimeout time.Duration
	now            func() time.Time

	mu       sync.Mutex
	entries  map[string]*entry
	inflight map[string]*flight
}

// Option configures a Cache.
type Option func(*Cache)

// WithFreshWindow overrides the freshness window (default 60s).
func WithFreshWindow(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.freshFor = d
		}
	}
}

// WithStaleCeiling overrides the stale-serve ceiling (default 5m).
func WithStaleCeiling(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.staleCeiling = d
		}
	}
}

// WithRefreshTimeout overrides the synchronous refresh budget (default 500ms).
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.refreshTimeout = d
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func New(fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetcher:        fetcher,
		freshFor:       60 * time.Second,
		staleCeiling:   5 * time.Minute,
		refreshTimeout: 500 * time.Millisecond,
		now:            func() time.Time { return time.Now().UTC() },
		entries:        map[string]*entry{},
		inflight:       map[string]*flight{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the tenant snapshot and whether it is stale. A fresh
// entry is served directly. A missing, aged, or invalidated entry
// triggers a synchronous refresh; concurrent refreshes for the same
// tenant are deduplicated so concurrent requests never observe two
// divergent snapshots from one refresh cycle. If the refresh fails, an
// entry younger than the stale ceiling is served with stale=true;
// otherwise ErrUnavailable.
func (c *Cache) Get(ctx context.Context, tenantID string) (*models.PolicySnapshot, bool, error) {
	c.mu.Lock()
	e := c.entries[tenantID]
	now := c.now()
	if e != nil && !e.forceRefresh && now.Sub(e.fetchedAt) < c.freshFor {
		snap := e.snapshot
		c.mu.Unlock()
		return snap, false, nil
	}
	fl, leader := c.joinFlightLocked(tenantID)
	c.mu.Unlock()

	if leader {
		c.runRefresh(tenantID, fl)
	}
	select {
	case <-fl.done:
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
	if fl.err == nil {
		return fl.snap, false, nil
	}
	return c.staleFallback(tenantID)
}

// Refresh forces a synchronous refresh and returns the new snapshot.
func (c *Cache) Refresh(ctx context.Context, tenantID string) (*models.PolicySnapshot, error) {
	c.mu.Lock()
	fl, leader := c.joinFlightLocked(tenantID)
	c.mu.Unlock()
	if leader {
		c.runRefresh(tenantID, fl)
	}
	select {
	case <-fl.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return fl.snap, fl.err
}

// Invalidate marks the tenant entry so the next Get refreshes
// regardless of age. The old snapshot is kept for stale fallback.
func (c *Cache) Invalidate(tenantID string) {
	c.mu.Lock()
	if e := c.entries[tenantID]; e != nil {
		e.forceRefresh = true
	} else {
		c.entries[tenantID] = &entry{forceRefresh: true}
	}
	c.mu.Unlock()
}

func (c *Cache) joinFlightLocked(tenantID string) (*flight, bool) {
	if fl, ok := c.inflight[tenantID]; ok {
		return fl, false
	}
	fl := &flight{done: make(chan struct{})}
	c.inflight[tenantID] = fl
	return fl, true
}

func (c *Cache) runRefresh(tenantID string, fl *flight) {
	ctx, cancel := context.WithTimeout(context.Background(), c.refreshTimeout)
	snap, err := c.fetcher.Fetch(ctx, tenantID)
	cancel()
	if err == nil && snap == nil {
		err = errors.New("policy fetcher returned nil snapshot")
	}
	c.mu.Lock()
	if err == nil {
		snap.FetchedAt = c.now()
		c.entries[tenantID] = &entry{snapshot: snap, fetchedAt: snap.FetchedAt}
		fl.snap = snap
	}
	fl.err = err
	delete(c.inflight, tenantID)
	c.mu.Unlock()
	close(fl.done)
}

func (c *Cache) staleFallback(tenantID string) (*models.PolicySnapshot, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[tenantID]
	if e == nil || e.snapshot == nil {
		return nil, false, ErrUnavailable
	}
	if c.now().Sub(e.fetchedAt) >= c.staleCeiling {
		return nil, false, ErrUnavailable
	}
	return e.snapshot, true, nil
}
