package executor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"queryfleet/internal/domain"
)

type cachedStatus struct {
	status  *domain.QueryStatus
	fetched time.Time
}

// statusCache serves QueryStatus reads for running tasks. Entries expire
// after ttl; concurrent misses for one query share a single store read.
type statusCache struct {
	store domain.QueryStatusRepository
	ttl   time.Duration
	now   func() time.Time

	group   singleflight.Group
	mu      sync.Mutex
	entries map[string]cachedStatus
}

func newStatusCache(store domain.QueryStatusRepository, ttl time.Duration, now func() time.Time) *statusCache {
	return &statusCache{store: store, ttl: ttl, now: now, entries: make(map[string]cachedStatus)}
}

// Get returns a copy of the query's status, reading through on a miss.
// Cached entries are only read or written under mu.
func (c *statusCache) Get(ctx context.Context, queryID string) (*domain.QueryStatus, error) {
	c.mu.Lock()
	if e, ok := c.entries[queryID]; ok && c.now().Sub(e.fetched) < c.ttl {
		st := e.status.Clone()
		c.mu.Unlock()
		return st, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(queryID, func() (any, error) {
		st, err := c.store.GetQueryStatus(ctx, queryID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		now := c.now()
		for id, e := range c.entries {
			if now.Sub(e.fetched) >= c.ttl {
				delete(c.entries, id)
			}
		}
		c.entries[queryID] = cachedStatus{status: st, fetched: now}
		// Shared by every waiter, so never mutated after this point.
		return st.Clone(), nil
	})
	if err != nil {
		if domain.IsNotFound(err) {
			c.Invalidate(queryID)
		}
		return nil, err
	}
	return v.(*domain.QueryStatus).Clone(), nil
}

// AddGenerated keeps the cached result count in step with increments this
// process has already written to the store.
func (c *statusCache) AddGenerated(queryID string, n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[queryID]; ok {
		e.status.NumResultsGenerated += n
	}
}

func (c *statusCache) Invalidate(queryID string) {
	c.mu.Lock()
	delete(c.entries, queryID)
	c.mu.Unlock()
}

func (c *statusCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
