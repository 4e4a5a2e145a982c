package collab

import (
	"context"
	"sync"
	"time"
)

// CachedCatalog memoizes catalog snapshots for a bounded TTL. Orders created
// within the window reuse the cached snapshot; Invalidate is the hook for
// catalog-side edits that must take effect immediately.
type CachedCatalog struct {
	inner Catalog
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]cachedSnapshot
}

type cachedSnapshot struct {
	snapshot  ServiceSnapshot
	expiresAt time.Time
}

func NewCachedCatalog(inner Catalog, ttl time.Duration) *CachedCatalog {
	return &CachedCatalog{
		inner:   inner,
		ttl:     ttl,
		entries: map[string]cachedSnapshot{},
	}
}

func (c *CachedCatalog) GetService(ctx context.Context, serviceID string) (ServiceSnapshot, error) {
	c.mu.Lock()
	entry, ok := c.entries[serviceID]
	c.mu.Unlock()

	if ok && time.Now().Before(entry.expiresAt) {
		return entry.snapshot, nil
	}

	snapshot, err := c.inner.GetService(ctx, serviceID)
	if err != nil {
		return ServiceSnapshot{}, err
	}

	c.mu.Lock()
	c.entries[serviceID] = cachedSnapshot{snapshot: snapshot, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	return snapshot, nil
}

// Invalidate drops the cached snapshot for one service.
func (c *CachedCatalog) Invalidate(serviceID string) {
	c.mu.Lock()
	delete(c.entries, serviceID)
	c.mu.Unlock()
}
