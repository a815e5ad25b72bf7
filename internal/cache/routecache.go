package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/blueberrycongee/morc/internal/model"
)

// RouteCache memoizes routing decisions keyed by route fingerprint. It
// is an independent TTL map rather than a slice of the response
// cache so route entries never compete with response payloads for L1
// eviction room.
type RouteCache struct {
	store *gocache.Cache
}

// NewRouteCache creates a route cache whose entries expire after ttl
// (default 60 s).
func NewRouteCache(ttl time.Duration) *RouteCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	// Expiry is checked on read; the janitor only reclaims memory, so its
	// interval is floored rather than scaled down with very short TTLs.
	cleanup := 2 * ttl
	if cleanup < time.Second {
		cleanup = time.Second
	}
	return &RouteCache{store: gocache.New(ttl, cleanup)}
}

// Get returns the cached decision for key, if present and unexpired.
func (c *RouteCache) Get(key string) (model.RouteDecision, bool) {
	v, ok := c.store.Get(key)
	if !ok {
		return model.RouteDecision{}, false
	}
	d, ok := v.(model.RouteDecision)
	return d, ok
}

// Set stores a decision under key with the cache's default TTL.
func (c *RouteCache) Set(key string, d model.RouteDecision) {
	c.store.SetDefault(key, d)
}

// Invalidate removes a single decision.
func (c *RouteCache) Invalidate(key string) {
	c.store.Delete(key)
}

// Clear removes every cached decision; called by the self-healing monitor
// when the candidate set changes materially.
func (c *RouteCache) Clear() {
	c.store.Flush()
}

// Len reports the number of resident decisions, for Status reporting.
func (c *RouteCache) Len() int {
	return c.store.ItemCount()
}
