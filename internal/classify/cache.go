package classify

import (
	"sync"
	"time"
)

// tenantCache memoizes (linked_id → tenant) so long-lived calls are not
// re-resolved on every record. Entries expire after a TTL; when the cache
// exceeds its size cap the oldest entries are pruned.
type tenantCache struct {
	mu      sync.Mutex
	entries map[string]tenantEntry
	ttl     time.Duration
	maxSize int
	clock   func() time.Time

	hits   uint64
	misses uint64
}

type tenantEntry struct {
	tenant string
	stored time.Time
}

func newTenantCache(ttlSeconds, maxSize int) *tenantCache {
	return &tenantCache{
		entries: make(map[string]tenantEntry),
		ttl:     time.Duration(ttlSeconds) * time.Second,
		maxSize: maxSize,
		clock:   time.Now,
	}
}

func (c *tenantCache) get(linkedID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[linkedID]
	if !ok || c.clock().Sub(e.stored) > c.ttl {
		if ok {
			delete(c.entries, linkedID)
		}
		c.misses++
		return "", false
	}
	c.hits++
	return e.tenant, true
}

func (c *tenantCache) put(linkedID, tenant string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxSize {
		c.pruneOldest(c.maxSize / 2)
	}
	c.entries[linkedID] = tenantEntry{tenant: tenant, stored: c.clock()}
}

// pruneOldest removes entries until at most keep remain, oldest first.
func (c *tenantCache) pruneOldest(keep int) {
	for len(c.entries) > keep {
		oldestKey := ""
		var oldest time.Time
		for k, e := range c.entries {
			if oldestKey == "" || e.stored.Before(oldest) {
				oldestKey, oldest = k, e.stored
			}
		}
		delete(c.entries, oldestKey)
	}
}

func (c *tenantCache) stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
