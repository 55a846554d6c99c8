package perms

import (
	"sync"
	"time"
)

type cacheKey struct {
	roomID     int64
	identityID int64
}

type cacheEntry struct {
	value   Effective
	expires time.Time
}

// permCache bounds repeated resolution cost during request bursts. Entries
// live for a short TTL; every override write invalidates the affected key
// before its transaction commits, so the next request observes fresh state.
type permCache struct {
	entries sync.Map
	ttl     time.Duration
}

func newPermCache(ttl time.Duration) *permCache {
	return &permCache{ttl: ttl}
}

func (c *permCache) get(roomID, identityID int64, now time.Time) (Effective, bool) {
	if c.ttl <= 0 {
		return Effective{}, false
	}
	raw, ok := c.entries.Load(cacheKey{roomID, identityID})
	if !ok {
		return Effective{}, false
	}
	entry, ok := raw.(cacheEntry)
	if !ok || now.After(entry.expires) {
		c.entries.Delete(cacheKey{roomID, identityID})
		return Effective{}, false
	}
	return entry.value, true
}

func (c *permCache) put(roomID, identityID int64, value Effective, now time.Time) {
	if c.ttl <= 0 {
		return
	}
	c.entries.Store(cacheKey{roomID, identityID}, cacheEntry{value: value, expires: now.Add(c.ttl)})
}

func (c *permCache) invalidate(roomID, identityID int64) {
	c.entries.Delete(cacheKey{roomID, identityID})
}

// invalidateIdentity drops every room's entry for an identity; used for
// global flag changes such as server-wide bans.
func (c *permCache) invalidateIdentity(identityID int64) {
	c.entries.Range(func(key, _ interface{}) bool {
		if k, ok := key.(cacheKey); ok && k.identityID == identityID {
			c.entries.Delete(key)
		}
		return true
	})
}
