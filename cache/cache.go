// Package cache holds serialized envelopes awaiting delivery. It is
// process-local and unpersisted: durability of "what must still be sent" lives
// in the change-log status column, so losing this cache on restart is safe.
package cache

import (
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
)

// PendingCache maps delivery keys to serialized envelopes. Row-backed entries
// encode table and log row id in the key so the dispatcher can locate the
// originating row; everything else (conflict notices, schema pushes) keys by
// an opaque id.
type PendingCache struct {
	entries *xsync.MapOf[string, []byte]
	posting *xsync.MapOf[string, struct{}]
}

// New creates an empty pending cache.
func New() *PendingCache {
	return &PendingCache{
		entries: xsync.NewMapOf[string, []byte](),
		posting: xsync.NewMapOf[string, struct{}](),
	}
}

// Put stores or replaces the payload for a key.
func (c *PendingCache) Put(key string, payload []byte) {
	c.entries.Store(key, payload)
}

// Get returns the payload for a key.
func (c *PendingCache) Get(key string) ([]byte, bool) {
	return c.entries.Load(key)
}

// Remove drops the entry for a key.
func (c *PendingCache) Remove(key string) {
	c.entries.Delete(key)
}

// Keys returns all cached keys in sorted order for a deterministic sweep.
func (c *PendingCache) Keys() []string {
	keys := make([]string, 0, c.entries.Size())
	c.entries.Range(func(key string, _ []byte) bool {
		keys = append(keys, key)
		return true
	})
	sort.Strings(keys)
	return keys
}

// Size returns the number of cached entries.
func (c *PendingCache) Size() int {
	return c.entries.Size()
}

// TryMarkPosting atomically claims a key for publishing. It returns false if
// another sweep already holds the claim; at most one publish per key is in
// flight at any time.
func (c *PendingCache) TryMarkPosting(key string) bool {
	_, loaded := c.posting.LoadOrStore(key, struct{}{})
	return !loaded
}

// IsPosting reports whether a publish attempt for the key is in flight.
func (c *PendingCache) IsPosting(key string) bool {
	_, ok := c.posting.Load(key)
	return ok
}

// ClearPosting releases the publish claim for a key. Callers must clear on
// every exit path, success or failure.
func (c *PendingCache) ClearPosting(key string) {
	c.posting.Delete(key)
}
