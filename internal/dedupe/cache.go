// ABOUTME: TTL cache for suppressing duplicate publishes of the same envelope ID.
// ABOUTME: Webhook redelivery must not double-trigger a workflow stage.

package dedupe

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cache tracks recently seen message IDs.
type Cache struct {
	entries *gocache.Cache
}

// New creates a dedupe cache whose entries expire after ttl.
func New(ttl time.Duration) *Cache {
	return &Cache{entries: gocache.New(ttl, 2*ttl)}
}

// CheckAndMark atomically checks whether the key was already seen and marks
// it if not. Returns true for a duplicate.
func (c *Cache) CheckAndMark(key string) bool {
	return c.entries.Add(key, struct{}{}, gocache.DefaultExpiration) != nil
}

// Len returns the number of unexpired entries.
func (c *Cache) Len() int {
	return c.entries.ItemCount()
}
