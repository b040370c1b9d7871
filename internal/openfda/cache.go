package openfda

import (
	"net/url"
	"sync"
	"time"
)

// responseCache stores raw response bodies per (endpoint, parameter-set) with
// a per-entry TTL. Expired entries are evicted lazily on the next lookup, not
// swept proactively. Safe for concurrent use from parallel fan-out calls.
type responseCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry

	now func() time.Time // test hook
}

type cacheEntry struct {
	body      []byte
	expiresAt time.Time
}

func newResponseCache() *responseCache {
	return &responseCache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// cacheKey builds the lookup key. url.Values.Encode sorts parameters, so the
// same logical query always maps to the same entry.
func cacheKey(endpoint string, params url.Values) string {
	return endpoint + "?" + params.Encode()
}

func (c *responseCache) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.body, true
}

func (c *responseCache) put(key string, body []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{body: body, expiresAt: c.now().Add(ttl)}
}

func (c *responseCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
