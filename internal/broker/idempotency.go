package broker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// idemMaxEntries bounds the cache before the oldest entries are evicted.
const idemMaxEntries = 10000

type idemEntry struct {
	data      map[string]any
	storedAt  time.Time
	expiresAt time.Time
}

// idemCache remembers successful tool results keyed by the execution
// fingerprint, so an identical call within the tool's TTL is answered
// from cache instead of re-executed.
type idemCache struct {
	mu      sync.Mutex
	entries map[string]idemEntry
}

func newIdemCache() *idemCache {
	return &idemCache{entries: make(map[string]idemEntry)}
}

// IdempotencyKey fingerprints one execution. Retries of the same turn
// share a request id and hash to the same key; distinct turns carry
// distinct request ids and never collide, even with identical args.
func IdempotencyKey(workspaceID, conversationID, requestID, tool string, args map[string]any) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00", workspaceID, conversationID, requestID, tool)
	h.Write(canonicalArgs(args))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalArgs serializes args with sorted keys so map iteration
// order cannot change the fingerprint.
func canonicalArgs(args map[string]any) []byte {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf []byte
	for _, k := range keys {
		v, err := json.Marshal(args[k])
		if err != nil {
			v = []byte(fmt.Sprintf("%q", fmt.Sprint(args[k])))
		}
		buf = append(buf, k...)
		buf = append(buf, '=')
		buf = append(buf, v...)
		buf = append(buf, ';')
	}
	return buf
}

// GetAt returns the cached data for key if it has not expired at now.
func (c *idemCache) GetAt(key string, now time.Time) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if now.After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.data, true
}

// PutAt stores data for key with the given TTL. When the cache is
// full the oldest entry is evicted.
func (c *idemCache) PutAt(key string, data map[string]any, ttl time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= idemMaxEntries {
		c.evictOldest(now)
	}
	c.entries[key] = idemEntry{
		data:      data,
		storedAt:  now,
		expiresAt: now.Add(ttl),
	}
}

// evictOldest removes expired entries first, then the oldest stored
// entry if still at capacity (lock held).
func (c *idemCache) evictOldest(now time.Time) {
	var oldestKey string
	var oldestAt time.Time
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			continue
		}
		if oldestKey == "" || entry.storedAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = entry.storedAt
		}
	}
	if len(c.entries) >= idemMaxEntries && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Len reports the current entry count.
func (c *idemCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
