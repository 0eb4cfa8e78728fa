// ABOUTME: Fingerprint-keyed cache of live sessions for spawn amortization.
// ABOUTME: Stores identifiers only; eviction never tears down connections itself.

package agent

import (
	"sync"
	"time"

	acp "github.com/coder/acp-go-sdk"
)

// cacheEntry records the session backing one config fingerprint. lastAccessed
// has its own lock so touching an entry never contends with cache-wide
// insert/evict beyond the entry itself.
type cacheEntry struct {
	ConnID    string
	SessionID acp.SessionId

	mu           sync.Mutex
	lastAccessed time.Time
}

func (e *cacheEntry) touch() {
	e.mu.Lock()
	e.lastAccessed = time.Now()
	e.mu.Unlock()
}

func (e *cacheEntry) idleSince() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastAccessed
}

// sessionCache maps config fingerprints to cached sessions. At most one entry
// exists per fingerprint. Liveness of the backing connection is the caller's
// concern; the cache holds ids only.
type sessionCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
}

func newSessionCache() *sessionCache {
	return &sessionCache{entries: make(map[string]*cacheEntry)}
}

// get returns the entry for the fingerprint, if any.
func (c *sessionCache) get(fingerprint string) (*cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[fingerprint]
	return e, ok
}

// insert stores a fresh entry, replacing any prior entry for the key.
func (c *sessionCache) insert(fingerprint, connID string, sessionID acp.SessionId) {
	e := &cacheEntry{ConnID: connID, SessionID: sessionID, lastAccessed: time.Now()}
	c.mu.Lock()
	c.entries[fingerprint] = e
	c.mu.Unlock()
}

// remove deletes the fingerprint's entry if it exists.
func (c *sessionCache) remove(fingerprint string) {
	c.mu.Lock()
	delete(c.entries, fingerprint)
	c.mu.Unlock()
}

// removeConn deletes every entry backed by the given connection.
func (c *sessionCache) removeConn(connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for fp, e := range c.entries {
		if e.ConnID == connID {
			delete(c.entries, fp)
		}
	}
}

// sweep removes and returns every entry idle past the timeout. The caller is
// responsible for disconnecting the backing connections.
func (c *sessionCache) sweep(timeout time.Duration) []*cacheEntry {
	cutoff := time.Now().Add(-timeout)

	c.mu.Lock()
	defer c.mu.Unlock()

	var evicted []*cacheEntry
	for fp, e := range c.entries {
		if e.idleSince().Before(cutoff) {
			evicted = append(evicted, e)
			delete(c.entries, fp)
		}
	}
	return evicted
}

// size reports the number of cached entries.
func (c *sessionCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
