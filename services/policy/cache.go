package policy

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/action-control-plane/internal/clock"
)

// CacheKey identifies a cached decision. Decisions are never shared across
// request hashes.
type CacheKey struct {
	TenantID    uuid.UUID
	Action      string
	RequestHash string
}

// String returns a string representation of the cache key
func (k CacheKey) String() string {
	return k.TenantID.String() + ":" + k.Action + ":" + k.RequestHash
}

// cacheEntry represents a single cache entry with its own expiry
type cacheEntry struct {
	decision  *Decision
	expiresAt time.Time
	element   *list.Element // For LRU tracking
}

func (e *cacheEntry) isExpired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// DecisionCache is an in-memory LRU cache of allow decisions. Each entry
// expires by its own TTL; there is no explicit invalidation by policy change.
type DecisionCache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	lruList    *list.List
	maxSize    int
	defaultTTL time.Duration
	maxTTL     time.Duration
	clock      clock.Clock
	hits       uint64
	misses     uint64
}

// NewDecisionCache creates a cache. defaultTTL applies to decisions without a
// TTL; maxTTL caps any TTL the authority asks for.
func NewDecisionCache(maxSize int, defaultTTL, maxTTL time.Duration, clk clock.Clock) *DecisionCache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &DecisionCache{
		entries:    make(map[string]*cacheEntry),
		lruList:    list.New(),
		maxSize:    maxSize,
		defaultTTL: defaultTTL,
		maxTTL:     maxTTL,
		clock:      clk,
	}
}

// Get returns a live cached decision or nil
func (c *DecisionCache) Get(key CacheKey) *Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	keyStr := key.String()
	entry, exists := c.entries[keyStr]
	if !exists || entry.isExpired(c.clock.Now()) {
		c.misses++
		if exists {
			c.removeEntry(keyStr)
		}
		return nil
	}

	c.lruList.MoveToFront(entry.element)
	c.hits++
	return entry.decision
}

// Set stores an allow decision. Other verdicts and zero lifetimes are
// ignored. It reports whether the decision was cached.
func (c *DecisionCache) Set(key CacheKey, decision *Decision) bool {
	if decision == nil || decision.Decision != DecisionAllow {
		return false
	}

	ttl := decision.TTL()
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	if c.maxTTL > 0 && ttl > c.maxTTL {
		ttl = c.maxTTL
	}
	if ttl <= 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	keyStr := key.String()
	expiresAt := c.clock.Now().Add(ttl)

	if entry, exists := c.entries[keyStr]; exists {
		entry.decision = decision
		entry.expiresAt = expiresAt
		c.lruList.MoveToFront(entry.element)
		return true
	}

	if c.lruList.Len() >= c.maxSize {
		c.evictLRU()
	}

	entry := &cacheEntry{decision: decision, expiresAt: expiresAt}
	entry.element = c.lruList.PushFront(keyStr)
	c.entries[keyStr] = entry
	return true
}

// CacheStats represents cache statistics
type CacheStats struct {
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns cache statistics
func (c *DecisionCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Size:    c.lruList.Len(),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// removeEntry removes an entry from the cache (must be called with lock held)
func (c *DecisionCache) removeEntry(keyStr string) {
	if entry, exists := c.entries[keyStr]; exists {
		c.lruList.Remove(entry.element)
		delete(c.entries, keyStr)
	}
}

// evictLRU evicts the least recently used entry (must be called with lock held)
func (c *DecisionCache) evictLRU() {
	back := c.lruList.Back()
	if back == nil {
		return
	}
	c.lruList.Remove(back)
	delete(c.entries, back.Value.(string))
}

// CleanupExpired removes all expired entries
func (c *DecisionCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for keyStr, entry := range c.entries {
		if entry.isExpired(now) {
			c.removeEntry(keyStr)
			removed++
		}
	}
	return removed
}

// StartCleanupWorker periodically removes expired entries until stopCh closes
func (c *DecisionCache) StartCleanupWorker(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CleanupExpired()
		case <-stopCh:
			return
		}
	}
}
