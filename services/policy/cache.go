package policy

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/upb/oap-policy-engine/models"
)

// CacheKey identifies a cacheable decision: the same policy version, the same
// passport state and the same context always evaluate to the same outcome.
type CacheKey struct {
	PolicyID       string
	PolicyVersion  string
	PassportID     string
	PassportDigest string
	ContextDigest  string
}

// String returns a string representation of the cache key
func (k CacheKey) String() string {
	return strings.Join([]string{k.PolicyID, k.PolicyVersion, k.PassportID, k.PassportDigest, k.ContextDigest}, "|")
}

// cacheEntry represents a single cache entry with its own expiry
type cacheEntry struct {
	key       CacheKey
	decision  *models.Decision
	expiresAt time.Time
	element   *list.Element // For LRU tracking
}

// DecisionCache is an in-memory LRU cache of decisions. Entries expire with
// the decision they hold or after the default TTL, whichever comes first.
// Thread-safe implementation using sync.RWMutex
type DecisionCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry // Key: CacheKey.String()
	lruList *list.List             // Doubly linked list for LRU tracking
	maxSize int                    // Maximum number of entries
	ttl     time.Duration          // Upper bound on entry lifetime
	hits    uint64
	misses  uint64
	now     func() time.Time
}

// NewDecisionCache creates a new DecisionCache with specified max size and TTL
func NewDecisionCache(maxSize int, ttl time.Duration) *DecisionCache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &DecisionCache{
		entries: make(map[string]*cacheEntry),
		lruList: list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns a copy of the cached decision, or nil if absent or expired
func (c *DecisionCache) Get(key CacheKey) *models.Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	keyStr := key.String()
	entry, exists := c.entries[keyStr]

	if !exists || !c.now().Before(entry.expiresAt) {
		c.misses++
		if exists {
			c.removeEntry(keyStr)
		}
		return nil
	}

	// Move to front (most recently used)
	c.lruList.MoveToFront(entry.element)
	c.hits++

	return entry.decision.Clone()
}

// Set stores a copy of d. Decisions already expired are not stored.
func (c *DecisionCache) Set(key CacheKey, d *models.Decision) {
	if d == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	expiresAt := d.ExpiresAt
	if c.ttl > 0 && now.Add(c.ttl).Before(expiresAt) {
		expiresAt = now.Add(c.ttl)
	}
	if !now.Before(expiresAt) {
		return
	}

	keyStr := key.String()
	if entry, exists := c.entries[keyStr]; exists {
		entry.decision = d.Clone()
		entry.expiresAt = expiresAt
		c.lruList.MoveToFront(entry.element)
		return
	}

	// Evict least recently used entry if cache is full
	if c.lruList.Len() >= c.maxSize {
		c.evictLRU()
	}

	entry := &cacheEntry{key: key, decision: d.Clone(), expiresAt: expiresAt}
	entry.element = c.lruList.PushFront(keyStr)
	c.entries[keyStr] = entry
}

// Invalidate removes a specific cache entry
func (c *DecisionCache) Invalidate(key CacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeEntry(key.String())
}

// InvalidatePolicy removes all cached decisions of a policy
func (c *DecisionCache) InvalidatePolicy(policyID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for keyStr, entry := range c.entries {
		if entry.key.PolicyID == policyID {
			c.removeEntry(keyStr)
			n++
		}
	}
	return n
}

// InvalidatePassport removes all cached decisions for an agent
func (c *DecisionCache) InvalidatePassport(passportID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for keyStr, entry := range c.entries {
		if entry.key.PassportID == passportID {
			c.removeEntry(keyStr)
			n++
		}
	}
	return n
}

// Clear removes all entries from the cache
func (c *DecisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*cacheEntry)
	c.lruList.Init()
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
	c.mu.RLock()
	defer c.mu.RUnlock()

	var rate float64
	if total := c.hits + c.misses; total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return CacheStats{
		Size:    c.lruList.Len(),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
		HitRate: rate,
	}
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
	keyStr := back.Value.(string)
	c.lruList.Remove(back)
	delete(c.entries, keyStr)
}

// CleanupExpired removes all expired entries
func (c *DecisionCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	expired := make([]string, 0)
	for keyStr, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			expired = append(expired, keyStr)
		}
	}
	for _, keyStr := range expired {
		c.removeEntry(keyStr)
	}
	return len(expired)
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
