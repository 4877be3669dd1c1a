// Package usage keeps the running totals periodic caps are checked against.
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/upb/oap-policy-engine/models"
	"github.com/upb/oap-policy-engine/services/resilience"
)

// Counter reads and increments running totals
type Counter interface {
	Current(ctx context.Context, key models.UsageKey) (int64, error)
	Add(ctx context.Context, key models.UsageKey, delta int64) (int64, error)
	// AddWithin adds delta only when the result stays at or under limit.
	// It reports the resulting total and whether the add happened.
	AddWithin(ctx context.Context, key models.UsageKey, delta, limit int64) (int64, bool, error)
}

// BatchAdder is implemented by counters that can add to several buckets atomically
type BatchAdder interface {
	AddBatch(ctx context.Context, keys []models.UsageKey, delta int64) (map[models.UsageKey]int64, error)
}

type memoryEntry struct {
	total     int64
	expiresAt time.Time
}

// MemoryCounter is a process-local Counter
type MemoryCounter struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCounter creates an empty MemoryCounter
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCounter) Current(_ context.Context, key models.UsageKey) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current(key), nil
}

func (c *MemoryCounter) Add(_ context.Context, key models.UsageKey, delta int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.add(key, delta)
}

func (c *MemoryCounter) AddWithin(_ context.Context, key models.UsageKey, delta, limit int64) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.current(key)
	if cur+delta > limit {
		return cur, false, nil
	}
	total, err := c.add(key, delta)
	return total, err == nil, err
}

func (c *MemoryCounter) AddBatch(_ context.Context, keys []models.UsageKey, delta int64) (map[models.UsageKey]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[models.UsageKey]int64, len(keys))
	for _, k := range keys {
		total, err := c.add(k, delta)
		if err != nil {
			return nil, err
		}
		out[k] = total
	}
	return out, nil
}

// current must be called with the lock held
func (c *MemoryCounter) current(key models.UsageKey) int64 {
	e, ok := c.entries[key.String()]
	if !ok || !c.now().Before(e.expiresAt) {
		return 0
	}
	return e.total
}

// add must be called with the lock held
func (c *MemoryCounter) add(key models.UsageKey, delta int64) (int64, error) {
	end, err := key.Period.BucketEnd(key.Bucket)
	if err != nil {
		return 0, err
	}
	total := c.current(key) + delta
	c.entries[key.String()] = memoryEntry{total: total, expiresAt: end}
	return total, nil
}

// GuardedCounter runs another Counter's calls through a resilience guard
type GuardedCounter struct {
	next  Counter
	guard *resilience.Guard
}

// NewGuardedCounter wraps next with guard
func NewGuardedCounter(next Counter, guard *resilience.Guard) *GuardedCounter {
	return &GuardedCounter{next: next, guard: guard}
}

func (c *GuardedCounter) Current(ctx context.Context, key models.UsageKey) (int64, error) {
	return resilience.Call(ctx, c.guard, "current", func(ctx context.Context) (int64, error) {
		return c.next.Current(ctx, key)
	})
}

// Add is not retried: a retry after an ambiguous failure could count twice
func (c *GuardedCounter) Add(ctx context.Context, key models.UsageKey, delta int64) (int64, error) {
	return resilience.CallOnce(ctx, c.guard, "add", func(ctx context.Context) (int64, error) {
		return c.next.Add(ctx, key, delta)
	})
}

func (c *GuardedCounter) AddWithin(ctx context.Context, key models.UsageKey, delta, limit int64) (int64, bool, error) {
	var ok bool
	total, err := resilience.CallOnce(ctx, c.guard, "add_within", func(ctx context.Context) (int64, error) {
		t, added, err := c.next.AddWithin(ctx, key, delta, limit)
		ok = added
		return t, err
	})
	return total, ok, err
}

func (c *GuardedCounter) AddBatch(ctx context.Context, keys []models.UsageKey, delta int64) (map[models.UsageKey]int64, error) {
	b, isBatch := c.next.(BatchAdder)
	if !isBatch {
		return addEach(ctx, c, keys, delta)
	}
	return resilience.CallOnce(ctx, c.guard, "add_batch", func(ctx context.Context) (map[models.UsageKey]int64, error) {
		return b.AddBatch(ctx, keys, delta)
	})
}

func addEach(ctx context.Context, c Counter, keys []models.UsageKey, delta int64) (map[models.UsageKey]int64, error) {
	out := make(map[models.UsageKey]int64, len(keys))
	for _, k := range keys {
		total, err := c.Add(ctx, k, delta)
		if err != nil {
			return nil, err
		}
		out[k] = total
	}
	return out, nil
}
