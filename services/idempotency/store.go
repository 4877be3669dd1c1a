// Package idempotency records which decision an idempotency key produced so
// a replayed request can be denied with a reference to the original.
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/upb/oap-policy-engine/models"
	"github.com/upb/oap-policy-engine/services/resilience"
)

// DefaultTTL is how long a key stays bound to its decision
const DefaultTTL = 24 * time.Hour

// Reservation is the outcome of an atomic reserve
type Reservation struct {
	AlreadyExists   bool
	PriorDecisionID string
}

// Store binds idempotency keys to decisions. Reserve must be atomic: of two
// concurrent reserves for the same key exactly one observes AlreadyExists=false.
type Store interface {
	Lookup(ctx context.Context, key models.IdempotencyKey) (*models.IdempotencyRecord, error)
	Reserve(ctx context.Context, rec *models.IdempotencyRecord) (Reservation, error)
}

type memoryEntry struct {
	rec       models.IdempotencyRecord
	expiresAt time.Time
}

// MemoryStore is a process-local Store
type MemoryStore struct {
	mu      sync.Mutex
	entries map[models.IdempotencyKey]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStore creates a MemoryStore whose records expire after ttl
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		entries: make(map[models.IdempotencyKey]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *MemoryStore) Lookup(_ context.Context, key models.IdempotencyKey) (*models.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		return nil, nil
	}
	rec := e.rec
	return &rec, nil
}

func (s *MemoryStore) Reserve(_ context.Context, rec *models.IdempotencyRecord) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.live(rec.IdempotencyKey); ok {
		return Reservation{AlreadyExists: true, PriorDecisionID: e.rec.DecisionID}, nil
	}
	stored := *rec
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now().UTC()
	}
	s.entries[rec.IdempotencyKey] = memoryEntry{rec: stored, expiresAt: s.now().Add(s.ttl)}
	return Reservation{}, nil
}

// Purge drops expired records and returns how many were removed
func (s *MemoryStore) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, e := range s.entries {
		if !s.now().Before(e.expiresAt) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// live must be called with the lock held
func (s *MemoryStore) live(key models.IdempotencyKey) (memoryEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

// GuardedStore runs another Store's calls through a resilience guard
type GuardedStore struct {
	next  Store
	guard *resilience.Guard
}

// NewGuardedStore wraps next with guard
func NewGuardedStore(next Store, guard *resilience.Guard) *GuardedStore {
	return &GuardedStore{next: next, guard: guard}
}

func (s *GuardedStore) Lookup(ctx context.Context, key models.IdempotencyKey) (*models.IdempotencyRecord, error) {
	return resilience.Call(ctx, s.guard, "lookup", func(ctx context.Context) (*models.IdempotencyRecord, error) {
		return s.next.Lookup(ctx, key)
	})
}

// Reserve is a conditional insert and is never retried: a write that landed
// after its attempt timed out would come back as a conflict with itself.
func (s *GuardedStore) Reserve(ctx context.Context, rec *models.IdempotencyRecord) (Reservation, error) {
	return resilience.CallOnce(ctx, s.guard, "reserve", func(ctx context.Context) (Reservation, error) {
		return s.next.Reserve(ctx, rec)
	})
}
