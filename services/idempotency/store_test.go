package idempotency

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/upb/oap-policy-engine/models"
	"github.com/upb/oap-policy-engine/services"
	"github.com/upb/oap-policy-engine/services/resilience"
)

func record(key, decisionID string) *models.IdempotencyRecord {
	return &models.IdempotencyRecord{
		IdempotencyKey: models.IdempotencyKey{PolicyID: "finance.payment.refund.v1", AgentID: "ap_refund01", Key: key},
		DecisionID:     decisionID,
		Outcome:        models.OutcomeAllow,
	}
}

// storeContract runs the behaviour every Store must share
func storeContract(t *testing.T, s Store) {
	ctx := context.Background()

	rec, err := s.Lookup(ctx, record("key_unseen_01", "").IdempotencyKey)
	require.NoError(t, err)
	assert.Nil(t, rec)

	res, err := s.Reserve(ctx, record("key_first_001", "dec_1"))
	require.NoError(t, err)
	assert.False(t, res.AlreadyExists)

	res, err = s.Reserve(ctx, record("key_first_001", "dec_2"))
	require.NoError(t, err)
	assert.True(t, res.AlreadyExists)
	assert.Equal(t, "dec_1", res.PriorDecisionID)

	rec, err = s.Lookup(ctx, record("key_first_001", "").IdempotencyKey)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "dec_1", rec.DecisionID)
	assert.Equal(t, models.OutcomeAllow, rec.Outcome)
	assert.False(t, rec.CreatedAt.IsZero())

	other := record("key_first_001", "dec_3")
	other.AgentID = "ap_other"
	res, err = s.Reserve(ctx, other)
	require.NoError(t, err)
	assert.False(t, res.AlreadyExists, "keys are scoped per agent")
}

func TestMemoryStore_Contract(t *testing.T) {
	storeContract(t, NewMemoryStore(time.Hour))
}

func TestMemoryStore_ConcurrentReserve(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Reserve(context.Background(), record("key_race_0001", "dec"))
			if err == nil && !res.AlreadyExists {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners)
}

func TestMemoryStore_Expiry(t *testing.T) {
	now := time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(time.Minute)
	s.now = func() time.Time { return now }

	_, err := s.Reserve(context.Background(), record("key_expire_01", "dec_1"))
	require.NoError(t, err)
	_, err = s.Reserve(context.Background(), record("key_expire_02", "dec_2"))
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	rec, err := s.Lookup(context.Background(), record("key_expire_01", "").IdempotencyKey)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, 1, s.Purge())
}

type failingStore struct{ calls int32 }

func (f *failingStore) Lookup(context.Context, models.IdempotencyKey) (*models.IdempotencyRecord, error) {
	atomic.AddInt32(&f.calls, 1)
	return nil, errors.New("connection refused")
}

func (f *failingStore) Reserve(context.Context, *models.IdempotencyRecord) (Reservation, error) {
	atomic.AddInt32(&f.calls, 1)
	return Reservation{}, errors.New("connection refused")
}

func TestGuardedStore(t *testing.T) {
	cfg := resilience.DefaultConfig("idempotency")
	cfg.RetryDelay = time.Millisecond

	storeContract(t, NewGuardedStore(NewMemoryStore(time.Hour), resilience.NewGuard(cfg, zaptest.NewLogger(t))))

	failing := &failingStore{}
	g := NewGuardedStore(failing, resilience.NewGuard(cfg, zaptest.NewLogger(t)))
	_, err := g.Lookup(context.Background(), record("key_fail_0001", "").IdempotencyKey)
	assert.ErrorIs(t, err, services.ErrStoreUnavailable)
	assert.Equal(t, int32(cfg.Attempts), atomic.LoadInt32(&failing.calls))
}

// TestRedisStore_Contract needs a live server: REDIS_TEST_ADDR=localhost:6379
func TestRedisStore_Contract(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	prefix := "oaptest:" + time.Now().Format("150405.000000") + ":"
	storeContract(t, NewRedisStore(client, prefix, time.Minute))
}

// slowStore applies the first reservation but answers after the guard timeout
type slowStore struct {
	*MemoryStore
	delay time.Duration
	calls int32
}

func (s *slowStore) Reserve(ctx context.Context, rec *models.IdempotencyRecord) (Reservation, error) {
	n := atomic.AddInt32(&s.calls, 1)
	res, err := s.MemoryStore.Reserve(ctx, rec)
	if n == 1 {
		time.Sleep(s.delay)
		return Reservation{}, ctx.Err()
	}
	return res, err
}

func TestGuardedStore_ReserveIsNotRetried(t *testing.T) {
	cfg := resilience.DefaultConfig("idempotency")
	cfg.Timeout = 20 * time.Millisecond
	cfg.RetryDelay = time.Millisecond
	cfg.Attempts = 3

	slow := &slowStore{MemoryStore: NewMemoryStore(time.Hour), delay: 40 * time.Millisecond}
	g := NewGuardedStore(slow, resilience.NewGuard(cfg, zaptest.NewLogger(t)))

	_, err := g.Reserve(context.Background(), record("key_slow_0001", "dec_1"))
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&slow.calls))

	failing := &failingStore{}
	_, err = NewGuardedStore(failing, resilience.NewGuard(cfg, zaptest.NewLogger(t))).
		Reserve(context.Background(), record("key_fail_0002", "dec_2"))
	assert.ErrorIs(t, err, services.ErrStoreUnavailable)
	assert.Equal(t, int32(1), atomic.LoadInt32(&failing.calls))
}

func TestRedisStore_KeyLayout(t *testing.T) {
	s := NewRedisStore(nil, "oap:", time.Minute)
	key := models.IdempotencyKey{PolicyID: "finance.payment.refund.v1", AgentID: "ap_refund01", Key: "order-1"}

	assert.Equal(t, "oap:idem:finance.payment.refund.v1:ap_refund01:order-1", s.key(key))
}
