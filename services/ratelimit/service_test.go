package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/upb/oap-policy-engine/services"
)

func newTestService(t *testing.T, cfg Config) (*RateLimitService, *time.Time) {
	t.Helper()
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	s := NewRateLimitService(cfg, zaptest.NewLogger(t))
	s.now = func() time.Time { return now }
	return s, &now
}

func TestRateLimitService_Burst(t *testing.T) {
	s, _ := newTestService(t, Config{RPS: 1, Burst: 3})

	for i := 0; i < 3; i++ {
		res := s.Check("ap_agent01")
		require.True(t, res.Allowed, "request %d", i)
		assert.Equal(t, 2-i, res.Remaining)
	}

	res := s.Check("ap_agent01")
	assert.False(t, res.Allowed)
	assert.Equal(t, time.Second, res.RetryAfter)

	assert.True(t, s.Check("ap_agent02").Allowed, "buckets are per agent")
}

func TestRateLimitService_Refill(t *testing.T) {
	s, now := newTestService(t, Config{RPS: 2, Burst: 1})

	require.True(t, s.Check("ap_agent01").Allowed)
	require.False(t, s.Check("ap_agent01").Allowed)

	*now = now.Add(500 * time.Millisecond)
	assert.True(t, s.Check("ap_agent01").Allowed)
}

func TestRateLimitService_RejectedRequestsDoNotConsume(t *testing.T) {
	s, now := newTestService(t, Config{RPS: 1, Burst: 1})

	require.True(t, s.Check("ap_agent01").Allowed)
	for i := 0; i < 5; i++ {
		require.False(t, s.Check("ap_agent01").Allowed)
	}

	*now = now.Add(time.Second)
	assert.True(t, s.Check("ap_agent01").Allowed)
}

func TestRateLimitService_Allow(t *testing.T) {
	s, _ := newTestService(t, Config{RPS: 1, Burst: 1})

	require.NoError(t, s.Allow("ap_agent01"))

	err := s.Allow("ap_agent01")
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrRateLimitExceeded)
	assert.True(t, services.IsRateLimitError(err))
	assert.Equal(t, int64(1000), services.GetErrorDetails(err)["retry_after_ms"])
}

func TestRateLimitService_Disabled(t *testing.T) {
	s, _ := newTestService(t, Config{})
	assert.False(t, s.Enabled())
	for i := 0; i < 1000; i++ {
		require.NoError(t, s.Allow("ap_agent01"))
	}
	assert.Equal(t, 0, s.Tracked())

	var nilService *RateLimitService
	assert.False(t, nilService.Enabled())
	assert.True(t, nilService.Check("ap_agent01").Allowed)
}

func TestRateLimitService_EvictIdle(t *testing.T) {
	s, now := newTestService(t, Config{RPS: 10, IdleTTL: time.Minute})
	assert.Equal(t, 10, s.cfg.Burst, "burst defaults to rps")

	s.Check("ap_agent01")
	*now = now.Add(45 * time.Second)
	s.Check("ap_agent02")
	require.Equal(t, 2, s.Tracked())

	*now = now.Add(30 * time.Second)
	assert.Equal(t, 1, s.EvictIdle())
	assert.Equal(t, 1, s.Tracked())
}

func TestRateLimitService_Concurrent(t *testing.T) {
	s, _ := newTestService(t, Config{RPS: 1, Burst: 25})

	var allowed int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Check("ap_agent01").Allowed {
				atomic.AddInt32(&allowed, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(25), allowed)
}

func TestRateLimitService_CleanupWorker(t *testing.T) {
	s := NewRateLimitService(Config{RPS: 10, IdleTTL: time.Nanosecond}, zaptest.NewLogger(t))
	s.Check("ap_agent01")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.StartCleanupWorker(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return s.Tracked() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
