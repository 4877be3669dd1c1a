package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/upb/oap-policy-engine/services"
)

// Config holds the per-agent throttle. A non-positive RPS disables throttling.
type Config struct {
	RPS     float64
	Burst   int
	IdleTTL time.Duration // limiters unused this long are evicted
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		RPS:     50,
		Burst:   100,
		IdleTTL: 10 * time.Minute,
	}
}

// Result describes one throttle check
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type agentLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitService throttles decide requests per agent with a token bucket
type RateLimitService struct {
	cfg      Config
	logger   *zap.Logger
	mu       sync.Mutex
	limiters map[string]*agentLimiter
	now      func() time.Time
}

// NewRateLimitService creates a new RateLimitService instance
func NewRateLimitService(cfg Config, logger *zap.Logger) *RateLimitService {
	if cfg.Burst <= 0 {
		cfg.Burst = int(math.Ceil(cfg.RPS))
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultConfig().IdleTTL
	}
	return &RateLimitService{
		cfg:      cfg,
		logger:   logger,
		limiters: make(map[string]*agentLimiter),
		now:      time.Now,
	}
}

// Enabled reports whether requests are throttled at all
func (s *RateLimitService) Enabled() bool {
	return s != nil && s.cfg.RPS > 0
}

// Check takes one token from agentID's bucket
func (s *RateLimitService) Check(agentID string) Result {
	if !s.Enabled() {
		return Result{Allowed: true, Remaining: math.MaxInt32}
	}
	now := s.now()

	s.mu.Lock()
	l := s.limiter(agentID, now)
	s.mu.Unlock()

	r := l.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Result{Allowed: false, RetryAfter: delay}
	}
	return Result{Allowed: true, Remaining: int(l.TokensAt(now))}
}

// Allow is Check returning ErrRateLimitExceeded when agentID is over its rate
func (s *RateLimitService) Allow(agentID string) error {
	res := s.Check(agentID)
	if res.Allowed {
		return nil
	}
	s.logger.Debug("agent throttled",
		zap.String("agent_id", agentID),
		zap.Duration("retry_after", res.RetryAfter))
	return services.NewDomainError(services.ErrorTypeRateLimit,
		fmt.Sprintf("agent %s exceeded %.0f requests per second", agentID, s.cfg.RPS), services.ErrRateLimitExceeded).
		WithDetail("retry_after_ms", res.RetryAfter.Milliseconds())
}

func (s *RateLimitService) limiter(agentID string, now time.Time) *rate.Limiter {
	l, ok := s.limiters[agentID]
	if !ok {
		l = &agentLimiter{limiter: rate.NewLimiter(rate.Limit(s.cfg.RPS), s.cfg.Burst)}
		s.limiters[agentID] = l
	}
	l.lastSeen = now
	return l.limiter
}

// EvictIdle drops limiters not used within the idle TTL
func (s *RateLimitService) EvictIdle() int {
	cutoff := s.now().Add(-s.cfg.IdleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, l := range s.limiters {
		if l.lastSeen.Before(cutoff) {
			delete(s.limiters, id)
			n++
		}
	}
	return n
}

// Tracked returns the number of agents with a live limiter
func (s *RateLimitService) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// StartCleanupWorker evicts idle limiters every interval until ctx is done
func (s *RateLimitService) StartCleanupWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("started rate limit cleanup worker",
		zap.Duration("interval", interval),
		zap.Duration("idle_ttl", s.cfg.IdleTTL))

	for {
		select {
		case <-ticker.C:
			if n := s.EvictIdle(); n > 0 {
				s.logger.Debug("evicted idle rate limiters", zap.Int("count", n))
			}
		case <-ctx.Done():
			s.logger.Info("stopping rate limit cleanup worker")
			return
		}
	}
}
