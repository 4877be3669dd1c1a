package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/upb/oap-policy-engine/services"
)

// Config bounds calls to one backing store
type Config struct {
	Name            string
	Timeout         time.Duration
	Attempts        uint
	RetryDelay      time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	BreakerInterval time.Duration
}

// DefaultConfig returns the settings used when none are configured
func DefaultConfig(name string) Config {
	return Config{
		Name:            name,
		Timeout:         250 * time.Millisecond,
		Attempts:        2,
		RetryDelay:      20 * time.Millisecond,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
		BreakerInterval: 10 * time.Second,
	}
}

// permanentError marks failures a retry cannot fix
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the guard neither retries it nor counts it against the breaker
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Guard runs store calls with a per-attempt timeout, bounded retries and a
// circuit breaker. Every failure it returns wraps ErrStoreUnavailable or
// ErrStoreTimeout so callers can fail closed.
type Guard struct {
	cfg     Config
	cb      *gobreaker.CircuitBreaker
	onError func(store, op string)
	logger  *zap.Logger
}

// Option configures a Guard
type Option func(*Guard)

// WithErrorHook is called once per failed guarded call
func WithErrorHook(hook func(store, op string)) Option {
	return func(g *Guard) { g.onError = hook }
}

// NewGuard creates a guard for one store
func NewGuard(cfg Config, logger *zap.Logger, opts ...Option) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 1
	}
	g := &Guard{cfg: cfg, logger: logger}
	for _, o := range opts {
		o(g)
	}

	failures := cfg.BreakerFailures
	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return failures > 0 && counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("store circuit breaker state changed",
				zap.String("store", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return g
}

// Name returns the guarded store name
func (g *Guard) Name() string {
	return g.cfg.Name
}

// Do runs fn under the guard
func (g *Guard) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return g.do(ctx, op, g.cfg.Attempts, fn)
}

// DoOnce runs fn under the guard without retrying. Non-idempotent writes use it.
func (g *Guard) DoOnce(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return g.do(ctx, op, 1, fn)
}

func (g *Guard) do(ctx context.Context, op string, attempts uint, fn func(ctx context.Context) error) error {
	_, err := g.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(attempts),
			retry.Delay(g.cfg.RetryDelay),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool {
				return !isPermanent(err) && !errors.Is(err, context.Canceled)
			}),
		)
		return nil, r.Do(func() error {
			callCtx, cancel := g.attemptContext(ctx)
			defer cancel()
			return fn(callCtx)
		})
	})
	if err == nil {
		return nil
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return perm.err
	}

	if g.onError != nil {
		g.onError(g.cfg.Name, op)
	}
	g.logger.Warn("store call failed",
		zap.String("store", g.cfg.Name),
		zap.String("op", op),
		zap.Error(err),
	)

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%s %s: %w: %v", g.cfg.Name, op, services.ErrStoreUnavailable, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s %s: %w: %v", g.cfg.Name, op, services.ErrStoreTimeout, err)
	}
	return fmt.Errorf("%s %s: %w: %v", g.cfg.Name, op, services.ErrStoreUnavailable, err)
}

func (g *Guard) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.cfg.Timeout)
}

// Call runs fn under g and returns its value
func Call[T any](ctx context.Context, g *Guard, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	return call(ctx, g.Do, op, fn)
}

// CallOnce is Call without retries
func CallOnce[T any](ctx context.Context, g *Guard, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	return call(ctx, g.DoOnce, op, fn)
}

func call[T any](ctx context.Context, do func(context.Context, string, func(context.Context) error) error, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
