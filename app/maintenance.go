package app

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// MaintenanceInterval is how often expired cache entries, idle limiters,
// stale idempotency records and closed usage buckets are removed
const MaintenanceInterval = time.Minute

// StartWorkers runs the background maintenance loops until ctx is done
func (d *Dependencies) StartWorkers(ctx context.Context) {
	if d.Cache != nil {
		go d.Cache.StartCleanupWorker(MaintenanceInterval, ctx.Done())
	}
	if d.RateLimit != nil && d.RateLimit.Enabled() {
		go d.RateLimit.StartCleanupWorker(ctx, MaintenanceInterval)
	}
	go d.every(ctx, MaintenanceInterval, d.purgeStores)

	if interval := d.Config.Policies.ReloadInterval; interval > 0 {
		d.Logger.Info("periodic policy reload enabled", zap.Duration("interval", interval))
		go d.every(ctx, interval, func(ctx context.Context) {
			// A failed reload keeps the current registry and is logged by the service.
			_ = d.ReloadPolicies(ctx)
		})
	}
}

func (d *Dependencies) every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fn(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// purgeStores removes expired idempotency records and usage counters from
// the stores that do not expire them on their own
func (d *Dependencies) purgeStores(ctx context.Context) {
	if d.memoryIdempotency != nil {
		if n := d.memoryIdempotency.Purge(); n > 0 {
			d.Logger.Debug("purged idempotency records", zap.Int("count", n))
		}
	}

	now := time.Now()
	if d.pgIdempotency != nil {
		n, err := d.pgIdempotency.DeleteOlderThan(ctx, now.Add(-d.Config.Stores.IdempotencyTTL))
		if err != nil {
			d.Logger.Warn("failed to purge idempotency records", zap.Error(err))
		} else if n > 0 {
			d.Logger.Debug("purged idempotency records", zap.Int64("count", n))
		}
	}
	if d.pgUsage != nil {
		n, err := d.pgUsage.DeleteExpired(ctx, now)
		if err != nil {
			d.Logger.Warn("failed to purge usage counters", zap.Error(err))
		} else if n > 0 {
			d.Logger.Debug("purged usage counters", zap.Int64("count", n))
		}
	}
}
