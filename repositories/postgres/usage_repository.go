package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/upb/oap-policy-engine/models"
	"github.com/upb/oap-policy-engine/repositories"
)

// UsageRepository keeps usage counters as one row per key and bucket
type UsageRepository struct {
	db     *DB
	txMgr  repositories.TransactionManager
	logger *zap.Logger
	now    func() time.Time
}

var _ repositories.UsageRepository = (*UsageRepository)(nil)

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *DB, logger *zap.Logger) *UsageRepository {
	return &UsageRepository{
		db:     db,
		txMgr:  NewTransactionManager(db, logger),
		logger: logger,
		now:    time.Now,
	}
}

const upsertUsageQuery = `
		INSERT INTO usage_counters (agent_id, capability, resource, period, bucket, total, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (agent_id, capability, resource, period, bucket)
		DO UPDATE SET
			total = usage_counters.total + EXCLUDED.total,
			updated_at = EXCLUDED.updated_at
`

// Total returns the running total for key, zero when absent or expired
func (r *UsageRepository) Total(ctx context.Context, key models.UsageKey) (int64, error) {
	query := `
		SELECT total
		FROM usage_counters
		WHERE agent_id = $1 AND capability = $2 AND resource = $3 AND period = $4 AND bucket = $5
		  AND expires_at > $6
	`

	var total int64
	err := GetExecutor(ctx, r.db).QueryRowContext(ctx, query,
		key.AgentID, key.Capability, key.Resource, key.Period, key.Bucket, r.now().UTC(),
	).Scan(&total)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to query usage: %w", err)
	}
	return total, nil
}

// Increment adds delta to every key in one transaction
func (r *UsageRepository) Increment(ctx context.Context, keys []models.UsageKey, delta int64) (map[models.UsageKey]int64, error) {
	totals := make(map[models.UsageKey]int64, len(keys))
	if len(keys) == 0 {
		return totals, nil
	}

	err := r.inTransaction(ctx, func(ctx context.Context) error {
		for _, key := range keys {
			total, err := r.upsert(ctx, key, delta)
			if err != nil {
				return err
			}
			totals[key] = total
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return totals, nil
}

// IncrementWithin adds delta to key only when the new total stays within
// limit. The conditional upsert is a single statement, so concurrent
// callers cannot overshoot the limit.
func (r *UsageRepository) IncrementWithin(ctx context.Context, key models.UsageKey, delta, limit int64) (int64, bool, error) {
	if delta > limit {
		total, err := r.Total(ctx, key)
		return total, false, err
	}

	expiresAt, err := key.Period.BucketEnd(key.Bucket)
	if err != nil {
		return 0, false, err
	}

	query := `
		INSERT INTO usage_counters (agent_id, capability, resource, period, bucket, total, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (agent_id, capability, resource, period, bucket)
		DO UPDATE SET
			total = usage_counters.total + EXCLUDED.total,
			updated_at = EXCLUDED.updated_at
		WHERE usage_counters.total + EXCLUDED.total <= $9
		RETURNING total
	`

	var total int64
	err = GetExecutor(ctx, r.db).QueryRowContext(ctx, query,
		key.AgentID, key.Capability, key.Resource, key.Period, key.Bucket,
		delta, expiresAt, r.now().UTC(), limit,
	).Scan(&total)
	if err == nil {
		return total, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("failed to increment usage: %w", err)
	}

	total, err = r.Total(ctx, key)
	return total, false, err
}

// DeleteExpired removes counters whose bucket closed before now
func (r *UsageRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := GetExecutor(ctx, r.db).ExecContext(ctx,
		`DELETE FROM usage_counters WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired usage: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	r.logger.Info("deleted expired usage counters",
		zap.Int64("rows_deleted", rowsAffected),
		zap.Time("now", now))
	return rowsAffected, nil
}

func (r *UsageRepository) upsert(ctx context.Context, key models.UsageKey, delta int64) (int64, error) {
	expiresAt, err := key.Period.BucketEnd(key.Bucket)
	if err != nil {
		return 0, err
	}

	var total int64
	err = GetExecutor(ctx, r.db).QueryRowContext(ctx, upsertUsageQuery+" RETURNING total",
		key.AgentID, key.Capability, key.Resource, key.Period, key.Bucket,
		delta, expiresAt, r.now().UTC(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert usage %s: %w", key, err)
	}
	return total, nil
}

// inTransaction runs fn in the caller's transaction when ctx carries one
func (r *UsageRepository) inTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := GetTransactionFromContext(ctx); ok {
		return fn(ctx)
	}
	return r.txMgr.InTransaction(ctx, func(ctx context.Context, _ repositories.Transaction) error {
		return fn(ctx)
	})
}
