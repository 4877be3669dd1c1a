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

// DefaultIdempotencyTTL is how long a stored key blocks reuse
const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotencyRepository keeps idempotency reservations. The primary key on
// (policy_id, agent_id, idempotency_key) makes Insert the atomic reserve.
// Records older than the TTL are invisible and may be overwritten.
type IdempotencyRepository struct {
	db     *DB
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

var _ repositories.IdempotencyRepository = (*IdempotencyRepository)(nil)

// NewIdempotencyRepository creates a new idempotency repository
func NewIdempotencyRepository(db *DB, logger *zap.Logger) *IdempotencyRepository {
	return &IdempotencyRepository{
		db:     db,
		ttl:    DefaultIdempotencyTTL,
		logger: logger,
		now:    time.Now,
	}
}

// WithTTL returns a copy of the repository using ttl
func (r *IdempotencyRepository) WithTTL(ttl time.Duration) *IdempotencyRepository {
	c := *r
	if ttl > 0 {
		c.ttl = ttl
	}
	return &c
}

func (r *IdempotencyRepository) cutoff() time.Time {
	return r.now().UTC().Add(-r.ttl)
}

// Get returns the record for key, or nil when absent
func (r *IdempotencyRepository) Get(ctx context.Context, key models.IdempotencyKey) (*models.IdempotencyRecord, error) {
	query := `
		SELECT policy_id, agent_id, idempotency_key, decision_id, outcome, created_at
		FROM idempotency_records
		WHERE policy_id = $1 AND agent_id = $2 AND idempotency_key = $3
		  AND created_at >= $4
	`

	rec := &models.IdempotencyRecord{}
	err := GetExecutor(ctx, r.db).QueryRowContext(ctx, query, key.PolicyID, key.AgentID, key.Key, r.cutoff()).Scan(
		&rec.PolicyID,
		&rec.AgentID,
		&rec.Key,
		&rec.DecisionID,
		&rec.Outcome,
		&rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}
	return rec, nil
}

// Insert stores rec unless a live record holds its key, in which case the
// holder is returned
func (r *IdempotencyRepository) Insert(ctx context.Context, rec *models.IdempotencyRecord) (bool, *models.IdempotencyRecord, error) {
	query := `
		INSERT INTO idempotency_records (policy_id, agent_id, idempotency_key, decision_id, outcome, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (policy_id, agent_id, idempotency_key) DO UPDATE SET
			decision_id = EXCLUDED.decision_id,
			outcome = EXCLUDED.outcome,
			created_at = EXCLUDED.created_at
		WHERE idempotency_records.created_at < $7
		RETURNING decision_id
	`

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now().UTC()
	}

	var decisionID string
	err := GetExecutor(ctx, r.db).QueryRowContext(ctx, query,
		rec.PolicyID,
		rec.AgentID,
		rec.Key,
		rec.DecisionID,
		rec.Outcome,
		rec.CreatedAt,
		r.cutoff(),
	).Scan(&decisionID)
	if err == nil {
		r.logger.Debug("idempotency key reserved",
			zap.String("key", rec.IdempotencyKey.String()),
			zap.String("decision_id", decisionID))
		return true, nil, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, nil, fmt.Errorf("failed to insert idempotency record: %w", err)
	}

	existing, err := r.Get(ctx, rec.IdempotencyKey)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

// DeleteOlderThan removes records created before cutoff
func (r *IdempotencyRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := GetExecutor(ctx, r.db).ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete idempotency records: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	r.logger.Info("deleted expired idempotency records",
		zap.Int64("rows_deleted", rowsAffected),
		zap.Time("cutoff_time", cutoff))
	return rowsAffected, nil
}
