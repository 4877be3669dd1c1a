package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/upb/oap-policy-engine/models"
	"github.com/upb/oap-policy-engine/repositories"
	"github.com/upb/oap-policy-engine/services"
)

// DecisionAuditRepository implements the repositories.DecisionAuditRepository interface
type DecisionAuditRepository struct {
	db     *DB
	tx     *sql.Tx
	logger *zap.Logger
}

// NewDecisionAuditRepository creates a new decision audit repository
func NewDecisionAuditRepository(db *DB, logger *zap.Logger) repositories.DecisionAuditRepository {
	return &DecisionAuditRepository{
		db:     db,
		logger: logger,
	}
}

const auditColumns = `id, decision_id, policy_id, policy_version, passport_id, owner_id, allow,
		       reason_codes, context_digest, request_id, latency_ms, created_at`

// Insert inserts a new audit record
func (r *DecisionAuditRepository) Insert(ctx context.Context, rec *models.DecisionAuditRecord) error {
	query := `
		INSERT INTO decision_audit (
			id, decision_id, policy_id, policy_version, passport_id, owner_id, allow,
			reason_codes, context_digest, request_id, latency_ms, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
	`

	codes, err := encodeJSONColumn(rec.ReasonCodes, "[]")
	if err != nil {
		return fmt.Errorf("encode reason codes: %w", err)
	}

	_, err = r.executor(ctx).ExecContext(ctx, query,
		rec.ID,
		rec.DecisionID,
		rec.PolicyID,
		rec.PolicyVersion,
		rec.PassportID,
		rec.OwnerID,
		rec.Allow,
		codes,
		rec.ContextDigest,
		rec.RequestID,
		rec.LatencyMs,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision audit record: %w", err)
	}

	r.logger.Debug("decision audit record inserted",
		zap.String("id", rec.ID.String()),
		zap.String("decision_id", rec.DecisionID))
	return nil
}

// GetByDecisionID retrieves the first record of one decision
func (r *DecisionAuditRepository) GetByDecisionID(ctx context.Context, decisionID string) (*models.DecisionAuditRecord, error) {
	query := `
		SELECT ` + auditColumns + `
		FROM decision_audit
		WHERE decision_id = $1
		ORDER BY created_at ASC
		LIMIT 1
	`

	rec, err := scanAuditRecord(r.executor(ctx).QueryRowContext(ctx, query, decisionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, services.NewDomainError(services.ErrorTypeNotFound,
				fmt.Sprintf("decision %s not found", decisionID), services.ErrDecisionNotFound)
		}
		return nil, fmt.Errorf("failed to get decision audit record: %w", err)
	}
	return rec, nil
}

// GetByPassportID retrieves records for an agent with pagination, newest first
func (r *DecisionAuditRepository) GetByPassportID(ctx context.Context, passportID string, limit, offset int) ([]*models.DecisionAuditRecord, error) {
	query := `
		SELECT ` + auditColumns + `
		FROM decision_audit
		WHERE passport_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.executor(ctx).QueryContext(ctx, query, passportID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query decision audit records: %w", err)
	}
	defer rows.Close()

	var recs []*models.DecisionAuditRecord
	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision audit record: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating decision audit records: %w", err)
	}
	return recs, nil
}

// WithTx returns a new repository instance bound to the transaction
func (r *DecisionAuditRepository) WithTx(tx repositories.Transaction) repositories.DecisionAuditRepository {
	pgTx, ok := tx.(*Transaction)
	if !ok {
		return r
	}
	return &DecisionAuditRepository{db: r.db, tx: pgTx.GetTx(), logger: r.logger}
}

func (r *DecisionAuditRepository) executor(ctx context.Context) Executor {
	if r.tx != nil {
		return r.tx
	}
	return GetExecutor(ctx, r.db)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAuditRecord(row rowScanner) (*models.DecisionAuditRecord, error) {
	var (
		rec                  models.DecisionAuditRecord
		owner, digest, reqID sql.NullString
		latency              sql.NullInt64
		codes                []byte
	)
	err := row.Scan(
		&rec.ID,
		&rec.DecisionID,
		&rec.PolicyID,
		&rec.PolicyVersion,
		&rec.PassportID,
		&owner,
		&rec.Allow,
		&codes,
		&digest,
		&reqID,
		&latency,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.OwnerID, rec.ContextDigest, rec.RequestID = owner.String, digest.String, reqID.String
	rec.LatencyMs = int(latency.Int64)
	if err := decodeJSONColumn(codes, &rec.ReasonCodes); err != nil {
		return nil, fmt.Errorf("decode reason codes: %w", err)
	}
	return &rec, nil
}
