package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/upb/oap-policy-engine/models"
	"github.com/upb/oap-policy-engine/repositories"
	"github.com/upb/oap-policy-engine/services"
)

// PassportRepository stores passports with capabilities, limits and regions
// as JSONB columns
type PassportRepository struct {
	db     *DB
	logger *zap.Logger
}

var (
	_ repositories.PassportRepository = (*PassportRepository)(nil)
	_ repositories.PassportWriter     = (*PassportRepository)(nil)
)

// NewPassportRepository creates a new passport repository
func NewPassportRepository(db *DB, logger *zap.Logger) *PassportRepository {
	return &PassportRepository{
		db:     db,
		logger: logger,
	}
}

// GetByID retrieves a passport by id
func (r *PassportRepository) GetByID(ctx context.Context, id string) (*models.Passport, error) {
	query := `
		SELECT passport_id, name, owner_id, owner_type, status, assurance_level,
		       capabilities, limits, regions, version, created_at, updated_at
		FROM passports
		WHERE passport_id = $1
	`

	var (
		p                       models.Passport
		name, ownerType, ver    sql.NullString
		caps, limits, regionsJS []byte
	)
	err := GetExecutor(ctx, r.db).QueryRowContext(ctx, query, id).Scan(
		&p.PassportID,
		&name,
		&p.OwnerID,
		&ownerType,
		&p.Status,
		&p.AssuranceLevel,
		&caps,
		&limits,
		&regionsJS,
		&ver,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, services.NewDomainError(services.ErrorTypeNotFound,
				fmt.Sprintf("passport %s not found", id), services.ErrPassportNotFound).WithDetail("agent_id", id)
		}
		return nil, fmt.Errorf("failed to get passport: %w", err)
	}

	p.Name, p.OwnerType, p.Version = name.String, ownerType.String, ver.String
	if err := decodeJSONColumn(caps, &p.Capabilities); err != nil {
		return nil, fmt.Errorf("passport %s capabilities: %w", id, err)
	}
	if err := decodeJSONColumn(limits, &p.Limits); err != nil {
		return nil, fmt.Errorf("passport %s limits: %w", id, err)
	}
	if err := decodeJSONColumn(regionsJS, &p.Regions); err != nil {
		return nil, fmt.Errorf("passport %s regions: %w", id, err)
	}
	p.AgentID = p.PassportID

	return &p, nil
}

// Upsert creates or replaces a passport
func (r *PassportRepository) Upsert(ctx context.Context, p *models.Passport) error {
	query := `
		INSERT INTO passports (
			passport_id, name, owner_id, owner_type, status, assurance_level,
			capabilities, limits, regions, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (passport_id) DO UPDATE SET
			name = EXCLUDED.name,
			owner_id = EXCLUDED.owner_id,
			owner_type = EXCLUDED.owner_type,
			status = EXCLUDED.status,
			assurance_level = EXCLUDED.assurance_level,
			capabilities = EXCLUDED.capabilities,
			limits = EXCLUDED.limits,
			regions = EXCLUDED.regions,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at
	`

	caps, err := encodeJSONColumn(p.Capabilities, "[]")
	if err != nil {
		return fmt.Errorf("passport %s capabilities: %w", p.ID(), err)
	}
	limits, err := encodeJSONColumn(p.Limits, "{}")
	if err != nil {
		return fmt.Errorf("passport %s limits: %w", p.ID(), err)
	}
	regions, err := encodeJSONColumn(p.Regions, "[]")
	if err != nil {
		return fmt.Errorf("passport %s regions: %w", p.ID(), err)
	}

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err = GetExecutor(ctx, r.db).ExecContext(ctx, query,
		p.ID(),
		p.Name,
		p.OwnerID,
		p.OwnerType,
		p.Status,
		p.AssuranceLevel,
		caps,
		limits,
		regions,
		p.Version,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert passport: %w", err)
	}

	r.logger.Debug("passport upserted", zap.String("passport_id", p.ID()))
	return nil
}

func decodeJSONColumn(raw []byte, dst interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// encodeJSONColumn marshals v, writing empty instead of null for nil values
func encodeJSONColumn(v interface{}, empty string) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return []byte(empty), nil
	}
	return b, nil
}
