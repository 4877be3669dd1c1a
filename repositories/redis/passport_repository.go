// Package redis holds repositories backed by Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/upb/oap-policy-engine/models"
	"github.com/upb/oap-policy-engine/repositories"
	"github.com/upb/oap-policy-engine/services"
)

// PassportRepository stores each passport as a JSON value
type PassportRepository struct {
	client goredis.Cmdable
	prefix string
}

var (
	_ repositories.PassportRepository = (*PassportRepository)(nil)
	_ repositories.PassportWriter     = (*PassportRepository)(nil)
)

// NewPassportRepository creates a PassportRepository. Keys are written under prefix.
func NewPassportRepository(client goredis.Cmdable, prefix string) *PassportRepository {
	return &PassportRepository{client: client, prefix: prefix}
}

func (r *PassportRepository) key(id string) string {
	return r.prefix + "passport:" + id
}

func (r *PassportRepository) GetByID(ctx context.Context, id string) (*models.Passport, error) {
	raw, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, services.NewDomainError(services.ErrorTypeNotFound,
			fmt.Sprintf("passport %s not found", id), services.ErrPassportNotFound).WithDetail("agent_id", id)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var p models.Passport
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode passport %s: %w", id, err)
	}
	return &p, nil
}

func (r *PassportRepository) Upsert(ctx context.Context, p *models.Passport) error {
	if p == nil || p.ID() == "" {
		return services.NewDomainError(services.ErrorTypeValidation, "passport id is required", services.ErrInvalidAgentID)
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode passport %s: %w", p.ID(), err)
	}
	if err := r.client.Set(ctx, r.key(p.ID()), raw, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
