// Package memory holds process-local repositories for development and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/upb/oap-policy-engine/models"
	"github.com/upb/oap-policy-engine/repositories"
	"github.com/upb/oap-policy-engine/services"
)

// PassportRepository keeps passports in a map
type PassportRepository struct {
	mu        sync.RWMutex
	passports map[string]*models.Passport
}

var (
	_ repositories.PassportRepository = (*PassportRepository)(nil)
	_ repositories.PassportWriter     = (*PassportRepository)(nil)
)

// NewPassportRepository creates a repository holding passports
func NewPassportRepository(passports ...*models.Passport) *PassportRepository {
	r := &PassportRepository{passports: make(map[string]*models.Passport, len(passports))}
	for _, p := range passports {
		_ = r.Upsert(context.Background(), p)
	}
	return r
}

// GetByID returns a copy of the stored passport
func (r *PassportRepository) GetByID(_ context.Context, id string) (*models.Passport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.passports[id]
	if !ok {
		return nil, services.NewDomainError(services.ErrorTypeNotFound,
			fmt.Sprintf("passport %s not found", id), services.ErrPassportNotFound).WithDetail("agent_id", id)
	}
	cp := *p
	return &cp, nil
}

// Upsert stores p under its passport id
func (r *PassportRepository) Upsert(_ context.Context, p *models.Passport) error {
	if p == nil || p.ID() == "" {
		return services.NewDomainError(services.ErrorTypeValidation, "passport id is required", services.ErrInvalidAgentID)
	}
	cp := *p
	cp.PassportID = p.ID()
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now

	r.mu.Lock()
	defer r.mu.Unlock()
	r.passports[cp.PassportID] = &cp
	return nil
}

// Len returns the number of stored passports
func (r *PassportRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.passports)
}

// LoadPassports reads a JSON array of passports from path
func LoadPassports(path string) ([]*models.Passport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read passport seed: %w", err)
	}
	var passports []*models.Passport
	if err := json.Unmarshal(data, &passports); err != nil {
		return nil, fmt.Errorf("decode passport seed %s: %w", path, err)
	}
	for i, p := range passports {
		if p == nil || p.ID() == "" {
			return nil, fmt.Errorf("passport seed %s: entry %d has no passport_id", path, i)
		}
	}
	return passports, nil
}

// Seed upserts passports into w
func Seed(ctx context.Context, w repositories.PassportWriter, passports []*models.Passport) error {
	for _, p := range passports {
		if err := w.Upsert(ctx, p); err != nil {
			return fmt.Errorf("seed passport %s: %w", p.ID(), err)
		}
	}
	return nil
}
