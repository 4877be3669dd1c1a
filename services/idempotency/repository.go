package idempotency

import (
	"context"

	"github.com/upb/oap-policy-engine/models"
	"github.com/upb/oap-policy-engine/repositories"
)

// RepositoryStore is a Store over a persistent IdempotencyRepository
type RepositoryStore struct {
	repo repositories.IdempotencyRepository
}

// NewRepositoryStore creates a RepositoryStore
func NewRepositoryStore(repo repositories.IdempotencyRepository) *RepositoryStore {
	return &RepositoryStore{repo: repo}
}

func (s *RepositoryStore) Lookup(ctx context.Context, key models.IdempotencyKey) (*models.IdempotencyRecord, error) {
	return s.repo.Get(ctx, key)
}

func (s *RepositoryStore) Reserve(ctx context.Context, rec *models.IdempotencyRecord) (Reservation, error) {
	inserted, existing, err := s.repo.Insert(ctx, rec)
	if err != nil {
		return Reservation{}, err
	}
	if inserted {
		return Reservation{}, nil
	}
	res := Reservation{AlreadyExists: true}
	if existing != nil {
		res.PriorDecisionID = existing.DecisionID
	}
	return res, nil
}
