package usage

import (
	"context"

	"github.com/upb/oap-policy-engine/models"
	"github.com/upb/oap-policy-engine/repositories"
)

// RepositoryCounter is a Counter over a persistent UsageRepository
type RepositoryCounter struct {
	repo repositories.UsageRepository
}

var (
	_ Counter    = (*RepositoryCounter)(nil)
	_ BatchAdder = (*RepositoryCounter)(nil)
)

// NewRepositoryCounter creates a RepositoryCounter
func NewRepositoryCounter(repo repositories.UsageRepository) *RepositoryCounter {
	return &RepositoryCounter{repo: repo}
}

func (c *RepositoryCounter) Current(ctx context.Context, key models.UsageKey) (int64, error) {
	return c.repo.Total(ctx, key)
}

func (c *RepositoryCounter) Add(ctx context.Context, key models.UsageKey, delta int64) (int64, error) {
	totals, err := c.repo.Increment(ctx, []models.UsageKey{key}, delta)
	if err != nil {
		return 0, err
	}
	return totals[key], nil
}

func (c *RepositoryCounter) AddWithin(ctx context.Context, key models.UsageKey, delta, limit int64) (int64, bool, error) {
	return c.repo.IncrementWithin(ctx, key, delta, limit)
}

func (c *RepositoryCounter) AddBatch(ctx context.Context, keys []models.UsageKey, delta int64) (map[models.UsageKey]int64, error) {
	return c.repo.Increment(ctx, keys, delta)
}
