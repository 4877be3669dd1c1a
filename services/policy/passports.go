package policy

import (
	"context"

	"github.com/upb/oap-policy-engine/models"
	"github.com/upb/oap-policy-engine/repositories"
	"github.com/upb/oap-policy-engine/services"
	"github.com/upb/oap-policy-engine/services/resilience"
)

// GuardedPassports runs passport lookups through a resilience guard. A
// missing passport is an answer, not a store failure, so it neither retries
// nor counts against the breaker.
type GuardedPassports struct {
	next  repositories.PassportRepository
	guard *resilience.Guard
}

// NewGuardedPassports wraps next with guard
func NewGuardedPassports(next repositories.PassportRepository, guard *resilience.Guard) *GuardedPassports {
	return &GuardedPassports{next: next, guard: guard}
}

func (g *GuardedPassports) GetByID(ctx context.Context, id string) (*models.Passport, error) {
	return resilience.Call(ctx, g.guard, "get", func(ctx context.Context) (*models.Passport, error) {
		pp, err := g.next.GetByID(ctx, id)
		if services.IsNotFoundError(err) {
			return nil, resilience.Permanent(err)
		}
		return pp, err
	})
}
