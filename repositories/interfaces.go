package repositories

import (
	"context"
	"time"

	"github.com/upb/oap-policy-engine/models"
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// PassportRepository reads agent passports. The decision core never writes them.
type PassportRepository interface {
	// GetByID retrieves a passport by passport or agent id.
	// Returns services.ErrPassportNotFound when absent.
	GetByID(ctx context.Context, id string) (*models.Passport, error)
}

// PassportWriter is implemented by stores that can seed or update passports
type PassportWriter interface {
	Upsert(ctx context.Context, p *models.Passport) error
}

// IdempotencyRepository persists idempotency reservations
type IdempotencyRepository interface {
	// Get returns the record for key, or nil when absent
	Get(ctx context.Context, key models.IdempotencyKey) (*models.IdempotencyRecord, error)

	// Insert stores rec unless the key exists. It reports whether rec was
	// inserted and, when not, the record that holds the key.
	Insert(ctx context.Context, rec *models.IdempotencyRecord) (inserted bool, existing *models.IdempotencyRecord, err error)

	// DeleteOlderThan removes records created before cutoff
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// UsageRepository persists usage counters
type UsageRepository interface {
	// Total returns the running total for key, zero when absent
	Total(ctx context.Context, key models.UsageKey) (int64, error)

	// Increment adds delta to every key in one transaction and returns the new totals
	Increment(ctx context.Context, keys []models.UsageKey, delta int64) (map[models.UsageKey]int64, error)

	// IncrementWithin adds delta to key only when the result stays within limit
	IncrementWithin(ctx context.Context, key models.UsageKey, delta, limit int64) (total int64, ok bool, err error)

	// DeleteExpired removes counters whose bucket closed before now
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// DecisionAuditRepository stores the decision trail
type DecisionAuditRepository interface {
	// Insert inserts a new audit record
	Insert(ctx context.Context, rec *models.DecisionAuditRecord) error

	// GetByDecisionID retrieves the record of one decision
	GetByDecisionID(ctx context.Context, decisionID string) (*models.DecisionAuditRecord, error)

	// GetByPassportID retrieves records for an agent with pagination, newest first
	GetByPassportID(ctx context.Context, passportID string, limit, offset int) ([]*models.DecisionAuditRecord, error)

	// WithTx returns a new repository instance bound to the transaction
	WithTx(tx Transaction) DecisionAuditRepository
}

// Repositories groups the repositories of one backing database
type Repositories struct {
	Passports     PassportRepository
	Idempotency   IdempotencyRepository
	Usage         UsageRepository
	DecisionAudit DecisionAuditRepository
}
