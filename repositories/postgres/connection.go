package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"

	"github.com/upb/oap-policy-engine/config"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return &DB{DB: db, logger: logger}, nil
}

// NewDBFromConn wraps an already opened pool
func NewDBFromConn(db *sql.DB, logger *zap.Logger) *DB {
	return &DB{DB: db, logger: logger}
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

// Stats returns database connection pool statistics
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

const decisionAuditSchema = `
		CREATE TABLE IF NOT EXISTS decision_audit (
			id UUID PRIMARY KEY,
			decision_id VARCHAR(64) NOT NULL,
			policy_id VARCHAR(255) NOT NULL,
			policy_version VARCHAR(64) NOT NULL,
			passport_id VARCHAR(255) NOT NULL,
			owner_id VARCHAR(255),
			allow BOOLEAN NOT NULL,
			reason_codes JSONB NOT NULL DEFAULT '[]',
			context_digest VARCHAR(64),
			request_id VARCHAR(255),
			latency_ms INTEGER,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_decision_audit_decision_id ON decision_audit(decision_id);
		CREATE INDEX IF NOT EXISTS idx_decision_audit_passport_id ON decision_audit(passport_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_decision_audit_policy_id ON decision_audit(policy_id);
		CREATE INDEX IF NOT EXISTS idx_decision_audit_request_id ON decision_audit(request_id);
`

// InitSchema initializes the database schema
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
		-- Agent passports
		CREATE TABLE IF NOT EXISTS passports (
			passport_id VARCHAR(255) PRIMARY KEY,
			name VARCHAR(255),
			owner_id VARCHAR(255) NOT NULL,
			owner_type VARCHAR(50),
			status VARCHAR(20) NOT NULL,
			assurance_level VARCHAR(10) NOT NULL,
			capabilities JSONB NOT NULL DEFAULT '[]',
			limits JSONB NOT NULL DEFAULT '{}',
			regions JSONB NOT NULL DEFAULT '[]',
			version VARCHAR(64),
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		-- Idempotency reservations
		CREATE TABLE IF NOT EXISTS idempotency_records (
			policy_id VARCHAR(255) NOT NULL,
			agent_id VARCHAR(255) NOT NULL,
			idempotency_key VARCHAR(255) NOT NULL,
			decision_id VARCHAR(64) NOT NULL,
			outcome VARCHAR(10) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (policy_id, agent_id, idempotency_key)
		);

		-- Usage counters
		CREATE TABLE IF NOT EXISTS usage_counters (
			agent_id VARCHAR(255) NOT NULL,
			capability VARCHAR(255) NOT NULL,
			resource VARCHAR(64) NOT NULL,
			period VARCHAR(10) NOT NULL,
			bucket VARCHAR(20) NOT NULL,
			total BIGINT NOT NULL DEFAULT 0,
			expires_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (agent_id, capability, resource, period, bucket)
		);

		CREATE INDEX IF NOT EXISTS idx_passports_owner_id ON passports(owner_id);
		CREATE INDEX IF NOT EXISTS idx_idempotency_created_at ON idempotency_records(created_at);
		CREATE INDEX IF NOT EXISTS idx_usage_counters_expires_at ON usage_counters(expires_at);
	` + decisionAuditSchema

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.logger.Info("database schema initialized successfully")
	return nil
}

// InitAuditSchema initializes the decision audit table only.
// Use for the separate audit database when DATABASE_URL_AUDIT is set.
func (db *DB) InitAuditSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, decisionAuditSchema); err != nil {
		return fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	db.logger.Info("audit schema initialized successfully")
	return nil
}
