package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/upb/oap-policy-engine/config"
	"github.com/upb/oap-policy-engine/services/decision"
	"github.com/upb/oap-policy-engine/services/policy"
)

const seedPassportsJSON = `[{
	"passport_id": "ap_refund01",
	"owner_id": "org_acme",
	"status": "active",
	"assurance_level": "L2",
	"capabilities": [{"id": "payments.refund"}],
	"limits": {
		"payments.refund": {
			"currency_limits": {"USD": {"daily_cap": 50000}}
		}
	}
}]`

func TestNewDependencies(t *testing.T) {
	t.Run("memory stores", func(t *testing.T) {
		ctx := context.Background()
		cfg := testConfig(t)

		deps, err := NewDependencies(ctx, cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		require.NotNil(t, deps)
		defer func() { assert.NoError(t, deps.Close(ctx)) }()

		assert.Nil(t, deps.DB)
		assert.Nil(t, deps.Redis)
		assert.NotNil(t, deps.Passports)
		assert.NotNil(t, deps.Idempotency)
		assert.NotNil(t, deps.Counter)
		assert.NotNil(t, deps.Cache)
		assert.NotNil(t, deps.Audit)
		assert.NotNil(t, deps.Usage)
		assert.NotNil(t, deps.RateLimit)
		require.NotNil(t, deps.Decisions)
		assert.NotEmpty(t, deps.Decisions.ListPolicies())
		assert.Len(t, deps.Sources, 1)
	})

	t.Run("seeded passport decides end to end", func(t *testing.T) {
		ctx := context.Background()
		cfg := testConfig(t)
		cfg.Stores.PassportSeedFile = writeFile(t, "passports.json", seedPassportsJSON)

		deps, err := NewDependencies(ctx, cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		defer deps.Close(ctx)

		var reqCtx map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(`{
			"order_id": "ORD-1",
			"customer_id": "CUST-1",
			"amount_minor": 5000,
			"currency": "USD",
			"region": "US",
			"reason_code": "customer_request",
			"idempotency_key": "idem_app_test_1"
		}`), &reqCtx))

		d, err := deps.Decisions.Decide(ctx, policy.DecideRequest{
			PolicyID: "finance.payment.refund.v1",
			AgentID:  "ap_refund01",
			Context:  reqCtx,
		})
		require.NoError(t, err)
		assert.True(t, d.Allow)
		assert.NoError(t, deps.Decisions.Verify(d))
	})

	t.Run("policy directory layered over embedded pack", func(t *testing.T) {
		ctx := context.Background()
		cfg := testConfig(t)
		cfg.Policies.Dir = t.TempDir()

		deps, err := NewDependencies(ctx, cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		defer deps.Close(ctx)

		assert.Len(t, deps.Sources, 2)
		assert.NoError(t, deps.ReloadPolicies(ctx))
	})

	t.Run("missing seed file", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Stores.PassportSeedFile = filepath.Join(t.TempDir(), "absent.json")

		deps, err := NewDependencies(context.Background(), cfg, zaptest.NewLogger(t))
		assert.Error(t, err)
		assert.Nil(t, deps)
		assert.Contains(t, err.Error(), "failed to initialize stores")
	})

	t.Run("invalid s3 uri", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Policies.S3URI = "https://bucket/prefix"

		deps, err := NewDependencies(context.Background(), cfg, zaptest.NewLogger(t))
		assert.Error(t, err)
		assert.Nil(t, deps)
		assert.Contains(t, err.Error(), "failed to load policies")
	})

	t.Run("database connection failure", func(t *testing.T) {
		if testing.Short() {
			t.Skip("dials a database host")
		}
		cfg := testConfig(t)
		cfg.Stores.Usage = config.StorePostgres
		cfg.Database.Host = "invalid-host-that-does-not-exist"

		deps, err := NewDependencies(context.Background(), cfg, zaptest.NewLogger(t))
		assert.Error(t, err)
		assert.Nil(t, deps)
		assert.Contains(t, err.Error(), "failed to initialize database")
	})
}

func TestReadinessChecks(t *testing.T) {
	ctx := context.Background()
	deps, err := NewDependencies(ctx, testConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer deps.Close(ctx)

	checks := deps.ReadinessChecks()
	require.Contains(t, checks, "policies")
	assert.NotContains(t, checks, "redis")
	assert.NoError(t, checks["policies"](ctx))
}

func TestNewSigner(t *testing.T) {
	t.Run("configured seed is deterministic", func(t *testing.T) {
		cfg := config.SigningConfig{KeyID: "k1", Seed: strings.Repeat("ab", 32), Format: decision.FormatEd25519}

		a, err := newSigner(cfg, zap.NewNop())
		require.NoError(t, err)
		b, err := newSigner(cfg, zap.NewNop())
		require.NoError(t, err)

		sigA, err := a.Sign([]byte("payload"))
		require.NoError(t, err)
		assert.NoError(t, b.Verify([]byte("payload"), sigA))
		assert.Equal(t, "k1", a.KID())
	})

	t.Run("ephemeral keys differ", func(t *testing.T) {
		cfg := config.SigningConfig{KeyID: "dev", Format: decision.FormatJWS}

		a, err := newSigner(cfg, zap.NewNop())
		require.NoError(t, err)
		b, err := newSigner(cfg, zap.NewNop())
		require.NoError(t, err)

		sigA, err := a.Sign([]byte("payload"))
		require.NoError(t, err)
		assert.Error(t, b.Verify([]byte("payload"), sigA))
	})

	t.Run("bad seed", func(t *testing.T) {
		_, err := newSigner(config.SigningConfig{Seed: "zz", Format: decision.FormatEd25519}, zap.NewNop())
		assert.Error(t, err)
	})
}

func TestDependenciesClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	deps, err := NewDependencies(ctx, testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)

	workers, stop := context.WithCancel(ctx)
	deps.StartWorkers(workers)
	stop()

	assert.NoError(t, deps.Close(ctx))
}

// Test helpers

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Environment: "test",
		Server: config.ServerConfig{
			Host:            "localhost",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: config.DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "oap",
			Database:        "oap_test",
			SSLMode:         "disable",
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Stores: config.StoresConfig{
			Passport:       config.StoreMemory,
			Idempotency:    config.StoreMemory,
			Usage:          config.StoreMemory,
			IdempotencyTTL: time.Hour,
		},
		Policies: config.PoliciesConfig{
			CacheSize: 100,
			CacheTTL:  time.Minute,
		},
		Signing: config.SigningConfig{
			KeyID:  "test",
			Format: decision.FormatEd25519,
		},
		RateLimit: config.RateLimitConfig{
			AgentRPS:   100,
			AgentBurst: 100,
			IdleTTL:    time.Minute,
		},
		Audit: config.AuditConfig{
			Enabled: true,
			Workers: 1,
			Buffer:  16,
		},
		Observability: config.ObservabilityConfig{
			ServiceName: "oap-test",
			LogLevel:    "debug",
			LogFormat:   "json",
		},
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}
