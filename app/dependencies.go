package app

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/upb/oap-policy-engine/config"
	"github.com/upb/oap-policy-engine/internal/observability"
	"github.com/upb/oap-policy-engine/repositories"
	"github.com/upb/oap-policy-engine/repositories/memory"
	"github.com/upb/oap-policy-engine/repositories/postgres"
	redisrepo "github.com/upb/oap-policy-engine/repositories/redis"
	"github.com/upb/oap-policy-engine/services/audit"
	"github.com/upb/oap-policy-engine/services/decision"
	"github.com/upb/oap-policy-engine/services/idempotency"
	"github.com/upb/oap-policy-engine/services/policy"
	"github.com/upb/oap-policy-engine/services/ratelimit"
	"github.com/upb/oap-policy-engine/services/resilience"
	"github.com/upb/oap-policy-engine/services/rules"
	"github.com/upb/oap-policy-engine/services/usage"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config      *config.Config
	Logger      *zap.Logger
	RepoFactory *postgres.RepositoryFactory // nil unless a store uses postgres
	DB          *postgres.DB
	Redis       *goredis.Client // nil unless a store uses redis

	// Observability
	Registry *prometheus.Registry
	Metrics  *observability.Metrics
	Tracing  *observability.Tracing

	// Stores
	Passports   repositories.PassportRepository
	Idempotency idempotency.Store
	Counter     usage.Counter
	AuditRepo   repositories.DecisionAuditRepository

	// Policies
	Loader  *policy.Loader
	Sources []policy.Source
	Cache   *policy.DecisionCache

	// Services
	Decisions *policy.DecisionService
	Usage     *usage.UsageService
	RateLimit *ratelimit.RateLimitService
	Audit     *audit.AuditService

	memoryIdempotency *idempotency.MemoryStore
	pgIdempotency     *postgres.IdempotencyRepository
	pgUsage           *postgres.UsageRepository
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	deps.initObservability()

	tracing, err := observability.NewTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Observability.TracingEnabled,
		ServiceName: cfg.Observability.ServiceName,
		Endpoint:    cfg.Observability.TracingEndpoint,
		SampleRate:  cfg.Observability.TracingSampleRate,
		Insecure:    cfg.Observability.TracingInsecure,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	deps.Tracing = tracing

	if cfg.UsesStore(config.StorePostgres) {
		if err := deps.initDatabase(ctx, cfg); err != nil {
			deps.closeQuietly(ctx)
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
	}

	if cfg.UsesStore(config.StoreRedis) {
		if err := deps.initRedis(ctx, cfg); err != nil {
			deps.closeQuietly(ctx)
			return nil, fmt.Errorf("failed to initialize redis: %w", err)
		}
	}

	if err := deps.initStores(ctx, cfg); err != nil {
		deps.closeQuietly(ctx)
		return nil, fmt.Errorf("failed to initialize stores: %w", err)
	}

	registry, err := deps.initPolicies(ctx, cfg)
	if err != nil {
		deps.closeQuietly(ctx)
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}

	if err := deps.initServices(cfg, registry); err != nil {
		deps.closeQuietly(ctx)
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	logger.Info("all dependencies initialized successfully",
		zap.String("passport_store", cfg.Stores.Passport),
		zap.String("idempotency_store", cfg.Stores.Idempotency),
		zap.String("usage_store", cfg.Stores.Usage),
		zap.Int("policies", registry.Len()))
	return deps, nil
}

func (d *Dependencies) initObservability() {
	d.Registry = prometheus.NewRegistry()
	d.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	d.Metrics = observability.NewMetrics(d.Registry)
}

// initDatabase opens the pool and creates the schema
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}

	d.RepoFactory = factory
	d.DB = factory.GetDB()

	if err := factory.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	d.Logger.Info("database connection established",
		zap.String("connection", cfg.Database.LogString()))
	return nil
}

func (d *Dependencies) initRedis(ctx context.Context, cfg *config.Config) error {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	d.Redis = client

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	d.Logger.Info("redis connection established", zap.String("addr", cfg.Redis.Addr))
	return nil
}

// guard builds the resilience guard of one store from config
func (d *Dependencies) guard(cfg *config.Config, name string) *resilience.Guard {
	gc := resilience.DefaultConfig(name)
	if cfg.Stores.Timeout > 0 {
		gc.Timeout = cfg.Stores.Timeout
	}
	if cfg.Stores.Retries > 0 {
		gc.Attempts = cfg.Stores.Retries
	}
	if cfg.Stores.BreakerFailures > 0 {
		gc.BreakerFailures = cfg.Stores.BreakerFailures
	}
	if cfg.Stores.BreakerTimeout > 0 {
		gc.BreakerTimeout = cfg.Stores.BreakerTimeout
	}
	return resilience.NewGuard(gc, d.Logger, resilience.WithErrorHook(d.Metrics.StoreError))
}

// initStores selects the passport, idempotency and usage backends. Remote
// backends are wrapped in a guard; the memory ones cannot fail.
func (d *Dependencies) initStores(ctx context.Context, cfg *config.Config) error {
	var repos *repositories.Repositories
	if d.RepoFactory != nil {
		repos = d.RepoFactory.NewRepositories()
		d.AuditRepo = repos.DecisionAudit
	}
	prefix := cfg.Redis.KeyPrefix

	var passports repositories.PassportRepository
	switch cfg.Stores.Passport {
	case config.StoreRedis:
		passports = redisrepo.NewPassportRepository(d.Redis, prefix)
	case config.StorePostgres:
		passports = repos.Passports
	default:
		passports = memory.NewPassportRepository()
	}
	if cfg.Stores.PassportSeedFile != "" {
		if err := seedPassports(ctx, passports, cfg.Stores.PassportSeedFile); err != nil {
			return err
		}
		d.Logger.Info("passports seeded", zap.String("file", cfg.Stores.PassportSeedFile))
	}
	if cfg.Stores.Passport == config.StoreMemory {
		d.Passports = passports
	} else {
		d.Passports = policy.NewGuardedPassports(passports, d.guard(cfg, "passports"))
	}

	switch cfg.Stores.Idempotency {
	case config.StoreRedis:
		d.Idempotency = idempotency.NewGuardedStore(
			idempotency.NewRedisStore(d.Redis, prefix, cfg.Stores.IdempotencyTTL),
			d.guard(cfg, "idempotency"))
	case config.StorePostgres:
		d.pgIdempotency = postgres.NewIdempotencyRepository(d.DB, d.Logger).WithTTL(cfg.Stores.IdempotencyTTL)
		d.Idempotency = idempotency.NewGuardedStore(
			idempotency.NewRepositoryStore(d.pgIdempotency),
			d.guard(cfg, "idempotency"))
	default:
		d.memoryIdempotency = idempotency.NewMemoryStore(cfg.Stores.IdempotencyTTL)
		d.Idempotency = d.memoryIdempotency
	}

	switch cfg.Stores.Usage {
	case config.StoreRedis:
		d.Counter = usage.NewGuardedCounter(usage.NewRedisCounter(d.Redis, prefix), d.guard(cfg, "usage"))
	case config.StorePostgres:
		d.pgUsage = postgres.NewUsageRepository(d.DB, d.Logger)
		d.Counter = usage.NewGuardedCounter(usage.NewRepositoryCounter(d.pgUsage), d.guard(cfg, "usage"))
	default:
		d.Counter = usage.NewMemoryCounter()
	}

	return nil
}

func seedPassports(ctx context.Context, repo repositories.PassportRepository, path string) error {
	w, ok := repo.(repositories.PassportWriter)
	if !ok {
		return fmt.Errorf("passport store does not accept seeds")
	}
	passports, err := memory.LoadPassports(path)
	if err != nil {
		return err
	}
	return memory.Seed(ctx, w, passports)
}

// initPolicies loads the embedded pack plus any configured directory and
// S3 prefix. Later sources override earlier ones per id and version.
func (d *Dependencies) initPolicies(ctx context.Context, cfg *config.Config) (*policy.Registry, error) {
	loader, err := policy.NewLoader(rules.NewRegistry(), d.Logger)
	if err != nil {
		return nil, err
	}
	d.Loader = loader

	d.Sources = []policy.Source{policy.EmbeddedSource{}}
	if cfg.Policies.Dir != "" {
		d.Sources = append(d.Sources, policy.DirSource{Dir: cfg.Policies.Dir})
	}
	if cfg.Policies.S3URI != "" {
		src, err := newS3Source(ctx, cfg.Policies)
		if err != nil {
			return nil, err
		}
		d.Sources = append(d.Sources, src)
	}

	return loader.Load(ctx, d.Sources...)
}

func newS3Source(ctx context.Context, cfg config.PoliciesConfig) (policy.S3Source, error) {
	bucket, prefix, err := policy.ParseS3URI(cfg.S3URI)
	if err != nil {
		return policy.S3Source{}, err
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return policy.S3Source{}, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return policy.S3Source{Client: client, Bucket: bucket, Prefix: prefix}, nil
}

func (d *Dependencies) initServices(cfg *config.Config, registry *policy.Registry) error {
	signer, err := newSigner(cfg.Signing, d.Logger)
	if err != nil {
		return err
	}

	if cfg.Policies.CacheSize > 0 {
		d.Cache = policy.NewDecisionCache(cfg.Policies.CacheSize, cfg.Policies.CacheTTL)
	}

	opts := []policy.Option{
		policy.WithIdempotencyStore(d.Idempotency),
		policy.WithMetrics(d.Metrics),
		policy.WithTracer(d.Tracing.Tracer()),
	}
	if d.Cache != nil {
		opts = append(opts, policy.WithCache(d.Cache))
	}
	if cfg.Audit.Enabled {
		d.Audit = audit.NewAuditService(d.AuditRepo, d.Logger, d.Metrics, audit.Config{
			BufferSize:  cfg.Audit.Buffer,
			WorkerCount: cfg.Audit.Workers,
		})
		if err := d.Audit.Start(); err != nil {
			return err
		}
		opts = append(opts, policy.WithAuditor(d.Audit))
	}

	d.Decisions = policy.NewDecisionService(registry, d.Passports,
		rules.NewEvaluator(d.Idempotency, d.Counter, d.Logger),
		decision.NewBuilder(signer),
		d.Logger, opts...)

	d.Usage = usage.NewUsageService(d.Counter, d.Logger)

	d.RateLimit = ratelimit.NewRateLimitService(ratelimit.Config{
		RPS:     cfg.RateLimit.AgentRPS,
		Burst:   cfg.RateLimit.AgentBurst,
		IdleTTL: cfg.RateLimit.IdleTTL,
	}, d.Logger)

	return nil
}

// newSigner builds the decision signer. Without a configured seed a random
// key is generated; its signatures do not survive a restart.
func newSigner(cfg config.SigningConfig, logger *zap.Logger) (decision.Signer, error) {
	var seed []byte
	if cfg.Seed != "" {
		b, err := cfg.SeedBytes()
		if err != nil {
			return nil, err
		}
		seed = b
	} else {
		seed = make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		logger.Warn("SIGNING_KEY_SEED not set, using an ephemeral signing key",
			zap.String("kid", cfg.KeyID))
	}
	return decision.NewSigner(cfg.Format, cfg.KeyID, seed)
}

// ReadinessChecks returns the named checks /readyz runs besides the database
func (d *Dependencies) ReadinessChecks() map[string]func(ctx context.Context) error {
	checks := map[string]func(ctx context.Context) error{
		"policies": func(context.Context) error {
			if d.Decisions == nil || d.Decisions.Registry().Len() == 0 {
				return errors.New("no policies loaded")
			}
			return nil
		},
	}
	if d.Redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return d.Redis.Ping(ctx).Err()
		}
	}
	if d.RepoFactory != nil && d.Config.AuditDatabase != nil {
		checks["audit_database"] = d.RepoFactory.HealthCheck
	}
	return checks
}

// ReloadPolicies reloads every configured source into the decision service
func (d *Dependencies) ReloadPolicies(ctx context.Context) error {
	if err := d.Decisions.Reload(ctx, d.Loader, d.Sources...); err != nil {
		return err
	}
	if d.Cache != nil {
		d.Cache.Clear()
	}
	return nil
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.Audit != nil {
		timeout := 5 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if err := d.Audit.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop audit service: %w", err))
		}
	}

	if d.Tracing != nil {
		if err := d.Tracing.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush traces: %w", err))
		}
	}

	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		} else {
			d.Logger.Info("redis connection closed")
		}
	}

	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %w", errors.Join(errs...))
	}

	return nil
}

// closeQuietly releases what a failed NewDependencies already opened
func (d *Dependencies) closeQuietly(ctx context.Context) {
	if err := d.Close(ctx); err != nil {
		d.Logger.Warn("cleanup after failed initialization", zap.Error(err))
	}
}
