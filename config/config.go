package config

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	AuditDatabase *DatabaseConfig // Optional: separate DB for the decision trail. When nil, audit uses main DB.
	Redis         RedisConfig
	Stores        StoresConfig
	Policies      PoliciesConfig
	Signing       SigningConfig
	RateLimit     RateLimitConfig
	Audit         AuditConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host               string
	Port               int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	ShutdownTimeout    time.Duration
	CORSAllowedOrigins []string
	TLS                struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// RedisConfig holds the shared Redis client settings
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// StoresConfig selects the backend of each store and how calls to it are guarded
type StoresConfig struct {
	Passport         string
	Idempotency      string
	Usage            string
	PassportSeedFile string
	IdempotencyTTL   time.Duration
	Timeout          time.Duration
	Retries          uint
	BreakerFailures  uint32
	BreakerTimeout   time.Duration
}

// PoliciesConfig holds where policy documents come from and how decisions are cached
type PoliciesConfig struct {
	Dir            string // extra documents layered over the embedded pack
	S3URI          string // s3://bucket/prefix
	S3Region       string
	CacheSize      int
	CacheTTL       time.Duration
	ReloadInterval time.Duration // zero disables periodic reload
}

// SigningConfig holds the decision signing key
type SigningConfig struct {
	KeyID  string
	Seed   string // hex encoded 32-byte ed25519 seed
	Format string // ed25519 or jws
}

// RateLimitConfig holds per-agent throttling of the decision API
type RateLimitConfig struct {
	AgentRPS   float64
	AgentBurst int
	IdleTTL    time.Duration
}

// AuditConfig holds the decision audit worker pool settings
type AuditConfig struct {
	Enabled bool
	Workers int
	Buffer  int
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	ServiceName       string
	LogLevel          string
	LogFormat         string // json or console
	MetricsEnabled    bool
	TracingEnabled    bool
	TracingEndpoint   string
	TracingInsecure   bool
	TracingSampleRate float64
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:               getEnv("SERVER_HOST", "0.0.0.0"),
			Port:               getPort(),
			ReadTimeout:        getEnvAsDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:       getEnvAsDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			ShutdownTimeout:    getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Database:      loadDatabaseConfig(),
		AuditDatabase: loadAuditDatabaseConfig(),
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", ""),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvAsInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "oap:"),
		},
		Stores: StoresConfig{
			Passport:         strings.ToLower(getEnv("PASSPORT_STORE", StoreMemory)),
			Idempotency:      strings.ToLower(getEnv("IDEMPOTENCY_STORE", StoreMemory)),
			Usage:            strings.ToLower(getEnv("USAGE_STORE", StoreMemory)),
			PassportSeedFile: getEnv("PASSPORT_SEED_FILE", ""),
			IdempotencyTTL:   getEnvAsDuration("IDEMPOTENCY_TTL", 24*time.Hour),
			Timeout:          getEnvAsDuration("STORE_TIMEOUT", 250*time.Millisecond),
			Retries:          uint(getEnvAsInt("STORE_RETRIES", 2)),
			BreakerFailures:  uint32(getEnvAsInt("BREAKER_FAILURES", 5)),
			BreakerTimeout:   getEnvAsDuration("BREAKER_TIMEOUT", 30*time.Second),
		},
		Policies: PoliciesConfig{
			Dir:            getEnv("POLICY_DIR", ""),
			S3URI:          getEnv("POLICY_S3_URI", ""),
			S3Region:       getEnv("POLICY_S3_REGION", ""),
			CacheSize:      getEnvAsInt("DECISION_CACHE_SIZE", 10000),
			CacheTTL:       getEnvAsDuration("DECISION_CACHE_DEFAULT_TTL", 60*time.Second),
			ReloadInterval: getEnvAsDuration("POLICY_RELOAD_INTERVAL", 0),
		},
		Signing: SigningConfig{
			KeyID:  getEnv("SIGNING_KEY_ID", "oap-dev"),
			Seed:   getEnv("SIGNING_KEY_SEED", ""),
			Format: strings.ToLower(getEnv("SIGNING_FORMAT", "ed25519")),
		},
		RateLimit: RateLimitConfig{
			AgentRPS:   getEnvAsFloat("AGENT_RPS", 50),
			AgentBurst: getEnvAsInt("AGENT_BURST", 100),
			IdleTTL:    getEnvAsDuration("AGENT_LIMITER_IDLE_TTL", 10*time.Minute),
		},
		Audit: AuditConfig{
			Enabled: getEnvAsBool("AUDIT_ENABLED", true),
			Workers: getEnvAsInt("AUDIT_WORKERS", 4),
			Buffer:  getEnvAsInt("AUDIT_BUFFER", 10000),
		},
		Observability: ObservabilityConfig{
			ServiceName:       getEnv("SERVICE_NAME", "oap-decision-api"),
			LogLevel:          getEnv("LOG_LEVEL", "info"),
			LogFormat:         getEnv("LOG_FORMAT", "json"),
			MetricsEnabled:    getEnvAsBool("METRICS_ENABLED", true),
			TracingEnabled:    getEnvAsBool("TRACING_ENABLED", false),
			TracingEndpoint:   getEnv("TRACING_ENDPOINT", ""),
			TracingInsecure:   getEnvAsBool("TRACING_INSECURE", true),
			TracingSampleRate: getEnvAsFloat("TRACING_SAMPLE_RATE", 0.1),
		},
	}
	cfg.Server.TLS.Enabled = getEnvAsBool("TLS_ENABLED", false)
	cfg.Server.TLS.CertFile = getEnv("TLS_CERT_FILE", "certs/cert.pem")
	cfg.Server.TLS.KeyFile = getEnv("TLS_KEY_FILE", "certs/key.pem")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	for name, kind := range map[string]string{
		"PASSPORT_STORE":    c.Stores.Passport,
		"IDEMPOTENCY_STORE": c.Stores.Idempotency,
		"USAGE_STORE":       c.Stores.Usage,
	} {
		switch kind {
		case StoreMemory, StoreRedis, StorePostgres:
		default:
			return fmt.Errorf("%s must be memory, redis or postgres, got %q", name, kind)
		}
	}

	if c.UsesStore(StorePostgres) {
		if c.Database.ConnectionString == "" && c.Database.Host == "" {
			return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
		}
		if c.Database.ConnectionString == "" {
			if c.Database.User == "" {
				return fmt.Errorf("database user is required")
			}
			if c.Database.Database == "" {
				return fmt.Errorf("database name is required")
			}
		}
	}

	if c.UsesStore(StoreRedis) && c.Redis.Addr == "" {
		return fmt.Errorf("REDIS_ADDR is required when a store uses redis")
	}

	switch c.Signing.Format {
	case "ed25519", "jws":
	default:
		return fmt.Errorf("SIGNING_FORMAT must be ed25519 or jws, got %q", c.Signing.Format)
	}
	if c.Signing.Seed != "" {
		if _, err := c.Signing.SeedBytes(); err != nil {
			return err
		}
	} else if c.IsProduction() {
		return fmt.Errorf("SIGNING_KEY_SEED is required in production")
	}

	if c.Policies.CacheSize < 0 {
		return fmt.Errorf("DECISION_CACHE_SIZE must not be negative")
	}

	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// UsesStore reports whether any store is backed by kind
func (c *Config) UsesStore(kind string) bool {
	return c.Stores.Passport == kind || c.Stores.Idempotency == kind || c.Stores.Usage == kind
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// SeedBytes decodes the signing seed
func (s *SigningConfig) SeedBytes() ([]byte, error) {
	seed, err := hex.DecodeString(s.Seed)
	if err != nil {
		return nil, fmt.Errorf("SIGNING_KEY_SEED must be hex: %w", err)
	}
	if len(seed) != 32 {
		return nil, fmt.Errorf("SIGNING_KEY_SEED must be 32 bytes, got %d", len(seed))
	}
	return seed, nil
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "oap"),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "oap"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// loadAuditDatabaseConfig loads audit DB config from DATABASE_URL_AUDIT.
// Returns nil when not set (audit uses main DB).
func loadAuditDatabaseConfig() *DatabaseConfig {
	dbURL := getEnv("DATABASE_URL_AUDIT", "")
	if dbURL == "" {
		return nil
	}
	return &DatabaseConfig{
		ConnectionString: dbURL,
		MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated value, dropping empty items
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
