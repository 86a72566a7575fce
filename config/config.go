package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage and backend names
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendLog      = "log"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Storage       string // memory or postgres
	Database      DatabaseConfig
	AuditDatabase *DatabaseConfig // Optional: separate DB for audit events. When nil, audit uses main DB.
	Redis         RedisConfig
	Observability ObservabilityConfig
	Credentials   CredentialsConfig
	Policy        PolicyConfig
	RateLimit     RateLimitConfig
	Idempotency   IdempotencyConfig
	Ceilings      map[string]int64
	Audit         AuditConfig
	Usage         UsageConfig
	Packs         PacksConfig
	Throttle      ThrottleConfig
	Environment   string
	Version       string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
	AllowedOrigins  []string
	TLS             struct {
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
	InitSchema       bool
}

// RedisConfig holds the shared redis connection used by the limiter and
// the idempotency store
type RedisConfig struct {
	URL         string
	DialTimeout time.Duration
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	ServiceName       string
	LogLevel          string
	LogFormat         string // json or console
	TracingEnabled    bool
	TracingEndpoint   string
	TracingInsecure   bool
	TracingSampleRate float64
}

// CredentialsConfig holds bearer credential settings
type CredentialsConfig struct {
	JWTSecret string // Enables JWT credentials when set
	JWTIssuer string

	// SeedToken provisions one API key at startup. Meant for the memory
	// backend in development.
	SeedToken    string
	SeedTenantID string
	SeedScopes   []string
}

// PolicyConfig holds external policy authority settings. The gate is
// disabled when AuthorityURL is empty.
type PolicyConfig struct {
	AuthorityURL   string
	AuthorityToken string
	Timeout        time.Duration
	FailMode       string
	CacheSize      int
	CacheTTL       time.Duration
	CacheMaxTTL    time.Duration
	ReadPrefixes   []string
}

// RateLimitConfig holds fixed-window limiter settings
type RateLimitConfig struct {
	Backend       string
	Window        time.Duration
	DefaultLimit  int64
	ActionLimits  map[string]int64
	CleanupPeriod time.Duration
}

// IdempotencyConfig holds idempotency store settings
type IdempotencyConfig struct {
	Backend       string
	Retention     time.Duration
	ClaimTTL      time.Duration // lease of a pending claim
	WaitTimeout   time.Duration
	PollInterval  time.Duration
	CleanupPeriod time.Duration
}

// AuditConfig holds audit emitter settings
type AuditConfig struct {
	Sink         string // postgres, log or memory
	BufferSize   int
	Workers      int
	WriteTimeout time.Duration
	HashSalt     string
}

// UsageConfig holds plan usage enforcement settings
type UsageConfig struct {
	Enabled          bool
	FreeTierLimit    int64
	WarningThreshold int64
	UpgradeURL       string
}

// PacksConfig selects the loaded packs
type PacksConfig struct {
	ResourceKinds []string
	Disabled      []string
}

// ThrottleConfig holds per-IP transport throttling settings
type ThrottleConfig struct {
	Enabled bool
	RPS     float64
	Burst   int
}

// Reload re-reads .env, overriding variables already in the environment,
// and builds a fresh Config
func Reload(ctx context.Context) (*Config, error) {
	_ = godotenv.Overload(".env")
	return New(ctx)
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	storage := strings.ToLower(getEnv("STORAGE_BACKEND", BackendMemory))

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Version:     getEnv("ACP_VERSION", "0.1.0"),
		Storage:     storage,
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			MaxBodyBytes:    int64(getEnvAsInt("SERVER_MAX_BODY_BYTES", 1<<20)),
			AllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			TLS: struct {
				Enabled  bool
				CertFile string
				KeyFile  string
			}{
				Enabled:  getEnvAsBool("TLS_ENABLED", false),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		Database:      loadDatabaseConfig(),
		AuditDatabase: loadAuditDatabaseConfig(),
		Redis: RedisConfig{
			URL:         getEnv("REDIS_URL", ""),
			DialTimeout: getEnvAsDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
		},
		Observability: ObservabilityConfig{
			ServiceName:       getEnv("OTEL_SERVICE_NAME", "acp-gateway"),
			LogLevel:          getEnv("LOG_LEVEL", "info"),
			LogFormat:         getEnv("LOG_FORMAT", "json"),
			TracingEnabled:    getEnvAsBool("TRACING_ENABLED", false),
			TracingEndpoint:   getEnv("TRACING_ENDPOINT", "localhost:4317"),
			TracingInsecure:   getEnvAsBool("TRACING_INSECURE", true),
			TracingSampleRate: getEnvAsFloat("TRACING_SAMPLE_RATE", 0.1),
		},
		Credentials: CredentialsConfig{
			JWTSecret:    getEnv("JWT_SIGNING_SECRET", ""),
			JWTIssuer:    getEnv("JWT_ISSUER", "acp"),
			SeedToken:    getEnv("SEED_API_KEY", ""),
			SeedTenantID: getEnv("SEED_TENANT_ID", ""),
			SeedScopes:   getEnvAsList("SEED_SCOPES", []string{"manage.read", "manage.write", "meta.read"}),
		},
		Policy: PolicyConfig{
			AuthorityURL:   getEnv("POLICY_AUTHORITY_URL", ""),
			AuthorityToken: getEnv("POLICY_AUTHORITY_TOKEN", ""),
			Timeout:        getEnvAsDuration("POLICY_TIMEOUT", 4*time.Second),
			FailMode:       strings.ToLower(getEnv("POLICY_FAIL_MODE", "closed")),
			CacheSize:      getEnvAsInt("POLICY_CACHE_SIZE", 10000),
			CacheTTL:       getEnvAsDuration("POLICY_CACHE_TTL", 30*time.Second),
			CacheMaxTTL:    getEnvAsDuration("POLICY_CACHE_MAX_TTL", 5*time.Minute),
			ReadPrefixes:   getEnvAsList("POLICY_READ_PREFIXES", nil),
		},
		RateLimit: RateLimitConfig{
			Backend:       strings.ToLower(getEnv("RATE_LIMIT_BACKEND", storage)),
			Window:        getEnvAsDuration("RATE_LIMIT_WINDOW", time.Minute),
			DefaultLimit:  int64(getEnvAsInt("RATE_LIMIT_DEFAULT", 60)),
			ActionLimits:  getEnvAsIntMap("RATE_LIMIT_ACTIONS", map[string]int64{}),
			CleanupPeriod: getEnvAsDuration("RATE_LIMIT_CLEANUP_INTERVAL", 5*time.Minute),
		},
		Idempotency: IdempotencyConfig{
			Backend:       strings.ToLower(getEnv("IDEMPOTENCY_BACKEND", storage)),
			Retention:     getEnvAsDuration("IDEMPOTENCY_RETENTION", 24*time.Hour),
			ClaimTTL:      getEnvAsDuration("IDEMPOTENCY_CLAIM_TTL", 30*time.Second),
			WaitTimeout:   getEnvAsDuration("IDEMPOTENCY_WAIT_TIMEOUT", 5*time.Second),
			PollInterval:  getEnvAsDuration("IDEMPOTENCY_POLL_INTERVAL", 50*time.Millisecond),
			CleanupPeriod: getEnvAsDuration("IDEMPOTENCY_CLEANUP_INTERVAL", 10*time.Minute),
		},
		Ceilings: getEnvAsIntMap("CEILINGS", map[string]int64{}),
		Audit: AuditConfig{
			Sink:         strings.ToLower(getEnv("AUDIT_SINK", defaultAuditSink(storage))),
			BufferSize:   getEnvAsInt("AUDIT_BUFFER_SIZE", 10000),
			Workers:      getEnvAsInt("AUDIT_WORKERS", 5),
			WriteTimeout: getEnvAsDuration("AUDIT_WRITE_TIMEOUT", 5*time.Second),
			HashSalt:     getEnv("AUDIT_HASH_SALT", ""),
		},
		Usage: UsageConfig{
			Enabled:          getEnvAsBool("USAGE_ENABLED", false),
			FreeTierLimit:    int64(getEnvAsInt("USAGE_FREE_TIER_LIMIT", 100)),
			WarningThreshold: int64(getEnvAsInt("USAGE_WARNING_THRESHOLD", 90)),
			UpgradeURL:       getEnv("USAGE_UPGRADE_URL", "/api/upgrade/checkout?tenant=%s"),
		},
		Packs: PacksConfig{
			ResourceKinds: getEnvAsList("RESOURCE_KINDS", []string{"project"}),
			Disabled:      getEnvAsList("PACKS_DISABLED", nil),
		},
		Throttle: ThrottleConfig{
			Enabled: getEnvAsBool("THROTTLE_ENABLED", true),
			RPS:     getEnvAsFloat("THROTTLE_RPS", 50),
			Burst:   getEnvAsInt("THROTTLE_BURST", 100),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func defaultAuditSink(storage string) string {
	if storage == BackendPostgres {
		return BackendPostgres
	}
	return BackendLog
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	switch c.Storage {
	case BackendMemory:
	case BackendPostgres:
		// Database validation (DATABASE_URL or DB_* vars)
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
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage)
	}

	if err := c.validateBackend("rate limit", c.RateLimit.Backend); err != nil {
		return err
	}
	if err := c.validateBackend("idempotency", c.Idempotency.Backend); err != nil {
		return err
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive")
	}
	if c.Idempotency.Retention <= 0 {
		return fmt.Errorf("idempotency retention must be positive")
	}
	if c.Idempotency.ClaimTTL > 0 && c.Idempotency.ClaimTTL < c.Idempotency.WaitTimeout {
		return fmt.Errorf("idempotency claim ttl must not be shorter than the wait timeout")
	}

	switch c.Audit.Sink {
	case BackendLog, BackendMemory:
	case BackendPostgres:
		if c.Storage != BackendPostgres && c.AuditDatabase == nil {
			return fmt.Errorf("postgres audit sink requires postgres storage or DATABASE_URL_AUDIT")
		}
	default:
		return fmt.Errorf("unknown audit sink %q", c.Audit.Sink)
	}

	switch c.Policy.FailMode {
	case "open", "closed", "read-open":
	default:
		return fmt.Errorf("unknown policy fail mode %q", c.Policy.FailMode)
	}
	if c.Policy.AuthorityURL != "" {
		if _, err := url.ParseRequestURI(c.Policy.AuthorityURL); err != nil {
			return fmt.Errorf("invalid policy authority URL: %w", err)
		}
	}

	if len(c.Packs.ResourceKinds) == 0 {
		return fmt.Errorf("at least one resource kind is required")
	}

	if c.Credentials.SeedToken != "" && c.Credentials.SeedTenantID == "" {
		return fmt.Errorf("SEED_TENANT_ID is required with SEED_API_KEY")
	}

	// Production must not run with an unsalted hash or seeded credentials
	if c.IsProduction() {
		if c.Audit.HashSalt == "" {
			return fmt.Errorf("audit hash salt is required in production")
		}
		if c.Credentials.SeedToken != "" {
			return fmt.Errorf("seed credentials are not allowed in production")
		}
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

func (c *Config) validateBackend(name, backend string) error {
	switch backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("%s backend redis requires REDIS_URL", name)
		}
	case BackendPostgres:
		if c.Storage != BackendPostgres {
			return fmt.Errorf("%s backend postgres requires postgres storage", name)
		}
	default:
		return fmt.Errorf("unknown %s backend %q", name, backend)
	}
	return nil
}

// UsesRedis reports whether any component needs the redis client
func (c *Config) UsesRedis() bool {
	return c.RateLimit.Backend == BackendRedis || c.Idempotency.Backend == BackendRedis
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
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
			InitSchema:       getEnvAsBool("DB_INIT_SCHEMA", true),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "acp"),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "acp"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		InitSchema:      getEnvAsBool("DB_INIT_SCHEMA", true),
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
		InitSchema:       getEnvAsBool("DB_INIT_SCHEMA", true),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

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

// getEnvAsIntMap parses "name=value,name=value". Any malformed pair makes
// the whole value fall back to the default.
func getEnvAsIntMap(key string, defaultValue map[string]int64) map[string]int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	out := make(map[string]int64)
	for _, pair := range strings.Split(valueStr, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return defaultValue
		}
		value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return defaultValue
		}
		out[strings.TrimSpace(name)] = value
	}
	return out
}
