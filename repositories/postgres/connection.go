package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq" // PostgreSQL driver
	"github.com/upb/action-control-plane/config"
	"go.uber.org/zap"
)

// uniqueViolation is the SQLSTATE of a unique constraint failure
const uniqueViolation = "23505"

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	dsn := cfg.DSN()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return &DB{
		DB:     db,
		logger: logger,
	}, nil
}

// WrapDB wraps an already opened pool, such as a sqlmock connection
func WrapDB(db *sql.DB, logger *zap.Logger) *DB {
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

	// Check if we can query
	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

const controlPlaneSchema = `
	-- Credentials table
	CREATE TABLE IF NOT EXISTS credentials (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL,
		name VARCHAR(255) NOT NULL,
		prefix VARCHAR(64) NOT NULL UNIQUE,
		secret_hash VARCHAR(128) NOT NULL,
		scopes TEXT[] NOT NULL DEFAULT '{}',
		status VARCHAR(20) NOT NULL,
		expires_at TIMESTAMPTZ,
		revoked_at TIMESTAMPTZ,
		last_used_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- Revoked JWT ids
	CREATE TABLE IF NOT EXISTS token_revocations (
		jti VARCHAR(255) PRIMARY KEY,
		expires_at TIMESTAMPTZ NOT NULL
	);

	-- Idempotency records
	CREATE TABLE IF NOT EXISTS idempotency_records (
		tenant_id UUID NOT NULL,
		action VARCHAR(128) NOT NULL,
		idempotency_key VARCHAR(255) NOT NULL,
		request_hash VARCHAR(80) NOT NULL,
		status VARCHAR(20) NOT NULL,
		request_id VARCHAR(255) NOT NULL,
		response BYTEA,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, action, idempotency_key)
	);

	-- Fixed-window rate limit counters
	CREATE TABLE IF NOT EXISTS rate_limit_counters (
		key VARCHAR(512) NOT NULL,
		window_start TIMESTAMPTZ NOT NULL,
		count BIGINT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (key, window_start)
	);

	-- Per-tenant ceiling overrides
	CREATE TABLE IF NOT EXISTS tenant_ceilings (
		tenant_id UUID NOT NULL,
		resource VARCHAR(128) NOT NULL,
		max_live BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (tenant_id, resource)
	);

	-- Tenant resources
	CREATE TABLE IF NOT EXISTS resources (
		id UUID PRIMARY KEY,
		tenant_id UUID NOT NULL,
		kind VARCHAR(128) NOT NULL,
		name VARCHAR(255) NOT NULL,
		attributes JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		deleted_at TIMESTAMPTZ
	);

	-- Plans and monthly usage
	CREATE TABLE IF NOT EXISTS tenant_plans (
		tenant_id UUID PRIMARY KEY,
		tier VARCHAR(20) NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS usage_tracking (
		tenant_id UUID NOT NULL,
		period VARCHAR(7) NOT NULL,
		calls_used BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (tenant_id, period)
	);

	-- Indexes for performance
	CREATE INDEX IF NOT EXISTS idx_credentials_tenant_id ON credentials(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_token_revocations_expires_at ON token_revocations(expires_at);
	CREATE INDEX IF NOT EXISTS idx_idempotency_records_expires_at ON idempotency_records(expires_at);
	CREATE INDEX IF NOT EXISTS idx_rate_limit_counters_window_start ON rate_limit_counters(window_start);
	CREATE INDEX IF NOT EXISTS idx_resources_live ON resources(tenant_id, kind, created_at) WHERE deleted_at IS NULL;
`

const auditSchema = `
	CREATE TABLE IF NOT EXISTS audit_events (
		id UUID PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL,
		tenant_id UUID,
		pack VARCHAR(128),
		action VARCHAR(128) NOT NULL,
		actor_type VARCHAR(20) NOT NULL,
		actor_id VARCHAR(255),
		credential_prefix VARCHAR(64),
		request_id VARCHAR(255) NOT NULL,
		request_hash VARCHAR(80),
		idempotency_key_hash VARCHAR(80),
		result VARCHAR(20) NOT NULL,
		code VARCHAR(64),
		dry_run BOOLEAN NOT NULL DEFAULT false,
		decision_id VARCHAR(255),
		policy_version VARCHAR(128),
		impact JSONB,
		error_message TEXT,
		ip_address VARCHAR(45),
		user_agent TEXT,
		latency_ms BIGINT NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_audit_events_tenant_timestamp ON audit_events(tenant_id, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_events_request_id ON audit_events(request_id);
	CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action);
`

// InitSchema initializes the database schema, including the audit table
func (db *DB) InitSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, controlPlaneSchema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := db.InitAuditSchema(ctx); err != nil {
		return err
	}

	db.logger.Info("database schema initialized successfully")
	return nil
}

// InitAuditSchema initializes the audit schema only.
// Use for the separate audit database when DATABASE_URL_AUDIT is set.
func (db *DB) InitAuditSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, auditSchema); err != nil {
		return fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	db.logger.Info("audit schema initialized successfully")
	return nil
}

// isUniqueViolation reports whether err is a unique constraint failure
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
