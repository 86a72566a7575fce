package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/upb/action-control-plane/models"
	"github.com/upb/action-control-plane/repositories"
	"go.uber.org/zap"
)

const credentialColumns = `id, tenant_id, name, prefix, secret_hash, scopes, status,
		       expires_at, revoked_at, last_used_at, created_at, updated_at`

// CredentialRepository implements the repositories.CredentialRepository interface
type CredentialRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewCredentialRepository creates a new credential repository
func NewCredentialRepository(db *DB, logger *zap.Logger) *CredentialRepository {
	return &CredentialRepository{
		db:     db,
		logger: logger,
	}
}

// Create stores a new credential
func (r *CredentialRepository) Create(ctx context.Context, cred *models.Credential) error {
	query := `
		INSERT INTO credentials (
			id, tenant_id, name, prefix, secret_hash, scopes, status,
			expires_at, revoked_at, last_used_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		cred.ID,
		cred.TenantID,
		cred.Name,
		cred.Prefix,
		cred.SecretHash,
		pq.Array(cred.Scopes),
		cred.Status,
		cred.ExpiresAt,
		cred.RevokedAt,
		cred.LastUsedAt,
		cred.CreatedAt,
		cred.UpdatedAt,
	)

	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("credential prefix %s: %w", cred.Prefix, repositories.ErrConflict)
		}
		return fmt.Errorf("failed to create credential: %w", err)
	}

	r.logger.Debug("credential created",
		zap.String("id", cred.ID.String()),
		zap.String("prefix", cred.Prefix))
	return nil
}

// GetByPrefix retrieves a credential by its public prefix
func (r *CredentialRepository) GetByPrefix(ctx context.Context, prefix string) (*models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE prefix = $1`

	cred, err := scanCredential(GetExecutor(ctx, r.db).QueryRowContext(ctx, query, prefix))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("credential prefix %s: %w", prefix, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return cred, nil
}

// GetByID retrieves a credential by ID
func (r *CredentialRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE id = $1`

	cred, err := scanCredential(GetExecutor(ctx, r.db).QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("credential %s: %w", id, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return cred, nil
}

// ListByTenant retrieves all credentials of a tenant, including tombstoned ones
func (r *CredentialRepository) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]*models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE tenant_id = $1 ORDER BY created_at ASC`

	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var creds []*models.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		creds = append(creds, cred)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credentials: %w", err)
	}

	return creds, nil
}

// Revoke tombstones a credential
func (r *CredentialRepository) Revoke(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE credentials
		SET status = $2, revoked_at = $3, updated_at = $3
		WHERE id = $1
	`

	result, err := GetExecutor(ctx, r.db).ExecContext(ctx, query, id, models.CredentialStatusRevoked, at)
	if err != nil {
		return fmt.Errorf("failed to revoke credential: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("credential %s: %w", id, repositories.ErrNotFound)
	}

	r.logger.Info("credential revoked", zap.String("id", id.String()))
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCredential(row rowScanner) (*models.Credential, error) {
	cred := &models.Credential{}
	err := row.Scan(
		&cred.ID,
		&cred.TenantID,
		&cred.Name,
		&cred.Prefix,
		&cred.SecretHash,
		pq.Array(&cred.Scopes),
		&cred.Status,
		&cred.ExpiresAt,
		&cred.RevokedAt,
		&cred.LastUsedAt,
		&cred.CreatedAt,
		&cred.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return cred, nil
}

// RevocationRepository implements the repositories.TokenRevocationRepository interface
type RevocationRepository struct {
	db     *DB
	now    func() time.Time
	logger *zap.Logger
}

// NewRevocationRepository creates a new JWT revocation list
func NewRevocationRepository(db *DB, now func() time.Time, logger *zap.Logger) *RevocationRepository {
	return &RevocationRepository{
		db:     db,
		now:    now,
		logger: logger,
	}
}

// IsRevoked reports whether a token id has been revoked
func (r *RevocationRepository) IsRevoked(ctx context.Context, jti string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM token_revocations WHERE jti = $1 AND expires_at > $2)`

	var revoked bool
	if err := GetExecutor(ctx, r.db).QueryRowContext(ctx, query, jti, r.now()).Scan(&revoked); err != nil {
		return false, fmt.Errorf("failed to check token revocation: %w", err)
	}
	return revoked, nil
}

// Revoke marks a token id revoked until it would have expired anyway
func (r *RevocationRepository) Revoke(ctx context.Context, jti string, until time.Time) error {
	query := `
		INSERT INTO token_revocations (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO UPDATE SET expires_at = EXCLUDED.expires_at
	`

	if _, err := GetExecutor(ctx, r.db).ExecContext(ctx, query, jti, until); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	r.logger.Info("token revoked", zap.String("jti", jti))
	return nil
}
