package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/action-control-plane/models"
	"github.com/upb/action-control-plane/repositories"
	"go.uber.org/zap"
)

const resourceColumns = `id, tenant_id, kind, name, attributes, created_at, updated_at, deleted_at`

// ResourceRepository implements the repositories.ResourceRepository interface.
// Deleted resources keep their row with deleted_at set.
type ResourceRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewResourceRepository creates a new resource repository
func NewResourceRepository(db *DB, logger *zap.Logger) *ResourceRepository {
	return &ResourceRepository{
		db:     db,
		logger: logger,
	}
}

// Create stores a new resource
func (r *ResourceRepository) Create(ctx context.Context, res *models.Resource) error {
	query := `
		INSERT INTO resources (` + resourceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := GetExecutor(ctx, r.db).ExecContext(ctx, query,
		res.ID,
		res.TenantID,
		res.Kind,
		res.Name,
		nullJSON(res.Attributes),
		res.CreatedAt,
		res.UpdatedAt,
		res.DeletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("resource %s: %w", res.ID, repositories.ErrConflict)
		}
		return fmt.Errorf("failed to create resource: %w", err)
	}

	r.logger.Debug("resource created",
		zap.String("id", res.ID.String()),
		zap.String("kind", res.Kind),
		zap.String("tenant_id", res.TenantID.String()))
	return nil
}

// Get retrieves a live resource of a tenant
func (r *ResourceRepository) Get(ctx context.Context, tenantID uuid.UUID, kind string, id uuid.UUID) (*models.Resource, error) {
	query := `
		SELECT ` + resourceColumns + `
		FROM resources
		WHERE tenant_id = $1 AND kind = $2 AND id = $3 AND deleted_at IS NULL
	`

	res, err := scanResource(GetExecutor(ctx, r.db).QueryRowContext(ctx, query, tenantID, kind, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s %s: %w", kind, id, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	return res, nil
}

// List retrieves live resources of a tenant, oldest first
func (r *ResourceRepository) List(ctx context.Context, tenantID uuid.UUID, kind string, limit, offset int) ([]*models.Resource, error) {
	query := `
		SELECT ` + resourceColumns + `
		FROM resources
		WHERE tenant_id = $1 AND kind = $2 AND deleted_at IS NULL
		ORDER BY created_at ASC, id ASC
		LIMIT $3 OFFSET $4
	`

	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, tenantID, kind, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	var resources []*models.Resource
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		resources = append(resources, res)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}

	return resources, nil
}

// Update replaces name and attributes of a live resource
func (r *ResourceRepository) Update(ctx context.Context, res *models.Resource) error {
	query := `
		UPDATE resources
		SET name = $4, attributes = $5, updated_at = $6
		WHERE tenant_id = $1 AND kind = $2 AND id = $3 AND deleted_at IS NULL
	`

	result, err := GetExecutor(ctx, r.db).ExecContext(ctx, query,
		res.TenantID, res.Kind, res.ID, res.Name, nullJSON(res.Attributes), res.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update resource: %w", err)
	}
	return requireRow(result, fmt.Sprintf("%s %s", res.Kind, res.ID))
}

// SoftDelete marks a live resource deleted
func (r *ResourceRepository) SoftDelete(ctx context.Context, tenantID uuid.UUID, kind string, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE resources
		SET deleted_at = $4, updated_at = $4
		WHERE tenant_id = $1 AND kind = $2 AND id = $3 AND deleted_at IS NULL
	`

	result, err := GetExecutor(ctx, r.db).ExecContext(ctx, query, tenantID, kind, id, at)
	if err != nil {
		return fmt.Errorf("failed to delete resource: %w", err)
	}
	if err := requireRow(result, fmt.Sprintf("%s %s", kind, id)); err != nil {
		return err
	}

	r.logger.Debug("resource deleted", zap.String("id", id.String()), zap.String("kind", kind))
	return nil
}

// CountLive counts live resources of a tenant, read from current state
func (r *ResourceRepository) CountLive(ctx context.Context, tenantID uuid.UUID, kind string) (int64, error) {
	query := `SELECT COUNT(*) FROM resources WHERE tenant_id = $1 AND kind = $2 AND deleted_at IS NULL`

	var count int64
	if err := GetExecutor(ctx, r.db).QueryRowContext(ctx, query, tenantID, kind).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count resources: %w", err)
	}
	return count, nil
}

func scanResource(row rowScanner) (*models.Resource, error) {
	res := &models.Resource{}
	var attributes []byte
	err := row.Scan(
		&res.ID,
		&res.TenantID,
		&res.Kind,
		&res.Name,
		&attributes,
		&res.CreatedAt,
		&res.UpdatedAt,
		&res.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(attributes) > 0 {
		res.Attributes = attributes
	}
	return res, nil
}

// requireRow maps an update that matched nothing to ErrNotFound
func requireRow(result sql.Result, what string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%s: %w", what, repositories.ErrNotFound)
	}
	return nil
}

// nullJSON stores empty documents as NULL
func nullJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
