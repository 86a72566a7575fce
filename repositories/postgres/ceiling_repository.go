package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/action-control-plane/models"
	"go.uber.org/zap"
)

// CeilingRepository implements the repositories.CeilingRepository interface
type CeilingRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewCeilingRepository creates a new ceiling repository
func NewCeilingRepository(db *DB, logger *zap.Logger) *CeilingRepository {
	return &CeilingRepository{
		db:     db,
		logger: logger,
	}
}

// GetForTenant returns the overrides of a tenant keyed by resource type
func (r *CeilingRepository) GetForTenant(ctx context.Context, tenantID uuid.UUID) (map[string]int64, error) {
	query := `SELECT resource, max_live FROM tenant_ceilings WHERE tenant_id = $1`

	rows, err := GetExecutor(ctx, r.db).QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant ceilings: %w", err)
	}
	defer rows.Close()

	ceilings := make(map[string]int64)
	for rows.Next() {
		var (
			resource string
			limit    int64
		)
		if err := rows.Scan(&resource, &limit); err != nil {
			return nil, fmt.Errorf("failed to scan tenant ceiling: %w", err)
		}
		ceilings[resource] = limit
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tenant ceilings: %w", err)
	}

	return ceilings, nil
}

// Upsert sets an override
func (r *CeilingRepository) Upsert(ctx context.Context, ceiling *models.TenantCeiling) error {
	query := `
		INSERT INTO tenant_ceilings (tenant_id, resource, max_live, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, resource) DO UPDATE
		SET max_live = EXCLUDED.max_live, updated_at = EXCLUDED.updated_at
	`

	_, err := GetExecutor(ctx, r.db).ExecContext(ctx, query,
		ceiling.TenantID,
		ceiling.Resource,
		ceiling.Limit,
		ceiling.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert tenant ceiling: %w", err)
	}

	r.logger.Info("tenant ceiling updated",
		zap.String("tenant_id", ceiling.TenantID.String()),
		zap.String("resource", ceiling.Resource),
		zap.Int64("limit", ceiling.Limit))
	return nil
}
