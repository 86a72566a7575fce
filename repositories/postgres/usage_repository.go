package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/action-control-plane/models"
	"go.uber.org/zap"
)

// UsageRepository implements the repositories.UsageRepository interface on
// tenant_plans and usage_tracking
type UsageRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *DB, logger *zap.Logger) *UsageRepository {
	return &UsageRepository{
		db:     db,
		logger: logger,
	}
}

// Get returns the usage of a tenant for a period. Tenants without a plan
// row are on the free tier.
func (r *UsageRepository) Get(ctx context.Context, tenantID uuid.UUID, period string) (*models.UsageSnapshot, error) {
	query := `
		SELECT
			COALESCE((SELECT tier FROM tenant_plans WHERE tenant_id = $1), $3),
			COALESCE((SELECT calls_used FROM usage_tracking WHERE tenant_id = $1 AND period = $2), 0)
	`

	snap := &models.UsageSnapshot{TenantID: tenantID, Period: period}
	err := GetExecutor(ctx, r.db).QueryRowContext(ctx, query, tenantID, period, models.TierFree).
		Scan(&snap.Tier, &snap.CallsUsed)
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	return snap, nil
}

// IncrementCalls records one call
func (r *UsageRepository) IncrementCalls(ctx context.Context, tenantID uuid.UUID, period string) error {
	query := `
		INSERT INTO usage_tracking (tenant_id, period, calls_used, updated_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (tenant_id, period) DO UPDATE
		SET calls_used = usage_tracking.calls_used + 1, updated_at = NOW()
	`

	if _, err := GetExecutor(ctx, r.db).ExecContext(ctx, query, tenantID, period); err != nil {
		return fmt.Errorf("failed to increment usage: %w", err)
	}
	return nil
}

// SetTier sets the plan of a tenant
func (r *UsageRepository) SetTier(ctx context.Context, tenantID uuid.UUID, tier models.Tier) error {
	query := `
		INSERT INTO tenant_plans (tenant_id, tier, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET tier = EXCLUDED.tier, updated_at = NOW()
	`

	if _, err := GetExecutor(ctx, r.db).ExecContext(ctx, query, tenantID, tier); err != nil {
		return fmt.Errorf("failed to set tier: %w", err)
	}

	r.logger.Info("tenant tier updated",
		zap.String("tenant_id", tenantID.String()),
		zap.String("tier", string(tier)))
	return nil
}
