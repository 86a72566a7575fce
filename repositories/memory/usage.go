package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/upb/action-control-plane/models"
)

type usageKey struct {
	tenantID uuid.UUID
	period   string
}

// UsageRepository tracks call usage per tenant and period in memory
type UsageRepository struct {
	mu    sync.RWMutex
	calls map[usageKey]int64
	tiers map[uuid.UUID]models.Tier
}

// NewUsageRepository creates an empty usage store
func NewUsageRepository() *UsageRepository {
	return &UsageRepository{
		calls: make(map[usageKey]int64),
		tiers: make(map[uuid.UUID]models.Tier),
	}
}

// Get returns the usage of a tenant for a period. Tenants without a plan
// are on the free tier. CallsLimit is left for the caller to fill in.
func (r *UsageRepository) Get(_ context.Context, tenantID uuid.UUID, period string) (*models.UsageSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tier, ok := r.tiers[tenantID]
	if !ok {
		tier = models.TierFree
	}
	return &models.UsageSnapshot{
		TenantID:  tenantID,
		Tier:      tier,
		Period:    period,
		CallsUsed: r.calls[usageKey{tenantID, period}],
	}, nil
}

// IncrementCalls records one call
func (r *UsageRepository) IncrementCalls(_ context.Context, tenantID uuid.UUID, period string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls[usageKey{tenantID, period}]++
	return nil
}

// SetTier sets the plan of a tenant
func (r *UsageRepository) SetTier(_ context.Context, tenantID uuid.UUID, tier models.Tier) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tiers[tenantID] = tier
	return nil
}
