package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/upb/action-control-plane/models"
)

// CeilingRepository holds per-tenant ceiling overrides in memory
type CeilingRepository struct {
	mu       sync.RWMutex
	ceilings map[uuid.UUID]map[string]int64
}

// NewCeilingRepository creates an empty ceiling store
func NewCeilingRepository() *CeilingRepository {
	return &CeilingRepository{ceilings: make(map[uuid.UUID]map[string]int64)}
}

// GetForTenant returns the overrides of a tenant keyed by resource type
func (r *CeilingRepository) GetForTenant(_ context.Context, tenantID uuid.UUID) (map[string]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int64, len(r.ceilings[tenantID]))
	for k, v := range r.ceilings[tenantID] {
		out[k] = v
	}
	return out, nil
}

// Upsert sets an override
func (r *CeilingRepository) Upsert(_ context.Context, ceiling *models.TenantCeiling) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.ceilings[ceiling.TenantID]
	if !ok {
		m = make(map[string]int64)
		r.ceilings[ceiling.TenantID] = m
	}
	m[ceiling.Resource] = ceiling.Limit
	return nil
}
