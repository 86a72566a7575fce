package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/action-control-plane/models"
	"github.com/upb/action-control-plane/repositories"
)

// ResourceRepository keeps tenant resources in memory
type ResourceRepository struct {
	mu        sync.RWMutex
	resources map[uuid.UUID]*models.Resource
}

// NewResourceRepository creates an empty resource store
func NewResourceRepository() *ResourceRepository {
	return &ResourceRepository{resources: make(map[uuid.UUID]*models.Resource)}
}

func cloneResource(res *models.Resource) *models.Resource {
	c := *res
	c.Attributes = append([]byte(nil), res.Attributes...)
	if res.DeletedAt != nil {
		t := *res.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

// Create stores a new resource
func (r *ResourceRepository) Create(_ context.Context, res *models.Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.resources[res.ID]; exists {
		return fmt.Errorf("resource %s: %w", res.ID, repositories.ErrConflict)
	}
	r.resources[res.ID] = cloneResource(res)
	return nil
}

func (r *ResourceRepository) live(tenantID uuid.UUID, kind string, id uuid.UUID) (*models.Resource, error) {
	res, ok := r.resources[id]
	if !ok || res.TenantID != tenantID || res.Kind != kind || !res.IsLive() {
		return nil, fmt.Errorf("%s %s: %w", kind, id, repositories.ErrNotFound)
	}
	return res, nil
}

// Get retrieves a live resource of a tenant
func (r *ResourceRepository) Get(_ context.Context, tenantID uuid.UUID, kind string, id uuid.UUID) (*models.Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res, err := r.live(tenantID, kind, id)
	if err != nil {
		return nil, err
	}
	return cloneResource(res), nil
}

// List retrieves live resources of a tenant, oldest first
func (r *ResourceRepository) List(_ context.Context, tenantID uuid.UUID, kind string, limit, offset int) ([]*models.Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*models.Resource
	for _, res := range r.resources {
		if res.TenantID == tenantID && res.Kind == kind && res.IsLive() {
			matched = append(matched, res)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	if offset >= len(matched) {
		return []*models.Resource{}, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*models.Resource, len(matched))
	for i, res := range matched {
		out[i] = cloneResource(res)
	}
	return out, nil
}

// Update replaces name and attributes of a live resource
func (r *ResourceRepository) Update(_ context.Context, res *models.Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.live(res.TenantID, res.Kind, res.ID)
	if err != nil {
		return err
	}
	existing.Name = res.Name
	existing.Attributes = append([]byte(nil), res.Attributes...)
	existing.UpdatedAt = res.UpdatedAt
	return nil
}

// SoftDelete marks a live resource deleted
func (r *ResourceRepository) SoftDelete(_ context.Context, tenantID uuid.UUID, kind string, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.live(tenantID, kind, id)
	if err != nil {
		return err
	}
	existing.DeletedAt = &at
	existing.UpdatedAt = at
	return nil
}

// CountLive counts live resources of a tenant
func (r *ResourceRepository) CountLive(_ context.Context, tenantID uuid.UUID, kind string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for _, res := range r.resources {
		if res.TenantID == tenantID && res.Kind == kind && res.IsLive() {
			n++
		}
	}
	return n, nil
}
