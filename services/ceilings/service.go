// Package ceilings enforces tenant-scoped hard caps on live resources.
package ceilings

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/action-control-plane/repositories"
	"github.com/upb/action-control-plane/services"
	"go.uber.org/zap"
)

// Result describes the ceiling evaluated for one call
type Result struct {
	Resource string
	Limit    int64
	Current  int64
}

// Service checks ceilings against current persisted state. Counts are read
// on every call and never cached.
type Service struct {
	resources repositories.ResourceRepository
	overrides repositories.CeilingRepository
	defaults  map[string]int64
	logger    *zap.Logger
}

// NewService creates a ceiling service. defaults maps resource types to caps;
// overrides may be nil.
func NewService(resources repositories.ResourceRepository, overrides repositories.CeilingRepository, defaults map[string]int64, logger *zap.Logger) *Service {
	if defaults == nil {
		defaults = map[string]int64{}
	}
	return &Service{
		resources: resources,
		overrides: overrides,
		defaults:  defaults,
		logger:    logger,
	}
}

// LimitFor returns the cap of a resource type for a tenant and whether one
// is configured
func (s *Service) LimitFor(ctx context.Context, tenantID uuid.UUID, resource string) (int64, bool, error) {
	if s.overrides != nil {
		overrides, err := s.overrides.GetForTenant(ctx, tenantID)
		if err != nil {
			return 0, false, fmt.Errorf("failed to load tenant ceilings: %w", err)
		}
		if limit, ok := overrides[resource]; ok {
			return limit, true, nil
		}
	}
	limit, ok := s.defaults[resource]
	return limit, ok, nil
}

// Check verifies that adding n resources of a type keeps the tenant within
// its cap. It returns nil when no cap is configured.
func (s *Service) Check(ctx context.Context, tenantID uuid.UUID, resource string, n int64) (*Result, error) {
	limit, ok, err := s.LimitFor(ctx, tenantID, resource)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	current, err := s.resources.CountLive(ctx, tenantID, resource)
	if err != nil {
		return nil, fmt.Errorf("failed to count live %s: %w", resource, err)
	}

	result := &Result{Resource: resource, Limit: limit, Current: current}
	if current+n > limit {
		s.logger.Info("tenant ceiling reached",
			zap.String("tenant_id", tenantID.String()),
			zap.String("resource", resource),
			zap.Int64("limit", limit),
			zap.Int64("current", current))
		return result, services.ErrCeilingExceeded.
			WithDetail("resource", resource).
			WithDetail("limit", limit).
			WithDetail("current", current)
	}
	return result, nil
}
