package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/upb/action-control-plane/models"
	"github.com/upb/action-control-plane/repositories"
)

// AuditRepository is an append-only in-memory audit log
type AuditRepository struct {
	mu     sync.RWMutex
	events []*models.AuditEvent
}

// NewAuditRepository creates an empty audit log
func NewAuditRepository() *AuditRepository {
	return &AuditRepository{}
}

// Insert appends an audit event
func (r *AuditRepository) Insert(_ context.Context, event *models.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := *event
	r.events = append(r.events, &e)
	return nil
}

// ListByTenant retrieves audit events of a tenant, newest first
func (r *AuditRepository) ListByTenant(_ context.Context, tenantID uuid.UUID, limit, offset int) ([]*models.AuditEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.AuditEvent
	skipped := 0
	for i := len(r.events) - 1; i >= 0; i-- {
		e := r.events[i]
		if e.TenantID == nil || *e.TenantID != tenantID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

// GetByRequestID retrieves the event recorded for a request
func (r *AuditRepository) GetByRequestID(_ context.Context, requestID string) (*models.AuditEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.events {
		if e.RequestID == requestID {
			c := *e
			return &c, nil
		}
	}
	return nil, fmt.Errorf("audit event for request %s: %w", requestID, repositories.ErrNotFound)
}

// All returns every stored event in insertion order
func (r *AuditRepository) All() []*models.AuditEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.AuditEvent, len(r.events))
	for i, e := range r.events {
		c := *e
		out[i] = &c
	}
	return out
}
