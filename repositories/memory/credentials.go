// Package memory provides in-process repository implementations for
// development and tests. State is lost on restart.
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

// CredentialRepository is an in-memory credential store
type CredentialRepository struct {
	mu       sync.RWMutex
	byID     map[uuid.UUID]*models.Credential
	byPrefix map[string]uuid.UUID
}

// NewCredentialRepository creates an empty credential store
func NewCredentialRepository() *CredentialRepository {
	return &CredentialRepository{
		byID:     make(map[uuid.UUID]*models.Credential),
		byPrefix: make(map[string]uuid.UUID),
	}
}

// Create stores a new credential
func (r *CredentialRepository) Create(_ context.Context, cred *models.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byPrefix[cred.Prefix]; exists {
		return fmt.Errorf("credential prefix %s: %w", cred.Prefix, repositories.ErrConflict)
	}
	c := *cred
	c.Scopes = append([]string(nil), cred.Scopes...)
	r.byID[c.ID] = &c
	r.byPrefix[c.Prefix] = c.ID
	return nil
}

// GetByPrefix retrieves a credential by its public prefix
func (r *CredentialRepository) GetByPrefix(_ context.Context, prefix string) (*models.Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byPrefix[prefix]
	if !ok {
		return nil, fmt.Errorf("credential %s: %w", prefix, repositories.ErrNotFound)
	}
	c := *r.byID[id]
	return &c, nil
}

// GetByID retrieves a credential by ID
func (r *CredentialRepository) GetByID(_ context.Context, id uuid.UUID) (*models.Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cred, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("credential %s: %w", id, repositories.ErrNotFound)
	}
	c := *cred
	return &c, nil
}

// ListByTenant retrieves all credentials of a tenant
func (r *CredentialRepository) ListByTenant(_ context.Context, tenantID uuid.UUID) ([]*models.Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Credential
	for _, cred := range r.byID {
		if cred.TenantID == tenantID {
			c := *cred
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Revoke tombstones a credential
func (r *CredentialRepository) Revoke(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cred, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("credential %s: %w", id, repositories.ErrNotFound)
	}
	cred.Status = models.CredentialStatusRevoked
	cred.RevokedAt = &at
	cred.UpdatedAt = at
	return nil
}

// RevocationRepository is an in-memory JWT revocation list
type RevocationRepository struct {
	mu      sync.RWMutex
	revoked map[string]time.Time
	now     func() time.Time
}

// NewRevocationRepository creates an empty revocation list
func NewRevocationRepository(now func() time.Time) *RevocationRepository {
	return &RevocationRepository{revoked: make(map[string]time.Time), now: now}
}

// IsRevoked reports whether a token id has been revoked
func (r *RevocationRepository) IsRevoked(_ context.Context, jti string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	until, ok := r.revoked[jti]
	return ok && r.now().Before(until), nil
}

// Revoke marks a token id revoked
func (r *RevocationRepository) Revoke(_ context.Context, jti string, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.revoked[jti] = until
	return nil
}
