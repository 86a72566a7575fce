package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Resource is a tenant-owned object managed through a resource pack
type Resource struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	TenantID   uuid.UUID       `json:"tenant_id" db:"tenant_id"`
	Kind       string          `json:"kind" db:"kind"`
	Name       string          `json:"name" db:"name"`
	Attributes json.RawMessage `json:"attributes,omitempty" db:"attributes"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
	DeletedAt  *time.Time      `json:"deleted_at,omitempty" db:"deleted_at"`
}

// TableName returns the table name for the Resource model
func (Resource) TableName() string {
	return "resources"
}

// NewResource creates a live resource
func NewResource(tenantID uuid.UUID, kind, name string, attributes json.RawMessage) *Resource {
	now := time.Now().UTC()
	return &Resource{
		ID:         uuid.New(),
		TenantID:   tenantID,
		Kind:       kind,
		Name:       name,
		Attributes: attributes,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// IsLive reports whether the resource has not been deleted
func (r *Resource) IsLive() bool {
	return r.DeletedAt == nil
}
