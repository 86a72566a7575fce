package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// IdempotencyStatus represents the state of a claimed idempotency key
type IdempotencyStatus string

const (
	IdempotencyStatusPending   IdempotencyStatus = "pending"
	IdempotencyStatusCompleted IdempotencyStatus = "completed"
)

// IdempotencyKey is the composite key of an idempotency record
type IdempotencyKey struct {
	TenantID uuid.UUID
	Action   string
	Key      string
}

// String returns a string representation of the key
func (k IdempotencyKey) String() string {
	return k.TenantID.String() + ":" + k.Action + ":" + k.Key
}

// IdempotencyRecord stores the outcome of a mutation for replay
type IdempotencyRecord struct {
	TenantID    uuid.UUID         `json:"tenant_id" db:"tenant_id"`
	Action      string            `json:"action" db:"action"`
	Key         string            `json:"key" db:"idempotency_key"`
	RequestHash string            `json:"request_hash" db:"request_hash"`
	Status      IdempotencyStatus `json:"status" db:"status"`
	RequestID   string            `json:"request_id" db:"request_id"`
	Response    json.RawMessage   `json:"response,omitempty" db:"response"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	ExpiresAt   time.Time         `json:"expires_at" db:"expires_at"`
}

// TableName returns the table name for the IdempotencyRecord model
func (IdempotencyRecord) TableName() string {
	return "idempotency_records"
}

// CompositeKey returns the record's key
func (r *IdempotencyRecord) CompositeKey() IdempotencyKey {
	return IdempotencyKey{TenantID: r.TenantID, Action: r.Action, Key: r.Key}
}

// IsCompleted reports whether the record holds a replayable response
func (r *IdempotencyRecord) IsCompleted() bool {
	return r.Status == IdempotencyStatusCompleted
}

// IsExpired checks whether the record is past its retention window
func (r *IdempotencyRecord) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
