package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/upb/action-control-plane/models"
)

// ErrNotFound is returned (wrapped) when a record does not exist
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned (wrapped) when a write loses a compare-and-swap
var ErrConflict = errors.New("record conflict")

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// CredentialRepository handles API key credentials
type CredentialRepository interface {
	// Create stores a new credential
	Create(ctx context.Context, cred *models.Credential) error

	// GetByPrefix retrieves a credential by its public prefix
	GetByPrefix(ctx context.Context, prefix string) (*models.Credential, error)

	// GetByID retrieves a credential by ID
	GetByID(ctx context.Context, id uuid.UUID) (*models.Credential, error)

	// ListByTenant retrieves all credentials of a tenant, including tombstoned ones
	ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]*models.Credential, error)

	// Revoke tombstones a credential
	Revoke(ctx context.Context, id uuid.UUID, at time.Time) error
}

// TokenRevocationRepository tracks revoked JWT identifiers
type TokenRevocationRepository interface {
	// IsRevoked reports whether a token id has been revoked
	IsRevoked(ctx context.Context, jti string) (bool, error)

	// Revoke marks a token id revoked until it would have expired anyway
	Revoke(ctx context.Context, jti string, until time.Time) error
}

// AuditRepository handles audit event persistence
type AuditRepository interface {
	// Insert inserts a new audit event
	Insert(ctx context.Context, event *models.AuditEvent) error

	// ListByTenant retrieves audit events of a tenant, newest first
	ListByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*models.AuditEvent, error)

	// GetByRequestID retrieves the event recorded for a request
	GetByRequestID(ctx context.Context, requestID string) (*models.AuditEvent, error)
}

// IdempotencyRepository stores idempotency records. Claim must be atomic.
type IdempotencyRepository interface {
	// Get retrieves a live record
	Get(ctx context.Context, key models.IdempotencyKey) (*models.IdempotencyRecord, error)

	// Claim inserts a pending record if none is live for the key. A pending
	// record whose ExpiresAt has passed is a lapsed claim and is replaced.
	// It returns the stored record and whether this call created it.
	Claim(ctx context.Context, rec *models.IdempotencyRecord) (*models.IdempotencyRecord, bool, error)

	// Complete moves the pending record claimed by requestID to completed
	// with its response and keeps it until expiresAt. Returns ErrConflict if
	// the record is not pending or was claimed by another request.
	Complete(ctx context.Context, key models.IdempotencyKey, requestID string, response []byte, expiresAt time.Time) error

	// Release drops the pending record claimed by requestID so the key can be retried
	Release(ctx context.Context, key models.IdempotencyKey, requestID string) error

	// DeleteExpired removes records past their retention window
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// CounterRepository holds fixed-window counters
type CounterRepository interface {
	// IncrementWithCeiling increments the counter for key in the window
	// starting at windowStart unless it already reached limit. Denied calls
	// leave the counter unchanged. Returns the resulting count.
	IncrementWithCeiling(ctx context.Context, key string, windowStart time.Time, window time.Duration, limit int64) (count int64, allowed bool, err error)
}

// CeilingRepository holds per-tenant quota overrides
type CeilingRepository interface {
	// GetForTenant returns the overrides of a tenant keyed by resource type
	GetForTenant(ctx context.Context, tenantID uuid.UUID) (map[string]int64, error)

	// Upsert sets an override
	Upsert(ctx context.Context, ceiling *models.TenantCeiling) error
}

// ResourceRepository handles tenant resources
type ResourceRepository interface {
	// Create stores a new resource
	Create(ctx context.Context, res *models.Resource) error

	// Get retrieves a live resource of a tenant
	Get(ctx context.Context, tenantID uuid.UUID, kind string, id uuid.UUID) (*models.Resource, error)

	// List retrieves live resources of a tenant
	List(ctx context.Context, tenantID uuid.UUID, kind string, limit, offset int) ([]*models.Resource, error)

	// Update replaces name and attributes of a live resource
	Update(ctx context.Context, res *models.Resource) error

	// SoftDelete marks a live resource deleted
	SoftDelete(ctx context.Context, tenantID uuid.UUID, kind string, id uuid.UUID, at time.Time) error

	// CountLive counts live resources of a tenant, read from current state
	CountLive(ctx context.Context, tenantID uuid.UUID, kind string) (int64, error)
}

// UsageRepository tracks per-period call usage
type UsageRepository interface {
	// Get returns the usage of a tenant for a period
	Get(ctx context.Context, tenantID uuid.UUID, period string) (*models.UsageSnapshot, error)

	// IncrementCalls records one call
	IncrementCalls(ctx context.Context, tenantID uuid.UUID, period string) error

	// SetTier sets the plan of a tenant
	SetTier(ctx context.Context, tenantID uuid.UUID, tier models.Tier) error
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Credentials CredentialRepository
	Revocations TokenRevocationRepository
	AuditEvents AuditRepository
	Idempotency IdempotencyRepository
	Counters    CounterRepository
	Ceilings    CeilingRepository
	Resources   ResourceRepository
	Usage       UsageRepository
}
