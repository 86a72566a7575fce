package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/upb/action-control-plane/models"
	"github.com/upb/action-control-plane/repositories"
)

// IdempotencyRepository is an in-memory idempotency store. Claim holds the
// write lock across check and insert, which makes it atomic.
type IdempotencyRepository struct {
	mu      sync.Mutex
	records map[string]*models.IdempotencyRecord
	now     func() time.Time
}

// NewIdempotencyRepository creates an empty idempotency store
func NewIdempotencyRepository(now func() time.Time) *IdempotencyRepository {
	return &IdempotencyRepository{
		records: make(map[string]*models.IdempotencyRecord),
		now:     now,
	}
}

// Get retrieves a live record
func (r *IdempotencyRepository) Get(_ context.Context, key models.IdempotencyKey) (*models.IdempotencyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[key.String()]
	if !ok || rec.IsExpired(r.now()) {
		return nil, fmt.Errorf("idempotency record %s: %w", key, repositories.ErrNotFound)
	}
	c := *rec
	return &c, nil
}

// Claim inserts a pending record if none is live for the key. Lapsed
// claims and expired records are replaced.
func (r *IdempotencyRepository) Claim(_ context.Context, rec *models.IdempotencyRecord) (*models.IdempotencyRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := rec.CompositeKey().String()
	if existing, ok := r.records[k]; ok && !existing.IsExpired(r.now()) {
		c := *existing
		return &c, false, nil
	}

	c := *rec
	c.Status = models.IdempotencyStatusPending
	r.records[k] = &c
	out := c
	return &out, true, nil
}

// Complete moves the pending record owned by requestID to completed
func (r *IdempotencyRepository) Complete(_ context.Context, key models.IdempotencyKey, requestID string, response []byte, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[key.String()]
	if !ok || rec.Status != models.IdempotencyStatusPending || rec.RequestID != requestID {
		return fmt.Errorf("idempotency record %s: %w", key, repositories.ErrConflict)
	}
	rec.Status = models.IdempotencyStatusCompleted
	rec.Response = append([]byte(nil), response...)
	rec.ExpiresAt = expiresAt
	return nil
}

// Release drops the pending record owned by requestID
func (r *IdempotencyRepository) Release(_ context.Context, key models.IdempotencyKey, requestID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[key.String()]
	if ok && rec.Status == models.IdempotencyStatusPending && rec.RequestID == requestID {
		delete(r.records, key.String())
	}
	return nil
}

// DeleteExpired removes records past their retention window
func (r *IdempotencyRepository) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for k, rec := range r.records {
		if rec.IsExpired(before) {
			delete(r.records, k)
			n++
		}
	}
	return n, nil
}
