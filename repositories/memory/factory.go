package memory

import (
	"time"

	"github.com/upb/action-control-plane/repositories"
)

// NewRepositories creates a full in-memory repository set
func NewRepositories(now func() time.Time) *repositories.Repositories {
	return &repositories.Repositories{
		Credentials: NewCredentialRepository(),
		Revocations: NewRevocationRepository(now),
		AuditEvents: NewAuditRepository(),
		Idempotency: NewIdempotencyRepository(now),
		Counters:    NewCounterRepository(),
		Ceilings:    NewCeilingRepository(),
		Resources:   NewResourceRepository(),
		Usage:       NewUsageRepository(),
	}
}
