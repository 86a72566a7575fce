package router

import (
	"context"

	"github.com/google/uuid"
	"github.com/upb/action-control-plane/models"
	"github.com/upb/action-control-plane/services/ceilings"
	"github.com/upb/action-control-plane/services/idempotency"
	"github.com/upb/action-control-plane/services/policy"
	"github.com/upb/action-control-plane/services/ratelimit"
	"github.com/upb/action-control-plane/services/usage"
)

// RateLimiter counts calls per (credential, action)
type RateLimiter interface {
	Allow(ctx context.Context, credentialID, action string) (*ratelimit.Decision, error)
}

// CeilingChecker enforces tenant caps on live resources
type CeilingChecker interface {
	Check(ctx context.Context, tenantID uuid.UUID, resource string, n int64) (*ceilings.Result, error)
}

// IdempotencyStore runs a mutation at most once per key
type IdempotencyStore interface {
	Do(ctx context.Context, key models.IdempotencyKey, requestHash, requestID string, fn func(ctx context.Context) ([]byte, error)) (*idempotency.Execution, error)
}

// PolicyGate consults the external policy authority
type PolicyGate interface {
	Authorize(ctx context.Context, req *policy.Request) (*policy.Outcome, error)
}

// UsageEnforcer applies plan call limits
type UsageEnforcer interface {
	Check(ctx context.Context, tenantID uuid.UUID) (*usage.Warning, error)
	RecordCall(ctx context.Context, tenantID uuid.UUID)
}

// AuditEmitter records request outcomes without blocking
type AuditEmitter interface {
	Emit(event *models.AuditEvent)
}
