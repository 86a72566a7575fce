package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditResult is the outcome recorded for a request
type AuditResult string

const (
	AuditResultSuccess AuditResult = "success"
	AuditResultDenied  AuditResult = "denied"
	AuditResultError   AuditResult = "error"
)

// AuditEvent records one request outcome. It carries the request hash,
// never the raw parameter payload.
type AuditEvent struct {
	ID                 uuid.UUID      `json:"id" db:"id"`
	Timestamp          time.Time      `json:"timestamp" db:"timestamp"`
	TenantID           *uuid.UUID     `json:"tenant_id,omitempty" db:"tenant_id"`
	Pack               string         `json:"pack" db:"pack"`
	Action             string         `json:"action" db:"action"`
	ActorType          ActorType      `json:"actor_type" db:"actor_type"`
	ActorID            string         `json:"actor_id,omitempty" db:"actor_id"`
	CredentialPrefix   string         `json:"credential_prefix,omitempty" db:"credential_prefix"`
	RequestID          string         `json:"request_id" db:"request_id"`
	RequestHash        string         `json:"request_hash,omitempty" db:"request_hash"`
	IdempotencyKeyHash string         `json:"idempotency_key_hash,omitempty" db:"idempotency_key_hash"`
	Result             AuditResult    `json:"result" db:"result"`
	Code               string         `json:"code,omitempty" db:"code"`
	DryRun             bool           `json:"dry_run" db:"dry_run"`
	DecisionID         string         `json:"decision_id,omitempty" db:"decision_id"`
	PolicyVersion      string         `json:"policy_version,omitempty" db:"policy_version"`
	Impact             *ImpactSummary `json:"impact,omitempty" db:"impact"`
	ErrorMessage       string         `json:"error_message,omitempty" db:"error_message"`
	IPAddress          string         `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent          string         `json:"user_agent,omitempty" db:"user_agent"`
	LatencyMs          int64          `json:"latency_ms" db:"latency_ms"`
}

// TableName returns the table name for the AuditEvent model
func (AuditEvent) TableName() string {
	return "audit_events"
}

// NewAuditEvent creates an anonymous event for a request
func NewAuditEvent(requestID, action string) *AuditEvent {
	return &AuditEvent{
		ID:        uuid.New(),
		Timestamp: time.Now().UTC(),
		Action:    action,
		ActorType: ActorTypeAnonymous,
		RequestID: requestID,
	}
}

// WithIdentity sets tenant and actor from a resolved credential
func (e *AuditEvent) WithIdentity(id *Identity) *AuditEvent {
	if id == nil {
		return e
	}
	tenantID := id.TenantID
	e.TenantID = &tenantID
	e.ActorType = id.ActorType
	e.ActorID = id.CredentialID
	e.CredentialPrefix = id.Prefix
	return e
}

// WithPack sets the owning pack
func (e *AuditEvent) WithPack(pack string) *AuditEvent {
	e.Pack = pack
	return e
}

// WithRequest sets request metadata
func (e *AuditEvent) WithRequest(requestHash, ipAddress, userAgent string) *AuditEvent {
	e.RequestHash = requestHash
	e.IPAddress = ipAddress
	e.UserAgent = userAgent
	return e
}

// WithDecision sets the policy decision reference
func (e *AuditEvent) WithDecision(decisionID, policyVersion string) *AuditEvent {
	e.DecisionID = decisionID
	e.PolicyVersion = policyVersion
	return e
}

// WithImpact sets the impact summary
func (e *AuditEvent) WithImpact(impact *ImpactShape) *AuditEvent {
	if impact != nil {
		e.Impact = impact.Summary()
	}
	return e
}

// WithOutcome sets result, code and a caller-safe message
func (e *AuditEvent) WithOutcome(result AuditResult, code, message string) *AuditEvent {
	e.Result = result
	e.Code = code
	e.ErrorMessage = message
	return e
}

// WithLatency sets the request latency
func (e *AuditEvent) WithLatency(d time.Duration) *AuditEvent {
	e.LatencyMs = d.Milliseconds()
	return e
}
