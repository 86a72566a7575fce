package models

import "encoding/json"

// ManageRequest is the operation envelope accepted by the control plane
type ManageRequest struct {
	Action         string          `json:"action" validate:"required,max=128"`
	Params         json.RawMessage `json:"params,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty" validate:"omitnil,min=1,max=255"`
	DryRun         *bool           `json:"dry_run,omitempty"`
}

// IsDryRun reports whether a preview was requested
func (r *ManageRequest) IsDryRun() bool {
	return r.DryRun != nil && *r.DryRun
}

// Key returns the idempotency key or an empty string
func (r *ManageRequest) Key() string {
	if r.IdempotencyKey == nil {
		return ""
	}
	return *r.IdempotencyKey
}

// RequestMeta carries transport metadata for one request
type RequestMeta struct {
	RequestID string
	Token     string
	IPAddress string
	UserAgent string
}

// ManageResponse is the operation envelope returned to the caller
type ManageResponse struct {
	OK                 bool                   `json:"ok"`
	RequestID          string                 `json:"request_id"`
	Data               json.RawMessage        `json:"data,omitempty"`
	Error              string                 `json:"error,omitempty"`
	Code               string                 `json:"code,omitempty"`
	Details            map[string]interface{} `json:"details,omitempty"`
	DryRun             bool                   `json:"dry_run,omitempty"`
	Impact             *ImpactShape           `json:"impact,omitempty"`
	DecisionID         string                 `json:"decision_id,omitempty"`
	ConstraintsApplied []string               `json:"constraints_applied,omitempty"`
	Warnings           []string               `json:"warnings,omitempty"`

	// RetryAfterSeconds is surfaced as a transport header, not in the body
	RetryAfterSeconds int `json:"-"`
}
