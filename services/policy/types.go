// Package policy consults an external policy authority and caches its
// allow decisions.
package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DecisionKind is the verdict returned by the policy authority
type DecisionKind string

const (
	DecisionAllow           DecisionKind = "allow"
	DecisionDeny            DecisionKind = "deny"
	DecisionRequireApproval DecisionKind = "require-approval"
)

// IsValid reports whether the verdict is one the gate understands
func (d DecisionKind) IsValid() bool {
	switch d {
	case DecisionAllow, DecisionDeny, DecisionRequireApproval:
		return true
	}
	return false
}

// FailMode selects the behavior when the authority cannot be reached
type FailMode string

const (
	FailOpen     FailMode = "open"
	FailClosed   FailMode = "closed"
	FailReadOpen FailMode = "read-open"
)

// ParseFailMode parses a configured fail mode
func ParseFailMode(s string) (FailMode, error) {
	switch mode := FailMode(strings.ToLower(strings.TrimSpace(s))); mode {
	case FailOpen, FailClosed, FailReadOpen:
		return mode, nil
	}
	return "", fmt.Errorf("invalid policy fail mode %q (want open, closed or read-open)", s)
}

// Actor identifies the caller in a decision request
type Actor struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// DecisionRequest is sent to the policy authority. It never carries raw
// parameters, only the request hash and a bounded summary.
type DecisionRequest struct {
	TenantID      uuid.UUID              `json:"tenant_id"`
	Actor         Actor                  `json:"actor"`
	Action        string                 `json:"action"`
	RequestHash   string                 `json:"request_hash"`
	ParamsSummary map[string]interface{} `json:"params_summary"`
}

// Decision is a verdict of the policy authority
type Decision struct {
	Decision      DecisionKind `json:"decision"`
	DecisionID    string       `json:"decision_id"`
	DecisionTTLMs *int64       `json:"decision_ttl_ms,omitempty"`
	PolicyVersion string       `json:"policy_version,omitempty"`
}

// TTL returns the cache lifetime requested by the authority, or zero
func (d *Decision) TTL() time.Duration {
	if d.DecisionTTLMs == nil || *d.DecisionTTLMs <= 0 {
		return 0
	}
	return time.Duration(*d.DecisionTTLMs) * time.Millisecond
}
