package models

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// CredentialStatus represents the liveness of a credential
type CredentialStatus string

const (
	CredentialStatusActive  CredentialStatus = "active"
	CredentialStatusRevoked CredentialStatus = "revoked"
	CredentialStatusExpired CredentialStatus = "expired"
)

// ActorType identifies what kind of principal made a request
type ActorType string

const (
	ActorTypeAPIKey    ActorType = "api_key"
	ActorTypeJWT       ActorType = "jwt"
	ActorTypeSystem    ActorType = "system"
	ActorTypeAnonymous ActorType = "anonymous"
)

// Credential is a tenant API key. Only the hash of the secret part is stored.
// Credentials are never deleted; revocation and expiry are tombstones.
type Credential struct {
	ID         uuid.UUID        `json:"id" db:"id"`
	TenantID   uuid.UUID        `json:"tenant_id" db:"tenant_id"`
	Name       string           `json:"name" db:"name"`
	Prefix     string           `json:"prefix" db:"prefix"`
	SecretHash string           `json:"-" db:"secret_hash"`
	Scopes     []string         `json:"scopes" db:"scopes"`
	Status     CredentialStatus `json:"status" db:"status"`
	ExpiresAt  *time.Time       `json:"expires_at,omitempty" db:"expires_at"`
	RevokedAt  *time.Time       `json:"revoked_at,omitempty" db:"revoked_at"`
	LastUsedAt *time.Time       `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedAt  time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the Credential model
func (Credential) TableName() string {
	return "credentials"
}

// EffectiveStatus folds the expiry timestamp into the stored status
func (c *Credential) EffectiveStatus(now time.Time) CredentialStatus {
	if c.Status != CredentialStatusActive {
		return c.Status
	}
	if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
		return CredentialStatusExpired
	}
	return CredentialStatusActive
}

// ScopeSet is a set of granted scope labels
type ScopeSet map[string]struct{}

// NewScopeSet builds a set from a list, ignoring empty labels
func NewScopeSet(scopes ...string) ScopeSet {
	set := make(ScopeSet, len(scopes))
	for _, s := range scopes {
		if s != "" {
			set[s] = struct{}{}
		}
	}
	return set
}

// Has reports exact membership. An empty scope is never granted.
func (s ScopeSet) Has(scope string) bool {
	if scope == "" {
		return false
	}
	_, ok := s[scope]
	return ok
}

// List returns the scopes in sorted order
func (s ScopeSet) List() []string {
	out := make([]string, 0, len(s))
	for scope := range s {
		out = append(out, scope)
	}
	sort.Strings(out)
	return out
}

// Identity is the result of resolving a bearer credential
type Identity struct {
	TenantID     uuid.UUID
	CredentialID string
	Prefix       string
	ActorType    ActorType
	Scopes       ScopeSet
	Status       CredentialStatus
}
