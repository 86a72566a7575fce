package models

import (
	"time"

	"github.com/google/uuid"
)

// Tier names a tenant plan
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// UsageSnapshot is the call usage of a tenant in one billing period
type UsageSnapshot struct {
	TenantID   uuid.UUID `json:"tenant_id" db:"tenant_id"`
	Tier       Tier      `json:"tier" db:"tier"`
	Period     string    `json:"period" db:"period"`
	CallsUsed  int64     `json:"calls_used" db:"calls_used"`
	CallsLimit int64     `json:"calls_limit" db:"calls_limit"`
}

// UsagePeriod returns the calendar-month period label for t
func UsagePeriod(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// PercentUsed returns usage as a percentage of the limit
func (u *UsageSnapshot) PercentUsed() float64 {
	if u.CallsLimit <= 0 {
		return 0
	}
	return float64(u.CallsUsed) * 100 / float64(u.CallsLimit)
}

// TenantCeiling overrides the default cap of a resource type for one tenant
type TenantCeiling struct {
	TenantID  uuid.UUID `json:"tenant_id" db:"tenant_id"`
	Resource  string    `json:"resource" db:"resource"`
	Limit     int64     `json:"limit" db:"max_live"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
