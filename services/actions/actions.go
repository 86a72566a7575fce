// Package actions defines the contract between the router and the packs
// that contribute actions to it.
package actions

import (
	"context"

	"github.com/google/uuid"
	"github.com/upb/action-control-plane/models"
)

// Capabilities exposes adapter features a handler may rely on
type Capabilities struct {
	Persistence  string // memory or postgres
	Transactions bool
}

// ExecContext is passed to every handler. All tenant and request scoped data
// reaches handlers through it.
type ExecContext struct {
	TenantID     uuid.UUID
	RequestID    string
	DryRun       bool
	Actor        models.Identity
	Capabilities Capabilities
}

// Result is what a handler returns. Impact is required for dry runs of
// actions that support them.
type Result struct {
	Data   interface{}
	Impact *models.ImpactShape
}

// Handler executes one action. The same handler serves dry runs and real
// executions; it must not persist anything when ec.DryRun is set.
type Handler func(ctx context.Context, ec *ExecContext, params map[string]interface{}) (*Result, error)

// Pack is a named bundle of action definitions and their handlers
type Pack struct {
	Name     string
	Version  string
	Actions  []models.ActionDefinition
	Handlers map[string]Handler
}
