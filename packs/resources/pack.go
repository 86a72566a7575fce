// Package resources contributes generic CRUD actions for a tenant-owned
// resource kind. Every mutating action supports dry runs.
package resources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/upb/action-control-plane/internal/clock"
	"github.com/upb/action-control-plane/models"
	"github.com/upb/action-control-plane/repositories"
	"github.com/upb/action-control-plane/services"
	"github.com/upb/action-control-plane/services/actions"
)

const (
	// ScopeRead is required by get and list
	ScopeRead = "manage.read"
	// ScopeWrite is required by create, update and delete
	ScopeWrite = "manage.write"

	defaultListLimit = 50
	packVersion      = "1.0.0"
)

const idSchema = `{
	"type": "object",
	"properties": {"id": {"type": "string", "minLength": 36, "maxLength": 36}},
	"required": ["id"],
	"additionalProperties": false
}`

const createSchema = `{
	"type": "object",
	"properties": {
		"name": {"type": "string", "minLength": 1, "maxLength": 255},
		"attributes": {"type": "object"}
	},
	"required": ["name"],
	"additionalProperties": false
}`

const updateSchema = `{
	"type": "object",
	"properties": {
		"id": {"type": "string", "minLength": 36, "maxLength": 36},
		"name": {"type": "string", "minLength": 1, "maxLength": 255},
		"attributes": {"type": "object"}
	},
	"required": ["id"],
	"additionalProperties": false
}`

const listSchema = `{
	"type": "object",
	"properties": {
		"limit": {"type": "integer", "minimum": 1, "maximum": 100},
		"offset": {"type": "integer", "minimum": 0}
	},
	"additionalProperties": false
}`

type handlers struct {
	kind  string
	store repositories.ResourceRepository
	clock clock.Clock
}

// NewPack builds the pack for one resource kind. The pack is named after the
// kind and its actions are "<kind>.create", "<kind>.get", "<kind>.list",
// "<kind>.update" and "<kind>.delete".
func NewPack(kind string, store repositories.ResourceRepository, clk clock.Clock) actions.Pack {
	h := &handlers{kind: kind, store: store, clock: clk}
	name := func(verb string) string { return kind + "." + verb }

	return actions.Pack{
		Name:    kind,
		Version: packVersion,
		Actions: []models.ActionDefinition{
			{
				Name:            name("create"),
				Scope:           ScopeWrite,
				Description:     fmt.Sprintf("Create a %s", kind),
				ParamsSchema:    json.RawMessage(createSchema),
				SupportsDryRun:  true,
				CeilingResource: kind,
			},
			{
				Name:         name("get"),
				Scope:        ScopeRead,
				Description:  fmt.Sprintf("Get a %s by id", kind),
				ParamsSchema: json.RawMessage(idSchema),
				ReadOnly:     true,
			},
			{
				Name:         name("list"),
				Scope:        ScopeRead,
				Description:  fmt.Sprintf("List live %s resources", kind),
				ParamsSchema: json.RawMessage(listSchema),
				ReadOnly:     true,
			},
			{
				Name:           name("update"),
				Scope:          ScopeWrite,
				Description:    fmt.Sprintf("Rename or re-attribute a %s", kind),
				ParamsSchema:   json.RawMessage(updateSchema),
				SupportsDryRun: true,
			},
			{
				Name:           name("delete"),
				Scope:          ScopeWrite,
				Description:    fmt.Sprintf("Delete a %s", kind),
				ParamsSchema:   json.RawMessage(idSchema),
				SupportsDryRun: true,
			},
		},
		Handlers: map[string]actions.Handler{
			name("create"): h.create,
			name("get"):    h.get,
			name("list"):   h.list,
			name("update"): h.update,
			name("delete"): h.delete,
		},
	}
}

func (h *handlers) create(ctx context.Context, ec *actions.ExecContext, params map[string]interface{}) (*actions.Result, error) {
	name, _ := params["name"].(string)
	attrs, err := attributes(params)
	if err != nil {
		return nil, err
	}

	if ec.DryRun {
		impact := models.NewImpact().WithCreate(h.kind, 1)
		return &actions.Result{Impact: impact}, nil
	}

	res := models.NewResource(ec.TenantID, h.kind, name, attrs)
	res.CreatedAt = h.clock.Now()
	res.UpdatedAt = res.CreatedAt
	if err := h.store.Create(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", h.kind, err)
	}
	return &actions.Result{Data: res}, nil
}

func (h *handlers) get(ctx context.Context, ec *actions.ExecContext, params map[string]interface{}) (*actions.Result, error) {
	res, err := h.load(ctx, ec.TenantID, params)
	if err != nil {
		return nil, err
	}
	return &actions.Result{Data: res}, nil
}

func (h *handlers) list(ctx context.Context, ec *actions.ExecContext, params map[string]interface{}) (*actions.Result, error) {
	limit, err := intParam(params, "limit", defaultListLimit)
	if err != nil {
		return nil, err
	}
	offset, err := intParam(params, "offset", 0)
	if err != nil {
		return nil, err
	}

	items, err := h.store.List(ctx, ec.TenantID, h.kind, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", h.kind, err)
	}
	if items == nil {
		items = []*models.Resource{}
	}
	return &actions.Result{Data: map[string]interface{}{
		"items": items,
		"count": len(items),
	}}, nil
}

func (h *handlers) update(ctx context.Context, ec *actions.ExecContext, params map[string]interface{}) (*actions.Result, error) {
	res, err := h.load(ctx, ec.TenantID, params)
	if err != nil {
		return nil, err
	}

	if name, ok := params["name"].(string); ok {
		res.Name = name
	}
	if _, ok := params["attributes"]; ok {
		if res.Attributes, err = attributes(params); err != nil {
			return nil, err
		}
	}

	if ec.DryRun {
		impact := models.NewImpact().WithUpdate(h.kind, 1, res.ID.String())
		return &actions.Result{Impact: impact}, nil
	}

	res.UpdatedAt = h.clock.Now()
	if err := h.store.Update(ctx, res); err != nil {
		return nil, h.storeError("update", err)
	}
	return &actions.Result{Data: res}, nil
}

func (h *handlers) delete(ctx context.Context, ec *actions.ExecContext, params map[string]interface{}) (*actions.Result, error) {
	res, err := h.load(ctx, ec.TenantID, params)
	if err != nil {
		return nil, err
	}

	if ec.DryRun {
		impact := models.NewImpact().
			WithDelete(h.kind, 1, res.ID.String()).
			WithRisk(models.RiskMedium).
			WithWarning(fmt.Sprintf("%s %q will no longer be listed or counted against ceilings", h.kind, res.Name))
		return &actions.Result{Impact: impact}, nil
	}

	if err := h.store.SoftDelete(ctx, ec.TenantID, h.kind, res.ID, h.clock.Now()); err != nil {
		return nil, h.storeError("delete", err)
	}
	return &actions.Result{Data: map[string]interface{}{"id": res.ID, "deleted": true}}, nil
}

func (h *handlers) load(ctx context.Context, tenantID uuid.UUID, params map[string]interface{}) (*models.Resource, error) {
	raw, _ := params["id"].(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, services.Validation("id must be a UUID")
	}
	res, err := h.store.Get(ctx, tenantID, h.kind, id)
	if err != nil {
		return nil, h.storeError("load", err)
	}
	return res, nil
}

func (h *handlers) storeError(op string, err error) error {
	if errors.Is(err, repositories.ErrNotFound) {
		return services.ErrResourceNotFound.Wrap(err).WithDetail("kind", h.kind)
	}
	return fmt.Errorf("failed to %s %s: %w", op, h.kind, err)
}

func attributes(params map[string]interface{}) (json.RawMessage, error) {
	v, ok := params["attributes"]
	if !ok || v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, services.Validation("attributes must be an object")
	}
	return data, nil
}

// intParam reads an integer parameter decoded as json.Number
func intParam(params map[string]interface{}, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case json.Number:
		i, err := strconv.Atoi(n.String())
		if err != nil {
			return 0, services.Validation(key + " must be an integer")
		}
		return i, nil
	case float64:
		return int(n), nil
	case int:
		return n, nil
	}
	return 0, services.Validation(key + " must be an integer")
}
