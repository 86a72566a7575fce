package registry

import (
	"context"

	"github.com/upb/action-control-plane/models"
	"github.com/upb/action-control-plane/services/actions"
)

// MetaScope is required by the discovery actions
const MetaScope = "meta.read"

// metaPack builds the discovery actions. Both read the live snapshot so that
// toggling a pack is reflected on the next call.
func (r *Registry) metaPack() actions.Pack {
	return actions.Pack{
		Name:    MetaPack,
		Version: r.version,
		Actions: []models.ActionDefinition{
			{
				Name:         "meta.actions",
				Scope:        MetaScope,
				Description:  "List the actions of all enabled packs",
				ParamsSchema: []byte(`{"type":"object","additionalProperties":false}`),
				ReadOnly:     true,
			},
			{
				Name:         "meta.version",
				Scope:        MetaScope,
				Description:  "Report the control plane version and loaded packs",
				ParamsSchema: []byte(`{"type":"object","additionalProperties":false}`),
				ReadOnly:     true,
			},
		},
		Handlers: map[string]actions.Handler{
			"meta.actions": r.handleActions,
			"meta.version": r.handleVersion,
		},
	}
}

func (r *Registry) handleActions(_ context.Context, _ *actions.ExecContext, _ map[string]interface{}) (*actions.Result, error) {
	list := r.Actions()
	return &actions.Result{Data: map[string]interface{}{
		"actions": list,
		"count":   len(list),
	}}, nil
}

func (r *Registry) handleVersion(_ context.Context, _ *actions.ExecContext, _ map[string]interface{}) (*actions.Result, error) {
	return &actions.Result{Data: map[string]interface{}{
		"version": r.version,
		"packs":   r.Packs(),
	}}, nil
}
