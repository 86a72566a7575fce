package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/action-control-plane/models"
	"github.com/upb/action-control-plane/services"
	"github.com/upb/action-control-plane/services/actions"
	"go.uber.org/zap"
)

func noop(context.Context, *actions.ExecContext, map[string]interface{}) (*actions.Result, error) {
	return &actions.Result{}, nil
}

func testPack(name string, verbs ...string) actions.Pack {
	p := actions.Pack{Name: name, Version: "1.0.0", Handlers: map[string]actions.Handler{}}
	for _, v := range verbs {
		action := name + "." + v
		p.Actions = append(p.Actions, models.ActionDefinition{Name: action, Scope: "manage.read", ReadOnly: true})
		p.Handlers[action] = noop
	}
	return p
}

func actionNames(r *Registry) []string {
	var names []string
	for _, d := range r.Actions() {
		names = append(names, d.Name)
	}
	sort.Strings(names)
	return names
}

func TestNew_LoadErrors(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name    string
		packs   func() []actions.Pack
		wantErr string
	}{
		{
			name: "duplicate action across packs",
			packs: func() []actions.Pack {
				a := testPack("alpha", "list")
				b := testPack("beta", "list")
				b.Actions[0].Name = "alpha.list"
				b.Handlers = map[string]actions.Handler{"alpha.list": noop}
				return []actions.Pack{a, b}
			},
			wantErr: `already registered by pack "alpha"`,
		},
		{
			name: "empty scope",
			packs: func() []actions.Pack {
				p := testPack("alpha", "list")
				p.Actions[0].Scope = " "
				return []actions.Pack{p}
			},
			wantErr: "has no scope",
		},
		{
			name: "missing handler",
			packs: func() []actions.Pack {
				p := testPack("alpha", "list")
				delete(p.Handlers, "alpha.list")
				return []actions.Pack{p}
			},
			wantErr: "has no handler",
		},
		{
			name: "handler without definition",
			packs: func() []actions.Pack {
				p := testPack("alpha", "list")
				p.Handlers["alpha.ghost"] = noop
				return []actions.Pack{p}
			},
			wantErr: "has no action definition",
		},
		{
			name: "name not namespaced",
			packs: func() []actions.Pack {
				p := testPack("alpha")
				p.Actions = []models.ActionDefinition{{Name: "list", Scope: "s"}}
				p.Handlers = map[string]actions.Handler{"list": noop}
				return []actions.Pack{p}
			},
			wantErr: "must be dot-namespaced",
		},
		{
			name: "invalid schema",
			packs: func() []actions.Pack {
				p := testPack("alpha", "list")
				p.Actions[0].ParamsSchema = json.RawMessage(`{"type":"nonsense"}`)
				return []actions.Pack{p}
			},
			wantErr: "schema compile failed",
		},
		{
			name: "reserved pack name",
			packs: func() []actions.Pack {
				return []actions.Pack{testPack(MetaPack, "other")}
			},
			wantErr: "reserved",
		},
		{
			name: "pack loaded twice",
			packs: func() []actions.Pack {
				return []actions.Pack{testPack("alpha", "list"), testPack("alpha", "get")}
			},
			wantErr: "registered twice",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := New("test", tt.packs(), logger)
			require.Error(t, err)
			assert.Nil(t, r)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLookup(t *testing.T) {
	r, err := New("test", []actions.Pack{testPack("alpha", "list")}, zap.NewNop())
	require.NoError(t, err)

	e, ok := r.Lookup("alpha.list")
	require.True(t, ok)
	assert.Equal(t, "alpha", e.Pack)
	assert.Equal(t, "manage.read", e.Definition.Scope)

	_, ok = r.Lookup("alpha.missing")
	assert.False(t, ok)

	_, ok = r.Lookup("meta.actions")
	assert.True(t, ok)
}

func TestMetaActions_ReflectsEnabledPacks(t *testing.T) {
	packs := []actions.Pack{
		testPack("alpha", "list", "get"),
		testPack("beta", "list"),
		testPack("gamma", "describe"),
	}
	r, err := New("test", packs, zap.NewNop())
	require.NoError(t, err)

	// every combination of enabled packs
	for mask := 0; mask < 1<<len(packs); mask++ {
		var want []string
		for i, p := range packs {
			enabled := mask&(1<<i) != 0
			require.NoError(t, r.SetEnabled(p.Name, enabled))
			if enabled {
				for _, a := range p.Actions {
					want = append(want, a.Name)
				}
			}
		}
		sort.Strings(want)

		t.Run(fmt.Sprintf("mask %03b", mask), func(t *testing.T) {
			assert.Equal(t, want, actionNames(r))

			e, ok := r.Lookup("meta.actions")
			require.True(t, ok)
			res, err := e.Handler(context.Background(), &actions.ExecContext{}, map[string]interface{}{})
			require.NoError(t, err)

			data := res.Data.(map[string]interface{})
			listed := data["actions"].([]models.ActionDescriptor)
			assert.Len(t, listed, len(want))
			assert.Equal(t, len(want), data["count"])
			for _, d := range listed {
				_, ok := r.Lookup(d.Name)
				assert.True(t, ok, "listed action %s must be invocable", d.Name)
			}
		})
	}
}

func TestSetEnabled(t *testing.T) {
	r, err := New("test", []actions.Pack{testPack("alpha", "list")}, zap.NewNop(), WithDisabled("alpha"))
	require.NoError(t, err)

	_, ok := r.Lookup("alpha.list")
	assert.False(t, ok, "disabled pack must not resolve")

	require.NoError(t, r.SetEnabled("alpha", true))
	_, ok = r.Lookup("alpha.list")
	assert.True(t, ok)

	assert.Error(t, r.SetEnabled("unknown", true))
	assert.Error(t, r.SetEnabled(MetaPack, false))
	assert.Equal(t, []string{"alpha", MetaPack}, r.EnabledPacks())
}

func TestSetDisabled(t *testing.T) {
	packs := []actions.Pack{testPack("alpha", "list"), testPack("beta", "list")}
	r, err := New("test", packs, zap.NewNop(), WithDisabled("alpha"))
	require.NoError(t, err)

	require.NoError(t, r.SetDisabled("beta"))
	assert.Equal(t, []string{"alpha", MetaPack}, r.EnabledPacks())
	_, ok := r.Lookup("beta.list")
	assert.False(t, ok)

	t.Run("invalid set leaves packs unchanged", func(t *testing.T) {
		assert.Error(t, r.SetDisabled("alpha", "unknown"))
		assert.Error(t, r.SetDisabled(MetaPack))
		assert.Equal(t, []string{"alpha", MetaPack}, r.EnabledPacks())
	})

	t.Run("empty set enables everything", func(t *testing.T) {
		require.NoError(t, r.SetDisabled())
		assert.Equal(t, []string{"alpha", "beta", MetaPack}, r.EnabledPacks())
	})
}

func TestNew_DisableUnknownPack(t *testing.T) {
	_, err := New("test", nil, zap.NewNop(), WithDisabled("nope"))
	assert.Error(t, err)
}

func TestMetaVersion(t *testing.T) {
	r, err := New("1.2.3", []actions.Pack{testPack("alpha", "list")}, zap.NewNop())
	require.NoError(t, err)

	e, ok := r.Lookup("meta.version")
	require.True(t, ok)
	res, err := e.Handler(context.Background(), &actions.ExecContext{}, nil)
	require.NoError(t, err)

	data := res.Data.(map[string]interface{})
	assert.Equal(t, "1.2.3", data["version"])
	assert.Len(t, data["packs"].([]PackInfo), 2)
}

func TestValidateParams(t *testing.T) {
	p := testPack("alpha", "create")
	p.Actions[0].ParamsSchema = json.RawMessage(`{
		"type": "object",
		"properties": {"name": {"type": "string", "minLength": 1}},
		"required": ["name"],
		"additionalProperties": false
	}`)
	r, err := New("test", []actions.Pack{p}, zap.NewNop())
	require.NoError(t, err)

	e, _ := r.Lookup("alpha.create")

	assert.NoError(t, e.ValidateParams(map[string]interface{}{"name": "x"}))

	err = e.ValidateParams(map[string]interface{}{})
	require.Error(t, err)
	assert.Equal(t, services.CodeValidation, services.CodeOf(err))
	assert.NotEmpty(t, services.GetErrorDetails(err)["violations"])

	err = e.ValidateParams(map[string]interface{}{"name": "x", "extra": true})
	assert.Equal(t, services.CodeValidation, services.CodeOf(err))
}
