package resources

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/action-control-plane/internal/clock"
	"github.com/upb/action-control-plane/models"
	"github.com/upb/action-control-plane/repositories/memory"
	"github.com/upb/action-control-plane/services"
	"github.com/upb/action-control-plane/services/actions"
)

func setup(t *testing.T) (actions.Pack, *memory.ResourceRepository, *actions.ExecContext) {
	t.Helper()
	store := memory.NewResourceRepository()
	pack := NewPack("widget", store, clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	ec := &actions.ExecContext{TenantID: uuid.New(), RequestID: "req-1"}
	return pack, store, ec
}

func TestNewPack_Definitions(t *testing.T) {
	pack, _, _ := setup(t)

	assert.Equal(t, "widget", pack.Name)
	require.Len(t, pack.Actions, 5)
	for _, def := range pack.Actions {
		assert.NotEmpty(t, def.Scope, def.Name)
		assert.Contains(t, pack.Handlers, def.Name)
		assert.Equal(t, def.Mutating(), def.SupportsDryRun, "%s: every mutation previews", def.Name)
		assert.True(t, json.Valid(def.ParamsSchema), def.Name)
	}
	assert.Equal(t, "widget", pack.Actions[0].CeilingResource)
}

func TestPack_CreateDryRunPersistsNothing(t *testing.T) {
	ctx := context.Background()
	pack, store, ec := setup(t)
	ec.DryRun = true

	for i := 0; i < 3; i++ {
		result, err := pack.Handlers["widget.create"](ctx, ec, map[string]interface{}{"name": "a"})
		require.NoError(t, err)
		require.NotNil(t, result.Impact)
		require.NoError(t, result.Impact.Validate())
		assert.Equal(t, []models.ImpactItem{{Type: "widget", Count: 1}}, result.Impact.Creates)
	}

	count, err := store.CountLive(ctx, ec.TenantID, "widget")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestPack_Lifecycle(t *testing.T) {
	ctx := context.Background()
	pack, store, ec := setup(t)

	created, err := pack.Handlers["widget.create"](ctx, ec, map[string]interface{}{
		"name":       "alpha",
		"attributes": map[string]interface{}{"size": json.Number("3")},
	})
	require.NoError(t, err)
	res := created.Data.(*models.Resource)
	assert.JSONEq(t, `{"size":3}`, string(res.Attributes))
	id := res.ID.String()

	got, err := pack.Handlers["widget.get"](ctx, ec, map[string]interface{}{"id": id})
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.Data.(*models.Resource).Name)

	ec.DryRun = true
	preview, err := pack.Handlers["widget.update"](ctx, ec, map[string]interface{}{"id": id, "name": "beta"})
	require.NoError(t, err)
	assert.Equal(t, []string{id}, preview.Impact.Updates[0].IDs)

	preview, err = pack.Handlers["widget.delete"](ctx, ec, map[string]interface{}{"id": id})
	require.NoError(t, err)
	assert.Equal(t, models.RiskMedium, preview.Impact.Risk)

	unchanged, err := store.Get(ctx, ec.TenantID, "widget", res.ID)
	require.NoError(t, err)
	assert.Equal(t, "alpha", unchanged.Name, "dry runs leave state untouched")

	ec.DryRun = false
	_, err = pack.Handlers["widget.update"](ctx, ec, map[string]interface{}{"id": id, "name": "beta"})
	require.NoError(t, err)

	listed, err := pack.Handlers["widget.list"](ctx, ec, map[string]interface{}{"limit": json.Number("10")})
	require.NoError(t, err)
	assert.Equal(t, 1, listed.Data.(map[string]interface{})["count"])

	_, err = pack.Handlers["widget.delete"](ctx, ec, map[string]interface{}{"id": id})
	require.NoError(t, err)

	_, err = pack.Handlers["widget.get"](ctx, ec, map[string]interface{}{"id": id})
	assert.ErrorIs(t, err, services.ErrResourceNotFound)
}

func TestPack_Errors(t *testing.T) {
	ctx := context.Background()
	pack, _, ec := setup(t)

	_, err := pack.Handlers["widget.get"](ctx, ec, map[string]interface{}{"id": "not-a-uuid-but-long-enough-to-pass-xx"})
	assert.Equal(t, services.CodeValidation, services.CodeOf(err))

	_, err = pack.Handlers["widget.delete"](ctx, ec, map[string]interface{}{"id": uuid.NewString()})
	assert.Equal(t, services.CodeNotFound, services.CodeOf(err))

	_, err = pack.Handlers["widget.list"](ctx, ec, map[string]interface{}{"limit": json.Number("1.5")})
	assert.Equal(t, services.CodeValidation, services.CodeOf(err))
}
