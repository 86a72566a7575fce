package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/action-control-plane/internal/clock"
	"github.com/upb/action-control-plane/models"
	"github.com/upb/action-control-plane/repositories/memory"
	"github.com/upb/action-control-plane/services"
	"go.uber.org/zap"
)

type MockUsageRepository struct {
	mock.Mock
}

func (m *MockUsageRepository) Get(ctx context.Context, tenantID uuid.UUID, period string) (*models.UsageSnapshot, error) {
	args := m.Called(ctx, tenantID, period)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.UsageSnapshot), args.Error(1)
}

func (m *MockUsageRepository) IncrementCalls(ctx context.Context, tenantID uuid.UUID, period string) error {
	return m.Called(ctx, tenantID, period).Error(0)
}

func (m *MockUsageRepository) SetTier(ctx context.Context, tenantID uuid.UUID, tier models.Tier) error {
	return m.Called(ctx, tenantID, tier).Error(0)
}

func TestUsageService_Check(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC))
	repo := memory.NewUsageRepository()
	service := NewUsageService(repo, Config{FreeTierLimit: 5, WarningThreshold: 3}, clk, zap.NewNop())
	tenantID := uuid.New()

	record := func(n int) {
		for i := 0; i < n; i++ {
			service.RecordCall(ctx, tenantID)
		}
	}

	warning, err := service.Check(ctx, tenantID)
	require.NoError(t, err)
	assert.Nil(t, warning)

	record(3)
	warning, err = service.Check(ctx, tenantID)
	require.NoError(t, err)
	require.NotNil(t, warning)
	assert.Contains(t, warning.Message, "2 free calls remaining")
	assert.Equal(t, "/api/upgrade/checkout?tenant="+tenantID.String(), warning.UpgradeURL)

	record(2)
	_, err = service.Check(ctx, tenantID)
	require.Error(t, err)
	assert.Equal(t, services.CodeUpgradeRequired, services.CodeOf(err))
	details := services.GetErrorDetails(err)
	assert.Contains(t, details, "upgrade_url")
	assert.Equal(t, int64(0), details["usage"].(map[string]interface{})["calls_remaining"])

	t.Run("paid tier is unlimited", func(t *testing.T) {
		require.NoError(t, repo.SetTier(ctx, tenantID, models.TierPro))
		warning, err := service.Check(ctx, tenantID)
		require.NoError(t, err)
		assert.Nil(t, warning)
	})

	t.Run("new month starts over", func(t *testing.T) {
		other := uuid.New()
		for i := 0; i < 5; i++ {
			service.RecordCall(ctx, other)
		}
		clk.Set(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))

		snap, err := service.Current(ctx, other)
		require.NoError(t, err)
		assert.Equal(t, "2024-02", snap.Period)
		assert.Zero(t, snap.CallsUsed)
	})
}

func TestUsageService_FailsOpen(t *testing.T) {
	repo := &MockUsageRepository{}
	repo.On("Get", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))
	repo.On("IncrementCalls", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("connection refused"))
	service := NewUsageService(repo, DefaultConfig(), clock.NewFake(time.Now()), zap.NewNop())

	warning, err := service.Check(context.Background(), uuid.New())
	assert.NoError(t, err)
	assert.Nil(t, warning)

	assert.NotPanics(t, func() { service.RecordCall(context.Background(), uuid.New()) })
	repo.AssertExpectations(t)
}
