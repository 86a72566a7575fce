// Package usage enforces per-tenant monthly call limits on the free tier.
package usage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/action-control-plane/internal/clock"
	"github.com/upb/action-control-plane/models"
	"github.com/upb/action-control-plane/repositories"
	"github.com/upb/action-control-plane/services"
	"go.uber.org/zap"
)

// Config holds usage enforcement settings
type Config struct {
	FreeTierLimit    int64
	WarningThreshold int64

	// UpgradeURL is a format string receiving the tenant id
	UpgradeURL string
}

// DefaultConfig returns the default settings
func DefaultConfig() Config {
	return Config{
		FreeTierLimit:    100,
		WarningThreshold: 90,
		UpgradeURL:       "/api/upgrade/checkout?tenant=%s",
	}
}

// Warning is returned when a tenant approaches its limit
type Warning struct {
	Message    string
	UpgradeURL string
	Usage      *models.UsageSnapshot
}

// UsageService checks and records call usage
type UsageService struct {
	repo   repositories.UsageRepository
	config Config
	clock  clock.Clock
	logger *zap.Logger
}

// NewUsageService creates a new UsageService instance
func NewUsageService(repo repositories.UsageRepository, config Config, clk clock.Clock, logger *zap.Logger) *UsageService {
	defaults := DefaultConfig()
	if config.FreeTierLimit <= 0 {
		config.FreeTierLimit = defaults.FreeTierLimit
	}
	if config.WarningThreshold <= 0 {
		config.WarningThreshold = defaults.WarningThreshold
	}
	if config.UpgradeURL == "" {
		config.UpgradeURL = defaults.UpgradeURL
	}
	return &UsageService{
		repo:   repo,
		config: config,
		clock:  clk,
		logger: logger,
	}
}

// limitFor returns the monthly call limit of a tier; zero means unlimited
func (s *UsageService) limitFor(tier models.Tier) int64 {
	if tier == models.TierFree {
		return s.config.FreeTierLimit
	}
	return 0
}

func (s *UsageService) upgradeURL(tenantID uuid.UUID) string {
	return fmt.Sprintf(s.config.UpgradeURL, tenantID.String())
}

// Current returns the tenant's usage for the current period
func (s *UsageService) Current(ctx context.Context, tenantID uuid.UUID) (*models.UsageSnapshot, error) {
	snap, err := s.repo.Get(ctx, tenantID, models.UsagePeriod(s.clock.Now()))
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	snap.CallsLimit = s.limitFor(snap.Tier)
	return snap, nil
}

// Check returns UPGRADE_REQUIRED when a free tenant has used its limit and
// a warning when it is past the threshold. Lookup failures fail open.
func (s *UsageService) Check(ctx context.Context, tenantID uuid.UUID) (*Warning, error) {
	snap, err := s.Current(ctx, tenantID)
	if err != nil {
		s.logger.Warn("usage check failed, allowing request",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err))
		return nil, nil
	}

	if snap.Tier != models.TierFree {
		return nil, nil
	}

	remaining := snap.CallsLimit - snap.CallsUsed
	if remaining < 0 {
		remaining = 0
	}
	usage := map[string]interface{}{
		"tier":            snap.Tier,
		"calls_used":      snap.CallsUsed,
		"calls_limit":     snap.CallsLimit,
		"calls_remaining": remaining,
		"period":          snap.Period,
	}

	if snap.CallsUsed >= snap.CallsLimit {
		return nil, services.NewDomainError(services.CodeUpgradeRequired,
			fmt.Sprintf("Free tier limit reached (%d calls). Add a payment method to continue.", snap.CallsLimit), nil).
			WithDetail("upgrade_url", s.upgradeURL(tenantID)).
			WithDetail("usage", usage)
	}

	if snap.CallsUsed >= s.config.WarningThreshold {
		return &Warning{
			Message: fmt.Sprintf("You have %d free calls remaining. Add a payment method to continue after %d calls.",
				remaining, snap.CallsLimit),
			UpgradeURL: s.upgradeURL(tenantID),
			Usage:      snap,
		}, nil
	}
	return nil, nil
}

// RecordCall counts one successful call. Failures are logged only.
func (s *UsageService) RecordCall(ctx context.Context, tenantID uuid.UUID) {
	if err := s.repo.IncrementCalls(ctx, tenantID, models.UsagePeriod(s.clock.Now())); err != nil {
		s.logger.Error("failed to record usage",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err))
	}
}
