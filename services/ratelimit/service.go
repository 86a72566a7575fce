package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/upb/action-control-plane/internal/clock"
	"github.com/upb/action-control-plane/repositories"
	"go.uber.org/zap"
)

// Config holds limiter settings
type Config struct {
	// Window is the fixed window length
	Window time.Duration

	// DefaultLimit applies to actions without an override. Zero disables limiting.
	DefaultLimit int64

	// ActionLimits overrides the limit per action name
	ActionLimits map[string]int64
}

// Decision is the result of a rate limit check
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// RetryAfter returns the time left until the window resets
func (d *Decision) RetryAfter(now time.Time) time.Duration {
	if d.ResetAt.After(now) {
		return d.ResetAt.Sub(now)
	}
	return 0
}

// Pruner is implemented by counter stores that need explicit cleanup
type Pruner interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RateLimitService enforces fixed-window limits per (credential, action)
type RateLimitService struct {
	counters repositories.CounterRepository
	config   Config
	clock    clock.Clock
	logger   *zap.Logger
}

// NewRateLimitService creates a new RateLimitService instance
func NewRateLimitService(counters repositories.CounterRepository, config Config, clk clock.Clock, logger *zap.Logger) *RateLimitService {
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	return &RateLimitService{
		counters: counters,
		config:   config,
		clock:    clk,
		logger:   logger,
	}
}

// LimitFor returns the configured limit of an action
func (s *RateLimitService) LimitFor(action string) int64 {
	if limit, ok := s.config.ActionLimits[action]; ok {
		return limit
	}
	return s.config.DefaultLimit
}

// Allow counts one call of action by credentialID against its window.
// Counters of different actions are independent.
func (s *RateLimitService) Allow(ctx context.Context, credentialID, action string) (*Decision, error) {
	limit := s.LimitFor(action)
	now := s.clock.Now()
	windowStart, resetAt := s.getWindowBounds(now)

	if limit <= 0 {
		return &Decision{Allowed: true, ResetAt: resetAt}, nil
	}

	count, allowed, err := s.counters.IncrementWithCeiling(ctx, s.buildScopeKey(credentialID, action), windowStart, s.config.Window, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	if !allowed {
		s.logger.Debug("rate limit exceeded",
			zap.String("action", action),
			zap.Int64("limit", limit),
			zap.Time("reset_at", resetAt))
	}

	return &Decision{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// getWindowBounds returns the start and reset time of the window holding now
func (s *RateLimitService) getWindowBounds(now time.Time) (start time.Time, reset time.Time) {
	start = now.Truncate(s.config.Window)
	return start, start.Add(s.config.Window)
}

// buildScopeKey builds the counter key for a credential and action
func (s *RateLimitService) buildScopeKey(credentialID, action string) string {
	return fmt.Sprintf("cred:%s:action:%s", credentialID, action)
}

// StartCleanupWorker periodically drops counters of past windows. It is a
// no-op for stores that expire counters themselves.
func (s *RateLimitService) StartCleanupWorker(ctx context.Context, interval time.Duration) {
	pruner, ok := s.counters.(Pruner)
	if !ok {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("started rate limit cleanup worker", zap.Duration("interval", interval))

	for {
		select {
		case <-ticker.C:
			cutoff, _ := s.getWindowBounds(s.clock.Now())
			n, err := pruner.DeleteBefore(ctx, cutoff)
			if err != nil {
				s.logger.Error("failed to cleanup rate limit counters", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Debug("cleaned up rate limit counters", zap.Int64("rows_deleted", n))
			}
		case <-ctx.Done():
			s.logger.Info("stopping rate limit cleanup worker")
			return
		}
	}
}
