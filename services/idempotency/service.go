// Package idempotency deduplicates retried mutations. A key is claimed
// atomically in the store before the handler runs; callers in the same
// process that arrive while the claim is live share the owner's result.
//
// A claim is a lease of ClaimTTL. If its owner dies before completing, the
// lease lapses and the next caller takes the key over. Only a completed
// record is kept for the full Retention.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/upb/action-control-plane/internal/clock"
	"github.com/upb/action-control-plane/models"
	"github.com/upb/action-control-plane/repositories"
	"github.com/upb/action-control-plane/services"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Config holds idempotency settings
type Config struct {
	// Retention is how long completed records stay replayable
	Retention time.Duration

	// ClaimTTL is the lease of a pending claim. Never shorter than WaitTimeout.
	ClaimTTL time.Duration

	// WaitTimeout bounds how long a caller waits on a key claimed elsewhere
	WaitTimeout time.Duration

	// PollInterval is the store polling period while waiting
	PollInterval time.Duration
}

// DefaultConfig returns the default settings
func DefaultConfig() Config {
	return Config{
		Retention:    24 * time.Hour,
		ClaimTTL:     30 * time.Second,
		WaitTimeout:  5 * time.Second,
		PollInterval: 50 * time.Millisecond,
	}
}

// Execution is the outcome of an idempotent call
type Execution struct {
	// Response is the stored data payload
	Response []byte

	// Replayed is set when the response was produced by an earlier request
	Replayed bool

	// RequestID identifies the request that produced the response
	RequestID string
}

// Service coordinates idempotent executions
type Service struct {
	repo   repositories.IdempotencyRepository
	config Config
	clock  clock.Clock
	logger *zap.Logger
	group  singleflight.Group
}

// NewService creates a new idempotency service
func NewService(repo repositories.IdempotencyRepository, config Config, clk clock.Clock, logger *zap.Logger) *Service {
	defaults := DefaultConfig()
	if config.Retention <= 0 {
		config.Retention = defaults.Retention
	}
	if config.WaitTimeout <= 0 {
		config.WaitTimeout = defaults.WaitTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.ClaimTTL <= 0 {
		config.ClaimTTL = defaults.ClaimTTL
	}
	if config.ClaimTTL < config.WaitTimeout {
		config.ClaimTTL = config.WaitTimeout
	}
	return &Service{
		repo:   repo,
		config: config,
		clock:  clk,
		logger: logger,
	}
}

// Do runs fn at most once per key. A completed record with the same request
// hash is replayed without calling fn. A record with a different hash is a
// validation error. Only successful results are stored; on error the claim
// is released so the key can be retried.
func (s *Service) Do(ctx context.Context, key models.IdempotencyKey, requestHash, requestID string, fn func(ctx context.Context) ([]byte, error)) (*Execution, error) {
	owner := false
	v, err, _ := s.group.Do(key.String()+"|"+requestHash, func() (interface{}, error) {
		owner = true
		return s.run(ctx, key, requestHash, requestID, fn)
	})
	if err != nil {
		return nil, err
	}

	exec := v.(*Execution)
	if !owner && !exec.Replayed {
		return &Execution{Response: exec.Response, Replayed: true, RequestID: exec.RequestID}, nil
	}
	return exec, nil
}

func (s *Service) run(ctx context.Context, key models.IdempotencyKey, requestHash, requestID string, fn func(ctx context.Context) ([]byte, error)) (*Execution, error) {
	now := s.clock.Now()
	rec := &models.IdempotencyRecord{
		TenantID:    key.TenantID,
		Action:      key.Action,
		Key:         key.Key,
		RequestHash: requestHash,
		Status:      models.IdempotencyStatusPending,
		RequestID:   requestID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.config.ClaimTTL),
	}

	deadline := time.NewTimer(s.config.WaitTimeout)
	defer deadline.Stop()

	for {
		stored, created, err := s.repo.Claim(ctx, rec)
		if err != nil {
			return nil, services.WrapInternal("failed to claim idempotency key", err)
		}
		if created {
			break
		}
		if stored.RequestHash != requestHash {
			return nil, services.ErrIdempotencyMismatch
		}
		if stored.IsCompleted() {
			s.logger.Debug("replaying idempotent response",
				zap.String("action", key.Action),
				zap.String("original_request_id", stored.RequestID))
			return &Execution{Response: stored.Response, Replayed: true, RequestID: stored.RequestID}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, services.ErrIdempotencyInProgress
		case <-time.After(s.config.PollInterval):
		}
	}

	data, err := fn(ctx)
	if err != nil {
		if rerr := s.repo.Release(context.WithoutCancel(ctx), key, requestID); rerr != nil {
			s.logger.Error("failed to release idempotency claim", zap.String("action", key.Action), zap.Error(rerr))
		}
		return nil, err
	}

	expiresAt := s.clock.Now().Add(s.config.Retention)
	if err := s.repo.Complete(context.WithoutCancel(ctx), key, requestID, data, expiresAt); err != nil {
		// The mutation already happened, so the caller still gets its result
		if errors.Is(err, repositories.ErrConflict) {
			s.logger.Warn("idempotency record superseded", zap.String("action", key.Action))
		} else {
			s.logger.Error("failed to store idempotent response", zap.String("action", key.Action), zap.Error(err))
		}
	}

	return &Execution{Response: data, RequestID: requestID}, nil
}

// CleanupExpired removes records past their retention window
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteExpired(ctx, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup idempotency records: %w", err)
	}
	return n, nil
}

// StartCleanupWorker periodically removes expired records
func (s *Service) StartCleanupWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("started idempotency cleanup worker", zap.Duration("interval", interval))

	for {
		select {
		case <-ticker.C:
			n, err := s.CleanupExpired(ctx)
			if err != nil {
				s.logger.Error("idempotency cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Debug("cleaned up idempotency records", zap.Int64("rows_deleted", n))
			}
		case <-ctx.Done():
			s.logger.Info("stopping idempotency cleanup worker")
			return
		}
	}
}
