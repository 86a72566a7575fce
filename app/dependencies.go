package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/upb/action-control-plane/config"
	"github.com/upb/action-control-plane/handlers"
	"github.com/upb/action-control-plane/internal/clock"
	"github.com/upb/action-control-plane/middleware"
	"github.com/upb/action-control-plane/packs/resources"
	"github.com/upb/action-control-plane/repositories"
	"github.com/upb/action-control-plane/repositories/memory"
	"github.com/upb/action-control-plane/repositories/postgres"
	"github.com/upb/action-control-plane/repositories/redis"
	"github.com/upb/action-control-plane/services/actions"
	"github.com/upb/action-control-plane/services/audit"
	"github.com/upb/action-control-plane/services/ceilings"
	"github.com/upb/action-control-plane/services/credentials"
	"github.com/upb/action-control-plane/services/idempotency"
	"github.com/upb/action-control-plane/services/policy"
	"github.com/upb/action-control-plane/services/ratelimit"
	"github.com/upb/action-control-plane/services/registry"
	"github.com/upb/action-control-plane/services/router"
	"github.com/upb/action-control-plane/services/sanitize"
	"github.com/upb/action-control-plane/services/usage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	policyCacheCleanupInterval = time.Minute
	throttleSweepInterval      = time.Minute
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	Logger *zap.Logger
	Clock  clock.Clock
	Redis  *goredis.Client

	// Repository Factory, set with postgres storage
	RepoFactory *postgres.RepositoryFactory

	// Repositories
	Repos *repositories.Repositories

	// Services
	Registry    *registry.Registry
	Audit       *audit.AuditService
	RateLimiter *ratelimit.RateLimitService
	Idempotency *idempotency.Service
	Gate        *policy.Gate
	Router      *router.Router
	Throttle    *middleware.Throttle

	cancel  context.CancelFunc
	workers *errgroup.Group
}

// NewDependencies creates and wires up all application dependencies, and
// starts their background workers
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	return newDependencies(ctx, cfg, logger, clock.Real())
}

func newDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger, clk clock.Clock) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
		Clock:  clk,
	}

	if err := deps.initStorage(ctx); err != nil {
		deps.closeStores()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := deps.seedCredential(ctx); err != nil {
		deps.closeStores()
		return nil, fmt.Errorf("failed to seed credential: %w", err)
	}

	if err := deps.initServices(); err != nil {
		if deps.Audit != nil {
			_ = deps.Audit.Stop(cfg.Audit.WriteTimeout)
		}
		deps.closeStores()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	deps.startWorkers()

	logger.Info("all dependencies initialized successfully",
		zap.String("storage", cfg.Storage),
		zap.String("rate_limit_backend", cfg.RateLimit.Backend),
		zap.String("idempotency_backend", cfg.Idempotency.Backend),
		zap.String("audit_sink", cfg.Audit.Sink),
		zap.Strings("packs", deps.Registry.EnabledPacks()))
	return deps, nil
}

// initStorage opens the configured stores and builds the repository set
func (d *Dependencies) initStorage(ctx context.Context) error {
	cfg := d.Config

	switch cfg.Storage {
	case config.BackendPostgres:
		factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
		if err != nil {
			return fmt.Errorf("failed to create repository factory: %w", err)
		}
		d.RepoFactory = factory

		if err := factory.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database ping failed: %w", err)
		}
		if cfg.Database.InitSchema {
			if err := factory.InitSchema(ctx); err != nil {
				return fmt.Errorf("failed to initialize schema: %w", err)
			}
		}
		d.Repos = factory.NewRepositories(d.Clock.Now)

		d.Logger.Info("database connection established",
			zap.String("connection", cfg.Database.LogString()))
	default:
		d.Repos = memory.NewRepositories(d.Clock.Now)
	}

	if cfg.UsesRedis() {
		client, err := redis.NewClient(ctx, cfg.Redis.URL, cfg.Redis.DialTimeout, d.Logger)
		if err != nil {
			return err
		}
		d.Redis = client
	}

	// Limiter and idempotency stores may differ from the main storage
	switch cfg.RateLimit.Backend {
	case config.BackendRedis:
		d.Repos.Counters = redis.NewCounterRepository(d.Redis, d.Logger)
	case config.BackendMemory:
		if cfg.Storage != config.BackendMemory {
			d.Repos.Counters = memory.NewCounterRepository()
		}
	}
	switch cfg.Idempotency.Backend {
	case config.BackendRedis:
		d.Repos.Idempotency = redis.NewIdempotencyRepository(d.Redis, d.Clock.Now, d.Logger)
	case config.BackendMemory:
		if cfg.Storage != config.BackendMemory {
			d.Repos.Idempotency = memory.NewIdempotencyRepository(d.Clock.Now)
		}
	}
	if cfg.Audit.Sink == config.BackendMemory && cfg.Storage != config.BackendMemory {
		d.Repos.AuditEvents = memory.NewAuditRepository()
	}

	return nil
}

// seedCredential provisions the configured development API key
func (d *Dependencies) seedCredential(ctx context.Context) error {
	creds := d.Config.Credentials
	if creds.SeedToken == "" {
		return nil
	}

	tenantID, err := uuid.Parse(creds.SeedTenantID)
	if err != nil {
		return fmt.Errorf("invalid SEED_TENANT_ID: %w", err)
	}

	cred, err := credentials.Seed(ctx, d.Repos.Credentials, creds.SeedToken, tenantID, creds.SeedScopes, d.Clock.Now())
	if err != nil {
		return err
	}

	d.Logger.Info("seed credential ready",
		zap.String("prefix", cred.Prefix),
		zap.String("tenant_id", cred.TenantID.String()),
		zap.Strings("scopes", cred.Scopes))
	return nil
}

// initServices builds the pipeline components and the router
func (d *Dependencies) initServices() error {
	cfg := d.Config

	packs := make([]actions.Pack, 0, len(cfg.Packs.ResourceKinds))
	for _, kind := range cfg.Packs.ResourceKinds {
		packs = append(packs, resources.NewPack(kind, d.Repos.Resources, d.Clock))
	}
	reg, err := registry.New(cfg.Version, packs, d.Logger, registry.WithDisabled(cfg.Packs.Disabled...))
	if err != nil {
		return fmt.Errorf("failed to build action registry: %w", err)
	}
	d.Registry = reg

	var sink audit.Sink = d.Repos.AuditEvents
	if cfg.Audit.Sink == config.BackendLog {
		sink = audit.NewLogSink(d.Logger)
	}
	d.Audit = audit.NewAuditService(sink, d.Logger, audit.Config{
		BufferSize:   cfg.Audit.BufferSize,
		WorkerCount:  cfg.Audit.Workers,
		WriteTimeout: cfg.Audit.WriteTimeout,
	})
	if err := d.Audit.Start(); err != nil {
		return err
	}

	var resolver credentials.Resolver
	apiKeys := credentials.NewAPIKeyResolver(d.Repos.Credentials, d.Clock, d.Logger)
	if cfg.Credentials.JWTSecret != "" {
		jwts := credentials.NewJWTResolver(cfg.Credentials.JWTSecret, cfg.Credentials.JWTIssuer,
			d.Repos.Revocations, d.Clock, d.Logger)
		resolver = credentials.NewChainResolver(apiKeys, jwts)
	} else {
		resolver = credentials.NewChainResolver(apiKeys, nil)
	}

	d.RateLimiter = ratelimit.NewRateLimitService(d.Repos.Counters, ratelimit.Config{
		Window:       cfg.RateLimit.Window,
		DefaultLimit: cfg.RateLimit.DefaultLimit,
		ActionLimits: cfg.RateLimit.ActionLimits,
	}, d.Clock, d.Logger)

	d.Idempotency = idempotency.NewService(d.Repos.Idempotency, idempotency.Config{
		Retention:    cfg.Idempotency.Retention,
		ClaimTTL:     cfg.Idempotency.ClaimTTL,
		WaitTimeout:  cfg.Idempotency.WaitTimeout,
		PollInterval: cfg.Idempotency.PollInterval,
	}, d.Clock, d.Logger)

	routerDeps := router.Dependencies{
		Registry:    reg,
		Credentials: resolver,
		RateLimiter: d.RateLimiter,
		Ceilings:    ceilings.NewService(d.Repos.Resources, d.Repos.Ceilings, cfg.Ceilings, d.Logger),
		Idempotency: d.Idempotency,
		Audit:       d.Audit,
		Sanitizer:   sanitize.New(cfg.Audit.HashSalt),
		Clock:       d.Clock,
		Capabilities: actions.Capabilities{
			Persistence:  cfg.Storage,
			Transactions: cfg.Storage == config.BackendPostgres,
		},
	}

	if cfg.Policy.AuthorityURL != "" {
		failMode, err := policy.ParseFailMode(cfg.Policy.FailMode)
		if err != nil {
			return err
		}
		cache := policy.NewDecisionCache(cfg.Policy.CacheSize, cfg.Policy.CacheTTL, cfg.Policy.CacheMaxTTL, d.Clock)
		authority := policy.NewHTTPAuthority(cfg.Policy.AuthorityURL, cfg.Policy.AuthorityToken, cfg.Policy.Timeout)
		d.Gate = policy.NewGate(authority, cache, policy.GateConfig{
			FailMode:     failMode,
			Timeout:      cfg.Policy.Timeout,
			ReadPrefixes: cfg.Policy.ReadPrefixes,
		}, d.Logger)
		routerDeps.Gate = d.Gate
		d.Logger.Info("policy gate enabled", zap.String("fail_mode", string(failMode)))
	}

	if cfg.Usage.Enabled {
		routerDeps.Usage = usage.NewUsageService(d.Repos.Usage, usage.Config{
			FreeTierLimit:    cfg.Usage.FreeTierLimit,
			WarningThreshold: cfg.Usage.WarningThreshold,
			UpgradeURL:       cfg.Usage.UpgradeURL,
		}, d.Clock, d.Logger)
	}

	d.Router, err = router.New(routerDeps, d.Logger)
	if err != nil {
		return err
	}

	if cfg.Throttle.Enabled {
		d.Throttle = middleware.NewThrottle(cfg.Throttle.RPS, cfg.Throttle.Burst, d.Clock, d.Logger)
	}

	return nil
}

// startWorkers launches the periodic cleanup loops. They stop on Close, or
// all together when one of them panics; Close then reports the failure.
func (d *Dependencies) startWorkers() {
	parent, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.workers, parent = errgroup.WithContext(parent)

	d.goWorker(parent, "rate_limit_cleanup", func(ctx context.Context) {
		d.RateLimiter.StartCleanupWorker(ctx, d.Config.RateLimit.CleanupPeriod)
	})
	d.goWorker(parent, "idempotency_cleanup", func(ctx context.Context) {
		d.Idempotency.StartCleanupWorker(ctx, d.Config.Idempotency.CleanupPeriod)
	})
	if d.Gate != nil {
		d.goWorker(parent, "policy_cache_cleanup", func(ctx context.Context) {
			d.Gate.Cache().StartCleanupWorker(policyCacheCleanupInterval, ctx.Done())
		})
	}
	if d.Throttle != nil {
		d.goWorker(parent, "throttle_sweep", func(ctx context.Context) {
			d.Throttle.Run(ctx, throttleSweepInterval)
		})
	}
}

// goWorker runs fn in the worker group, turning a panic into the group error
func (d *Dependencies) goWorker(ctx context.Context, name string, fn func(ctx context.Context)) {
	d.workers.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				d.Logger.Error("background worker crashed",
					zap.String("worker", name),
					zap.Any("panic", r))
				err = fmt.Errorf("worker %s panicked: %v", name, r)
			}
		}()
		fn(ctx)
		return nil
	})
}

// ReloadPacks replaces the set of disabled packs on the live registry
func (d *Dependencies) ReloadPacks(disabled []string) error {
	if err := d.Registry.SetDisabled(disabled...); err != nil {
		return fmt.Errorf("failed to reload packs: %w", err)
	}
	return nil
}

// HealthChecks returns the readiness probes of the external stores
func (d *Dependencies) HealthChecks() map[string]handlers.Checker {
	checks := make(map[string]handlers.Checker)
	if d.RepoFactory != nil {
		checks["database"] = d.RepoFactory
	}
	if d.Redis != nil {
		client := d.Redis
		checks["redis"] = handlers.CheckerFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	}
	return checks
}

// Close gracefully shuts down all dependencies. Pending audit events are
// flushed before the stores close.
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.cancel != nil {
		d.cancel()
		if err := d.workers.Wait(); err != nil {
			errs = append(errs, err)
		}
	}

	if d.Audit != nil {
		timeout := d.Config.Server.ShutdownTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if err := d.Audit.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop audit service: %w", err))
		}
	}

	errs = append(errs, d.closeStores()...)

	// Sync logger
	_ = d.Logger.Sync()

	return errors.Join(errs...)
}

func (d *Dependencies) closeStores() []error {
	var errs []error
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
		d.Redis = nil
	}
	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
		d.RepoFactory = nil
	}
	return errs
}
