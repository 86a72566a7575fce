// Package router sequences every control plane request through credential
// resolution, authorization, quotas, idempotency and execution, and records
// exactly one audit event per request.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/upb/action-control-plane/internal/clock"
	"github.com/upb/action-control-plane/models"
	"github.com/upb/action-control-plane/services"
	"github.com/upb/action-control-plane/services/actions"
	"github.com/upb/action-control-plane/services/credentials"
	"github.com/upb/action-control-plane/services/policy"
	"github.com/upb/action-control-plane/services/registry"
	"github.com/upb/action-control-plane/services/sanitize"
	"github.com/upb/action-control-plane/utils"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/upb/action-control-plane/services/router"

// Dependencies are the components the router sequences. Gate and Usage are
// optional.
type Dependencies struct {
	Registry     *registry.Registry
	Credentials  credentials.Resolver
	RateLimiter  RateLimiter
	Ceilings     CeilingChecker
	Idempotency  IdempotencyStore
	Gate         PolicyGate
	Usage        UsageEnforcer
	Audit        AuditEmitter
	Sanitizer    *sanitize.Sanitizer
	Clock        clock.Clock
	Capabilities actions.Capabilities
}

// Router is stateless per request
type Router struct {
	deps     Dependencies
	logger   *zap.Logger
	tracer   trace.Tracer
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

// New creates a router
func New(deps Dependencies, logger *zap.Logger) (*Router, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("router: registry is required")
	case deps.Credentials == nil:
		return nil, errors.New("router: credential resolver is required")
	case deps.RateLimiter == nil:
		return nil, errors.New("router: rate limiter is required")
	case deps.Ceilings == nil:
		return nil, errors.New("router: ceilings are required")
	case deps.Idempotency == nil:
		return nil, errors.New("router: idempotency store is required")
	case deps.Audit == nil:
		return nil, errors.New("router: audit emitter is required")
	case deps.Sanitizer == nil:
		return nil, errors.New("router: sanitizer is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}

	meter := otel.Meter(instrumentationName)
	requests, err := meter.Int64Counter("acp.requests",
		metric.WithDescription("Control plane requests by action and outcome code"))
	if err != nil {
		return nil, fmt.Errorf("router: create request counter: %w", err)
	}
	duration, err := meter.Float64Histogram("acp.request.duration_ms",
		metric.WithDescription("Control plane request latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("router: create duration histogram: %w", err)
	}

	return &Router{
		deps:     deps,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		requests: requests,
		duration: duration,
	}, nil
}

// call carries the per-request state accumulated by the pipeline
type call struct {
	requestID   string
	action      string
	dryRun      bool
	identity    *models.Identity
	event       *models.AuditEvent
	constraints []string
	warnings    []string
	decisionID  string
	retryAfter  int
}

// HandleRaw decodes a JSON envelope and handles it. Undecodable bodies are
// answered and audited like any other invalid envelope.
func (r *Router) HandleRaw(ctx context.Context, body []byte, meta models.RequestMeta) *models.ManageResponse {
	var req models.ManageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return r.Handle(ctx, nil, meta)
	}
	return r.Handle(ctx, &req, meta)
}

// Handle runs one request through the pipeline. It never returns an error;
// every outcome is a response carrying a stable code.
func (r *Router) Handle(ctx context.Context, req *models.ManageRequest, meta models.RequestMeta) (resp *models.ManageResponse) {
	start := time.Now()

	requestID := meta.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	action := ""
	if req != nil {
		action = req.Action
	}

	c := &call{
		requestID: requestID,
		event:     models.NewAuditEvent(requestID, action),
	}
	c.event.Timestamp = r.deps.Clock.Now()
	c.event.IPAddress = meta.IPAddress
	c.event.UserAgent = meta.UserAgent

	ctx, span := r.tracer.Start(ctx, "acp.manage")

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic in request pipeline",
				zap.String("request_id", requestID),
				zap.Any("panic", p),
				zap.Stack("stack"))
			resp = r.failure(c, services.ErrInternal)
		}
		r.finish(ctx, span, c, resp, start)
	}()

	return r.run(ctx, c, req, meta)
}

func (r *Router) run(ctx context.Context, c *call, req *models.ManageRequest, meta models.RequestMeta) *models.ManageResponse {
	// 1. envelope
	params, err := r.validateEnvelope(c, req)
	if err != nil {
		return r.failure(c, err)
	}

	// 2. credential
	identity, err := r.resolve(ctx, meta.Token)
	if err != nil {
		return r.failure(c, err)
	}
	c.identity = identity
	c.event.WithIdentity(identity)

	// 3. action lookup
	entry, ok := r.deps.Registry.Lookup(req.Action)
	if !ok {
		return r.failure(c, services.ErrActionNotFound.WithDetail("action", req.Action))
	}
	def := &entry.Definition
	c.action = def.Name
	c.event.WithPack(entry.Pack)

	// 4. dry-run support
	if c.dryRun && !def.SupportsDryRun {
		return r.failure(c, services.ErrDryRunNotSupported.WithDetail("action", def.Name))
	}

	// 5. scope, then the external policy authority when configured
	if !identity.Scopes.Has(def.Scope) {
		return r.failure(c, services.ErrScopeDenied.WithDetail("required_scope", def.Scope))
	}
	if err := r.authorize(ctx, c, def, params); err != nil {
		return r.failure(c, err)
	}

	// 6. rate limit
	if err := r.checkRateLimit(ctx, c, def); err != nil {
		return r.failure(c, err)
	}

	// 7. ceilings, then plan usage for real executions
	if def.Mutating() && def.CeilingResource != "" {
		if _, err := r.deps.Ceilings.Check(ctx, identity.TenantID, def.CeilingResource, 1); err != nil {
			return r.failure(c, asDomain("ceiling check failed", err))
		}
		c.constraints = append(c.constraints, "ceiling:"+def.CeilingResource)
	}
	if r.deps.Usage != nil && !c.dryRun {
		warning, err := r.deps.Usage.Check(ctx, identity.TenantID)
		if err != nil {
			return r.failure(c, err)
		}
		if warning != nil {
			c.warnings = append(c.warnings, warning.Message)
			c.constraints = append(c.constraints, "usage:warning")
		}
	}

	ec := &actions.ExecContext{
		TenantID:     identity.TenantID,
		RequestID:    c.requestID,
		DryRun:       c.dryRun,
		Actor:        *identity,
		Capabilities: r.deps.Capabilities,
	}

	// 8-10, 12. idempotent mutations go through the store; the response is
	// persisted before this returns
	if key := req.Key(); key != "" && !c.dryRun && def.Mutating() {
		c.event.IdempotencyKeyHash = r.deps.Sanitizer.HashString(key)
		c.constraints = append(c.constraints, "idempotency")

		exec, err := r.deps.Idempotency.Do(ctx,
			models.IdempotencyKey{TenantID: identity.TenantID, Action: def.Name, Key: key},
			c.event.RequestHash, c.requestID,
			func(ctx context.Context) ([]byte, error) {
				data, _, err := r.execute(ctx, entry, ec, params)
				return data, err
			})
		if err != nil {
			return r.failure(c, err)
		}
		if exec.Replayed {
			resp := r.success(c, exec.Response, nil)
			resp.Code = string(services.CodeIdempotentReplay)
			resp.Details = map[string]interface{}{"original_request_id": exec.RequestID}
			return resp
		}
		r.recordUsage(ctx, c)
		return r.success(c, exec.Response, nil)
	}

	data, impact, err := r.execute(ctx, entry, ec, params)
	if err != nil {
		return r.failure(c, err)
	}
	if !c.dryRun {
		r.recordUsage(ctx, c)
	}
	return r.success(c, data, impact)
}

func (r *Router) validateEnvelope(c *call, req *models.ManageRequest) (map[string]interface{}, error) {
	if req == nil {
		return nil, services.ErrInvalidEnvelope.WithDetail("body", "must be a JSON object")
	}
	c.dryRun = req.IsDryRun()
	c.event.DryRun = c.dryRun

	if err := utils.ValidateStruct(req); err != nil {
		return nil, services.ErrInvalidEnvelope.WithDetail("fields", utils.GetValidationFields(err))
	}

	params, err := sanitize.DecodeParams(req.Params)
	if err != nil {
		if errors.Is(err, sanitize.ErrImpreciseNumber) {
			return nil, services.ErrInvalidEnvelope.WithDetail("params", "numbers must be integers within ±2^53 or have at most 15 significant digits")
		}
		return nil, services.ErrInvalidEnvelope.WithDetail("params", "must be a JSON object")
	}

	hash, err := r.deps.Sanitizer.Hash(params)
	if err != nil {
		return nil, services.WrapInternal("failed to hash params", err)
	}
	c.event.RequestHash = hash
	return params, nil
}

func (r *Router) resolve(ctx context.Context, token string) (*models.Identity, error) {
	identity, err := r.deps.Credentials.Resolve(ctx, token)
	if err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			return nil, services.ErrInvalidAPIKey
		}
		return nil, services.WrapInternal("credential lookup failed", err)
	}
	if identity.Status != models.CredentialStatusActive {
		return nil, services.ErrInvalidAPIKey.WithDetail("status", string(identity.Status))
	}
	return identity, nil
}

func (r *Router) authorize(ctx context.Context, c *call, def *models.ActionDefinition, params map[string]interface{}) error {
	if r.deps.Gate == nil {
		return nil
	}

	outcome, err := r.deps.Gate.Authorize(ctx, &policy.Request{
		TenantID:      c.identity.TenantID,
		Actor:         policy.Actor{Type: string(c.identity.ActorType), ID: c.identity.CredentialID},
		Action:        def,
		RequestHash:   c.event.RequestHash,
		ParamsSummary: r.deps.Sanitizer.Summary(params),
	})
	if err != nil {
		if id, ok := services.GetErrorDetails(err)["decision_id"].(string); ok {
			c.decisionID = id
			c.event.WithDecision(id, "")
		}
		return err
	}

	c.decisionID = outcome.DecisionID
	c.event.WithDecision(outcome.DecisionID, outcome.PolicyVersion)
	c.constraints = append(c.constraints, outcome.Constraint())
	if outcome.Degraded {
		c.warnings = append(c.warnings, policy.DegradedWarning)
	}
	return nil
}

func (r *Router) checkRateLimit(ctx context.Context, c *call, def *models.ActionDefinition) error {
	decision, err := r.deps.RateLimiter.Allow(ctx, c.identity.CredentialID, def.Name)
	if err != nil {
		r.logger.Warn("rate limiter unavailable, allowing request",
			zap.String("request_id", c.requestID),
			zap.String("action", def.Name),
			zap.Error(err))
		return nil
	}
	if decision.Limit > 0 {
		c.constraints = append(c.constraints, "rate_limit")
	}
	if !decision.Allowed {
		c.retryAfter = int(math.Ceil(decision.RetryAfter(r.deps.Clock.Now()).Seconds()))
		return services.ErrRateLimited.
			WithDetail("limit", decision.Limit).
			WithDetail("reset_at", decision.ResetAt.UTC().Format(time.RFC3339))
	}
	return nil
}

// execute validates params and runs the handler. Handler panics become
// internal errors so the request is still audited.
func (r *Router) execute(ctx context.Context, entry *registry.Entry, ec *actions.ExecContext, params map[string]interface{}) (data []byte, impact *models.ImpactShape, err error) {
	// 9. params schema
	if err := entry.ValidateParams(params); err != nil {
		return nil, nil, err
	}

	// 10. handler
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("action handler panicked",
				zap.String("request_id", ec.RequestID),
				zap.String("action", entry.Definition.Name),
				zap.Any("panic", p),
				zap.Stack("stack"))
			data, impact, err = nil, nil, services.ErrInternal
		}
	}()

	result, err := entry.Handler(ctx, ec, params)
	if err != nil {
		return nil, nil, asDomain("action handler failed", err)
	}
	if result == nil {
		result = &actions.Result{}
	}

	if ec.DryRun {
		if result.Impact == nil {
			return nil, nil, services.WrapInternal("dry run returned no impact", fmt.Errorf("action %s", entry.Definition.Name))
		}
		result.Impact.Normalize()
		if err := result.Impact.Validate(); err != nil {
			return nil, nil, services.WrapInternal("dry run returned a malformed impact", err)
		}
	}

	if result.Data != nil {
		if data, err = json.Marshal(result.Data); err != nil {
			return nil, nil, services.WrapInternal("failed to encode action result", err)
		}
	}
	return data, result.Impact, nil
}

func (r *Router) recordUsage(ctx context.Context, c *call) {
	if r.deps.Usage != nil {
		r.deps.Usage.RecordCall(ctx, c.identity.TenantID)
	}
}

func (r *Router) success(c *call, data []byte, impact *models.ImpactShape) *models.ManageResponse {
	resp := &models.ManageResponse{
		OK:                 true,
		RequestID:          c.requestID,
		Data:               data,
		DryRun:             c.dryRun,
		Impact:             impact,
		DecisionID:         c.decisionID,
		ConstraintsApplied: c.constraints,
		Warnings:           c.warnings,
	}
	if impact != nil {
		c.event.WithImpact(impact)
	}
	return resp
}

func (r *Router) failure(c *call, err error) *models.ManageResponse {
	code := services.CodeOf(err)
	if code == services.CodeInternal {
		r.logger.Error("request failed",
			zap.String("request_id", c.requestID),
			zap.String("action", c.action),
			zap.Error(err))
	}

	resp := &models.ManageResponse{
		OK:                 false,
		RequestID:          c.requestID,
		Error:              services.PublicMessage(err),
		Code:               string(code),
		DryRun:             c.dryRun,
		DecisionID:         c.decisionID,
		ConstraintsApplied: c.constraints,
		Warnings:           c.warnings,
		RetryAfterSeconds:  c.retryAfter,
	}
	if code != services.CodeInternal {
		resp.Details = services.GetErrorDetails(err)
	}
	return resp
}

// finish emits the audit event, metrics and span for every request. It runs
// from a deferred call and must not panic.
func (r *Router) finish(ctx context.Context, span trace.Span, c *call, resp *models.ManageResponse, start time.Time) {
	latency := time.Since(start)

	code := resp.Code
	switch {
	case resp.OK:
		c.event.WithOutcome(models.AuditResultSuccess, code, "")
	case services.Code(code).IsDenial():
		c.event.WithOutcome(models.AuditResultDenied, code, resp.Error)
	default:
		c.event.WithOutcome(models.AuditResultError, code, resp.Error)
	}
	c.event.WithLatency(latency)
	r.deps.Audit.Emit(c.event)

	action := c.action
	if action == "" {
		action = "unknown"
	}
	if code == "" {
		code = "OK"
	}
	attrs := metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("code", code),
	)
	r.requests.Add(ctx, 1, attrs)
	r.duration.Record(ctx, float64(latency.Microseconds())/1000, attrs)

	span.SetAttributes(
		attribute.String("acp.request_id", c.requestID),
		attribute.String("acp.action", action),
		attribute.String("acp.code", code),
		attribute.Bool("acp.dry_run", c.dryRun),
	)
	if c.identity != nil {
		span.SetAttributes(attribute.String("acp.tenant_id", c.identity.TenantID.String()))
	}
	if !resp.OK {
		span.SetStatus(codes.Error, code)
	}
	span.End()
}

// asDomain keeps domain errors and wraps anything else as internal
func asDomain(message string, err error) error {
	var domainErr *services.DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	return services.WrapInternal(message, err)
}
