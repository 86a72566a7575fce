package policy

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/action-control-plane/models"
	"github.com/upb/action-control-plane/services"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// DegradedWarning is attached to responses allowed without the authority
const DegradedWarning = "policy authority unavailable; proceeding in local-only mode"

var tracer = otel.Tracer("github.com/upb/action-control-plane/services/policy")

// DefaultReadPrefixes are the verbs classified as reads under read-open
var DefaultReadPrefixes = []string{"list", "get", "read", "search", "describe"}

// GateConfig holds gate settings
type GateConfig struct {
	FailMode     FailMode
	Timeout      time.Duration
	ReadPrefixes []string
}

// Request is one authorization question
type Request struct {
	TenantID      uuid.UUID
	Actor         Actor
	Action        *models.ActionDefinition
	RequestHash   string
	ParamsSummary map[string]interface{}
}

// Outcome is an allow verdict, possibly degraded
type Outcome struct {
	DecisionID    string
	PolicyVersion string
	Cached        bool
	Degraded      bool
}

// Constraint returns the constraints_applied label of the outcome
func (o *Outcome) Constraint() string {
	switch {
	case o.Degraded:
		return "policy:degraded"
	case o.Cached:
		return "policy:cached"
	default:
		return "policy:allow"
	}
}

// Gate asks the authority for a decision and applies the fail mode when it
// cannot answer in time
type Gate struct {
	authority Authority
	cache     *DecisionCache
	config    GateConfig
	logger    *zap.Logger
}

// NewGate creates a gate. cache may be nil to disable caching.
func NewGate(authority Authority, cache *DecisionCache, config GateConfig, logger *zap.Logger) *Gate {
	if config.Timeout <= 0 {
		config.Timeout = defaultAuthorityTimeout
	}
	if config.FailMode == "" {
		config.FailMode = FailClosed
	}
	if len(config.ReadPrefixes) == 0 {
		config.ReadPrefixes = DefaultReadPrefixes
	}
	return &Gate{
		authority: authority,
		cache:     cache,
		config:    config,
		logger:    logger,
	}
}

// FailMode returns the configured fail mode
func (g *Gate) FailMode() FailMode {
	return g.config.FailMode
}

// Cache returns the decision cache, if any
func (g *Gate) Cache() *DecisionCache {
	return g.cache
}

// IsRead classifies an action as a read by its declared flag or its verb
func (g *Gate) IsRead(def *models.ActionDefinition) bool {
	if def.ReadOnly {
		return true
	}
	verb := def.Verb()
	for _, prefix := range g.config.ReadPrefixes {
		if strings.HasPrefix(verb, prefix) {
			return true
		}
	}
	return false
}

type decideResult struct {
	decision *Decision
	err      error
}

// Authorize returns an outcome when the request may proceed, or a domain
// error: SCOPE_DENIED on deny, APPROVAL_REQUIRED on require-approval, and
// GOVERNANCE_UNAVAILABLE when the fail mode refuses. The fail mode only
// covers the authority failing or exceeding the gate timeout; a request
// whose own context ended is an internal error.
func (g *Gate) Authorize(ctx context.Context, req *Request) (*Outcome, error) {
	key := CacheKey{TenantID: req.TenantID, Action: req.Action.Name, RequestHash: req.RequestHash}
	if g.cache != nil {
		if cached := g.cache.Get(key); cached != nil {
			return &Outcome{DecisionID: cached.DecisionID, PolicyVersion: cached.PolicyVersion, Cached: true}, nil
		}
	}

	decision, err := g.decide(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, services.WrapInternal("policy check abandoned", ctxErr)
		}
		return g.unavailable(req, err)
	}

	switch decision.Decision {
	case DecisionAllow:
		if g.cache != nil {
			g.cache.Set(key, decision)
		}
		return &Outcome{DecisionID: decision.DecisionID, PolicyVersion: decision.PolicyVersion}, nil
	case DecisionRequireApproval:
		return nil, services.ErrApprovalRequired.WithDetail("decision_id", decision.DecisionID)
	default:
		return nil, services.ErrPolicyDenied.WithDetail("decision_id", decision.DecisionID)
	}
}

// decide runs the authority call in its own goroutine and stops waiting at
// the deadline, so a hung call is handled like a failed one
func (g *Gate) decide(ctx context.Context, req *Request) (*Decision, error) {
	ctx, span := tracer.Start(ctx, "acp.policy.decide")
	defer span.End()
	span.SetAttributes(attribute.String("acp.action", req.Action.Name))

	ctx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	done := make(chan decideResult, 1)
	go func() {
		d, err := g.authority.Decide(ctx, &DecisionRequest{
			TenantID:      req.TenantID,
			Actor:         req.Actor,
			Action:        req.Action.Name,
			RequestHash:   req.RequestHash,
			ParamsSummary: req.ParamsSummary,
		})
		done <- decideResult{decision: d, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil && res.decision == nil {
			res.err = errors.New("empty decision")
		}
		if res.err != nil {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, "authority failed")
			return nil, res.err
		}
		span.SetAttributes(attribute.String("acp.policy.decision", string(res.decision.Decision)))
		return res.decision, nil
	case <-ctx.Done():
		span.SetStatus(codes.Error, "authority timed out")
		return nil, ctx.Err()
	}
}

func (g *Gate) unavailable(req *Request, cause error) (*Outcome, error) {
	mode := g.config.FailMode
	g.logger.Warn("policy authority unavailable",
		zap.String("action", req.Action.Name),
		zap.String("fail_mode", string(mode)),
		zap.Error(cause))

	switch mode {
	case FailOpen:
		return &Outcome{Degraded: true}, nil
	case FailReadOpen:
		if g.IsRead(req.Action) {
			return &Outcome{Degraded: true}, nil
		}
	}
	return nil, services.ErrGovernanceUnavailable.Wrap(cause).WithDetail("fail_mode", string(mode))
}
