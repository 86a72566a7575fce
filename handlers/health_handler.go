package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/upb/action-control-plane/utils"
	"go.uber.org/zap"
)

// Checker reports whether a backing service is reachable
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker
type CheckerFunc func(ctx context.Context) error

// HealthCheck calls f
func (f CheckerFunc) HealthCheck(ctx context.Context) error {
	return f(ctx)
}

// Catalog describes the operations currently served
type Catalog interface {
	Version() string
	EnabledPacks() []string
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	checks      map[string]Checker
	catalog     Catalog
	version     string
	environment string
	logger      *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. checks maps a component
// name ("database", "redis") to its probe.
func NewHealthHandler(checks map[string]Checker, catalog Catalog, version, environment string, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		checks:      checks,
		catalog:     catalog,
		version:     version,
		environment: environment,
		logger:      logger,
	}
}

// HandleHealth handles GET /healthz
// Liveness only: returns 200 while the process serves requests
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReadiness handles GET /readyz
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.checks))
	ready := true
	for name, checker := range h.checks {
		if err := checker.HealthCheck(ctx); err != nil {
			h.logger.Warn("readiness check failed", zap.String("component", name), zap.Error(err))
			checks[name] = "unhealthy"
			ready = false
			continue
		}
		checks[name] = "healthy"
	}

	status, httpStatus := "ready", http.StatusOK
	if !ready {
		status, httpStatus = "not_ready", http.StatusServiceUnavailable
	}

	if err := utils.WriteJSON(w, httpStatus, map[string]interface{}{
		"status": status,
		"checks": checks,
	}); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}

// HandleStatus handles GET /api/v1/status
func (h *HealthHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"version":          h.version,
		"environment":      h.environment,
		"registry_version": h.catalog.Version(),
		"packs":            h.catalog.EnabledPacks(),
	})
}
