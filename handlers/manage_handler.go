package handlers

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/upb/action-control-plane/middleware"
	"github.com/upb/action-control-plane/models"
	"github.com/upb/action-control-plane/services"
	"github.com/upb/action-control-plane/utils"
	"go.uber.org/zap"
)

// IdempotentReplayHeader marks a response served from a stored result
const IdempotentReplayHeader = "Idempotent-Replay"

// Dispatcher runs one raw envelope through the operation pipeline
type Dispatcher interface {
	HandleRaw(ctx context.Context, body []byte, meta models.RequestMeta) *models.ManageResponse
}

// ManageHandler serves the single operation endpoint
type ManageHandler struct {
	dispatcher   Dispatcher
	maxBodyBytes int64
	logger       *zap.Logger
}

// NewManageHandler creates a new ManageHandler
func NewManageHandler(dispatcher Dispatcher, maxBodyBytes int64, logger *zap.Logger) *ManageHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &ManageHandler{
		dispatcher:   dispatcher,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}
}

// HandleManage handles POST /api/v1/manage
func (h *ManageHandler) HandleManage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// An unreadable or oversized body still goes through the pipeline so
	// the attempt is audited; it fails envelope validation there.
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		h.logger.Warn("failed to read request body",
			zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
			zap.Error(err))
		body = nil
	}

	meta := models.RequestMeta{
		RequestID: middleware.GetRequestIDFromContext(ctx),
		Token:     middleware.ExtractCredential(r),
		IPAddress: middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
	}

	resp := h.dispatcher.HandleRaw(ctx, body, meta)

	w.Header().Set(middleware.RequestIDHeader, resp.RequestID)
	if resp.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfterSeconds))
	}
	if resp.Code == string(services.CodeIdempotentReplay) {
		w.Header().Set(IdempotentReplayHeader, "true")
	}

	if err := utils.WriteJSON(w, StatusForCode(services.Code(resp.Code)), resp); err != nil {
		h.logger.Error("failed to write manage response",
			zap.String("request_id", resp.RequestID),
			zap.Error(err))
	}
}
