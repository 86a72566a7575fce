package handlers

import (
	"net/http"

	"github.com/upb/action-control-plane/services"
)

// StatusForCode maps a pipeline outcome code to its HTTP status. The
// envelope body carries the code itself; the status is a transport hint.
func StatusForCode(code services.Code) int {
	switch code {
	case "", services.CodeIdempotentReplay:
		return http.StatusOK
	case services.CodeValidation:
		return http.StatusBadRequest
	case services.CodeInvalidAPIKey:
		return http.StatusUnauthorized
	case services.CodeScopeDenied, services.CodeApprovalRequired:
		return http.StatusForbidden
	case services.CodeNotFound:
		return http.StatusNotFound
	case services.CodeCeilingExceeded, services.CodeIdempotencyInProgress:
		return http.StatusConflict
	case services.CodeUpgradeRequired:
		return http.StatusPaymentRequired
	case services.CodeRateLimited:
		return http.StatusTooManyRequests
	case services.CodeGovernanceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
