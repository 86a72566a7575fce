package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/action-control-plane/middleware"
	"github.com/upb/action-control-plane/models"
	"github.com/upb/action-control-plane/services"
	"go.uber.org/zap"
)

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) HandleRaw(ctx context.Context, body []byte, meta models.RequestMeta) *models.ManageResponse {
	args := m.Called(ctx, body, meta)
	return args.Get(0).(*models.ManageResponse)
}

func serveManage(h *ManageHandler, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/manage", strings.NewReader(body))
	req.RemoteAddr = "192.0.2.7:5555"
	req.Header.Set("User-Agent", "acp-test/1.0")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req = req.WithContext(middleware.WithRequestID(req.Context(), "req-42"))

	w := httptest.NewRecorder()
	h.HandleManage(w, req)
	return w
}

func TestManageHandler_PassesEnvelopeAndMeta(t *testing.T) {
	dispatcher := new(mockDispatcher)
	h := NewManageHandler(dispatcher, 1024, zap.NewNop())

	body := `{"action":"project.list"}`
	wantMeta := models.RequestMeta{
		RequestID: "req-42",
		Token:     "acp_abc_secret",
		IPAddress: "192.0.2.7",
		UserAgent: "acp-test/1.0",
	}
	dispatcher.On("HandleRaw", mock.Anything, []byte(body), wantMeta).Return(&models.ManageResponse{
		OK:        true,
		RequestID: "req-42",
		Data:      json.RawMessage(`{"items":[]}`),
	})

	w := serveManage(h, body, map[string]string{"Authorization": "Bearer acp_abc_secret"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-42", w.Header().Get(middleware.RequestIDHeader))
	assert.Empty(t, w.Header().Get(IdempotentReplayHeader))

	var resp map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, map[string]interface{}{"items": []interface{}{}}, resp["data"])
	assert.NotContains(t, resp, "RetryAfterSeconds")
	dispatcher.AssertExpectations(t)
}

func TestManageHandler_Headers(t *testing.T) {
	tests := []struct {
		name       string
		resp       *models.ManageResponse
		wantStatus int
		wantHeader map[string]string
	}{
		{
			name: "rate limited",
			resp: &models.ManageResponse{
				RequestID:         "req-42",
				Code:              string(services.CodeRateLimited),
				Error:             "rate limit exceeded",
				RetryAfterSeconds: 15,
			},
			wantStatus: http.StatusTooManyRequests,
			wantHeader: map[string]string{"Retry-After": "15"},
		},
		{
			name: "replay",
			resp: &models.ManageResponse{
				OK:        true,
				RequestID: "req-42",
				Code:      string(services.CodeIdempotentReplay),
			},
			wantStatus: http.StatusOK,
			wantHeader: map[string]string{IdempotentReplayHeader: "true"},
		},
		{
			name: "governance unavailable",
			resp: &models.ManageResponse{
				RequestID: "req-42",
				Code:      string(services.CodeGovernanceUnavailable),
			},
			wantStatus: http.StatusServiceUnavailable,
			wantHeader: map[string]string{"Retry-After": ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dispatcher := new(mockDispatcher)
			dispatcher.On("HandleRaw", mock.Anything, mock.Anything, mock.Anything).Return(tt.resp)
			h := NewManageHandler(dispatcher, 1024, zap.NewNop())

			w := serveManage(h, `{}`, map[string]string{"X-API-Key": "acp_abc_secret"})

			assert.Equal(t, tt.wantStatus, w.Code)
			for k, v := range tt.wantHeader {
				assert.Equal(t, v, w.Header().Get(k), k)
			}
		})
	}
}

func TestManageHandler_OversizedBody(t *testing.T) {
	dispatcher := new(mockDispatcher)
	dispatcher.On("HandleRaw", mock.Anything, []byte(nil), mock.Anything).Return(&models.ManageResponse{
		RequestID: "req-42",
		Code:      string(services.CodeValidation),
		Error:     "invalid request envelope",
	})
	h := NewManageHandler(dispatcher, 16, zap.NewNop())

	w := serveManage(h, `{"action":"project.create","params":{"name":"far too long for the limit"}}`, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	dispatcher.AssertExpectations(t)
}
