package policy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/action-control-plane/internal/clock"
	"github.com/upb/action-control-plane/models"
	"github.com/upb/action-control-plane/services"
	"go.uber.org/zap"
)

type MockAuthority struct {
	mock.Mock
}

func (m *MockAuthority) Decide(ctx context.Context, req *DecisionRequest) (*Decision, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Decision), args.Error(1)
}

var (
	writeAction = &models.ActionDefinition{Name: "x.create", Scope: "manage.write"}
	readAction  = &models.ActionDefinition{Name: "x.list", Scope: "manage.read", ReadOnly: true}
	verbRead    = &models.ActionDefinition{Name: "x.get_detail", Scope: "manage.read"}
)

func newRequest(def *models.ActionDefinition, hash string) *Request {
	return &Request{
		TenantID:      uuid.MustParse("6f1c1f3e-3a9a-4d55-9b43-2b7e0f5f1a10"),
		Actor:         Actor{Type: "api_key", ID: "cred-1"},
		Action:        def,
		RequestHash:   hash,
		ParamsSummary: map[string]interface{}{"keys": []string{"name"}},
	}
}

func TestParseFailMode(t *testing.T) {
	for _, in := range []string{"open", "CLOSED", " read-open "} {
		_, err := ParseFailMode(in)
		assert.NoError(t, err, in)
	}
	_, err := ParseFailMode("sometimes")
	assert.Error(t, err)
}

func TestGate_IsRead(t *testing.T) {
	g := NewGate(&MockAuthority{}, nil, GateConfig{}, zap.NewNop())

	assert.True(t, g.IsRead(readAction))
	assert.True(t, g.IsRead(verbRead))
	assert.False(t, g.IsRead(writeAction))
}

func TestGate_Decisions(t *testing.T) {
	ctx := context.Background()

	t.Run("allow is cached per request hash", func(t *testing.T) {
		authority := &MockAuthority{}
		authority.On("Decide", mock.Anything, mock.Anything).
			Return(&Decision{Decision: DecisionAllow, DecisionID: "d-1", PolicyVersion: "v3"}, nil)
		cache := NewDecisionCache(10, time.Minute, 0, clock.NewFake(time.Now()))
		g := NewGate(authority, cache, GateConfig{FailMode: FailClosed}, zap.NewNop())

		out, err := g.Authorize(ctx, newRequest(writeAction, "h1"))
		require.NoError(t, err)
		assert.Equal(t, "d-1", out.DecisionID)
		assert.Equal(t, "policy:allow", out.Constraint())

		out, err = g.Authorize(ctx, newRequest(writeAction, "h1"))
		require.NoError(t, err)
		assert.True(t, out.Cached)
		assert.Equal(t, "v3", out.PolicyVersion)

		_, err = g.Authorize(ctx, newRequest(writeAction, "h2"))
		require.NoError(t, err)

		authority.AssertNumberOfCalls(t, "Decide", 2)
	})

	t.Run("deny is never cached", func(t *testing.T) {
		authority := &MockAuthority{}
		authority.On("Decide", mock.Anything, mock.Anything).
			Return(&Decision{Decision: DecisionDeny, DecisionID: "d-2"}, nil)
		cache := NewDecisionCache(10, time.Minute, 0, clock.NewFake(time.Now()))
		g := NewGate(authority, cache, GateConfig{}, zap.NewNop())

		for i := 0; i < 2; i++ {
			_, err := g.Authorize(ctx, newRequest(writeAction, "h1"))
			require.Error(t, err)
			assert.Equal(t, services.CodeScopeDenied, services.CodeOf(err))
			assert.Equal(t, "d-2", services.GetErrorDetails(err)["decision_id"])
		}
		authority.AssertNumberOfCalls(t, "Decide", 2)
		assert.Equal(t, 0, cache.Stats().Size)
	})

	t.Run("require approval", func(t *testing.T) {
		authority := &MockAuthority{}
		authority.On("Decide", mock.Anything, mock.Anything).
			Return(&Decision{Decision: DecisionRequireApproval, DecisionID: "d-3"}, nil)
		g := NewGate(authority, nil, GateConfig{}, zap.NewNop())

		_, err := g.Authorize(ctx, newRequest(writeAction, "h1"))
		assert.ErrorIs(t, err, services.ErrApprovalRequired)
	})
}

func TestGate_FailModes(t *testing.T) {
	ctx := context.Background()
	unreachable := func() *MockAuthority {
		a := &MockAuthority{}
		a.On("Decide", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))
		return a
	}

	tests := []struct {
		name     string
		mode     FailMode
		action   *models.ActionDefinition
		wantCode services.Code
	}{
		{"open allows write", FailOpen, writeAction, ""},
		{"closed denies write", FailClosed, writeAction, services.CodeGovernanceUnavailable},
		{"closed denies read", FailClosed, readAction, services.CodeGovernanceUnavailable},
		{"read-open allows read", FailReadOpen, readAction, ""},
		{"read-open allows read by verb", FailReadOpen, verbRead, ""},
		{"read-open denies write", FailReadOpen, writeAction, services.CodeGovernanceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(unreachable(), nil, GateConfig{FailMode: tt.mode}, zap.NewNop())

			out, err := g.Authorize(ctx, newRequest(tt.action, "h"))
			if tt.wantCode == "" {
				require.NoError(t, err)
				assert.True(t, out.Degraded)
				assert.Equal(t, "policy:degraded", out.Constraint())
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, services.CodeOf(err))
		})
	}
}

func TestGate_HungAuthorityTimesOut(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	authority := NewHTTPAuthority(server.URL, "", time.Minute)
	g := NewGate(authority, nil, GateConfig{FailMode: FailClosed, Timeout: 50 * time.Millisecond}, zap.NewNop())

	start := time.Now()
	_, err := g.Authorize(context.Background(), newRequest(writeAction, "h"))

	assert.Equal(t, services.CodeGovernanceUnavailable, services.CodeOf(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestGate_CallerCancellationIsNotAnOutage(t *testing.T) {
	for _, mode := range []FailMode{FailOpen, FailReadOpen, FailClosed} {
		t.Run(string(mode), func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())

			authority := &MockAuthority{}
			authority.On("Decide", mock.Anything, mock.Anything).
				Run(func(args mock.Arguments) {
					cancel()
					<-args.Get(0).(context.Context).Done()
				}).
				Return(nil, context.Canceled)
			g := NewGate(authority, nil, GateConfig{FailMode: mode, Timeout: time.Second}, zap.NewNop())

			out, err := g.Authorize(ctx, newRequest(readAction, "h"))
			require.Error(t, err)
			assert.Nil(t, out)
			assert.ErrorIs(t, err, context.Canceled)
			assert.Equal(t, services.CodeInternal, services.CodeOf(err))
		})
	}

	t.Run("parent deadline", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		authority := &MockAuthority{}
		authority.On("Decide", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) { <-args.Get(0).(context.Context).Done() }).
			Return(nil, context.DeadlineExceeded)
		g := NewGate(authority, nil, GateConfig{FailMode: FailOpen, Timeout: time.Minute}, zap.NewNop())

		_, err := g.Authorize(ctx, newRequest(writeAction, "h"))
		assert.Equal(t, services.CodeInternal, services.CodeOf(err))
	})
}

func TestHTTPAuthority_Decide(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))

		var req DecisionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "x.create", req.Action)
		assert.Equal(t, "h1", req.RequestHash)
		assert.Equal(t, "api_key", req.Actor.Type)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"decision":"allow","decision_id":"d-9","decision_ttl_ms":1500,"policy_version":"v1"}`))
	}))
	defer server.Close()

	authority := NewHTTPAuthority(server.URL, "s3cret", time.Second)
	decision, err := authority.Decide(context.Background(), &DecisionRequest{
		Actor:       Actor{Type: "api_key"},
		Action:      "x.create",
		RequestHash: "h1",
	})

	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, decision.Decision)
	assert.Equal(t, 1500*time.Millisecond, decision.TTL())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestHTTPAuthority_Failures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{}`},
		{"garbage body", http.StatusOK, `not json`},
		{"unknown decision", http.StatusOK, `{"decision":"maybe","decision_id":"d"}`},
		{"missing id", http.StatusOK, `{"decision":"allow"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewHTTPAuthority(server.URL, "", time.Second).Decide(context.Background(), &DecisionRequest{})
			assert.Error(t, err)
		})
	}
}
