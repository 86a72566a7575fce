package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/action-control-plane/internal/clock"
	"github.com/upb/action-control-plane/models"
	"github.com/upb/action-control-plane/repositories/memory"
	"github.com/upb/action-control-plane/services"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) (*Service, *memory.IdempotencyRepository, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	repo := memory.NewIdempotencyRepository(clk.Now)
	svc := NewService(repo, Config{
		Retention:    time.Hour,
		ClaimTTL:     time.Minute,
		WaitTimeout:  100 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}, clk, zap.NewNop())
	return svc, repo, clk
}

func testKey() models.IdempotencyKey {
	return models.IdempotencyKey{TenantID: uuid.New(), Action: "x.create", Key: "k1"}
}

func TestService_Do_SequentialReplay(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	key := testKey()

	var calls int32
	fn := func(context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte(`{"id":"r-1","name":"a"}`), nil
	}

	first, err := svc.Do(ctx, key, "sha256:aa", "req-1", fn)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := svc.Do(ctx, key, "sha256:aa", "req-2", fn)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, "req-1", second.RequestID)
	assert.Equal(t, first.Response, second.Response)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestService_Do_Concurrent(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	key := testKey()

	var calls int32
	fn := func(context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return []byte(`{"id":"r-1"}`), nil
	}

	const n = 16
	results := make([]*Execution, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Do(ctx, key, "sha256:aa", uuid.NewString(), fn)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "exactly one execution")
	fresh := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []byte(`{"id":"r-1"}`), results[i].Response)
		if !results[i].Replayed {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
}

func TestService_Do_HashMismatch(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	key := testKey()
	fn := func(context.Context) ([]byte, error) { return []byte(`{}`), nil }

	_, err := svc.Do(ctx, key, "sha256:aa", "req-1", fn)
	require.NoError(t, err)

	_, err = svc.Do(ctx, key, "sha256:bb", "req-2", fn)
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrIdempotencyMismatch)
	assert.Equal(t, services.CodeValidation, services.CodeOf(err))
}

func TestService_Do_InProgressElsewhere(t *testing.T) {
	ctx := context.Background()
	svc, repo, clk := newTestService(t)
	key := testKey()

	_, created, err := repo.Claim(ctx, &models.IdempotencyRecord{
		TenantID:    key.TenantID,
		Action:      key.Action,
		Key:         key.Key,
		RequestHash: "sha256:aa",
		RequestID:   "other-process",
		ExpiresAt:   clk.Now().Add(time.Minute),
	})
	require.NoError(t, err)
	require.True(t, created)

	_, err = svc.Do(ctx, key, "sha256:aa", "req-1", func(context.Context) ([]byte, error) {
		t.Fatal("handler must not run while another claim is live")
		return nil, nil
	})
	assert.ErrorIs(t, err, services.ErrIdempotencyInProgress)
}

func TestService_Do_WaitsForOtherProcess(t *testing.T) {
	ctx := context.Background()
	svc, repo, clk := newTestService(t)
	key := testKey()

	_, _, err := repo.Claim(ctx, &models.IdempotencyRecord{
		TenantID:    key.TenantID,
		Action:      key.Action,
		Key:         key.Key,
		RequestHash: "sha256:aa",
		RequestID:   "other-process",
		ExpiresAt:   clk.Now().Add(time.Minute),
	})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = repo.Complete(ctx, key, "other-process", []byte(`{"id":"r-9"}`), clk.Now().Add(time.Hour))
	}()

	exec, err := svc.Do(ctx, key, "sha256:aa", "req-1", func(context.Context) ([]byte, error) {
		return nil, errors.New("must not run")
	})
	require.NoError(t, err)
	assert.True(t, exec.Replayed)
	assert.Equal(t, "other-process", exec.RequestID)
	assert.Equal(t, []byte(`{"id":"r-9"}`), exec.Response)
}

func TestService_Do_TakesOverLapsedClaim(t *testing.T) {
	ctx := context.Background()
	svc, repo, clk := newTestService(t)
	key := testKey()

	// A claim whose owner died before completing
	_, _, err := repo.Claim(ctx, &models.IdempotencyRecord{
		TenantID:    key.TenantID,
		Action:      key.Action,
		Key:         key.Key,
		RequestHash: "sha256:aa",
		RequestID:   "crashed",
		CreatedAt:   clk.Now(),
		ExpiresAt:   clk.Now().Add(time.Minute),
	})
	require.NoError(t, err)

	var calls int32
	fn := func(context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte(`{"id":"r-2"}`), nil
	}

	_, err = svc.Do(ctx, key, "sha256:aa", "req-1", fn)
	assert.ErrorIs(t, err, services.ErrIdempotencyInProgress)

	clk.Advance(time.Minute + time.Second)

	exec, err := svc.Do(ctx, key, "sha256:aa", "req-2", fn)
	require.NoError(t, err)
	assert.False(t, exec.Replayed)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	exec, err = svc.Do(ctx, key, "sha256:aa", "req-3", fn)
	require.NoError(t, err)
	assert.True(t, exec.Replayed)
	assert.Equal(t, "req-2", exec.RequestID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestService_Do_ClaimLeaseThenRetention(t *testing.T) {
	ctx := context.Background()
	svc, repo, clk := newTestService(t)
	key := testKey()
	start := clk.Now()

	_, err := svc.Do(ctx, key, "sha256:aa", "req-1", func(ctx context.Context) ([]byte, error) {
		pending, err := repo.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, start.Add(time.Minute), pending.ExpiresAt, "pending claims hold a short lease")
		return []byte(`{}`), nil
	})
	require.NoError(t, err)

	done, err := repo.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, done.IsCompleted())
	assert.Equal(t, start.Add(time.Hour), done.ExpiresAt)

	clk.Advance(30 * time.Minute)
	exec, err := svc.Do(ctx, key, "sha256:aa", "req-2", func(context.Context) ([]byte, error) {
		return nil, errors.New("must not run")
	})
	require.NoError(t, err)
	assert.True(t, exec.Replayed, "completed records outlive the claim lease")
}

func TestNewService_ClaimTTLNotShorterThanWait(t *testing.T) {
	svc := NewService(memory.NewIdempotencyRepository(time.Now), Config{
		ClaimTTL:    time.Second,
		WaitTimeout: 10 * time.Second,
	}, clock.Real(), zap.NewNop())

	assert.Equal(t, 10*time.Second, svc.config.ClaimTTL)
	assert.Equal(t, 24*time.Hour, svc.config.Retention)
}

func TestService_Do_ErrorReleasesClaim(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	key := testKey()

	_, err := svc.Do(ctx, key, "sha256:aa", "req-1", func(context.Context) ([]byte, error) {
		return nil, services.ErrResourceNotFound
	})
	assert.ErrorIs(t, err, services.ErrResourceNotFound)

	exec, err := svc.Do(ctx, key, "sha256:aa", "req-2", func(context.Context) ([]byte, error) {
		return []byte(`{"ok":true}`), nil
	})
	require.NoError(t, err)
	assert.False(t, exec.Replayed, "failed attempts are not stored")
}

func TestService_CleanupExpired(t *testing.T) {
	ctx := context.Background()
	svc, _, clk := newTestService(t)
	key := testKey()

	_, err := svc.Do(ctx, key, "sha256:aa", "req-1", func(context.Context) ([]byte, error) {
		return []byte(`{}`), nil
	})
	require.NoError(t, err)

	n, err := svc.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clk.Advance(2 * time.Hour)
	n, err = svc.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
