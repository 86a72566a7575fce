package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/action-control-plane/models"
	"github.com/upb/action-control-plane/repositories"
	"go.uber.org/zap"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return epoch }

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		sqlDB.Close()
	})
	return WrapDB(sqlDB, zap.NewNop()), mock
}

func TestDB_InitSchema(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS credentials").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_events").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, db.InitSchema(context.Background()))
}

func TestRepositoryFactory(t *testing.T) {
	ctx := context.Background()
	db, mock := newMockDB(t)
	auditDB, auditMock := newMockDB(t)
	factory := NewRepositoryFactoryFromDB(db, auditDB, zap.NewNop())

	t.Run("schema goes to both pools", func(t *testing.T) {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS credentials").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_events").WillReturnResult(sqlmock.NewResult(0, 0))
		auditMock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_events").WillReturnResult(sqlmock.NewResult(0, 0))

		require.NoError(t, factory.InitSchema(ctx))
	})

	t.Run("audit events use the audit pool", func(t *testing.T) {
		repos := factory.NewRepositories(fixedNow)
		require.NotNil(t, repos.Credentials)
		require.NotNil(t, repos.Usage)

		auditMock.ExpectExec("INSERT INTO audit_events").WillReturnResult(sqlmock.NewResult(0, 1))
		event := models.NewAuditEvent("req-1", "x.list").WithOutcome(models.AuditResultSuccess, "", "")
		require.NoError(t, repos.AuditEvents.Insert(ctx, event))
	})

	t.Run("health check pings every pool", func(t *testing.T) {
		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
		auditMock.ExpectQuery("SELECT 1").WillReturnError(errors.New("audit db down"))

		assert.Error(t, factory.HealthCheck(ctx))
	})
}

func TestDB_HealthCheck(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	assert.NoError(t, db.HealthCheck(context.Background()))

	mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("connection reset"))
	assert.Error(t, db.HealthCheck(context.Background()))
}

func TestTransactionManager_InTransaction(t *testing.T) {
	ctx := context.Background()

	t.Run("commits on success", func(t *testing.T) {
		db, mock := newMockDB(t)
		tm := NewTransactionManager(db, zap.NewNop())

		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM rate_limit_counters").WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectCommit()

		err := tm.InTransaction(ctx, func(ctx context.Context, _ repositories.Transaction) error {
			_, err := NewCounterRepository(db, zap.NewNop()).DeleteBefore(ctx, epoch)
			return err
		})
		require.NoError(t, err)
	})

	t.Run("rolls back on error", func(t *testing.T) {
		db, mock := newMockDB(t)
		tm := NewTransactionManager(db, zap.NewNop())

		mock.ExpectBegin()
		mock.ExpectRollback()

		boom := errors.New("boom")
		err := tm.InTransaction(ctx, func(context.Context, repositories.Transaction) error {
			return boom
		})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("joins an outer transaction", func(t *testing.T) {
		db, mock := newMockDB(t)
		tm := NewTransactionManager(db, zap.NewNop())

		mock.ExpectBegin()
		mock.ExpectCommit()

		err := tm.InTransaction(ctx, func(ctx context.Context, outer repositories.Transaction) error {
			return tm.InTransaction(ctx, func(_ context.Context, inner repositories.Transaction) error {
				assert.Same(t, outer, inner)
				return nil
			})
		})
		require.NoError(t, err)
	})
}

func credentialRow(cred *models.Credential) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "tenant_id", "name", "prefix", "secret_hash", "scopes", "status",
		"expires_at", "revoked_at", "last_used_at", "created_at", "updated_at",
	}).AddRow(
		cred.ID.String(), cred.TenantID.String(), cred.Name, cred.Prefix, cred.SecretHash,
		"{manage.read,manage.write}", string(cred.Status),
		nil, nil, nil, cred.CreatedAt, cred.UpdatedAt,
	)
}

func TestCredentialRepository(t *testing.T) {
	ctx := context.Background()
	cred := &models.Credential{
		ID:         uuid.New(),
		TenantID:   uuid.New(),
		Name:       "ci",
		Prefix:     "abcdefghijkl",
		SecretHash: "deadbeef",
		Scopes:     []string{"manage.read", "manage.write"},
		Status:     models.CredentialStatusActive,
		CreatedAt:  epoch,
		UpdatedAt:  epoch,
	}

	t.Run("create", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewCredentialRepository(db, zap.NewNop())

		mock.ExpectExec("INSERT INTO credentials").
			WithArgs(cred.ID, cred.TenantID, cred.Name, cred.Prefix, cred.SecretHash, sqlmock.AnyArg(),
				cred.Status, nil, nil, nil, cred.CreatedAt, cred.UpdatedAt).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.Create(ctx, cred))
	})

	t.Run("duplicate prefix", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewCredentialRepository(db, zap.NewNop())

		mock.ExpectExec("INSERT INTO credentials").WillReturnError(&pq.Error{Code: uniqueViolation})

		err := repo.Create(ctx, cred)
		assert.ErrorIs(t, err, repositories.ErrConflict)
	})

	t.Run("get by prefix", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewCredentialRepository(db, zap.NewNop())

		mock.ExpectQuery("FROM credentials WHERE prefix = \\$1").
			WithArgs(cred.Prefix).
			WillReturnRows(credentialRow(cred))

		got, err := repo.GetByPrefix(ctx, cred.Prefix)
		require.NoError(t, err)
		assert.Equal(t, cred.ID, got.ID)
		assert.Equal(t, cred.Scopes, got.Scopes)
		assert.Equal(t, models.CredentialStatusActive, got.Status)
		assert.Nil(t, got.ExpiresAt)
	})

	t.Run("get by prefix not found", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewCredentialRepository(db, zap.NewNop())

		mock.ExpectQuery("FROM credentials WHERE prefix").WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := repo.GetByPrefix(ctx, "missing")
		assert.ErrorIs(t, err, repositories.ErrNotFound)
	})

	t.Run("revoke unknown", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewCredentialRepository(db, zap.NewNop())

		mock.ExpectExec("UPDATE credentials").
			WithArgs(cred.ID, models.CredentialStatusRevoked, epoch).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.Revoke(ctx, cred.ID, epoch)
		assert.ErrorIs(t, err, repositories.ErrNotFound)
	})

	t.Run("list by tenant", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewCredentialRepository(db, zap.NewNop())

		mock.ExpectQuery("FROM credentials WHERE tenant_id").
			WithArgs(cred.TenantID).
			WillReturnRows(credentialRow(cred))

		got, err := repo.ListByTenant(ctx, cred.TenantID)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, cred.Prefix, got[0].Prefix)
	})
}

func TestRevocationRepository(t *testing.T) {
	ctx := context.Background()
	db, mock := newMockDB(t)
	repo := NewRevocationRepository(db, fixedNow, zap.NewNop())

	mock.ExpectExec("INSERT INTO token_revocations").
		WithArgs("jti-1", epoch.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Revoke(ctx, "jti-1", epoch.Add(time.Hour)))

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("jti-1", epoch).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	revoked, err := repo.IsRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestAuditRepository(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	event := models.NewAuditEvent("req-1", "x.create")
	event.Timestamp = epoch
	event.TenantID = &tenantID
	event.Result = models.AuditResultSuccess
	event.WithImpact(models.NewImpact().WithCreate("x", 2))

	t.Run("insert", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewAuditRepository(db, zap.NewNop())

		mock.ExpectExec("INSERT INTO audit_events").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.Insert(ctx, event))
	})

	t.Run("insert failure", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewAuditRepository(db, zap.NewNop())

		mock.ExpectExec("INSERT INTO audit_events").WillReturnError(errors.New("disk full"))

		assert.Error(t, repo.Insert(ctx, event))
	})

	t.Run("list by tenant", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewAuditRepository(db, zap.NewNop())

		rows := sqlmock.NewRows([]string{
			"id", "timestamp", "tenant_id", "pack", "action", "actor_type", "actor_id", "credential_prefix",
			"request_id", "request_hash", "idempotency_key_hash", "result", "code", "dry_run",
			"decision_id", "policy_version", "impact", "error_message", "ip_address", "user_agent", "latency_ms",
		}).AddRow(
			event.ID.String(), epoch, tenantID.String(), "x", "x.create", "api_key", nil, nil,
			"req-1", "sha256:ab", nil, "success", nil, false,
			nil, nil, []byte(`{"creates":2,"updates":0,"deletes":0,"side_effects":0,"risk":"low"}`), nil, nil, nil, int64(12),
		)
		mock.ExpectQuery("FROM audit_events").
			WithArgs(tenantID, 10, 0).
			WillReturnRows(rows)

		got, err := repo.ListByTenant(ctx, tenantID, 10, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "x", got[0].Pack)
		assert.Empty(t, got[0].ActorID)
		require.NotNil(t, got[0].TenantID)
		assert.Equal(t, tenantID, *got[0].TenantID)
		require.NotNil(t, got[0].Impact)
		assert.Equal(t, 2, got[0].Impact.Creates)
		assert.Equal(t, int64(12), got[0].LatencyMs)
	})

	t.Run("get by request id not found", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewAuditRepository(db, zap.NewNop())

		mock.ExpectQuery("FROM audit_events WHERE request_id").WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := repo.GetByRequestID(ctx, "missing")
		assert.ErrorIs(t, err, repositories.ErrNotFound)
	})
}

func idempotencyRow(key models.IdempotencyKey, status models.IdempotencyStatus, hash string, response []byte) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"tenant_id", "action", "idempotency_key", "request_hash", "status", "request_id",
		"response", "created_at", "expires_at",
	}).AddRow(key.TenantID.String(), key.Action, key.Key, hash, string(status), "req-1",
		response, epoch, epoch.Add(24*time.Hour))
}

func TestIdempotencyRepository_Claim(t *testing.T) {
	ctx := context.Background()
	key := models.IdempotencyKey{TenantID: uuid.New(), Action: "x.create", Key: "k1"}
	rec := &models.IdempotencyRecord{
		TenantID:    key.TenantID,
		Action:      key.Action,
		Key:         key.Key,
		RequestHash: "sha256:aa",
		RequestID:   "req-1",
		CreatedAt:   epoch,
		ExpiresAt:   epoch.Add(24 * time.Hour),
	}

	t.Run("creates a pending record", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewIdempotencyRepository(db, fixedNow, zap.NewNop())

		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM idempotency_records").
			WithArgs(key.TenantID, key.Action, key.Key, epoch).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO idempotency_records").
			WithArgs(key.TenantID, key.Action, key.Key, rec.RequestHash, models.IdempotencyStatusPending,
				rec.RequestID, rec.CreatedAt, rec.ExpiresAt).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("FROM idempotency_records").
			WillReturnRows(idempotencyRow(key, models.IdempotencyStatusPending, rec.RequestHash, nil))
		mock.ExpectCommit()

		stored, created, err := repo.Claim(ctx, rec)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, models.IdempotencyStatusPending, stored.Status)
	})

	t.Run("returns the existing record", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewIdempotencyRepository(db, fixedNow, zap.NewNop())

		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM idempotency_records").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO idempotency_records").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("FROM idempotency_records").
			WillReturnRows(idempotencyRow(key, models.IdempotencyStatusCompleted, rec.RequestHash, []byte(`{"id":"1"}`)))
		mock.ExpectCommit()

		stored, created, err := repo.Claim(ctx, rec)
		require.NoError(t, err)
		assert.False(t, created)
		assert.True(t, stored.IsCompleted())
		assert.JSONEq(t, `{"id":"1"}`, string(stored.Response))
	})

	t.Run("rolls back on failure", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewIdempotencyRepository(db, fixedNow, zap.NewNop())

		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM idempotency_records").WillReturnError(errors.New("lock timeout"))
		mock.ExpectRollback()

		_, _, err := repo.Claim(ctx, rec)
		assert.Error(t, err)
	})
}

func TestIdempotencyRepository_CompleteReleaseExpire(t *testing.T) {
	ctx := context.Background()
	key := models.IdempotencyKey{TenantID: uuid.New(), Action: "x.create", Key: "k1"}

	db, mock := newMockDB(t)
	repo := NewIdempotencyRepository(db, fixedNow, zap.NewNop())

	retain := epoch.Add(24 * time.Hour)

	mock.ExpectExec("UPDATE idempotency_records").
		WithArgs(key.TenantID, key.Action, key.Key, models.IdempotencyStatusCompleted, []byte(`{}`), retain,
			models.IdempotencyStatusPending, "req-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Complete(ctx, key, "req-1", []byte(`{}`), retain))

	// Completed already, or claimed by another request after the lease lapsed
	mock.ExpectExec("UPDATE idempotency_records").WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.Complete(ctx, key, "req-1", []byte(`{}`), retain), repositories.ErrConflict)

	mock.ExpectExec("DELETE FROM idempotency_records").
		WithArgs(key.TenantID, key.Action, key.Key, models.IdempotencyStatusPending, "req-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Release(ctx, key, "req-1"))

	mock.ExpectExec("DELETE FROM idempotency_records WHERE expires_at").
		WithArgs(epoch).
		WillReturnResult(sqlmock.NewResult(0, 3))
	n, err := repo.DeleteExpired(ctx, epoch)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	mock.ExpectQuery("FROM idempotency_records").WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}))
	_, err = repo.Get(ctx, key)
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestCounterRepository_IncrementWithCeiling(t *testing.T) {
	ctx := context.Background()
	window := time.Minute

	t.Run("allowed", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewCounterRepository(db, zap.NewNop())

		mock.ExpectQuery("INSERT INTO rate_limit_counters").
			WithArgs("cred:1:action:x.list", epoch, epoch.Add(window), int64(5)).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(3)))

		count, allowed, err := repo.IncrementWithCeiling(ctx, "cred:1:action:x.list", epoch, window, 5)
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, int64(3), count)
	})

	t.Run("at limit", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewCounterRepository(db, zap.NewNop())

		mock.ExpectQuery("INSERT INTO rate_limit_counters").
			WillReturnRows(sqlmock.NewRows([]string{"count"}))

		count, allowed, err := repo.IncrementWithCeiling(ctx, "k", epoch, window, 5)
		require.NoError(t, err)
		assert.False(t, allowed)
		assert.Equal(t, int64(5), count)
	})

	t.Run("store error", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewCounterRepository(db, zap.NewNop())

		mock.ExpectQuery("INSERT INTO rate_limit_counters").WillReturnError(errors.New("conn closed"))

		_, _, err := repo.IncrementWithCeiling(ctx, "k", epoch, window, 5)
		assert.Error(t, err)
	})
}

func TestCeilingRepository(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	db, mock := newMockDB(t)
	repo := NewCeilingRepository(db, zap.NewNop())

	mock.ExpectExec("INSERT INTO tenant_ceilings").
		WithArgs(tenantID, "x", int64(3), epoch).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Upsert(ctx, &models.TenantCeiling{TenantID: tenantID, Resource: "x", Limit: 3, UpdatedAt: epoch}))

	mock.ExpectQuery("SELECT resource, max_live FROM tenant_ceilings").
		WithArgs(tenantID).
		WillReturnRows(sqlmock.NewRows([]string{"resource", "max_live"}).AddRow("x", int64(3)).AddRow("y", int64(10)))

	got, err := repo.GetForTenant(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"x": 3, "y": 10}, got)
}

func TestResourceRepository(t *testing.T) {
	ctx := context.Background()
	res := models.NewResource(uuid.New(), "x", "alpha", []byte(`{"color":"red"}`))
	res.CreatedAt, res.UpdatedAt = epoch, epoch

	resourceRows := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{"id", "tenant_id", "kind", "name", "attributes", "created_at", "updated_at", "deleted_at"}).
			AddRow(res.ID.String(), res.TenantID.String(), "x", "alpha", []byte(`{"color":"red"}`), epoch, epoch, nil)
	}

	t.Run("create", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewResourceRepository(db, zap.NewNop())

		mock.ExpectExec("INSERT INTO resources").
			WithArgs(res.ID, res.TenantID, "x", "alpha", `{"color":"red"}`, epoch, epoch, nil).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.Create(ctx, res))
	})

	t.Run("get", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewResourceRepository(db, zap.NewNop())

		mock.ExpectQuery("FROM resources").
			WithArgs(res.TenantID, "x", res.ID).
			WillReturnRows(resourceRows())

		got, err := repo.Get(ctx, res.TenantID, "x", res.ID)
		require.NoError(t, err)
		assert.Equal(t, "alpha", got.Name)
		assert.JSONEq(t, `{"color":"red"}`, string(got.Attributes))
		assert.True(t, got.IsLive())
	})

	t.Run("list", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewResourceRepository(db, zap.NewNop())

		mock.ExpectQuery("FROM resources").
			WithArgs(res.TenantID, "x", 50, 0).
			WillReturnRows(resourceRows())

		got, err := repo.List(ctx, res.TenantID, "x", 50, 0)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("update deleted resource", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewResourceRepository(db, zap.NewNop())

		mock.ExpectExec("UPDATE resources").WillReturnResult(sqlmock.NewResult(0, 0))

		assert.ErrorIs(t, repo.Update(ctx, res), repositories.ErrNotFound)
	})

	t.Run("soft delete", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewResourceRepository(db, zap.NewNop())

		mock.ExpectExec("UPDATE resources").
			WithArgs(res.TenantID, "x", res.ID, epoch).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.SoftDelete(ctx, res.TenantID, "x", res.ID, epoch))
	})

	t.Run("count live", func(t *testing.T) {
		db, mock := newMockDB(t)
		repo := NewResourceRepository(db, zap.NewNop())

		mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM resources").
			WithArgs(res.TenantID, "x").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(4)))

		n, err := repo.CountLive(ctx, res.TenantID, "x")
		require.NoError(t, err)
		assert.Equal(t, int64(4), n)
	})
}

func TestUsageRepository(t *testing.T) {
	ctx := context.Background()
	tenantID := uuid.New()
	db, mock := newMockDB(t)
	repo := NewUsageRepository(db, zap.NewNop())

	mock.ExpectQuery("SELECT").
		WithArgs(tenantID, "2026-03", models.TierFree).
		WillReturnRows(sqlmock.NewRows([]string{"tier", "calls_used"}).AddRow("free", int64(42)))

	snap, err := repo.Get(ctx, tenantID, "2026-03")
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, snap.Tier)
	assert.Equal(t, int64(42), snap.CallsUsed)
	assert.Equal(t, "2026-03", snap.Period)

	mock.ExpectExec("INSERT INTO usage_tracking").
		WithArgs(tenantID, "2026-03").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.IncrementCalls(ctx, tenantID, "2026-03"))

	mock.ExpectExec("INSERT INTO tenant_plans").
		WithArgs(tenantID, models.TierPro).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.SetTier(ctx, tenantID, models.TierPro))
}

// compile-time interface checks
var (
	_ repositories.CredentialRepository      = (*CredentialRepository)(nil)
	_ repositories.TokenRevocationRepository = (*RevocationRepository)(nil)
	_ repositories.AuditRepository           = (*AuditRepository)(nil)
	_ repositories.IdempotencyRepository     = (*IdempotencyRepository)(nil)
	_ repositories.CounterRepository         = (*CounterRepository)(nil)
	_ repositories.CeilingRepository         = (*CeilingRepository)(nil)
	_ repositories.ResourceRepository        = (*ResourceRepository)(nil)
	_ repositories.UsageRepository           = (*UsageRepository)(nil)
)
