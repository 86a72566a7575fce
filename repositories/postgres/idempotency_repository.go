package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/upb/action-control-plane/models"
	"github.com/upb/action-control-plane/repositories"
	"go.uber.org/zap"
)

const idempotencyColumns = `tenant_id, action, idempotency_key, request_hash, status, request_id,
		       response, created_at, expires_at`

// IdempotencyRepository implements the repositories.IdempotencyRepository
// interface. Claims rely on the primary key of (tenant_id, action, key).
type IdempotencyRepository struct {
	db     *DB
	tm     *TransactionManager
	now    func() time.Time
	logger *zap.Logger
}

// NewIdempotencyRepository creates a new idempotency repository
func NewIdempotencyRepository(db *DB, now func() time.Time, logger *zap.Logger) *IdempotencyRepository {
	return &IdempotencyRepository{
		db:     db,
		tm:     NewTransactionManager(db, logger),
		now:    now,
		logger: logger,
	}
}

// Get retrieves a live record
func (r *IdempotencyRepository) Get(ctx context.Context, key models.IdempotencyKey) (*models.IdempotencyRecord, error) {
	query := `
		SELECT ` + idempotencyColumns + `
		FROM idempotency_records
		WHERE tenant_id = $1 AND action = $2 AND idempotency_key = $3 AND expires_at > $4
	`

	rec, err := scanIdempotencyRecord(GetExecutor(ctx, r.db).QueryRowContext(ctx, query,
		key.TenantID, key.Action, key.Key, r.now()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("idempotency record %s: %w", key, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}
	return rec, nil
}

// Claim inserts a pending record if none is live for the key. An expired
// record, including a pending one whose lease lapsed, is purged first so the
// key can be reused.
func (r *IdempotencyRepository) Claim(ctx context.Context, rec *models.IdempotencyRecord) (*models.IdempotencyRecord, bool, error) {
	var (
		stored  *models.IdempotencyRecord
		created bool
	)

	err := r.tm.InTransaction(ctx, func(ctx context.Context, _ repositories.Transaction) error {
		executor := GetExecutor(ctx, r.db)

		purge := `
			DELETE FROM idempotency_records
			WHERE tenant_id = $1 AND action = $2 AND idempotency_key = $3 AND expires_at <= $4
		`
		if _, err := executor.ExecContext(ctx, purge, rec.TenantID, rec.Action, rec.Key, r.now()); err != nil {
			return fmt.Errorf("failed to purge expired idempotency record: %w", err)
		}

		insert := `
			INSERT INTO idempotency_records (` + idempotencyColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, NULL, $7, $8)
			ON CONFLICT (tenant_id, action, idempotency_key) DO NOTHING
		`
		result, err := executor.ExecContext(ctx, insert,
			rec.TenantID,
			rec.Action,
			rec.Key,
			rec.RequestHash,
			models.IdempotencyStatusPending,
			rec.RequestID,
			rec.CreatedAt,
			rec.ExpiresAt,
		)
		if err != nil {
			return fmt.Errorf("failed to claim idempotency key: %w", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		created = rowsAffected == 1

		query := `
			SELECT ` + idempotencyColumns + `
			FROM idempotency_records
			WHERE tenant_id = $1 AND action = $2 AND idempotency_key = $3
		`
		stored, err = scanIdempotencyRecord(executor.QueryRowContext(ctx, query, rec.TenantID, rec.Action, rec.Key))
		if err != nil {
			return fmt.Errorf("failed to read idempotency record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return stored, created, nil
}

// Complete moves the pending record owned by requestID to completed and
// extends its expiry to the retention window
func (r *IdempotencyRepository) Complete(ctx context.Context, key models.IdempotencyKey, requestID string, response []byte, expiresAt time.Time) error {
	query := `
		UPDATE idempotency_records
		SET status = $4, response = $5, expires_at = $6
		WHERE tenant_id = $1 AND action = $2 AND idempotency_key = $3
		  AND status = $7 AND request_id = $8
	`

	result, err := GetExecutor(ctx, r.db).ExecContext(ctx, query,
		key.TenantID, key.Action, key.Key,
		models.IdempotencyStatusCompleted, response, expiresAt,
		models.IdempotencyStatusPending, requestID)
	if err != nil {
		return fmt.Errorf("failed to complete idempotency record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("idempotency record %s: %w", key, repositories.ErrConflict)
	}
	return nil
}

// Release drops the pending record owned by requestID so the key can be retried
func (r *IdempotencyRepository) Release(ctx context.Context, key models.IdempotencyKey, requestID string) error {
	query := `
		DELETE FROM idempotency_records
		WHERE tenant_id = $1 AND action = $2 AND idempotency_key = $3
		  AND status = $4 AND request_id = $5
	`

	if _, err := GetExecutor(ctx, r.db).ExecContext(ctx, query,
		key.TenantID, key.Action, key.Key, models.IdempotencyStatusPending, requestID); err != nil {
		return fmt.Errorf("failed to release idempotency record: %w", err)
	}
	return nil
}

// DeleteExpired removes records past their retention window
func (r *IdempotencyRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM idempotency_records WHERE expires_at <= $1`

	result, err := GetExecutor(ctx, r.db).ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired idempotency records: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}

func scanIdempotencyRecord(row rowScanner) (*models.IdempotencyRecord, error) {
	rec := &models.IdempotencyRecord{}
	var response []byte
	err := row.Scan(
		&rec.TenantID,
		&rec.Action,
		&rec.Key,
		&rec.RequestHash,
		&rec.Status,
		&rec.RequestID,
		&response,
		&rec.CreatedAt,
		&rec.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Response = response
	return rec, nil
}
