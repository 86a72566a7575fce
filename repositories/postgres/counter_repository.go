package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// CounterRepository implements the repositories.CounterRepository interface
// with one row per (key, window)
type CounterRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewCounterRepository creates a new counter repository
func NewCounterRepository(db *DB, logger *zap.Logger) *CounterRepository {
	return &CounterRepository{
		db:     db,
		logger: logger,
	}
}

// IncrementWithCeiling increments the counter in a single statement. The
// conditional upsert returns no row once the limit is reached, leaving the
// count unchanged.
func (r *CounterRepository) IncrementWithCeiling(ctx context.Context, key string, windowStart time.Time, window time.Duration, limit int64) (int64, bool, error) {
	query := `
		INSERT INTO rate_limit_counters (key, window_start, count, expires_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (key, window_start) DO UPDATE
		SET count = rate_limit_counters.count + 1
		WHERE rate_limit_counters.count < $4
		RETURNING count
	`

	var count int64
	err := GetExecutor(ctx, r.db).QueryRowContext(ctx, query, key, windowStart, windowStart.Add(window), limit).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return limit, false, nil
		}
		return 0, false, fmt.Errorf("failed to increment counter: %w", err)
	}
	return count, true, nil
}

// DeleteBefore drops counters of windows that started before cutoff
func (r *CounterRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM rate_limit_counters WHERE window_start < $1`

	result, err := GetExecutor(ctx, r.db).ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old counters: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected > 0 {
		r.logger.Debug("rate limit counters pruned", zap.Int64("count", rowsAffected))
	}
	return rowsAffected, nil
}
