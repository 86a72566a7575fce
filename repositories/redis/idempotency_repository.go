package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/upb/action-control-plane/models"
	"github.com/upb/action-control-plane/repositories"
	"go.uber.org/zap"
)

// Records are hashes of the JSON record, its status and the request id that
// claimed it. The plain fields let the scripts compare-and-swap without
// decoding JSON. A pending key expires with its claim lease, so a lapsed
// claim is simply gone and the next Claim recreates it.
const (
	fieldRecord = "record"
	fieldStatus = "status"
	fieldOwner  = "owner"
)

var claimScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return {0, redis.call("HGET", KEYS[1], "record")}
end
redis.call("HSET", KEYS[1], "record", ARGV[1], "status", "pending", "owner", ARGV[3])
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return {1, ARGV[1]}
`)

var completeScript = goredis.NewScript(`
if redis.call("HGET", KEYS[1], "status") ~= "pending" or redis.call("HGET", KEYS[1], "owner") ~= ARGV[2] then
  return 0
end
redis.call("HSET", KEYS[1], "record", ARGV[1], "status", "completed")
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1
`)

var releaseScript = goredis.NewScript(`
if redis.call("HGET", KEYS[1], "status") == "pending" and redis.call("HGET", KEYS[1], "owner") == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// IdempotencyRepository implements repositories.IdempotencyRepository.
// Retention is enforced with key expiry.
type IdempotencyRepository struct {
	client goredis.Cmdable
	prefix string
	now    func() time.Time
	logger *zap.Logger
}

// NewIdempotencyRepository creates a new idempotency repository
func NewIdempotencyRepository(client goredis.Cmdable, now func() time.Time, logger *zap.Logger) *IdempotencyRepository {
	return &IdempotencyRepository{
		client: client,
		prefix: "acp:idem:",
		now:    now,
		logger: logger,
	}
}

func (r *IdempotencyRepository) key(k models.IdempotencyKey) string {
	return r.prefix + k.String()
}

// Get retrieves a live record
func (r *IdempotencyRepository) Get(ctx context.Context, key models.IdempotencyKey) (*models.IdempotencyRecord, error) {
	raw, err := r.client.HGet(ctx, r.key(key), fieldRecord).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("idempotency record %s: %w", key, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}

	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, err
	}
	if rec.IsExpired(r.now()) {
		return nil, fmt.Errorf("idempotency record %s: %w", key, repositories.ErrNotFound)
	}
	return rec, nil
}

// Claim inserts a pending record if none is live for the key
func (r *IdempotencyRepository) Claim(ctx context.Context, rec *models.IdempotencyRecord) (*models.IdempotencyRecord, bool, error) {
	ttl := rec.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return nil, false, fmt.Errorf("idempotency record %s already expired", rec.CompositeKey())
	}

	pending := *rec
	pending.Status = models.IdempotencyStatusPending
	pending.Response = nil
	payload, err := json.Marshal(&pending)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode idempotency record: %w", err)
	}

	res, err := claimScript.Run(ctx, r.client, []string{r.key(rec.CompositeKey())}, payload, ttl.Milliseconds(), rec.RequestID).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim idempotency key: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return nil, false, fmt.Errorf("unexpected claim script reply %T", res)
	}
	created, _ := vals[0].(int64)
	raw, _ := vals[1].(string)

	stored, err := decodeRecord(raw)
	if err != nil {
		return nil, false, err
	}
	return stored, created == 1, nil
}

// Complete moves the pending record owned by requestID to completed and
// extends its expiry to the retention window
func (r *IdempotencyRepository) Complete(ctx context.Context, key models.IdempotencyKey, requestID string, response []byte, expiresAt time.Time) error {
	ttl := expiresAt.Sub(r.now())
	if ttl <= 0 {
		return fmt.Errorf("idempotency record %s: retention already elapsed", key)
	}

	rec, err := r.Get(ctx, key)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return fmt.Errorf("idempotency record %s: %w", key, repositories.ErrConflict)
		}
		return err
	}

	rec.Status = models.IdempotencyStatusCompleted
	rec.Response = append([]byte(nil), response...)
	rec.ExpiresAt = expiresAt
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode idempotency record: %w", err)
	}

	swapped, err := completeScript.Run(ctx, r.client, []string{r.key(key)}, payload, requestID, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to complete idempotency record: %w", err)
	}
	if swapped == 0 {
		return fmt.Errorf("idempotency record %s: %w", key, repositories.ErrConflict)
	}
	return nil
}

// Release drops the pending record owned by requestID so the key can be retried
func (r *IdempotencyRepository) Release(ctx context.Context, key models.IdempotencyKey, requestID string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key(key)}, requestID).Err(); err != nil {
		return fmt.Errorf("failed to release idempotency record: %w", err)
	}
	return nil
}

// DeleteExpired is a no-op; Redis expires records on its own.
func (r *IdempotencyRepository) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func decodeRecord(raw string) (*models.IdempotencyRecord, error) {
	rec := &models.IdempotencyRecord{}
	if err := json.Unmarshal([]byte(raw), rec); err != nil {
		return nil, fmt.Errorf("failed to decode idempotency record: %w", err)
	}
	return rec, nil
}
