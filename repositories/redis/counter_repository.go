package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// incrementScript increments KEYS[1] unless it reached ARGV[1]. The first
// increment of a window sets the expiry.
var incrementScript = goredis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current >= tonumber(ARGV[1]) then
  return {current, 0}
end
current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return {current, 1}
`)

// CounterRepository implements repositories.CounterRepository with one key
// per counter and window. Expired windows are dropped by Redis.
type CounterRepository struct {
	client goredis.Cmdable
	prefix string
	logger *zap.Logger
}

// NewCounterRepository creates a new counter repository
func NewCounterRepository(client goredis.Cmdable, logger *zap.Logger) *CounterRepository {
	return &CounterRepository{
		client: client,
		prefix: "acp:rl:",
		logger: logger,
	}
}

// IncrementWithCeiling increments the counter unless it already reached limit
func (r *CounterRepository) IncrementWithCeiling(ctx context.Context, key string, windowStart time.Time, window time.Duration, limit int64) (int64, bool, error) {
	redisKey := r.prefix + key + ":" + strconv.FormatInt(windowStart.Unix(), 10)
	// keep the key one extra window so clock skew between replicas cannot reset it early
	ttl := 2 * window.Milliseconds()

	res, err := incrementScript.Run(ctx, r.client, []string{redisKey}, limit, ttl).Result()
	if err != nil {
		return 0, false, fmt.Errorf("failed to increment counter: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return 0, false, fmt.Errorf("unexpected counter script reply %T", res)
	}
	count, _ := vals[0].(int64)
	allowed, _ := vals[1].(int64)
	return count, allowed == 1, nil
}
