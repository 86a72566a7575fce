package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/upb/action-control-plane/internal/clock"
	"github.com/upb/action-control-plane/utils"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// visitorIdleTTL is how long an idle address keeps its token bucket
const visitorIdleTTL = 3 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Throttle is a per-address token bucket in front of the operation
// pipeline. It sheds floods before any credential lookup happens; tenant
// quotas are enforced later by the pipeline's own limiter.
type Throttle struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
	clock    clock.Clock
	logger   *zap.Logger
}

// NewThrottle creates a throttle allowing rps requests per second per
// address with the given burst
func NewThrottle(rps float64, burst int, c clock.Clock, logger *zap.Logger) *Throttle {
	if c == nil {
		c = clock.Real()
	}
	return &Throttle{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
		clock:    c,
		logger:   logger,
	}
}

// reserve takes a token for ip and returns how long the caller must wait
// if none was available
func (t *Throttle) reserve(ip string) time.Duration {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(t.rps, t.burst)}
		t.visitors[ip] = v
	}
	v.lastSeen = now

	res := v.limiter.ReserveN(now, 1)
	if !res.OK() {
		return time.Second
	}
	delay := res.DelayFrom(now)
	if delay > 0 {
		res.CancelAt(now)
	}
	return delay
}

// Middleware rejects requests over the per-address rate with 429
func (t *Throttle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)

		if delay := t.reserve(ip); delay > 0 {
			retryAfter := int(math.Ceil(delay.Seconds()))
			t.logger.Warn("request throttled",
				zap.String("request_id", GetRequestIDFromContext(r.Context())),
				zap.String("ip", ip),
				zap.Int("retry_after", retryAfter))

			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			_ = utils.WriteTooManyRequests(w, "Too many requests from this address", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Sweep drops buckets idle for longer than the idle TTL
func (t *Throttle) Sweep() int {
	cutoff := t.clock.Now().Add(-visitorIdleTTL)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for ip, v := range t.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(t.visitors, ip)
			removed++
		}
	}
	return removed
}

// Run sweeps idle buckets every interval until ctx is done
func (t *Throttle) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.Sweep(); n > 0 {
				t.logger.Debug("throttle buckets swept", zap.Int("removed", n))
			}
		}
	}
}
