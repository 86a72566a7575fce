package memory

import (
	"context"
	"sync"
	"time"
)

type counter struct {
	windowStart time.Time
	count       int64
}

// CounterRepository holds fixed-window counters in memory
type CounterRepository struct {
	mu       sync.Mutex
	counters map[string]*counter
}

// NewCounterRepository creates an empty counter store
func NewCounterRepository() *CounterRepository {
	return &CounterRepository{counters: make(map[string]*counter)}
}

// IncrementWithCeiling increments the counter unless it reached limit. A new
// window resets the count.
func (r *CounterRepository) IncrementWithCeiling(_ context.Context, key string, windowStart time.Time, _ time.Duration, limit int64) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.counters[key]
	if !ok || !c.windowStart.Equal(windowStart) {
		c = &counter{windowStart: windowStart}
		r.counters[key] = c
	}
	if c.count >= limit {
		return c.count, false, nil
	}
	c.count++
	return c.count, true, nil
}

// DeleteBefore drops counters of windows that started before cutoff
func (r *CounterRepository) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for k, c := range r.counters {
		if c.windowStart.Before(cutoff) {
			delete(r.counters, k)
			n++
		}
	}
	return n, nil
}
