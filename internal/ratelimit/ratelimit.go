// Package ratelimit implements fixed-window operation limits, in process or
// shared through Redis.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter decides whether one more operation under key fits the current window.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type windowState struct {
	start time.Time
	count int
}

// Window is an in-process fixed-window limiter. Each key's window starts at
// its first operation and resets once the window length has passed.
type Window struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	counters map[string]*windowState
	now      func() time.Time
}

// NewWindow creates a limiter. If limit <= 0, Allow always returns true.
func NewWindow(limit int, window time.Duration) *Window {
	if window <= 0 {
		window = time.Minute
	}
	return &Window{
		limit:    limit,
		window:   window,
		counters: make(map[string]*windowState),
		now:      time.Now,
	}
}

// Allow records one operation for key. It never returns an error.
func (w *Window) Allow(_ context.Context, key string) (bool, error) {
	if w.limit <= 0 {
		return true, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	st, ok := w.counters[key]
	if !ok || now.Sub(st.start) >= w.window {
		w.counters[key] = &windowState{start: now, count: 1}
		w.prune(now)
		return true, nil
	}
	if st.count >= w.limit {
		return false, nil
	}
	st.count++
	return true, nil
}

// prune drops expired windows so idle keys do not accumulate.
func (w *Window) prune(now time.Time) {
	if len(w.counters) < 1024 {
		return
	}
	for k, st := range w.counters {
		if now.Sub(st.start) >= w.window {
			delete(w.counters, k)
		}
	}
}

const redisKeyPrefix = "atlas:ratelimit:"

// Redis is a fixed-window limiter shared by every gateway replica pointing
// at the same Redis. The window key is created with an expiry on first use
// and incremented atomically.
type Redis struct {
	client redis.UniversalClient
	limit  int
	window time.Duration
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient, limit int, window time.Duration) *Redis {
	if window <= 0 {
		window = time.Minute
	}
	return &Redis{client: client, limit: limit, window: window}
}

// DialRedis parses a redis:// URL and returns a limiter backed by a new client.
func DialRedis(url string, limit int, window time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return NewRedis(redis.NewClient(opts), limit, window), nil
}

// Allow increments the key's counter. Redis errors are returned; callers
// treat them as a denial.
func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	if r.limit <= 0 {
		return true, nil
	}
	k := redisKeyPrefix + key

	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, k, 0, r.window)
		incr = pipe.Incr(ctx, k)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", key, err)
	}
	return incr.Val() <= int64(r.limit), nil
}

// Close releases the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}
