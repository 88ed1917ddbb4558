package services

import (
	"context"
	"math"
	"sync"
	"time"

	"practice-session-system/logger"
	"practice-session-system/models"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// Limiter sheds load per (user, route) key before it reaches the engine.
// Implementations must never admit more than capacity requests per refill
// window.
type Limiter interface {
	Enforce(ctx context.Context, key string, capacity int, refillPerSecond float64) error
}

// MemoryLimiter is a token bucket per key for single-instance deployments.
type MemoryLimiter struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	buckets map[string]*models.RateLimitBucket
}

func NewMemoryLimiter(clock clockwork.Clock) *MemoryLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryLimiter{clock: clock, buckets: make(map[string]*models.RateLimitBucket)}
}

func validLimit(capacity int, refillPerSecond float64) bool {
	return capacity > 0 && refillPerSecond > 0 && !math.IsInf(refillPerSecond, 0)
}

func (l *MemoryLimiter) Enforce(_ context.Context, key string, capacity int, refillPerSecond float64) error {
	if !validLimit(capacity, refillPerSecond) {
		return ErrInvalidLimit
	}
	now := l.clock.Now()
	limit := float64(capacity)

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &models.RateLimitBucket{Key: key, Tokens: limit, LastRefill: now}
		l.buckets[key] = b
	}

	// Refill only by whole elapsed seconds; LastRefill advances by the same
	// amount so fractions carry over and refill never runs backwards.
	if secs := int64(now.Sub(b.LastRefill) / time.Second); secs > 0 {
		b.Tokens = math.Min(limit, b.Tokens+float64(secs)*refillPerSecond)
		b.LastRefill = b.LastRefill.Add(time.Duration(secs) * time.Second)
	}
	if b.Tokens > limit {
		b.Tokens = limit
	}

	if b.Tokens < 1 {
		need := math.Ceil((1 - b.Tokens) / refillPerSecond)
		wait := b.LastRefill.Add(time.Duration(need) * time.Second).Sub(now)
		if wait <= 0 {
			wait = time.Second
		}
		return &RateLimitedError{Key: key, RetryAfter: wait}
	}
	b.Tokens--
	return nil
}

// Sweep forgets buckets that have seen no traffic for longer than idle.
func (l *MemoryLimiter) Sweep(idle time.Duration) int {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for k, b := range l.buckets {
		if now.Sub(b.LastRefill) > idle {
			delete(l.buckets, k)
			removed++
		}
	}
	return removed
}

// RedisLimiter shares a counter-with-TTL across instances: INCR the key and
// set its expiry to the refill window on first use.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	log    *logger.Logger
}

func NewRedisLimiter(client *redis.Client, log *logger.Logger) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: "rl:", log: log.With("service", "RedisLimiter")}
}

// refillWindow is the time it takes an empty bucket to fill up again.
func refillWindow(capacity int, refillPerSecond float64) time.Duration {
	secs := math.Ceil(float64(capacity) / refillPerSecond)
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

func (l *RedisLimiter) Enforce(ctx context.Context, key string, capacity int, refillPerSecond float64) error {
	if !validLimit(capacity, refillPerSecond) {
		return ErrInvalidLimit
	}
	k := l.prefix + key
	window := refillWindow(capacity, refillPerSecond)

	count, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		return transient("rate limit incr", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, k, window).Err(); err != nil {
			// Without a TTL the key would block this caller forever
			l.client.Del(ctx, k)
			return transient("rate limit expire", err)
		}
	}

	if count <= int64(capacity) {
		return nil
	}

	ttl, err := l.client.TTL(ctx, k).Result()
	if err != nil {
		return transient("rate limit ttl", err)
	}
	if ttl < 0 {
		// Lost expiry (crash between INCR and EXPIRE): restore it
		l.log.Warn("rate limit key had no ttl", "key", k)
		l.client.Expire(ctx, k, window)
		ttl = window
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	return &RateLimitedError{Key: key, RetryAfter: ttl}
}
