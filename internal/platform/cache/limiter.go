package cache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Limiter counts events per key within a window and reports whether the
// current event is within limit.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) bool
}

// LocalLimiter keeps a rolling window of timestamps per key.
type LocalLimiter struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	now     func() time.Time
}

func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{
		entries: make(map[string][]time.Time),
		now:     time.Now,
	}
}

func (l *LocalLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-window)

	existing := l.entries[key]
	pruned := existing[:0]
	for _, ts := range existing {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}

	if len(pruned) >= limit {
		l.entries[key] = pruned
		return false
	}
	l.entries[key] = append(pruned, now)
	return true
}

// Cleanup drops keys with no events newer than window.
func (l *LocalLimiter) Cleanup(window time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-window)
	for key, timestamps := range l.entries {
		pruned := timestamps[:0]
		for _, ts := range timestamps {
			if ts.After(cutoff) {
				pruned = append(pruned, ts)
			}
		}
		if len(pruned) == 0 {
			delete(l.entries, key)
		} else {
			l.entries[key] = pruned
		}
	}
}

var windowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// RedisLimiter is a fixed-window counter shared across instances. When Redis
// cannot be reached it falls back to a LocalLimiter.
type RedisLimiter struct {
	client   redis.UniversalClient
	prefix   string
	fallback *LocalLimiter
	logger   zerolog.Logger
}

func NewRedisLimiter(client redis.UniversalClient, logger zerolog.Logger) *RedisLimiter {
	return &RedisLimiter{
		client:   client,
		prefix:   "phiaccess:rl:",
		fallback: NewLocalLimiter(),
		logger:   logger.With().Str("component", "redis-limiter").Logger(),
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) bool {
	callCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	count, err := windowScript.Run(callCtx, l.client, []string{l.prefix + key}, window.Milliseconds()).Int64()
	if err != nil {
		l.logger.Warn().Err(err).Msg("redis limiter unavailable, using local window")
		return l.fallback.Allow(ctx, key, limit, window)
	}
	return count <= int64(limit)
}
