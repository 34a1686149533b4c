package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter is the subset of the go-redis client the limiter needs.
type Counter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RedisOptions configures the shared limiter.
type RedisOptions struct {
	Window    time.Duration
	KeyPrefix string
	Timeout   time.Duration
	Now       func() time.Time
}

// Redis counts attempts with INCR on a per-window key shared by all replicas.
type Redis struct {
	client  Counter
	window  time.Duration
	prefix  string
	timeout time.Duration
	now     func() time.Time
}

func NewRedis(client Counter, opts RedisOptions) *Redis {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	return &Redis{
		client:  client,
		window:  opts.Window,
		prefix:  opts.KeyPrefix,
		timeout: opts.Timeout,
		now:     orNow(opts.Now),
	}
}

func (r *Redis) CheckAndIncrement(ctx context.Context, key string, limit int) (Result, error) {
	now := r.now()
	start, end := windowBounds(now, r.window)
	redisKey := fmt.Sprintf("%s%s:%d", r.prefix, key, start.Unix())

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	count, err := r.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: incr %s: %w", redisKey, err)
	}
	if count == 1 {
		// One extra second so the key outlives the window on skewed clocks.
		ttl := end.Sub(now) + time.Second
		if err := r.client.Expire(ctx, redisKey, ttl).Err(); err != nil {
			return Result{}, fmt.Errorf("ratelimit: expire %s: %w", redisKey, err)
		}
	}
	return newResult(count, limit, now, end), nil
}
