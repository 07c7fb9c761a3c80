package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/doctoral-alerts/internal/domain"
	"github.com/kursadbilgin/doctoral-alerts/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultLimitPerSec int64 = 20
	backoffStep              = 10 * time.Millisecond
	backoffMax               = 50 * time.Millisecond
	windowSeconds            = 1
)

// Fixed one-second window counter.
var allowScript = goredis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  return 0
end
return 1
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter is a distributed per-channel, per-second limiter shared by
// every dispatcher node.
type RedisRateLimiter struct {
	client       *goredis.Client
	defaultLimit int64
	limits       map[domain.Channel]int64
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
}

// NewRedisRateLimiter applies limitPerSec to every channel without an entry in overrides.
func NewRedisRateLimiter(client *goredis.Client, limitPerSec int, overrides map[domain.Channel]int) (*RedisRateLimiter, error) {
	limits := make(map[domain.Channel]int64, len(overrides))
	for ch, n := range overrides {
		if n > 0 {
			limits[ch] = int64(n)
		}
	}
	return newRedisRateLimiter(client, int64(limitPerSec), limits, time.Now, sleepWithContext)
}

func newRedisRateLimiter(
	client *goredis.Client,
	limitPerSec int64,
	limits map[domain.Channel]int64,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limitPerSec <= 0 {
		limitPerSec = defaultLimitPerSec
	}
	if limits == nil {
		limits = map[domain.Channel]int64{}
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &RedisRateLimiter{
		client:       client,
		defaultLimit: limitPerSec,
		limits:       limits,
		now:          nowFn,
		sleep:        sleepFn,
	}, nil
}

func (r *RedisRateLimiter) limitFor(channel domain.Channel) int64 {
	if n, ok := r.limits[channel]; ok {
		return n
	}
	return r.defaultLimit
}

func (r *RedisRateLimiter) Allow(ctx context.Context, channel domain.Channel) (bool, error) {
	if r == nil || r.client == nil {
		return false, fmt.Errorf("rate limiter is not initialized")
	}
	if !channel.IsValid() {
		return false, fmt.Errorf("%w: unknown channel %q", domain.ErrValidation, channel)
	}

	key := fmt.Sprintf("ratelimit:%s:%d", strings.ToLower(channel.String()), r.now().UTC().Unix())
	result, err := allowScript.Run(ctx, r.client, []string{key}, r.limitFor(channel), windowSeconds).Int()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}

	return result == 1, nil
}

// Wait blocks until a slot in the current window is granted or ctx ends.
func (r *RedisRateLimiter) Wait(ctx context.Context, channel domain.Channel) error {
	backoff := backoffStep
	for {
		allowed, err := r.Allow(ctx, channel)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		if err := r.sleep(ctx, backoff); err != nil {
			return err
		}

		backoff = min(backoff+backoffStep, backoffMax)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
