package middleware

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// DistributedRateLimiter implements a sliding window over Redis sorted
// sets, so limits are shared across instances. Each request is a member
// scored by its arrival time in milliseconds.
type DistributedRateLimiter struct {
	redis  *redis.Client
	config *RateLimitConfig
	prefix string
	now    func() time.Time
}

// NewDistributedRateLimiter creates a new Redis-backed rate limiter
func NewDistributedRateLimiter(redisClient *redis.Client, config *RateLimitConfig, prefix string) *DistributedRateLimiter {
	if config == nil {
		config = SSORateLimitConfig()
	}
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &DistributedRateLimiter{
		redis:  redisClient,
		config: config,
		prefix: prefix,
		now:    time.Now,
	}
}

func (rl *DistributedRateLimiter) redisKey(key string) string {
	return fmt.Sprintf("%s:%s", rl.prefix, key)
}

// Allow records the request and reports whether it fits in the window.
// Rejected requests are not counted.
func (rl *DistributedRateLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	redisKey := rl.redisKey(key)
	now := rl.now()
	nowMs := now.UnixMilli()
	windowMs := rl.config.WindowDuration.Milliseconds()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()

	var card *redis.IntCmd
	var oldest *redis.ZSliceCmd
	_, err := rl.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, redisKey, "-inf", strconv.FormatInt(nowMs-windowMs, 10))
		pipe.ZAdd(ctx, redisKey, &redis.Z{Score: float64(nowMs), Member: member})
		card = pipe.ZCard(ctx, redisKey)
		oldest = pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
		pipe.PExpire(ctx, redisKey, rl.config.WindowDuration)
		return nil
	})
	if err != nil {
		return Decision{Allowed: true}, fmt.Errorf("redis error: %w", err)
	}

	count := int(card.Val())
	d := Decision{Limit: rl.config.RequestsPerWindow, Allowed: count <= rl.config.RequestsPerWindow}
	if !d.Allowed {
		if err := rl.redis.ZRem(ctx, redisKey, member).Err(); err != nil {
			return d, fmt.Errorf("redis error: %w", err)
		}
		count--
	}
	d.Remaining = rl.config.RequestsPerWindow - count
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if zs := oldest.Val(); len(zs) > 0 {
		d.ResetAfter = time.Duration(int64(zs[0].Score)+windowMs-nowMs) * time.Millisecond
	}
	return d, nil
}

// Reset clears the rate limit for a key (for testing or admin purposes)
func (rl *DistributedRateLimiter) Reset(ctx context.Context, key string) error {
	return rl.redis.Del(ctx, rl.redisKey(key)).Err()
}

// HealthCheck verifies Redis connectivity for rate limiting
func (rl *DistributedRateLimiter) HealthCheck(ctx context.Context) error {
	return rl.redis.Ping(ctx).Err()
}

var (
	_ Limiter = (*DistributedRateLimiter)(nil)
	_ Limiter = (*MemoryRateLimiter)(nil)
)
