package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisWindow is a sliding-window limiter backed by a Redis sorted set per
// key, so the quota holds across gateway replicas. On Redis failure it
// fails open: rate limiting is a defence, not a correctness requirement.
type RedisWindow struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
	log    *slog.Logger
}

// NewRedisWindow builds a shared limiter. prefix namespaces the keys, e.g.
// "rl:guest".
func NewRedisWindow(client *redis.Client, prefix string, limit int, window time.Duration) *RedisWindow {
	return &RedisWindow{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
		log:    slog.Default().With("component", "ratelimit"),
	}
}

// Allow admits the event unless the key already holds limit events inside
// the window.
func (r *RedisWindow) Allow(ctx context.Context, key string) (bool, int, error) {
	now := time.Now()
	redisKey := fmt.Sprintf("%s:%s", r.prefix, key)
	member := fmt.Sprintf("%d", now.UnixNano())

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0",
		fmt.Sprintf("%d", now.Add(-r.window).UnixNano()))
	countCmd := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Warn("redis rate limit unavailable, failing open", "error", err)
		return true, 0, nil
	}

	if countCmd.Val() >= int64(r.limit) {
		oldest, err := r.client.ZRangeWithScores(ctx, redisKey, 0, 0).Result()
		retry := int(r.window.Seconds())
		if err == nil && len(oldest) == 1 {
			oldestAt := time.Unix(0, int64(oldest[0].Score))
			retry = int(time.Until(oldestAt.Add(r.window)).Seconds()) + 1
			if retry < 1 {
				retry = 1
			}
		}
		return false, retry, nil
	}

	pipe = r.client.TxPipeline()
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.Expire(ctx, redisKey, r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Warn("redis rate limit record failed", "error", err)
	}
	return true, 0, nil
}
