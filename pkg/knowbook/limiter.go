package knowbook

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Limiter gates outbound requests to the Knowbook API.
type Limiter interface {
	Wait(ctx context.Context) error
}

// LocalLimiter is an in-process token-bucket limiter, used when no Redis
// instance is configured.
type LocalLimiter struct {
	limiter *rate.Limiter
}

// NewLocalLimiter allows perMinute requests with a small burst.
func NewLocalLimiter(perMinute int) *LocalLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &LocalLimiter{
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 5),
	}
}

func (l *LocalLimiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// RedisLimiter enforces the outbound budget across processes using a fixed
// window counter in Redis.
type RedisLimiter struct {
	client  *redis.Client
	limit   int
	baseKey string
}

// NewRedisLimiter creates a new RedisLimiter and verifies the connection.
func NewRedisLimiter(redisURL string, limit int, baseKey string) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisLimiter{
		client:  client,
		limit:   limit,
		baseKey: baseKey,
	}, nil
}

// Wait blocks until a request is allowed within the current one-minute window.
func (r *RedisLimiter) Wait(ctx context.Context) error {
	now := time.Now()
	minuteKey := fmt.Sprintf("%s:%d", r.baseKey, now.Unix()/60)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		count, err := r.client.Incr(ctx, minuteKey).Result()
		if err != nil {
			log.Error().Err(err).Msg("Outbound limiter: Redis error")
			// Sleep and retry rather than flooding the API while Redis is down.
			time.Sleep(1 * time.Second)
			continue
		}

		// Set expiry on first increment so stale windows are reclaimed.
		if count == 1 {
			r.client.Expire(ctx, minuteKey, 2*time.Minute)
		}

		if count <= int64(r.limit) {
			return nil
		}

		log.Warn().
			Int64("count", count).
			Int("limit", r.limit).
			Msg("Outbound rate limit exceeded, waiting...")

		nextMinute := now.Truncate(time.Minute).Add(time.Minute).Add(100 * time.Millisecond)
		waitDuration := time.Until(nextMinute)
		if waitDuration < 0 {
			waitDuration = 1 * time.Second
		}

		timer := time.NewTimer(waitDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			now = time.Now()
			minuteKey = fmt.Sprintf("%s:%d", r.baseKey, now.Unix()/60)
		}
	}
}

// Close closes the Redis client.
func (r *RedisLimiter) Close() error {
	return r.client.Close()
}
