package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/clipdeck/api/pkg/response"
)

// RateLimiter enforces per-user request quotas with counters persisted in
// redis, so limits survive process restarts and apply across instances.
type RateLimiter struct {
	redis *redis.Client
}

func NewRateLimiter(redisClient *redis.Client) *RateLimiter {
	return &RateLimiter{redis: redisClient}
}

// Limit creates a rate limiting middleware.
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := GetUserID(c)
		if userID == "" {
			return c.Next() // auth middleware handles missing identity
		}

		key := fmt.Sprintf("ratelimit:%s:%s", keyPrefix, userID)
		ctx := context.Background()

		count, err := rl.redis.Incr(ctx, key).Result()
		if err != nil {
			// If redis fails, allow the request rather than block the dashboard
			return c.Next()
		}

		if count == 1 {
			rl.redis.Expire(ctx, key, window)
		}

		if count > int64(maxRequests) {
			ttl, _ := rl.redis.TTL(ctx, key).Result()
			c.Set("Retry-After", fmt.Sprintf("%d", int(ttl.Seconds())))
			return response.RateLimited(c)
		}

		c.Set("X-RateLimit-Limit", fmt.Sprintf("%d", maxRequests))
		c.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", maxRequests-int(count)))

		return c.Next()
	}
}

// SubmitLimit bounds job submissions per hour.
func (rl *RateLimiter) SubmitLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("jobs", maxPerHour, time.Hour)
}

// PollLimit bounds status polls per minute.
func (rl *RateLimiter) PollLimit(maxPerMin int) fiber.Handler {
	return rl.Limit("status", maxPerMin, time.Minute)
}

// CancelLimit bounds cancellations per minute.
func (rl *RateLimiter) CancelLimit(maxPerMin int) fiber.Handler {
	return rl.Limit("cancel", maxPerMin, time.Minute)
}
