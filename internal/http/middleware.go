package http

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"clinicalai/internal/logging"
	"clinicalai/internal/metrics"
)

const requestIDHeader = "X-Request-Id"

// requestMiddleware assigns a request id, bounds the handler context by
// timeout, and logs plus counts every request.
func requestMiddleware(logger zerolog.Logger, timeout time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		// Ensure a request ID exists
		reqID := utils.CopyString(c.Get(requestIDHeader))
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Locals("request_id", reqID)
		c.Set(requestIDHeader, reqID)

		ctx := logging.WithRequestID(c.UserContext(), reqID)
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		c.SetUserContext(ctx)

		err := c.Next()

		latency := time.Since(start)
		status := c.Response().StatusCode()
		// fasthttp reuses these buffers once the request ends.
		method := utils.CopyString(c.Method())
		path := utils.CopyString(c.Path())

		metrics.RecordRequest(method, path, status, latency.Milliseconds())

		evt := logger.Info()
		if status >= fiber.StatusInternalServerError {
			evt = logger.Warn()
		}
		evt.Str("request_id", reqID).
			Str("method", method).
			Str("path", path).
			Int("status", status).
			Int64("latency_ms", latency.Milliseconds()).
			Msg("request")

		return err
	}
}

// windowCounter counts hits in a fixed window keyed by key.
type windowCounter interface {
	Hit(ctx context.Context, key string, window time.Duration) (int64, error)
}

type redisCounter struct {
	rdb *redis.Client
}

func (r redisCounter) Hit(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		// First hit in this window; set TTL
		_ = r.rdb.Expire(ctx, key, window)
	}
	return count, nil
}

// rateLimitMiddleware enforces a simple per-minute fixed-window limit per
// client IP. Counter failures let the request through.
func rateLimitMiddleware(perMinute int, counter windowCounter, logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if perMinute <= 0 || counter == nil {
			return c.Next()
		}

		now := time.Now().UTC()
		window := now.Format("200601021504") // YYYYMMDDHHMM minute window
		key := fmt.Sprintf("clinicalai:rl:%s:%s", c.IP(), window)

		count, err := counter.Hit(c.UserContext(), key, time.Minute)
		if err != nil {
			logger.Warn().Err(err).Msg("rate limit counter unavailable")
			return c.Next()
		}

		if count > int64(perMinute) {
			metrics.RecordRateLimited()
			return c.Status(fiber.StatusTooManyRequests).JSON(ErrorResponse{
				Error:   "Rate limit exceeded",
				Message: "try again later",
			})
		}

		return c.Next()
	}
}
