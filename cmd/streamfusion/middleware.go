package main

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// createLoggingMiddleware creates a middleware that logs every handled
// request with its duration. Slow stream responses are how upstream trouble
// usually shows up first.
func createLoggingMiddleware(logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		duration := time.Since(start).Milliseconds()

		fields := []zap.Field{
			zap.Int("status", c.Response().StatusCode()),
			zap.String("duration", strconv.FormatInt(duration, 10)+"ms"),
			zap.String("method", c.Method()),
			zap.String("url", maskCredentials(c.OriginalURL())),
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		logger.Info("Handled request", fields...)
		return err
	}
}

// maskCredentials replaces the path segments that carry credentials: the
// user data segment (debrid API keys) and the playback auth segment.
func maskCredentials(url string) string {
	segments := strings.Split(url, "/")
	if len(segments) < 3 {
		return url
	}
	switch segments[1] {
	case "health", "manifest.json", "static", "api":
		return url
	case "playback":
		segments[2] = "<masked>"
	default:
		segments[1] = "<masked>"
	}
	return strings.Join(segments, "/")
}
