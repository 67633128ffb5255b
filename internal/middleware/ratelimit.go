package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/khoabug112310/eprojectep-v1-sub006/internal/config"
)

// usageCounter is the slice of the counter service the limiter needs.
type usageCounter interface {
	Enabled() bool
	Incr(ctx context.Context, name string, window time.Duration) (int64, time.Duration, error)
}

// NewRateLimiter returns a fixed-window request limiter built on the
// TTL counter service: one counter per key per window, allowed while
// the count stays at or under the limit. When the counter backend is
// unavailable the limiter fails open — seat booking keeps working with
// rate limiting disabled rather than the other way around.
func NewRateLimiter(cfg config.RateLimitConfig, counters usageCounter) echo.MiddlewareFunc {
	if !cfg.Enabled || counters == nil || !counters.Enabled() {
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error { return next(c) }
		}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := buildRateKey(cfg, c)

			count, ttl, err := counters.Incr(c.Request().Context(), key, cfg.Window)
			if err != nil {
				c.Logger().Warnf("ratelimit: counter error for key=%s: %v", key, err)
				return next(c)
			}

			remaining := int64(cfg.Limit) - count
			if remaining < 0 {
				remaining = 0
			}
			c.Response().Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.Limit))
			c.Response().Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

			if count > int64(cfg.Limit) {
				secs := int(math.Ceil(ttl.Seconds()))
				if secs < 0 {
					secs = 0
				}
				c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
				return c.JSON(http.StatusTooManyRequests, map[string]any{
					"error":       "too_many_requests",
					"message":     "rate limit exceeded",
					"retry_after": secs,
				})
			}
			return next(c)
		}
	}
}

// buildRateKey derives the counter name from the configured strategy.
// The window boundary lives in the counter's TTL, not the key, so the
// key stays stable across windows.
func buildRateKey(cfg config.RateLimitConfig, c echo.Context) string {
	parts := []string{cfg.Prefix}
	ip := c.RealIP()
	if ip == "" {
		ip = "unknown"
	}
	uid := HolderID(c)
	route := c.Request().Method + " " + c.Path()

	switch strings.ToLower(cfg.KeyStrategy) {
	case "ip":
		parts = append(parts, "ip", ip)
	case "user":
		parts = append(parts, "user", uid)
	case "route":
		parts = append(parts, "route", route)
	case "ip_user":
		parts = append(parts, "ip", ip, "user", uid)
	case "ip_route":
		parts = append(parts, "ip", ip, "route", route)
	case "user_route":
		parts = append(parts, "user", uid, "route", route)
	default:
		parts = append(parts, "ip", ip, "user", uid, "route", route)
	}
	return strings.Join(parts, ":")
}
