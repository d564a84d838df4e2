package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/virtual-waiting-room/internal/config"
	"github.com/iliyamo/virtual-waiting-room/internal/limiter"
)

// RateLimitByIP returns middleware that applies a coarse per-client-IP
// budget in front of the waiting room endpoint.  It is a first line of
// defense against a single host hammering the API; the precise
// per-session budget is enforced inside the admission handler, where the
// session identifier is available after the body is parsed.
//
// Limiter backend failures fail open: an unreachable Redis must never
// take the checkout flow down with it.
func RateLimitByIP(cfg config.RateLimitConfig, l limiter.Limiter) echo.MiddlewareFunc {
	if !cfg.Enabled || l == nil {
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error { return next(c) }
		}
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := c.RealIP()
			if ip == "" {
				ip = "unknown"
			}
			ok, retryAfter, err := l.Allow(c.Request().Context(), "ip:"+ip)
			if err != nil {
				if cfg.Debug {
					c.Logger().Warnf("[ratelimit] backend error for ip=%s: %v", ip, err)
				}
				return next(c)
			}
			if !ok {
				secs := int(math.Ceil(retryAfter.Seconds()))
				if secs < 0 {
					secs = 0
				}
				c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
				if cfg.Debug {
					c.Logger().Infof("[ratelimit] block ip=%s retry=%s", ip, retryAfter.Round(time.Millisecond))
				}
				return c.JSON(http.StatusTooManyRequests, map[string]any{
					"success":     false,
					"error":       "too_many_requests",
					"retry_after": secs,
				})
			}
			return next(c)
		}
	}
}
