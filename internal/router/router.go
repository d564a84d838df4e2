package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4" // import the Echo web framework to handle routing

	"github.com/iliyamo/virtual-waiting-room/internal/config"
	"github.com/iliyamo/virtual-waiting-room/internal/handler"
	"github.com/iliyamo/virtual-waiting-room/internal/limiter"
	"github.com/iliyamo/virtual-waiting-room/internal/middleware"
)

// RegisterRoutes registers routes that carry no rate limiting on the
// provided Echo instance.  Currently it exposes only a health check used
// by load balancers and monitoring systems.
func RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", handler.Health)
}

// RegisterWaitingRoom registers the waiting room dispatch endpoint under
// /v1.  The whole group sits behind a coarse per-IP limiter; the precise
// per-session polling budget is applied inside the handler once the
// request body has been parsed.  External schedulers that trigger
// periodic cleanup call the same endpoint with action "cleanup".
func RegisterWaitingRoom(e *echo.Echo, h *handler.AdmissionHandler, rl config.RateLimitConfig, ipLimiter limiter.Limiter) {
	g := e.Group("/v1")
	g.Use(middleware.RateLimitByIP(rl, ipLimiter))
	g.POST("/waiting-room", h.Handle)
}
