// Package router wires the HTTP surface: the public seat-status view,
// the lock lifecycle endpoints and the booking endpoints, together
// with the rate limiter, the response cache and JWT authentication.
package router

import (
	"github.com/labstack/echo/v4"

	"github.com/khoabug112310/eprojectep-v1-sub006/internal/handler"
)

// Middlewares carries the cross-cutting middleware the routes share.
// Any of them may be nil, in which case the concern is skipped — the
// composition root passes nil when the backing infrastructure (Redis,
// JWT secret) is not configured.
type Middlewares struct {
	RateLimit echo.MiddlewareFunc
	Cache     echo.MiddlewareFunc
	Auth      echo.MiddlewareFunc
}

// RegisterRoutes registers every route of the service.
//
//	GET    /healthz                      liveness probe
//	GET    /v1/showtimes/:id/seats       merged seat status (cached)
//	POST   /v1/showtimes/:id/locks       acquire seat holds (all or nothing)
//	DELETE /v1/showtimes/:id/locks       release own holds
//	PATCH  /v1/showtimes/:id/locks       extend own holds (partial success)
//	POST   /v1/bookings                  atomic purchase
//	POST   /v1/bookings/:code/cancel     atomic cancellation
func RegisterRoutes(e *echo.Echo, locks *handler.LockHandler, bookings *handler.BookingHandler, mw Middlewares) {
	e.GET("/healthz", handler.Health)

	v1 := e.Group("/v1")
	if mw.RateLimit != nil {
		v1.Use(mw.RateLimit)
	}

	// Seat status is public so guests can browse a seat map before
	// logging in; it is the one route worth caching.
	status := v1.Group("/showtimes/:id/seats")
	if mw.Cache != nil {
		status.Use(mw.Cache)
	}
	status.GET("", locks.SeatStatus)

	// Everything that takes or spends holds needs an authenticated
	// user: the lease holder identity is derived from the JWT.
	authed := v1.Group("")
	if mw.Auth != nil {
		authed.Use(mw.Auth)
	}
	authed.POST("/showtimes/:id/locks", locks.Lock)
	authed.DELETE("/showtimes/:id/locks", locks.Unlock)
	authed.PATCH("/showtimes/:id/locks", locks.Extend)
	authed.POST("/bookings", bookings.Create)
	authed.POST("/bookings/:code/cancel", bookings.Cancel)
}
