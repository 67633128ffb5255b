package middleware

// identity.go holds the helpers that turn the authenticated user in
// the Echo context into the identities the booking core works with:
// the numeric user id and the lease holder string ("user:<id>").
// Unauthenticated requests read as user 0 / holder "guest".

import (
	"fmt"

	"github.com/labstack/echo/v4"
)

// UserID returns the authenticated user's id from the context, or 0
// when the request is unauthenticated.
func UserID(c echo.Context) uint64 {
	if v, ok := c.Get("user_id").(uint64); ok {
		return v
	}
	return 0
}

// HolderID derives the lease holder identity for the request. Every
// lease taken through the HTTP surface is owned by this string, which
// keeps one user's holds from being released by another.
func HolderID(c echo.Context) string {
	if id := UserID(c); id != 0 {
		return fmt.Sprintf("user:%d", id)
	}
	return "guest"
}
