package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/khoabug112310/eprojectep-v1-sub006/internal/locking"
	"github.com/khoabug112310/eprojectep-v1-sub006/internal/middleware"
	"github.com/khoabug112310/eprojectep-v1-sub006/internal/repository"
)

// LockHandler exposes the seat locking service over HTTP: acquiring,
// releasing and extending holds, plus the merged seat-status view.
// The lease holder is always derived from the authenticated user, so
// a client cannot release or extend someone else's holds by sending a
// different holder id.
type LockHandler struct {
	Locks *locking.Service
}

func NewLockHandler(locks *locking.Service) *LockHandler {
	if locks == nil {
		panic("nil locking service passed to NewLockHandler")
	}
	return &LockHandler{Locks: locks}
}

// seatsBody is the shared request body of the lock, unlock and extend
// endpoints.
type seatsBody struct {
	Seats []string `json:"seats"`
}

func showtimeParam(c echo.Context) (uint64, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("invalid showtime id")
	}
	return id, nil
}

// lockErrJSON maps locking service errors onto HTTP responses. Store
// exhaustion is the only 5xx: bad input is the caller's fault.
func lockErrJSON(c echo.Context, err error) error {
	switch {
	case errors.Is(err, locking.ErrStoreUnavailable):
		return c.JSON(http.StatusServiceUnavailable, echo.Map{
			"error":      "lock store unavailable",
			"error_code": "LOCK_STORE_UNAVAILABLE",
		})
	case errors.Is(err, locking.ErrNoSeats), errors.Is(err, locking.ErrNoHolder):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "seat locking failed"})
	}
}

// Lock handles POST /v1/showtimes/:id/locks. The whole batch is
// acquired or nothing is: on conflict the response enumerates exactly
// the blocked seats with a 409 so the client can deselect just those.
// Fallback-mode responses carry fallback_mode=true and a shorter
// expiry.
func (h *LockHandler) Lock(c echo.Context) error {
	showtimeID, err := showtimeParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	var body seatsBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	res, err := h.Locks.LockSeats(c.Request().Context(), showtimeID, body.Seats, middleware.HolderID(c))
	if err != nil {
		return lockErrJSON(c, err)
	}
	if !res.Success {
		return c.JSON(http.StatusConflict, res)
	}
	return c.JSON(http.StatusOK, res)
}

// Unlock handles DELETE /v1/showtimes/:id/locks. Seats not held by the
// caller are silently skipped, which makes the call idempotent.
func (h *LockHandler) Unlock(c echo.Context) error {
	showtimeID, err := showtimeParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	var body seatsBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	released, err := h.Locks.UnlockSeats(c.Request().Context(), showtimeID, body.Seats, middleware.HolderID(c))
	if err != nil {
		return lockErrJSON(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"released": released})
}

// Extend handles PATCH /v1/showtimes/:id/locks. Unlike Lock this is
// partial-success: the response lists which seats were extended and
// which were not, always with a 200.
func (h *LockHandler) Extend(c echo.Context) error {
	showtimeID, err := showtimeParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	var body seatsBody
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	res, err := h.Locks.ExtendLock(c.Request().Context(), showtimeID, body.Seats, middleware.HolderID(c))
	if err != nil {
		return lockErrJSON(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// SeatStatus handles GET /v1/showtimes/:id/seats: available seats per
// category, currently held seats with holder and expiry, and sold
// seats. This route sits behind the response cache.
func (h *LockHandler) SeatStatus(c echo.Context) error {
	showtimeID, err := showtimeParam(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}

	status, err := h.Locks.SeatStatus(c.Request().Context(), showtimeID)
	if err != nil {
		if errors.Is(err, repository.ErrShowtimeNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "showtime not found"})
		}
		return lockErrJSON(c, err)
	}
	return c.JSON(http.StatusOK, status)
}
