package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/khoabug112310/eprojectep-v1-sub006/internal/booking"
	"github.com/khoabug112310/eprojectep-v1-sub006/internal/middleware"
)

// BookingHandler exposes atomic purchase and cancellation. It is a
// thin adapter: all validation, pricing and rollback behavior lives in
// the orchestrator, the handler only shapes HTTP.
type BookingHandler struct {
	Orch *booking.Orchestrator
}

func NewBookingHandler(orch *booking.Orchestrator) *BookingHandler {
	if orch == nil {
		panic("nil orchestrator passed to NewBookingHandler")
	}
	return &BookingHandler{Orch: orch}
}

// statusForCode translates the orchestrator's classified codes into
// HTTP statuses.
func statusForCode(code string) int {
	switch code {
	case booking.CodeSeatError, booking.CodeCancellationIneligible:
		return http.StatusConflict
	case booking.CodeShowtimeError, booking.CodePricingError:
		return http.StatusUnprocessableEntity
	case booking.CodePaymentError:
		return http.StatusPaymentRequired
	case booking.CodeDeadlineError:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadRequest
	}
}

// Create handles POST /v1/bookings. The user and holder identities
// come from the JWT; a client-supplied total would be ignored anyway
// since prices are recomputed from the showtime's price table.
func (h *BookingHandler) Create(c echo.Context) error {
	var req booking.CreateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	req.UserID = middleware.UserID(c)
	req.HolderID = middleware.HolderID(c)
	if req.UserID == 0 {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	res := h.Orch.CreateBooking(c.Request().Context(), &req)
	if !res.Success {
		return c.JSON(statusForCode(res.ErrorCode), res)
	}
	return c.JSON(http.StatusCreated, res)
}

// Cancel handles POST /v1/bookings/:code/cancel. Repeating a
// cancellation is rejected by the idempotency guard with a 409, and a
// cancellation after the cutoff leaves the booking untouched.
func (h *BookingHandler) Cancel(c echo.Context) error {
	code := c.Param("code")
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	res := h.Orch.CancelBooking(c.Request().Context(), code, body.Reason)
	if !res.Success {
		return c.JSON(statusForCode(res.ErrorCode), res)
	}
	return c.JSON(http.StatusOK, res)
}
