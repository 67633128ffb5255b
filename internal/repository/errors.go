// Package repository defines error types that are reused across
// multiple repositories. These sentinel values allow higher layers
// such as the booking orchestrator to distinguish between failure
// scenarios without string matching: a missing showtime, a missing
// booking and an exhausted booking-code generator all abort different
// steps of a purchase.
package repository

import "errors"

// ErrShowtimeNotFound is returned when a showtime id does not exist.
var ErrShowtimeNotFound = errors.New("showtime not found")

// ErrBookingNotFound is returned when a booking code or id does not
// match any row.
var ErrBookingNotFound = errors.New("booking not found")

// ErrPaymentNotFound is returned when a booking has no payment record.
var ErrPaymentNotFound = errors.New("payment not found")

// ErrCodeExhausted is returned when generating a unique booking code
// kept colliding with existing rows. In practice this means the random
// source is broken; callers should treat it as a persistence failure.
var ErrCodeExhausted = errors.New("booking code space exhausted")
