package model

import "time"

// Booking statuses. A booking starts out pending and is confirmed once
// its payment settles; confirmed bookings end up cancelled, completed
// (show watched) or failed.
const (
	BookingPending   = "pending"
	BookingConfirmed = "confirmed"
	BookingCancelled = "cancelled"
	BookingCompleted = "completed"
	BookingFailed    = "failed"
)

// bookingTransitions is the allowed status graph. Pending bookings may
// be cancelled directly when payment never settles.
var bookingTransitions = map[string][]string{
	BookingPending:   {BookingConfirmed, BookingCancelled, BookingFailed},
	BookingConfirmed: {BookingCancelled, BookingCompleted, BookingFailed},
}

// ValidBookingTransition reports whether a booking may move from one
// status to another. Terminal statuses allow no further moves.
func ValidBookingTransition(from, to string) bool {
	for _, next := range bookingTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Booking is one confirmed-or-in-flight purchase of seats for a
// showtime. Related records are referenced by id only: payments carry
// a BookingID and the showtime is looked up through ShowtimeID.
//
// Fields:
//
//	ID            – primary key identifier.
//	Code          – human-facing booking code, unique.
//	UserID        – identifier of the purchasing user.
//	ShowtimeID    – showtime the seats belong to.
//	Seats         – priced seat lines captured at purchase time.
//	TotalAmount   – sum of the per-seat prices at purchase time.
//	Status        – pending, confirmed, cancelled, completed or failed.
//	PaymentStatus – mirror of the payment state observed here.
//	TransactionID – purchase transaction id, for correlation.
//	Reason        – free-form cancellation reason, if cancelled.
//	BookedAt      – when the booking row was created.
//	CancelledAt   – when the booking was cancelled, if it was.
type Booking struct {
	ID            uint64        `json:"id"`
	Code          string        `json:"code"`
	UserID        uint64        `json:"user_id"`
	ShowtimeID    uint64        `json:"showtime_id"`
	Seats         []BookingSeat `json:"seats,omitempty"`
	TotalAmount   float64       `json:"total_amount"`
	Status        string        `json:"status"`
	PaymentStatus string        `json:"payment_status"`
	TransactionID string        `json:"transaction_id"`
	Reason        string        `json:"cancellation_reason,omitempty"`
	BookedAt      time.Time     `json:"booked_at"`
	CancelledAt   *time.Time    `json:"cancelled_at,omitempty"`
}

// BookingSeat is one seat line of a booking, priced at purchase time.
//
// Fields:
//
//	ID        – primary key identifier.
//	BookingID – owning booking.
//	SeatCode  – row-and-number seat code, e.g. "A12".
//	Category  – seat category the price was taken from.
//	Price     – unit price charged for this seat.
type BookingSeat struct {
	ID        uint64  `json:"id"`
	BookingID uint64  `json:"booking_id"`
	SeatCode  string  `json:"seat_code"`
	Category  string  `json:"category"`
	Price     float64 `json:"price"`
}

// Active reports whether the booking still occupies its seats, i.e. it
// has not been cancelled or failed.
func (b *Booking) Active() bool {
	return b.Status == BookingPending || b.Status == BookingConfirmed || b.Status == BookingCompleted
}

// SeatCodes returns the seat codes of the booking in their stored order.
func (b *Booking) SeatCodes() []string {
	codes := make([]string, len(b.Seats))
	for i, s := range b.Seats {
		codes[i] = s.SeatCode
	}
	return codes
}

// SeatsByCategory groups the booking's seat codes by category, the
// shape ledger mutations work with.
func (b *Booking) SeatsByCategory() map[string][]string {
	grouped := make(map[string][]string)
	for _, s := range b.Seats {
		grouped[s.Category] = append(grouped[s.Category], s.SeatCode)
	}
	return grouped
}
