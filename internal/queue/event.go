// Package queue defines message payloads exchanged over the message
// broker and the background consumer that records them. Events carry
// enough information for downstream consumers (notification, ticket
// rendering, analytics) to act without querying the primary database.
package queue

// Queue names. Both queues are declared durable and messages are
// published persistent, so bookings survive a broker restart.
const (
	BookingCreatedQueue   = "booking.created"
	BookingCancelledQueue = "booking.cancelled"
)

// BookingCreatedEvent is published after a purchase transaction
// commits.
type BookingCreatedEvent struct {
	BookingID     uint64   `json:"booking_id"`
	BookingCode   string   `json:"booking_code"`
	UserID        uint64   `json:"user_id"`
	ShowtimeID    uint64   `json:"showtime_id"`
	MovieTitle    string   `json:"movie_title"`
	StartsAt      string   `json:"starts_at"`
	Seats         []string `json:"seats"`
	TotalAmount   float64  `json:"total_amount"`
	PaymentStatus string   `json:"payment_status"`
	TransactionID string   `json:"transaction_id"`
	BookedAt      string   `json:"booked_at"`
}

// BookingCancelledEvent is published after a cancellation transaction
// commits. Refunded is true when a completed payment was flipped to
// refunded as part of the cancellation.
type BookingCancelledEvent struct {
	BookingID   uint64   `json:"booking_id"`
	BookingCode string   `json:"booking_code"`
	UserID      uint64   `json:"user_id"`
	ShowtimeID  uint64   `json:"showtime_id"`
	Seats       []string `json:"seats"`
	Reason      string   `json:"reason,omitempty"`
	Refunded    bool     `json:"refunded"`
	CancelledAt string   `json:"cancelled_at"`
}
