package model

import "time"

// Payment statuses. A payment is created pending alongside its booking,
// moves through processing while the charge is attempted, and settles
// as completed or failed. Completed payments may later be refunded.
const (
	PaymentPending    = "pending"
	PaymentProcessing = "processing"
	PaymentCompleted  = "completed"
	PaymentFailed     = "failed"
	PaymentRefunded   = "refunded"
)

var paymentTransitions = map[string][]string{
	PaymentPending:    {PaymentProcessing, PaymentFailed},
	PaymentProcessing: {PaymentCompleted, PaymentFailed},
	PaymentCompleted:  {PaymentRefunded},
}

// ValidPaymentTransition reports whether a payment may move from one
// status to another.
func ValidPaymentTransition(from, to string) bool {
	for _, next := range paymentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Payment records the money side of a booking.
//
// Fields:
//
//	ID            – primary key identifier.
//	BookingID     – booking this payment settles.
//	Amount        – charged amount, equals the booking total.
//	Method        – payment method label, e.g. "card".
//	Status        – pending, processing, completed, failed or refunded.
//	TransactionID – processor transaction reference, set on completion.
//	PaidAt        – when the payment completed.
//	RefundedAt    – when the payment was refunded, if it was.
type Payment struct {
	ID            uint64     `json:"id"`
	BookingID     uint64     `json:"booking_id"`
	Amount        float64    `json:"amount"`
	Method        string     `json:"method"`
	Status        string     `json:"status"`
	TransactionID string     `json:"transaction_id,omitempty"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
	RefundedAt    *time.Time `json:"refunded_at,omitempty"`
}
