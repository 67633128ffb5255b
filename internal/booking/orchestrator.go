// Package booking implements the atomic purchase and cancellation
// flows. A purchase coordinates three systems that cannot share one
// transaction: the lease store (advisory seat holds), the relational
// ledger (authoritative availability) and the booking/payment rows.
// The relational transaction is the correctness boundary; leases
// acquired for a failed purchase are released afterwards as a
// compensating step.
package booking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/khoabug112310/eprojectep-v1-sub006/internal/locking"
	"github.com/khoabug112310/eprojectep-v1-sub006/internal/model"
	"github.com/khoabug112310/eprojectep-v1-sub006/internal/queue"
	"github.com/khoabug112310/eprojectep-v1-sub006/internal/repository"
)

// Classified result codes. Every failed operation carries exactly one
// of these so clients can react without parsing messages.
const (
	CodeSeatError              = "SEAT_ERROR"
	CodePaymentError           = "PAYMENT_ERROR"
	CodeShowtimeError          = "SHOWTIME_ERROR"
	CodePricingError           = "PRICING_ERROR"
	CodeDeadlineError          = "DEADLINE_ERROR"
	CodeGeneralError           = "GENERAL_ERROR"
	CodeCancellationIneligible = "CANCELLATION_INELIGIBLE"
)

// TxTimeout bounds the purchase transaction so a slow commit cannot
// hold the showtime row lock indefinitely.
const TxTimeout = 5 * time.Second

// SeatLocker is the slice of the seat locking service the orchestrator
// needs: acquire the advisory holds up front, release them again when
// the purchase fails (or once it has succeeded and the ledger is the
// record).
type SeatLocker interface {
	LockSeats(ctx context.Context, showtimeID uint64, seats []string, holderID string) (*locking.LockResult, error)
	UnlockSeats(ctx context.Context, showtimeID uint64, seats []string, holderID string) (bool, error)
}

// EventPublisher pushes booking lifecycle events to the message
// broker. Publishing is best-effort: failures are logged, never
// propagated into the purchase result.
type EventPublisher interface {
	PublishBookingCreated(ctx context.Context, ev queue.BookingCreatedEvent) error
	PublishBookingCancelled(ctx context.Context, ev queue.BookingCancelledEvent) error
}

// SeatSelection is one requested seat with the category the client
// picked it from. The category is validated against the ledger; the
// price always comes from the showtime's price table.
type SeatSelection struct {
	SeatCode string `json:"seat_code"`
	Category string `json:"category"`
}

// PaymentDetails optionally accompany a purchase. Only the method is
// taken from the client; the amount is always the computed total.
type PaymentDetails struct {
	Method string `json:"method"`
}

// CreateRequest is one purchase attempt.
type CreateRequest struct {
	UserID     uint64          `json:"user_id"`
	ShowtimeID uint64          `json:"showtime_id"`
	Seats      []SeatSelection `json:"seats"`
	HolderID   string          `json:"holder_id,omitempty"`
	Payment    *PaymentDetails `json:"payment,omitempty"`
}

// Pricing reports the authoritative prices applied to a purchase.
type Pricing struct {
	PerSeat map[string]float64 `json:"per_seat"`
	Total   float64            `json:"total"`
}

// CreateResult is the outcome of one purchase attempt. TransactionID
// is always set, success or not, so failures can be correlated in
// logs. On failure Message and ErrorCode describe what went wrong and
// nothing has been persisted.
type CreateResult struct {
	Success       bool                `json:"success"`
	Booking       *model.Booking      `json:"booking,omitempty"`
	Payment       *model.Payment      `json:"payment,omitempty"`
	TransactionID string              `json:"transaction_id"`
	SeatLocks     *locking.LockResult `json:"seat_locks,omitempty"`
	Pricing       *Pricing            `json:"pricing,omitempty"`
	Message       string              `json:"message,omitempty"`
	ErrorCode     string              `json:"error_code,omitempty"`
}

// CancelResult is the outcome of one cancellation attempt.
type CancelResult struct {
	Success       bool           `json:"success"`
	Booking       *model.Booking `json:"booking,omitempty"`
	Refund        *model.Payment `json:"refund,omitempty"`
	SeatsReleased []string       `json:"seats_released,omitempty"`
	Message       string         `json:"message,omitempty"`
	ErrorCode     string         `json:"error_code,omitempty"`
}

// stepError carries the classification of a failed purchase step up to
// the single place that builds the failure result.
type stepError struct {
	code string
	msg  string
	err  error
}

func (e *stepError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *stepError) Unwrap() error { return e.err }

func failStep(code, msg string, err error) *stepError {
	return &stepError{code: code, msg: msg, err: err}
}

// Orchestrator runs purchases and cancellations. All ledger mutations
// happen inside one relational transaction under the showtime row
// lock, which serializes concurrent purchases for the same showtime
// beneath the advisory lease layer.
type Orchestrator struct {
	db        *sql.DB
	locks     SeatLocker
	showtimes *repository.ShowtimeRepo
	bookings  *repository.BookingRepo
	payments  *repository.PaymentRepo
	events    EventPublisher

	timeout time.Duration
	now     func() time.Time
}

func NewOrchestrator(db *sql.DB, locks SeatLocker, showtimes *repository.ShowtimeRepo, bookings *repository.BookingRepo, payments *repository.PaymentRepo, events EventPublisher) *Orchestrator {
	return &Orchestrator{
		db:        db,
		locks:     locks,
		showtimes: showtimes,
		bookings:  bookings,
		payments:  payments,
		events:    events,
		timeout:   TxTimeout,
		now:       time.Now,
	}
}

// HolderFor derives the default lease holder identity for a user.
func HolderFor(userID uint64) string {
	return fmt.Sprintf("user:%d", userID)
}

// CreateBooking performs one all-or-nothing purchase:
//
//  1. acquire a lease per requested seat (advisory, fails fast on
//     conflict);
//  2. validate the showtime and the ledger under the showtime row lock;
//  3. price every seat from the showtime's price table;
//  4. persist the booking with its seat lines;
//  5. remove the seats from the ledger's available sets;
//  6. optionally persist a pending payment.
//
// Any failure after step 1 rolls the transaction back in full and
// releases the leases acquired for this request. All failures are
// reported in the result, never as a Go error, so the result shape is
// uniform for callers.
func (o *Orchestrator) CreateBooking(ctx context.Context, req *CreateRequest) *CreateResult {
	txnID := uuid.NewString()
	res := &CreateResult{TransactionID: txnID}

	seats, serr := seatCodes(req.Seats)
	if serr != nil {
		return res.fail(CodeGeneralError, serr.Error())
	}
	if req.ShowtimeID == 0 {
		return res.fail(CodeGeneralError, "showtime id is required")
	}
	holder := req.HolderID
	if holder == "" {
		holder = HolderFor(req.UserID)
	}

	// Step 1: advisory holds. A conflict here costs one round trip
	// instead of a row lock on the showtime.
	lockRes, err := o.locks.LockSeats(ctx, req.ShowtimeID, seats, holder)
	if err != nil {
		if errors.Is(err, locking.ErrStoreUnavailable) {
			return res.fail(CodeSeatError, "seat locking unavailable, try again")
		}
		return res.fail(CodeSeatError, fmt.Sprintf("seat locking failed: %v", err))
	}
	if !lockRes.Success {
		res.SeatLocks = lockRes
		return res.fail(CodeSeatError,
			fmt.Sprintf("seats already held by another user: %s", strings.Join(lockRes.Conflicts, ", ")))
	}
	res.SeatLocks = lockRes

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	booking, payment, pricing, err := o.purchaseTx(ctx, req, txnID, holder)
	if err != nil {
		// Compensating cleanup: the leases belong to a purchase that no
		// longer exists. The lease store is a separate system, so this
		// runs outside (and after) the rolled-back transaction.
		o.releaseLeases(req.ShowtimeID, seats, holder)

		var step *stepError
		if errors.As(err, &step) {
			log.Printf("booking: txn %s failed (%s): %v", txnID, step.code, err)
			return res.fail(step.code, step.msg)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			log.Printf("booking: txn %s exceeded deadline: %v", txnID, err)
			return res.fail(CodeDeadlineError, "booking timed out")
		}
		log.Printf("booking: txn %s failed: %v", txnID, err)
		return res.fail(CodeGeneralError, "booking failed")
	}

	// The seats are sold now; keeping the holds alive would only make
	// them show up as both locked and occupied until the TTL fires.
	o.releaseLeases(req.ShowtimeID, seats, holder)

	res.Success = true
	res.Booking = booking
	res.Payment = payment
	res.Pricing = pricing
	o.publishCreated(ctx, booking)
	return res
}

// purchaseTx runs steps 2–6 inside one transaction. It returns a
// *stepError for classified failures; anything else is unexpected and
// classified by the caller.
func (o *Orchestrator) purchaseTx(ctx context.Context, req *CreateRequest, txnID, holder string) (*model.Booking, *model.Payment, *Pricing, error) {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("begin purchase tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	now := o.now().UTC()

	// Step 2: the showtime row lock is the true serialization point.
	// Everything the leases promised is re-checked here.
	st, err := o.showtimes.GetForUpdateTx(ctx, tx, req.ShowtimeID)
	if err != nil {
		if errors.Is(err, repository.ErrShowtimeNotFound) {
			return nil, nil, nil, failStep(CodeShowtimeError, "showtime not found", err)
		}
		return nil, nil, nil, fmt.Errorf("load showtime %d: %w", req.ShowtimeID, err)
	}
	if !st.Bookable(now) {
		return nil, nil, nil, failStep(CodeShowtimeError, "showtime is not open for booking", nil)
	}
	if len(req.Seats) > st.RemainingCapacity() {
		return nil, nil, nil, failStep(CodeSeatError, "not enough seats remaining", nil)
	}
	byCategory := make(map[string][]string)
	for _, sel := range req.Seats {
		if !st.AvailableSet(sel.Category).Contains(sel.SeatCode) {
			return nil, nil, nil, failStep(CodeSeatError,
				fmt.Sprintf("seat %s is no longer available", sel.SeatCode), nil)
		}
		byCategory[sel.Category] = append(byCategory[sel.Category], sel.SeatCode)
	}

	// Step 3: authoritative pricing. Whatever amount the client thinks
	// it is paying is irrelevant.
	pricing := &Pricing{PerSeat: make(map[string]float64, len(req.Seats))}
	lines := make([]model.BookingSeat, 0, len(req.Seats))
	for _, sel := range req.Seats {
		price, ok := st.PriceFor(sel.Category)
		if !ok {
			return nil, nil, nil, failStep(CodePricingError,
				fmt.Sprintf("unknown seat category %q", sel.Category), nil)
		}
		pricing.PerSeat[sel.SeatCode] = price
		pricing.Total += price
		lines = append(lines, model.BookingSeat{
			SeatCode: sel.SeatCode,
			Category: sel.Category,
			Price:    price,
		})
	}

	// Step 4: the booking row and its seat lines.
	booking := &model.Booking{
		UserID:        req.UserID,
		ShowtimeID:    req.ShowtimeID,
		Seats:         lines,
		TotalAmount:   pricing.Total,
		Status:        model.BookingPending,
		PaymentStatus: model.PaymentPending,
		TransactionID: txnID,
		BookedAt:      now,
	}
	if err := o.bookings.CreateTx(ctx, tx, booking); err != nil {
		return nil, nil, nil, fmt.Errorf("persist booking: %w", err)
	}

	// Step 5: take the seats out of the ledger, still under the row
	// lock. A concurrent purchase that slipped past the leases loses
	// here, not at the box office.
	for category, codes := range byCategory {
		if missing := st.RemoveSeats(category, codes); len(missing) > 0 {
			return nil, nil, nil, failStep(CodeSeatError,
				fmt.Sprintf("seats no longer available: %s", strings.Join(missing, ", ")), nil)
		}
	}
	if err := o.showtimes.UpdateAvailableSeatsTx(ctx, tx, st.ID, st.AvailableSeats); err != nil {
		return nil, nil, nil, fmt.Errorf("update ledger for showtime %d: %w", st.ID, err)
	}

	// Step 6: a pending payment record, when details were supplied. The
	// external payment collaborator drives it from here.
	var payment *model.Payment
	if req.Payment != nil {
		payment = &model.Payment{
			BookingID:     booking.ID,
			Amount:        pricing.Total,
			Method:        req.Payment.Method,
			Status:        model.PaymentPending,
			TransactionID: uuid.NewString(),
		}
		if err := o.payments.CreateTx(ctx, tx, payment); err != nil {
			return nil, nil, nil, failStep(CodePaymentError, "could not record payment", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, nil, fmt.Errorf("commit purchase: %w", err)
	}
	committed = true
	return booking, payment, pricing, nil
}

// CancelBooking cancels a booking by code and returns its seats to the
// ledger. The booking row lock makes repeated cancellations race-free:
// the second caller sees status cancelled and is rejected by the
// idempotency guard.
func (o *Orchestrator) CancelBooking(ctx context.Context, bookingCode, reason string) *CancelResult {
	res := &CancelResult{}
	if bookingCode == "" {
		return res.fail(CodeGeneralError, "booking code is required")
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	booking, refund, released, err := o.cancelTx(ctx, bookingCode, reason)
	if err != nil {
		var step *stepError
		if errors.As(err, &step) {
			return res.fail(step.code, step.msg)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return res.fail(CodeDeadlineError, "cancellation timed out")
		}
		log.Printf("booking: cancel %s failed: %v", bookingCode, err)
		return res.fail(CodeGeneralError, "cancellation failed")
	}

	res.Success = true
	res.Booking = booking
	res.Refund = refund
	res.SeatsReleased = released
	o.publishCancelled(ctx, booking, reason, refund != nil)
	return res
}

func (o *Orchestrator) cancelTx(ctx context.Context, bookingCode, reason string) (*model.Booking, *model.Payment, []string, error) {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("begin cancel tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	now := o.now().UTC()

	booking, err := o.bookings.GetByCodeForUpdateTx(ctx, tx, bookingCode)
	if err != nil {
		if errors.Is(err, repository.ErrBookingNotFound) {
			return nil, nil, nil, failStep(CodeGeneralError, "booking not found", err)
		}
		return nil, nil, nil, fmt.Errorf("load booking %s: %w", bookingCode, err)
	}
	if booking.Status == model.BookingCancelled {
		return nil, nil, nil, failStep(CodeCancellationIneligible, "booking is already cancelled", nil)
	}
	if !model.ValidBookingTransition(booking.Status, model.BookingCancelled) {
		return nil, nil, nil, failStep(CodeCancellationIneligible,
			fmt.Sprintf("booking in status %s cannot be cancelled", booking.Status), nil)
	}

	st, err := o.showtimes.GetForUpdateTx(ctx, tx, booking.ShowtimeID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load showtime %d: %w", booking.ShowtimeID, err)
	}
	if !st.Cancellable(now) {
		return nil, nil, nil, failStep(CodeCancellationIneligible,
			"cancellation window has closed", nil)
	}

	// Seats go back into the ledger under the same row lock purchases
	// take, so a concurrent purchase either sees them or it does not;
	// there is no in-between.
	for category, codes := range booking.SeatsByCategory() {
		st.RestoreSeats(category, codes)
	}
	if err := o.showtimes.UpdateAvailableSeatsTx(ctx, tx, st.ID, st.AvailableSeats); err != nil {
		return nil, nil, nil, fmt.Errorf("restore ledger for showtime %d: %w", st.ID, err)
	}

	paymentStatus := booking.PaymentStatus
	var refund *model.Payment
	if booking.PaymentStatus == model.PaymentCompleted {
		payment, perr := o.payments.GetByBookingForUpdateTx(ctx, tx, booking.ID)
		if perr != nil && !errors.Is(perr, repository.ErrPaymentNotFound) {
			return nil, nil, nil, fmt.Errorf("load payment for booking %d: %w", booking.ID, perr)
		}
		if payment != nil && payment.Status == model.PaymentCompleted {
			if err := o.payments.MarkRefundedTx(ctx, tx, payment.ID, now); err != nil {
				return nil, nil, nil, fmt.Errorf("refund payment %d: %w", payment.ID, err)
			}
			payment.Status = model.PaymentRefunded
			payment.RefundedAt = &now
			refund = payment
			paymentStatus = model.PaymentRefunded
		}
	}

	if err := o.bookings.MarkCancelledTx(ctx, tx, booking.ID, reason, paymentStatus, now); err != nil {
		return nil, nil, nil, fmt.Errorf("mark booking %d cancelled: %w", booking.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, nil, fmt.Errorf("commit cancellation: %w", err)
	}
	committed = true

	booking.Status = model.BookingCancelled
	booking.PaymentStatus = paymentStatus
	booking.Reason = reason
	booking.CancelledAt = &now
	return booking, refund, booking.SeatCodes(), nil
}

// releaseLeases drops this purchase's advisory holds. The request
// context may already be dead (deadline, client gone), so cleanup gets
// its own short-lived one. Failures are logged only: an orphaned hold
// dies with its TTL.
func (o *Orchestrator) releaseLeases(showtimeID uint64, seats []string, holder string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := o.locks.UnlockSeats(ctx, showtimeID, seats, holder); err != nil {
		log.Printf("booking: compensating lease release failed for showtime %d seats %v: %v",
			showtimeID, seats, err)
	}
}

func (o *Orchestrator) publishCreated(ctx context.Context, b *model.Booking) {
	if o.events == nil {
		return
	}
	ev := queue.BookingCreatedEvent{
		BookingID:     b.ID,
		BookingCode:   b.Code,
		UserID:        b.UserID,
		ShowtimeID:    b.ShowtimeID,
		Seats:         b.SeatCodes(),
		TotalAmount:   b.TotalAmount,
		PaymentStatus: b.PaymentStatus,
		TransactionID: b.TransactionID,
		BookedAt:      b.BookedAt.Format(time.RFC3339),
	}
	if st, err := o.showtimes.GetByID(ctx, b.ShowtimeID); err == nil {
		ev.MovieTitle = st.MovieTitle
		ev.StartsAt = st.StartsAt.Format(time.RFC3339)
	}
	if err := o.events.PublishBookingCreated(ctx, ev); err != nil {
		log.Printf("booking: publish created event for %s failed: %v", b.Code, err)
	}
}

func (o *Orchestrator) publishCancelled(ctx context.Context, b *model.Booking, reason string, refunded bool) {
	if o.events == nil {
		return
	}
	cancelledAt := o.now().UTC()
	if b.CancelledAt != nil {
		cancelledAt = *b.CancelledAt
	}
	ev := queue.BookingCancelledEvent{
		BookingID:   b.ID,
		BookingCode: b.Code,
		UserID:      b.UserID,
		ShowtimeID:  b.ShowtimeID,
		Seats:       b.SeatCodes(),
		Reason:      reason,
		Refunded:    refunded,
		CancelledAt: cancelledAt.Format(time.RFC3339),
	}
	if err := o.events.PublishBookingCancelled(ctx, ev); err != nil {
		log.Printf("booking: publish cancelled event for %s failed: %v", b.Code, err)
	}
}

func (r *CreateResult) fail(code, msg string) *CreateResult {
	r.Success = false
	r.ErrorCode = code
	r.Message = msg
	return r
}

func (r *CancelResult) fail(code, msg string) *CancelResult {
	r.Success = false
	r.ErrorCode = code
	r.Message = msg
	return r
}

// seatCodes extracts and dedupes the requested seat codes.
func seatCodes(sels []SeatSelection) ([]string, error) {
	if len(sels) == 0 {
		return nil, errors.New("no seats requested")
	}
	seen := make(map[string]struct{}, len(sels))
	codes := make([]string, 0, len(sels))
	for _, sel := range sels {
		if sel.SeatCode == "" {
			return nil, errors.New("empty seat code in request")
		}
		if sel.Category == "" {
			return nil, fmt.Errorf("seat %s has no category", sel.SeatCode)
		}
		if _, dup := seen[sel.SeatCode]; dup {
			return nil, fmt.Errorf("seat %s requested twice", sel.SeatCode)
		}
		seen[sel.SeatCode] = struct{}{}
		codes = append(codes, sel.SeatCode)
	}
	return codes, nil
}
