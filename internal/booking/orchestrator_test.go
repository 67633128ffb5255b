package booking

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khoabug112310/eprojectep-v1-sub006/internal/lease"
	"github.com/khoabug112310/eprojectep-v1-sub006/internal/locking"
	"github.com/khoabug112310/eprojectep-v1-sub006/internal/model"
	"github.com/khoabug112310/eprojectep-v1-sub006/internal/queue"
	"github.com/khoabug112310/eprojectep-v1-sub006/internal/repository"
)

var frozenNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeLocker satisfies SeatLocker and records every call so tests can
// assert that compensating releases happen.
type fakeLocker struct {
	lockRes  *locking.LockResult
	lockErr  error
	locked   [][]string
	released [][]string
}

func (f *fakeLocker) LockSeats(_ context.Context, _ uint64, seats []string, _ string) (*locking.LockResult, error) {
	f.locked = append(f.locked, seats)
	if f.lockErr != nil {
		return nil, f.lockErr
	}
	if f.lockRes != nil {
		return f.lockRes, nil
	}
	return &locking.LockResult{Success: true, ExpiresAt: frozenNow.Add(locking.PrimaryTTL)}, nil
}

func (f *fakeLocker) UnlockSeats(_ context.Context, _ uint64, seats []string, _ string) (bool, error) {
	f.released = append(f.released, seats)
	return true, nil
}

type fakePublisher struct {
	created   []queue.BookingCreatedEvent
	cancelled []queue.BookingCancelledEvent
}

func (p *fakePublisher) PublishBookingCreated(_ context.Context, ev queue.BookingCreatedEvent) error {
	p.created = append(p.created, ev)
	return nil
}

func (p *fakePublisher) PublishBookingCancelled(_ context.Context, ev queue.BookingCancelledEvent) error {
	p.cancelled = append(p.cancelled, ev)
	return nil
}

func newTestOrchestrator(t *testing.T, locks SeatLocker, events EventPublisher) (*Orchestrator, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	o := NewOrchestrator(db, locks,
		repository.NewShowtimeRepo(db),
		repository.NewBookingRepo(db),
		repository.NewPaymentRepo(db),
		events)
	o.now = func() time.Time { return frozenNow }
	return o, mock
}

func showtimeRows(startsAt time.Time, prices, available string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "movie_title", "starts_at", "status", "prices", "available_seats"}).
		AddRow(7, "Inception", startsAt, "active", []byte(prices), []byte(available))
}

func twoSeatRequest() *CreateRequest {
	return &CreateRequest{
		UserID:     42,
		ShowtimeID: 7,
		Seats: []SeatSelection{
			{SeatCode: "A1", Category: "gold"},
			{SeatCode: "A2", Category: "gold"},
		},
	}
}

func TestCreateBookingSuccess(t *testing.T) {
	locks := &fakeLocker{}
	events := &fakePublisher{}
	o, mock := newTestOrchestrator(t, locks, events)

	startsAt := frozenNow.Add(24 * time.Hour)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM showtimes WHERE id = \? FOR UPDATE$`).
		WithArgs(uint64(7)).
		WillReturnRows(showtimeRows(startsAt,
			`{"gold":100000,"platinum":150000}`,
			`{"gold":["A1","A2","A3"],"platinum":["B1","B2"]}`))
	mock.ExpectExec(`INSERT INTO bookings`).
		WithArgs(sqlmock.AnyArg(), uint64(42), uint64(7), 200000.0,
			model.BookingPending, model.PaymentPending, sqlmock.AnyArg(), frozenNow).
		WillReturnResult(sqlmock.NewResult(11, 1))
	mock.ExpectExec(`INSERT INTO booking_seats`).
		WithArgs(uint64(11), "A1", "gold", 100000.0, uint64(11), "A2", "gold", 100000.0).
		WillReturnResult(sqlmock.NewResult(21, 2))
	mock.ExpectExec(`UPDATE showtimes SET available_seats`).
		WithArgs([]byte(`{"gold":["A3"],"platinum":["B1","B2"]}`), uint64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	// publishCreated enriches the event from the showtime row.
	mock.ExpectQuery(`SELECT .+ FROM showtimes WHERE id = \?$`).
		WithArgs(uint64(7)).
		WillReturnRows(showtimeRows(startsAt,
			`{"gold":100000,"platinum":150000}`,
			`{"gold":["A3"],"platinum":["B1","B2"]}`))

	res := o.CreateBooking(context.Background(), twoSeatRequest())
	require.True(t, res.Success, "message=%s code=%s", res.Message, res.ErrorCode)
	require.NotNil(t, res.Booking)
	assert.Equal(t, 200000.0, res.Booking.TotalAmount)
	assert.Equal(t, model.BookingPending, res.Booking.Status)
	assert.NotEmpty(t, res.Booking.Code)
	assert.NotEmpty(t, res.TransactionID)
	assert.Equal(t, 100000.0, res.Pricing.PerSeat["A2"])
	assert.Equal(t, 200000.0, res.Pricing.Total)

	// Sold seats do not keep their advisory holds.
	require.Len(t, locks.released, 1)
	assert.ElementsMatch(t, []string{"A1", "A2"}, locks.released[0])

	require.Len(t, events.created, 1)
	assert.Equal(t, res.Booking.Code, events.created[0].BookingCode)
	assert.Equal(t, "Inception", events.created[0].MovieTitle)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBookingLeaseConflict(t *testing.T) {
	locks := &fakeLocker{lockRes: &locking.LockResult{Conflicts: []string{"A2"}}}
	o, mock := newTestOrchestrator(t, locks, nil)

	res := o.CreateBooking(context.Background(), twoSeatRequest())
	assert.False(t, res.Success)
	assert.Equal(t, CodeSeatError, res.ErrorCode)
	assert.Equal(t, []string{"A2"}, res.SeatLocks.Conflicts)
	assert.NotEmpty(t, res.TransactionID)
	// Nothing ever touched the database and nothing needs releasing.
	assert.Empty(t, locks.released)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBookingLockStoreDown(t *testing.T) {
	locks := &fakeLocker{lockErr: locking.ErrStoreUnavailable}
	o, _ := newTestOrchestrator(t, locks, nil)

	res := o.CreateBooking(context.Background(), twoSeatRequest())
	assert.False(t, res.Success)
	assert.Equal(t, CodeSeatError, res.ErrorCode)
}

func TestCreateBookingSeatGoneFromLedger(t *testing.T) {
	locks := &fakeLocker{}
	o, mock := newTestOrchestrator(t, locks, nil)

	// A2 was sold between lease acquisition and the row lock.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM showtimes WHERE id = \? FOR UPDATE$`).
		WithArgs(uint64(7)).
		WillReturnRows(showtimeRows(frozenNow.Add(24*time.Hour),
			`{"gold":100000}`,
			`{"gold":["A1","A3"]}`))
	mock.ExpectRollback()

	res := o.CreateBooking(context.Background(), twoSeatRequest())
	assert.False(t, res.Success)
	assert.Equal(t, CodeSeatError, res.ErrorCode)
	assert.Nil(t, res.Booking)

	// The whole batch is compensated, sibling seat A1 included.
	require.Len(t, locks.released, 1)
	assert.ElementsMatch(t, []string{"A1", "A2"}, locks.released[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBookingShowtimeChecks(t *testing.T) {
	cases := []struct {
		name     string
		startsAt time.Time
		status   string
	}{
		{"inactive showtime", frozenNow.Add(24 * time.Hour), "inactive"},
		{"already started", frozenNow.Add(-time.Hour), "active"},
		{"inside booking cutoff", frozenNow.Add(20 * time.Minute), "active"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			locks := &fakeLocker{}
			o, mock := newTestOrchestrator(t, locks, nil)

			rows := sqlmock.NewRows([]string{"id", "movie_title", "starts_at", "status", "prices", "available_seats"}).
				AddRow(7, "Inception", tc.startsAt, tc.status,
					[]byte(`{"gold":100000}`), []byte(`{"gold":["A1","A2","A3"]}`))
			mock.ExpectBegin()
			mock.ExpectQuery(`SELECT .+ FOR UPDATE$`).WithArgs(uint64(7)).WillReturnRows(rows)
			mock.ExpectRollback()

			res := o.CreateBooking(context.Background(), twoSeatRequest())
			assert.False(t, res.Success)
			assert.Equal(t, CodeShowtimeError, res.ErrorCode)
			require.Len(t, locks.released, 1)
		})
	}
}

func TestCreateBookingUnknownCategory(t *testing.T) {
	locks := &fakeLocker{}
	o, mock := newTestOrchestrator(t, locks, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FOR UPDATE$`).
		WithArgs(uint64(7)).
		WillReturnRows(showtimeRows(frozenNow.Add(24*time.Hour),
			`{"gold":100000}`,
			`{"gold":["A1"],"vip":["C1"]}`))
	mock.ExpectRollback()

	res := o.CreateBooking(context.Background(), &CreateRequest{
		UserID:     42,
		ShowtimeID: 7,
		Seats:      []SeatSelection{{SeatCode: "C1", Category: "vip"}},
	})
	assert.False(t, res.Success)
	assert.Equal(t, CodePricingError, res.ErrorCode)
	require.Len(t, locks.released, 1)
}

func TestCreateBookingDeadline(t *testing.T) {
	locks := &fakeLocker{}
	o, _ := newTestOrchestrator(t, locks, nil)
	o.timeout = -time.Second // the transaction context is born expired

	res := o.CreateBooking(context.Background(), twoSeatRequest())
	assert.False(t, res.Success)
	assert.Equal(t, CodeDeadlineError, res.ErrorCode)
	require.Len(t, locks.released, 1)
}

func TestCreateBookingWithPayment(t *testing.T) {
	locks := &fakeLocker{}
	o, mock := newTestOrchestrator(t, locks, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FOR UPDATE$`).
		WithArgs(uint64(7)).
		WillReturnRows(showtimeRows(frozenNow.Add(24*time.Hour),
			`{"gold":100000}`, `{"gold":["A1","A2","A3"]}`))
	mock.ExpectExec(`INSERT INTO bookings`).
		WillReturnResult(sqlmock.NewResult(11, 1))
	mock.ExpectExec(`INSERT INTO booking_seats`).
		WillReturnResult(sqlmock.NewResult(21, 2))
	mock.ExpectExec(`UPDATE showtimes SET available_seats`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO payments`).
		WithArgs(uint64(11), 200000.0, "card", model.PaymentPending, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(31, 1))
	mock.ExpectCommit()

	req := twoSeatRequest()
	req.Payment = &PaymentDetails{Method: "card"}
	res := o.CreateBooking(context.Background(), req)
	require.True(t, res.Success, "message=%s", res.Message)
	require.NotNil(t, res.Payment)
	assert.Equal(t, 200000.0, res.Payment.Amount)
	assert.Equal(t, model.PaymentPending, res.Payment.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBookingRejectsBadInput(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeLocker{}, nil)

	for name, req := range map[string]*CreateRequest{
		"no seats":       {UserID: 1, ShowtimeID: 7},
		"duplicate seat": {UserID: 1, ShowtimeID: 7, Seats: []SeatSelection{{SeatCode: "A1", Category: "gold"}, {SeatCode: "A1", Category: "gold"}}},
		"no category":    {UserID: 1, ShowtimeID: 7, Seats: []SeatSelection{{SeatCode: "A1"}}},
		"no showtime":    {UserID: 1, Seats: []SeatSelection{{SeatCode: "A1", Category: "gold"}}},
	} {
		t.Run(name, func(t *testing.T) {
			res := o.CreateBooking(context.Background(), req)
			assert.False(t, res.Success)
			assert.Equal(t, CodeGeneralError, res.ErrorCode)
		})
	}
}

func bookingRows(status, paymentStatus string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "booking_code", "user_id", "showtime_id", "total_amount",
		"status", "payment_status", "transaction_id", "cancellation_reason", "booked_at", "cancelled_at"}).
		AddRow(11, "CBAB12CD34", 42, 7, 200000.0, status, paymentStatus, "txn-1", nil, frozenNow.Add(-time.Hour), nil)
}

func bookingSeatRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "booking_id", "seat_code", "category", "price"}).
		AddRow(21, 11, "A1", "gold", 100000.0).
		AddRow(22, 11, "A2", "gold", 100000.0)
}

func expectCancelLookup(mock sqlmock.Sqlmock, status, paymentStatus string) {
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM bookings WHERE booking_code = \? FOR UPDATE$`).
		WithArgs("CBAB12CD34").
		WillReturnRows(bookingRows(status, paymentStatus))
	mock.ExpectQuery(`SELECT .+ FROM booking_seats WHERE booking_id = \?`).
		WithArgs(uint64(11)).
		WillReturnRows(bookingSeatRows())
}

func TestCancelBookingSuccessWithRefund(t *testing.T) {
	events := &fakePublisher{}
	o, mock := newTestOrchestrator(t, &fakeLocker{}, events)

	expectCancelLookup(mock, model.BookingConfirmed, model.PaymentCompleted)
	mock.ExpectQuery(`SELECT .+ FROM showtimes WHERE id = \? FOR UPDATE$`).
		WithArgs(uint64(7)).
		WillReturnRows(showtimeRows(frozenNow.Add(24*time.Hour),
			`{"gold":100000}`, `{"gold":["A3"]}`))
	mock.ExpectExec(`UPDATE showtimes SET available_seats`).
		WithArgs([]byte(`{"gold":["A1","A2","A3"]}`), uint64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .+ FROM payments WHERE booking_id = \? FOR UPDATE$`).
		WithArgs(uint64(11)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "booking_id", "amount", "method", "status",
			"transaction_id", "paid_at", "refunded_at"}).
			AddRow(31, 11, 200000.0, "card", model.PaymentCompleted, "pay-1", frozenNow.Add(-time.Hour), nil))
	mock.ExpectExec(`UPDATE payments SET status = \?, refunded_at = \?`).
		WithArgs(model.PaymentRefunded, frozenNow, uint64(31)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE bookings`).
		WithArgs(model.BookingCancelled, model.PaymentRefunded, "plans changed", frozenNow, uint64(11)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res := o.CancelBooking(context.Background(), "CBAB12CD34", "plans changed")
	require.True(t, res.Success, "message=%s code=%s", res.Message, res.ErrorCode)
	assert.Equal(t, model.BookingCancelled, res.Booking.Status)
	assert.Equal(t, model.PaymentRefunded, res.Booking.PaymentStatus)
	require.NotNil(t, res.Refund)
	assert.Equal(t, model.PaymentRefunded, res.Refund.Status)
	assert.Equal(t, []string{"A1", "A2"}, res.SeatsReleased)

	require.Len(t, events.cancelled, 1)
	assert.True(t, events.cancelled[0].Refunded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelBookingUnpaid(t *testing.T) {
	o, mock := newTestOrchestrator(t, &fakeLocker{}, nil)

	expectCancelLookup(mock, model.BookingPending, model.PaymentPending)
	mock.ExpectQuery(`SELECT .+ FROM showtimes WHERE id = \? FOR UPDATE$`).
		WithArgs(uint64(7)).
		WillReturnRows(showtimeRows(frozenNow.Add(24*time.Hour),
			`{"gold":100000}`, `{"gold":["A3"]}`))
	mock.ExpectExec(`UPDATE showtimes SET available_seats`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE bookings`).
		WithArgs(model.BookingCancelled, model.PaymentPending, "", frozenNow, uint64(11)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res := o.CancelBooking(context.Background(), "CBAB12CD34", "")
	require.True(t, res.Success, "message=%s", res.Message)
	assert.Nil(t, res.Refund)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelBookingIneligible(t *testing.T) {
	t.Run("already cancelled", func(t *testing.T) {
		o, mock := newTestOrchestrator(t, &fakeLocker{}, nil)
		expectCancelLookup(mock, model.BookingCancelled, model.PaymentRefunded)
		mock.ExpectRollback()

		res := o.CancelBooking(context.Background(), "CBAB12CD34", "again")
		assert.False(t, res.Success)
		assert.Equal(t, CodeCancellationIneligible, res.ErrorCode)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("terminal used booking", func(t *testing.T) {
		o, mock := newTestOrchestrator(t, &fakeLocker{}, nil)
		expectCancelLookup(mock, model.BookingCompleted, model.PaymentCompleted)
		mock.ExpectRollback()

		res := o.CancelBooking(context.Background(), "CBAB12CD34", "watched it anyway")
		assert.False(t, res.Success)
		assert.Equal(t, CodeCancellationIneligible, res.ErrorCode)
	})

	t.Run("past cutoff leaves booking untouched", func(t *testing.T) {
		o, mock := newTestOrchestrator(t, &fakeLocker{}, nil)
		expectCancelLookup(mock, model.BookingConfirmed, model.PaymentCompleted)
		// 90 minutes to showtime: inside the 2 hour window.
		mock.ExpectQuery(`SELECT .+ FROM showtimes WHERE id = \? FOR UPDATE$`).
			WithArgs(uint64(7)).
			WillReturnRows(showtimeRows(frozenNow.Add(90*time.Minute),
				`{"gold":100000}`, `{"gold":["A3"]}`))
		mock.ExpectRollback()

		res := o.CancelBooking(context.Background(), "CBAB12CD34", "too late")
		assert.False(t, res.Success)
		assert.Equal(t, CodeCancellationIneligible, res.ErrorCode)
		// No UPDATE was ever issued, so the booking status is unchanged.
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown code", func(t *testing.T) {
		o, mock := newTestOrchestrator(t, &fakeLocker{}, nil)
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT .+ FROM bookings WHERE booking_code = \? FOR UPDATE$`).
			WithArgs("NOPE").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		res := o.CancelBooking(context.Background(), "NOPE", "")
		assert.False(t, res.Success)
		assert.Equal(t, CodeGeneralError, res.ErrorCode)
	})
}

// TestPurchaseScenario walks the end-to-end interleaving: H1 holds A1
// and A2, H2 collides on A2, H1 buys, H2 picks up A3. The locking
// service runs for real over in-memory stores; only the relational
// side is mocked.
func TestPurchaseScenario(t *testing.T) {
	svc := locking.NewService(lease.NewMemoryStore(), lease.NewMemoryStore(), nil)
	events := &fakePublisher{}

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	o := NewOrchestrator(db, svc,
		repository.NewShowtimeRepo(db),
		repository.NewBookingRepo(db),
		repository.NewPaymentRepo(db),
		events)
	o.now = func() time.Time { return frozenNow }

	ctx := context.Background()
	h1, h2 := "user:1", "user:2"

	// H1 takes A1+A2.
	lock1, err := svc.LockSeats(ctx, 7, []string{"A1", "A2"}, h1)
	require.NoError(t, err)
	require.True(t, lock1.Success)
	assert.WithinDuration(t, time.Now().Add(locking.PrimaryTTL), lock1.ExpiresAt, 5*time.Second)

	// H2 collides on exactly A2.
	lock2, err := svc.LockSeats(ctx, 7, []string{"A2", "A3"}, h2)
	require.NoError(t, err)
	assert.False(t, lock2.Success)
	assert.Equal(t, []string{"A2"}, lock2.Conflicts)

	// H1 buys. Re-locking inside the purchase is an idempotent refresh.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FOR UPDATE$`).
		WithArgs(uint64(7)).
		WillReturnRows(showtimeRows(frozenNow.Add(24*time.Hour),
			`{"gold":100000}`, `{"gold":["A1","A2","A3"]}`))
	mock.ExpectExec(`INSERT INTO bookings`).
		WillReturnResult(sqlmock.NewResult(11, 1))
	mock.ExpectExec(`INSERT INTO booking_seats`).
		WillReturnResult(sqlmock.NewResult(21, 2))
	// A1 and A2 leave the ledger; only A3 remains.
	mock.ExpectExec(`UPDATE showtimes SET available_seats`).
		WithArgs([]byte(`{"gold":["A3"]}`), uint64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(`SELECT .+ FROM showtimes WHERE id = \?$`).
		WithArgs(uint64(7)).
		WillReturnRows(showtimeRows(frozenNow.Add(24*time.Hour),
			`{"gold":100000}`, `{"gold":["A3"]}`))

	res := o.CreateBooking(ctx, &CreateRequest{
		UserID:     1,
		ShowtimeID: 7,
		HolderID:   h1,
		Seats: []SeatSelection{
			{SeatCode: "A1", Category: "gold"},
			{SeatCode: "A2", Category: "gold"},
		},
	})
	require.True(t, res.Success, "message=%s code=%s", res.Message, res.ErrorCode)
	assert.Equal(t, 200000.0, res.Booking.TotalAmount)

	// H2 retries with just A3 and gets it.
	lock3, err := svc.LockSeats(ctx, 7, []string{"A3"}, h2)
	require.NoError(t, err)
	assert.True(t, lock3.Success)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStepErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := failStep(CodeSeatError, "seat gone", inner)
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "seat gone")
}
