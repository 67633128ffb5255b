package repository

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/khoabug112310/eprojectep-v1-sub006/internal/model"
)

// mysqlDupEntry is the MySQL error number for a unique-key violation,
// raised when a generated booking code collides with an existing row.
const mysqlDupEntry = 1062

// codeAttempts bounds how often CreateTx regenerates a colliding
// booking code before giving up with ErrCodeExhausted.
const codeAttempts = 3

// BookingRepo provides data access to the bookings and booking_seats
// tables. Bookings are only ever written inside the purchase or
// cancellation transaction, so every mutating method takes a *sql.Tx;
// the caller owns commit and rollback.
type BookingRepo struct {
	db *sql.DB
}

// NewBookingRepo returns a new BookingRepo bound to the provided database.
func NewBookingRepo(db *sql.DB) *BookingRepo { return &BookingRepo{db: db} }

// DB exposes the underlying sql.DB for callers that begin transactions
// spanning multiple repositories.
func (r *BookingRepo) DB() *sql.DB { return r.db }

// GenerateBookingCode builds a human-facing booking code: "CB" plus
// eight uppercase hex characters from a cryptographically secure
// source. Uniqueness is enforced by the booking_code column; CreateTx
// regenerates on collision.
func GenerateBookingCode() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "CB" + strings.ToUpper(hex.EncodeToString(b)), nil
}

// CreateTx inserts the booking row and its seat lines within the
// provided transaction. When b.Code is empty a fresh code is
// generated; a duplicate-key collision only aborts the insert
// statement, not the transaction, so the insert is retried with a new
// code up to codeAttempts times. On success b.ID, b.Code and the seat
// line IDs are populated.
func (r *BookingRepo) CreateTx(ctx context.Context, tx *sql.Tx, b *model.Booking) error {
	const q = `INSERT INTO bookings
		(booking_code, user_id, showtime_id, total_amount, status, payment_status, transaction_id, booked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	fixedCode := b.Code != ""
	for attempt := 0; attempt < codeAttempts; attempt++ {
		if !fixedCode {
			code, err := GenerateBookingCode()
			if err != nil {
				return err
			}
			b.Code = code
		}
		res, err := tx.ExecContext(ctx, q,
			b.Code, b.UserID, b.ShowtimeID, b.TotalAmount,
			b.Status, b.PaymentStatus, b.TransactionID, b.BookedAt)
		if err != nil {
			var me *mysql.MySQLError
			if !fixedCode && errors.As(err, &me) && me.Number == mysqlDupEntry {
				continue
			}
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		b.ID = uint64(id)
		return r.createSeatsTx(ctx, tx, b)
	}
	return ErrCodeExhausted
}

// createSeatsTx batch-inserts the booking's seat lines in one
// statement. Booking seats are immutable after creation; they are the
// persisted record of what was sold and at which price.
func (r *BookingRepo) createSeatsTx(ctx context.Context, tx *sql.Tx, b *model.Booking) error {
	if len(b.Seats) == 0 {
		return nil
	}
	query := `INSERT INTO booking_seats (booking_id, seat_code, category, price) VALUES `
	args := make([]interface{}, 0, len(b.Seats)*4)
	for i := range b.Seats {
		if i > 0 {
			query += ","
		}
		query += "(?, ?, ?, ?)"
		args = append(args, b.ID, b.Seats[i].SeatCode, b.Seats[i].Category, b.Seats[i].Price)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	// MySQL reports the first auto-increment id of a multi-row insert;
	// the rest follow sequentially.
	first, err := res.LastInsertId()
	if err != nil {
		return err
	}
	for i := range b.Seats {
		b.Seats[i].ID = uint64(first) + uint64(i)
		b.Seats[i].BookingID = b.ID
	}
	return nil
}

// GetByCodeForUpdateTx loads a booking by its code under a row-level
// lock, including its seat lines. Cancellation runs behind this lock
// so two concurrent cancel calls cannot both release the seats.
func (r *BookingRepo) GetByCodeForUpdateTx(ctx context.Context, tx *sql.Tx, code string) (*model.Booking, error) {
	const q = `SELECT id, booking_code, user_id, showtime_id, total_amount, status,
		payment_status, transaction_id, cancellation_reason, booked_at, cancelled_at
		FROM bookings WHERE booking_code = ? FOR UPDATE`

	var (
		b           model.Booking
		reason      sql.NullString
		cancelledAt sql.NullTime
	)
	err := tx.QueryRowContext(ctx, q, code).Scan(
		&b.ID, &b.Code, &b.UserID, &b.ShowtimeID, &b.TotalAmount, &b.Status,
		&b.PaymentStatus, &b.TransactionID, &reason, &b.BookedAt, &cancelledAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}
	b.Reason = reason.String
	if cancelledAt.Valid {
		t := cancelledAt.Time
		b.CancelledAt = &t
	}

	seats, err := r.seatsTx(ctx, tx, b.ID)
	if err != nil {
		return nil, err
	}
	b.Seats = seats
	return &b, nil
}

// seatsTx loads the seat lines of one booking. No extra lock is
// needed: the parent booking row is already locked and seat lines are
// immutable.
func (r *BookingRepo) seatsTx(ctx context.Context, tx *sql.Tx, bookingID uint64) ([]model.BookingSeat, error) {
	const q = `SELECT id, booking_id, seat_code, category, price
		FROM booking_seats WHERE booking_id = ? ORDER BY seat_code`
	rows, err := tx.QueryContext(ctx, q, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var seats []model.BookingSeat
	for rows.Next() {
		var s model.BookingSeat
		if err := rows.Scan(&s.ID, &s.BookingID, &s.SeatCode, &s.Category, &s.Price); err != nil {
			return nil, err
		}
		seats = append(seats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return seats, nil
}

// MarkCancelledTx transitions the booking to cancelled, recording the
// reason, the cancellation time and the resulting payment status. The
// caller must hold the booking row lock and have verified the status
// transition beforehand.
func (r *BookingRepo) MarkCancelledTx(ctx context.Context, tx *sql.Tx, id uint64, reason, paymentStatus string, at time.Time) error {
	const q = `UPDATE bookings
		SET status = ?, payment_status = ?, cancellation_reason = ?, cancelled_at = ?
		WHERE id = ?`
	res, err := tx.ExecContext(ctx, q, model.BookingCancelled, paymentStatus, reason, at, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrBookingNotFound
	}
	return nil
}
