package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/khoabug112310/eprojectep-v1-sub006/internal/model"
)

// PaymentRepo provides data access to the payments table. Payments are
// created pending alongside their booking; the external payment
// collaborator moves them through processing to completed or failed,
// and cancellation flips completed payments to refunded. Like
// BookingRepo, all mutations run inside the caller's transaction.
type PaymentRepo struct {
	db *sql.DB
}

// NewPaymentRepo returns a new PaymentRepo bound to the provided database.
func NewPaymentRepo(db *sql.DB) *PaymentRepo { return &PaymentRepo{db: db} }

// CreateTx inserts a payment row within the provided transaction and
// populates p.ID on success.
func (r *PaymentRepo) CreateTx(ctx context.Context, tx *sql.Tx, p *model.Payment) error {
	const q = `INSERT INTO payments (booking_id, amount, method, status, transaction_id)
		VALUES (?, ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, q, p.BookingID, p.Amount, p.Method, p.Status, p.TransactionID)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	p.ID = uint64(id)
	return nil
}

// GetByBookingForUpdateTx loads the payment of one booking under a
// row-level lock, so the refund decision during cancellation cannot
// race a settlement update from the payment collaborator.
func (r *PaymentRepo) GetByBookingForUpdateTx(ctx context.Context, tx *sql.Tx, bookingID uint64) (*model.Payment, error) {
	const q = `SELECT id, booking_id, amount, method, status, transaction_id, paid_at, refunded_at
		FROM payments WHERE booking_id = ? FOR UPDATE`

	var (
		p          model.Payment
		txn        sql.NullString
		paidAt     sql.NullTime
		refundedAt sql.NullTime
	)
	err := tx.QueryRowContext(ctx, q, bookingID).Scan(
		&p.ID, &p.BookingID, &p.Amount, &p.Method, &p.Status, &txn, &paidAt, &refundedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	p.TransactionID = txn.String
	if paidAt.Valid {
		t := paidAt.Time
		p.PaidAt = &t
	}
	if refundedAt.Valid {
		t := refundedAt.Time
		p.RefundedAt = &t
	}
	return &p, nil
}

// MarkRefundedTx transitions a payment to refunded at the given
// instant. The caller must have verified the payment was completed.
func (r *PaymentRepo) MarkRefundedTx(ctx context.Context, tx *sql.Tx, id uint64, at time.Time) error {
	const q = `UPDATE payments SET status = ?, refunded_at = ? WHERE id = ?`
	res, err := tx.ExecContext(ctx, q, model.PaymentRefunded, at, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPaymentNotFound
	}
	return nil
}
