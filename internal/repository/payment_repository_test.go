package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khoabug112310/eprojectep-v1-sub006/internal/model"
)

func TestPaymentRepoCreateTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO payments`).
		WithArgs(uint64(11), 200000.0, "card", model.PaymentPending, "pay-1").
		WillReturnResult(sqlmock.NewResult(31, 1))

	tx, err := db.Begin()
	require.NoError(t, err)

	p := &model.Payment{
		BookingID:     11,
		Amount:        200000,
		Method:        "card",
		Status:        model.PaymentPending,
		TransactionID: "pay-1",
	}
	require.NoError(t, NewPaymentRepo(db).CreateTx(context.Background(), tx, p))
	assert.Equal(t, uint64(31), p.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepoGetByBookingForUpdateTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	paidAt := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM payments WHERE booking_id = \? FOR UPDATE$`).
		WithArgs(uint64(11)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "booking_id", "amount", "method", "status",
			"transaction_id", "paid_at", "refunded_at"}).
			AddRow(31, 11, 200000.0, "card", model.PaymentCompleted, "pay-1", paidAt, nil))

	tx, err := db.Begin()
	require.NoError(t, err)

	p, err := NewPaymentRepo(db).GetByBookingForUpdateTx(context.Background(), tx, 11)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentCompleted, p.Status)
	require.NotNil(t, p.PaidAt)
	assert.Equal(t, paidAt, *p.PaidAt)
	assert.Nil(t, p.RefundedAt)
}

func TestPaymentRepoGetByBookingNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM payments WHERE booking_id = \? FOR UPDATE$`).
		WithArgs(uint64(404)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "booking_id", "amount", "method", "status",
			"transaction_id", "paid_at", "refunded_at"}))

	tx, err := db.Begin()
	require.NoError(t, err)

	_, err = NewPaymentRepo(db).GetByBookingForUpdateTx(context.Background(), tx, 404)
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestPaymentRepoMarkRefundedTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE payments SET status = \?, refunded_at = \? WHERE id = \?$`).
		WithArgs(model.PaymentRefunded, at, uint64(31)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	tx, err := db.Begin()
	require.NoError(t, err)

	require.NoError(t, NewPaymentRepo(db).MarkRefundedTx(context.Background(), tx, 31, at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentRepoMarkRefundedMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE payments SET status = \?, refunded_at = \?`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	tx, err := db.Begin()
	require.NoError(t, err)

	err = NewPaymentRepo(db).MarkRefundedTx(context.Background(), tx, 99, time.Now())
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}
