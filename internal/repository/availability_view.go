package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/khoabug112310/eprojectep-v1-sub006/internal/model"
)

// AvailabilityView is the read side of the availability ledger used by
// seat-status queries. It deliberately reads without row locks:
// slightly stale availability is acceptable for display because the
// lease layer catches most conflicts up front and the booking
// transaction re-validates everything under the showtime row lock.
type AvailabilityView struct {
	db *sql.DB
}

// NewAvailabilityView returns an AvailabilityView bound to the
// provided database.
func NewAvailabilityView(db *sql.DB) *AvailabilityView { return &AvailabilityView{db: db} }

// AvailableSeats returns the showtime's remaining seat codes per
// category, straight from the ledger document.
func (v *AvailabilityView) AvailableSeats(ctx context.Context, showtimeID uint64) (map[string][]string, error) {
	const q = `SELECT available_seats FROM showtimes WHERE id = ?`
	var raw []byte
	if err := v.db.QueryRowContext(ctx, q, showtimeID).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrShowtimeNotFound
		}
		return nil, err
	}
	var available map[string][]string
	if err := json.Unmarshal(raw, &available); err != nil {
		return nil, fmt.Errorf("decode available seats for showtime %d: %w", showtimeID, err)
	}
	return available, nil
}

// OccupiedSeats returns the seat codes sold to bookings that still
// occupy their seats (pending, confirmed or completed). Cancelled and
// failed bookings have returned their seats to the ledger and are
// excluded.
func (v *AvailabilityView) OccupiedSeats(ctx context.Context, showtimeID uint64) ([]string, error) {
	const q = `SELECT bs.seat_code
		FROM booking_seats bs
		JOIN bookings b ON b.id = bs.booking_id
		WHERE b.showtime_id = ? AND b.status IN (?, ?, ?)
		ORDER BY bs.seat_code`
	rows, err := v.db.QueryContext(ctx, q, showtimeID,
		model.BookingPending, model.BookingConfirmed, model.BookingCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var seats []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		seats = append(seats, code)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return seats, nil
}
