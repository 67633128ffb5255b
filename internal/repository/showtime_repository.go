package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/khoabug112310/eprojectep-v1-sub006/internal/model"
)

// ShowtimeRepo manages persistence for showtimes and their ledger.
// Showtime rows carry two JSON documents, the per-category price
// table and the per-category available-seat sets, so the whole ledger
// of one showtime moves under a single row lock.
type ShowtimeRepo struct {
	db *sql.DB
}

// NewShowtimeRepo constructs a ShowtimeRepo with the given DB handle.
func NewShowtimeRepo(db *sql.DB) *ShowtimeRepo {
	return &ShowtimeRepo{db: db}
}

// DB exposes the underlying sql.DB. It allows callers to begin
// transactions spanning multiple repositories.
func (r *ShowtimeRepo) DB() *sql.DB {
	return r.db
}

const showtimeColumns = `id, movie_title, starts_at, status, prices, available_seats`

// GetByID retrieves a showtime without locking it. Readers of the
// ledger outside a transaction may see slightly stale seat sets; the
// row lock taken by GetForUpdateTx is what serializes mutations.
func (r *ShowtimeRepo) GetByID(ctx context.Context, id uint64) (*model.Showtime, error) {
	const q = `SELECT ` + showtimeColumns + ` FROM showtimes WHERE id = ?`
	return scanShowtime(r.db.QueryRowContext(ctx, q, id))
}

// GetForUpdateTx retrieves a showtime under a row-level lock inside
// the caller's transaction. Every ledger mutation for the showtime is
// serialized behind this lock, which makes it the authoritative
// tie-breaker beneath the advisory seat leases.
func (r *ShowtimeRepo) GetForUpdateTx(ctx context.Context, tx *sql.Tx, id uint64) (*model.Showtime, error) {
	const q = `SELECT ` + showtimeColumns + ` FROM showtimes WHERE id = ? FOR UPDATE`
	return scanShowtime(tx.QueryRowContext(ctx, q, id))
}

// UpdateAvailableSeatsTx persists the showtime's per-category
// available-seat sets. It must only be called while the caller's
// transaction holds the showtime row lock taken by GetForUpdateTx.
func (r *ShowtimeRepo) UpdateAvailableSeatsTx(ctx context.Context, tx *sql.Tx, id uint64, seats map[string][]string) error {
	payload, err := json.Marshal(seats)
	if err != nil {
		return fmt.Errorf("encode available seats: %w", err)
	}
	const q = `UPDATE showtimes SET available_seats = ? WHERE id = ?`
	res, err := tx.ExecContext(ctx, q, payload, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrShowtimeNotFound
	}
	return nil
}

// rowScanner covers *sql.Row and *sql.Rows so scanShowtime works with
// both single-row and multi-row queries.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanShowtime(row rowScanner) (*model.Showtime, error) {
	var (
		st        model.Showtime
		prices    []byte
		available []byte
	)
	err := row.Scan(&st.ID, &st.MovieTitle, &st.StartsAt, &st.Status, &prices, &available)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrShowtimeNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(prices, &st.Prices); err != nil {
		return nil, fmt.Errorf("decode prices for showtime %d: %w", st.ID, err)
	}
	if err := json.Unmarshal(available, &st.AvailableSeats); err != nil {
		return nil, fmt.Errorf("decode available seats for showtime %d: %w", st.ID, err)
	}
	return &st, nil
}
