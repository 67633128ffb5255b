package model

import "time"

// SeatLease is the value stored in the lease store for one held seat.
// The seat code itself is not part of the value: it lives in the store
// key, one key per (showtime, seat). A lease grants its holder the
// exclusive right to extend or release it; it expires on its own once
// ExpiresAt has passed.
//
// Fields:
//
//	HolderID     – actor currently owning the lease.
//	ShowtimeID   – showtime the seat belongs to.
//	LockedAt     – when the lease was first written.
//	ExpiresAt    – when the lease stops being valid.
//	FallbackMode – true when the lease lives in the degraded secondary
//	               store and therefore carries a shorter TTL.
type SeatLease struct {
	HolderID     string    `json:"holder_id"`
	ShowtimeID   uint64    `json:"showtime_id"`
	LockedAt     time.Time `json:"locked_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	FallbackMode bool      `json:"fallback_mode,omitempty"`
}

// Expired reports whether the lease's stored expiry has passed at the
// given instant. Stores also enforce TTLs natively; this check covers
// leases whose backing TTL was lost or drifted.
func (l *SeatLease) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// OwnedBy reports whether holderID currently owns the lease.
func (l *SeatLease) OwnedBy(holderID string) bool {
	return l.HolderID == holderID
}

// LockedSeat pairs a seat code with the lease currently covering it.
// It is the unit returned by seat-status queries.
type LockedSeat struct {
	SeatCode     string    `json:"seat_code"`
	HolderID     string    `json:"holder_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	FallbackMode bool      `json:"fallback_mode,omitempty"`
}
