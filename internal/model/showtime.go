package model

import (
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// Showtime statuses. Only an active showtime accepts new bookings.
const (
	ShowtimeActive    = "active"
	ShowtimeInactive  = "inactive"
	ShowtimeCancelled = "cancelled"
)

// BookingCutoff is how long before the show starts that purchases close.
const BookingCutoff = 30 * time.Minute

// CancellationCutoff is how long before the show starts that
// cancellations close.
const CancellationCutoff = 2 * time.Hour

// Showtime represents one scheduled screening together with its
// authoritative price table and availability ledger. The ledger
// (AvailableSeats) is the source of truth for what is still sellable;
// it may only be mutated while holding the showtime's row lock.
//
// Fields:
//
//	ID             – primary key identifier.
//	MovieTitle     – title of the movie being screened.
//	StartsAt       – screening start time in UTC.
//	Status         – active, inactive or cancelled.
//	Prices         – seat category → unit price.
//	AvailableSeats – seat category → seat codes still sellable.
type Showtime struct {
	ID             uint64              `json:"id"`
	MovieTitle     string              `json:"movie_title"`
	StartsAt       time.Time           `json:"starts_at"`
	Status         string              `json:"status"`
	Prices         map[string]float64  `json:"prices"`
	AvailableSeats map[string][]string `json:"available_seats"`
}

// Bookable reports whether the showtime still accepts bookings at the
// given instant: it must be active, in the future, and the booking
// cutoff must not have passed.
func (s *Showtime) Bookable(now time.Time) bool {
	if s.Status != ShowtimeActive {
		return false
	}
	if !s.StartsAt.After(now) {
		return false
	}
	return now.Before(s.StartsAt.Add(-BookingCutoff))
}

// Cancellable reports whether bookings for this showtime may still be
// cancelled at the given instant (before the cancellation cutoff).
func (s *Showtime) Cancellable(now time.Time) bool {
	return now.Before(s.StartsAt.Add(-CancellationCutoff))
}

// RemainingCapacity is the total number of seats left across all
// category sets of the availability ledger.
func (s *Showtime) RemainingCapacity() int {
	n := 0
	for _, seats := range s.AvailableSeats {
		n += len(seats)
	}
	return n
}

// PriceFor returns the authoritative unit price for a seat category.
// The second return value is false for unknown categories.
func (s *Showtime) PriceFor(category string) (float64, bool) {
	p, ok := s.Prices[category]
	return p, ok
}

// AvailableSet returns the category's available seat codes as a set so
// callers can do membership and difference math without reimplementing
// slice scans.
func (s *Showtime) AvailableSet(category string) mapset.Set[string] {
	return mapset.NewSet(s.AvailableSeats[category]...)
}

// RemoveSeats deletes the given seat codes from their category's
// available set. It returns the seats that were not present (already
// sold or never part of the category); the ledger is only modified
// when every requested seat was present, keeping the mutation
// all-or-nothing.
func (s *Showtime) RemoveSeats(category string, seats []string) (missing []string) {
	available := s.AvailableSet(category)
	requested := mapset.NewSet(seats...)
	gone := requested.Difference(available)
	if gone.Cardinality() > 0 {
		return sortedSlice(gone)
	}
	s.AvailableSeats[category] = sortedSlice(available.Difference(requested))
	return nil
}

// RestoreSeats puts seat codes back into their category's available
// set, deduplicating against what is already present.
func (s *Showtime) RestoreSeats(category string, seats []string) {
	merged := s.AvailableSet(category).Union(mapset.NewSet(seats...))
	s.AvailableSeats[category] = sortedSlice(merged)
}

func sortedSlice(set mapset.Set[string]) []string {
	out := set.ToSlice()
	// Sets iterate in hash order; sorted output keeps ledger JSON and
	// API responses deterministic.
	sort.Strings(out)
	return out
}
