package locking

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sony/gobreaker"

	"github.com/khoabug112310/eprojectep-v1-sub006/internal/lease"
	"github.com/khoabug112310/eprojectep-v1-sub006/internal/model"
)

// Seat holds are advisory: they keep two users from picking the same
// seat in the UI, while the availability ledger remains the final
// arbiter at purchase time. Holds self-expire, so nothing here may
// block a seat forever.
const (
	// PrimaryTTL is how long a hold lives in the primary store.
	PrimaryTTL = 900 * time.Second
	// FallbackTTL is the reduced hold lifetime while degraded to the
	// in-process store, bounding how long a hold invisible to other
	// instances can last.
	FallbackTTL = 300 * time.Second
)

const (
	retryAttempts = 3
	retryBackoff  = 50 * time.Millisecond

	breakerFailures = 3
	breakerCooldown = 30 * time.Second
)

// ErrStoreUnavailable means both the primary and the fallback store
// were unreachable after retries; the caller gets a hard failure.
var ErrStoreUnavailable = errors.New("lock store unavailable")

// ErrNoSeats rejects calls with an empty or missing seat list.
var ErrNoSeats = errors.New("no seats requested")

// ErrNoHolder rejects calls without a holder identity.
var ErrNoHolder = errors.New("no holder id")

// LedgerView is the read side of the availability ledger, used to merge
// sold seats into seat-status responses. Implemented by the repository
// layer.
type LedgerView interface {
	// AvailableSeats returns the showtime's remaining seat codes per
	// category.
	AvailableSeats(ctx context.Context, showtimeID uint64) (map[string][]string, error)
	// OccupiedSeats returns seat codes already sold to active bookings.
	OccupiedSeats(ctx context.Context, showtimeID uint64) ([]string, error)
}

// LockResult reports one all-or-nothing acquisition attempt. Either
// every requested seat was locked (Success, Locked, ExpiresAt) or none
// were and Conflicts lists the seats held by other users.
type LockResult struct {
	Success   bool               `json:"success"`
	Locked    []model.LockedSeat `json:"locked_seats,omitempty"`
	Conflicts []string           `json:"conflicts,omitempty"`
	ExpiresAt time.Time          `json:"expires_at"`
	Fallback  bool               `json:"fallback_mode,omitempty"`
}

// ExtendResult reports a partial-success extension: seats whose hold
// was pushed forward and seats that could not be extended because the
// caller no longer owns them.
type ExtendResult struct {
	Success   bool      `json:"success"`
	Extended  []string  `json:"extended_seats"`
	Failed    []string  `json:"failed_seats"`
	NewExpiry time.Time `json:"new_expiry"`
	Fallback  bool      `json:"fallback_mode,omitempty"`
}

// SeatStatus is the merged per-showtime view: seats still sellable per
// category, seats currently held, and seats already sold.
type SeatStatus struct {
	Available map[string][]string `json:"available"`
	Locked    []model.LockedSeat  `json:"locked"`
	Occupied  []string            `json:"occupied"`
}

// CleanupReport summarises one sweep over the lease namespace.
type CleanupReport struct {
	TotalChecked int `json:"total_checked"`
	Cleaned      int `json:"cleaned"`
	Errors       int `json:"errors"`
}

// Service coordinates seat holds against a primary lease store with a
// process-local fallback. Every store round trip is retried with
// exponential backoff on connectivity failure; a circuit breaker stops
// hammering the primary once it looks down and routes calls to the
// fallback (shorter TTL, results tagged fallback_mode) until the
// cooldown lets a probe through.
type Service struct {
	primary  lease.Store
	fallback lease.Store
	breaker  *gobreaker.CircuitBreaker
	ledger   LedgerView

	attempts int
	backoff  time.Duration
	now      func() time.Time
}

func NewService(primary, fallback lease.Store, ledger LedgerView) *Service {
	s := &Service{
		primary:  primary,
		fallback: fallback,
		ledger:   ledger,
		attempts: retryAttempts,
		backoff:  retryBackoff,
		now:      time.Now,
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "lease-primary",
		MaxRequests: 1,
		Timeout:     breakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= breakerFailures
		},
		IsSuccessful: func(err error) bool {
			// Only connectivity exhaustion counts against the primary;
			// business outcomes and bad input do not open the breaker.
			return err == nil || !lease.IsConnectivity(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("locking: breaker %s: %s -> %s", name, from, to)
		},
	})
	return s
}

// run executes op against the primary store first (through the breaker,
// with retries) and degrades to the fallback store when the primary is
// unreachable or the breaker is open. It reports whether the fallback
// handled the call.
func (s *Service) run(ctx context.Context, op func(st lease.Store, ttl time.Duration, fb bool) error) (bool, error) {
	_, perr := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.withRetry(ctx, func() error {
			return op(s.primary, PrimaryTTL, false)
		})
	})
	if perr == nil {
		return false, nil
	}
	if !degradable(perr) {
		return false, perr
	}
	log.Printf("locking: primary store unavailable, degrading to %s: %v", s.fallback.Name(), perr)
	if ferr := s.withRetry(ctx, func() error {
		return op(s.fallback, FallbackTTL, true)
	}); ferr != nil {
		if lease.IsConnectivity(ferr) {
			return true, fmt.Errorf("%w: %v", ErrStoreUnavailable, ferr)
		}
		return true, ferr
	}
	return true, nil
}

// withRetry runs attempt up to s.attempts times, doubling the pause
// between tries. Only connectivity failures are retried.
func (s *Service) withRetry(ctx context.Context, attempt func() error) error {
	backoff := s.backoff
	var err error
	for i := 0; i < s.attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = attempt(); err == nil || !lease.IsConnectivity(err) {
			return err
		}
	}
	return err
}

func degradable(err error) bool {
	return lease.IsConnectivity(err) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests)
}

// LockSeats acquires a hold on every requested seat for holderID, all
// or nothing. If any seat is already held by someone else the call
// returns the full conflict list and writes nothing; racing callers are
// resolved first-write-wins by the store. Re-locking seats the holder
// already owns refreshes them.
func (s *Service) LockSeats(ctx context.Context, showtimeID uint64, seats []string, holderID string) (*LockResult, error) {
	seats = dedupe(seats)
	if len(seats) == 0 {
		return nil, ErrNoSeats
	}
	if holderID == "" {
		return nil, ErrNoHolder
	}

	var res *LockResult
	fellBack, err := s.run(ctx, func(st lease.Store, ttl time.Duration, fb bool) error {
		r, opErr := s.lockAll(ctx, st, showtimeID, seats, holderID, ttl, fb)
		if opErr != nil {
			return opErr
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Fallback = fellBack
	return res, nil
}

func (s *Service) lockAll(ctx context.Context, st lease.Store, showtimeID uint64, seats []string, holderID string, ttl time.Duration, fb bool) (*LockResult, error) {
	now := s.now().UTC().Truncate(time.Second)
	expiry := now.Add(ttl)

	keys := make([]string, len(seats))
	for i, seat := range seats {
		keys[i] = lease.Key(showtimeID, seat)
	}

	// First pass: reject the whole batch if anyone else holds a seat,
	// reporting every blocked seat so the client can deselect exactly
	// those.
	held, err := st.GetMulti(ctx, keys)
	if err != nil {
		return nil, err
	}
	conflicts := conflictsIn(seats, keys, held, holderID, now)
	if len(conflicts) > 0 {
		return &LockResult{Conflicts: conflicts}, nil
	}

	// Second pass: write each lease. The store resolves races that the
	// first pass could not see; any loss rolls back the seats written
	// for this call.
	var written []string
	locked := make([]model.LockedSeat, 0, len(seats))
	for i, seat := range seats {
		l := &model.SeatLease{
			HolderID:     holderID,
			ShowtimeID:   showtimeID,
			LockedAt:     now,
			ExpiresAt:    expiry,
			FallbackMode: fb,
		}
		cur, aerr := st.Acquire(ctx, keys[i], l, ttl)
		if aerr != nil {
			s.rollback(ctx, st, written, holderID)
			return nil, aerr
		}
		if cur != nil {
			s.rollback(ctx, st, written, holderID)
			return s.conflictResult(ctx, st, seats, keys, holderID, now, seat)
		}
		written = append(written, keys[i])
		locked = append(locked, model.LockedSeat{
			SeatCode:     seat,
			HolderID:     holderID,
			ExpiresAt:    expiry,
			FallbackMode: fb,
		})
	}

	return &LockResult{Success: true, Locked: locked, ExpiresAt: expiry}, nil
}

// conflictResult re-reads the batch after a lost race so the response
// carries the complete set of blocked seats, not just the first loser.
func (s *Service) conflictResult(ctx context.Context, st lease.Store, seats, keys []string, holderID string, now time.Time, lost string) (*LockResult, error) {
	held, err := st.GetMulti(ctx, keys)
	if err != nil {
		return &LockResult{Conflicts: []string{lost}}, nil
	}
	conflicts := conflictsIn(seats, keys, held, holderID, now)
	if len(conflicts) == 0 {
		conflicts = []string{lost}
	}
	return &LockResult{Conflicts: conflicts}, nil
}

func (s *Service) rollback(ctx context.Context, st lease.Store, keys []string, holderID string) {
	for _, key := range keys {
		if _, err := st.Release(ctx, key, holderID); err != nil {
			// Leftover holds die with their TTL; nothing else to do.
			log.Printf("locking: rollback release %s failed: %v", key, err)
		}
	}
}

func conflictsIn(seats, keys []string, held map[string]*model.SeatLease, holderID string, now time.Time) []string {
	var conflicts []string
	for i, seat := range seats {
		if l, ok := held[keys[i]]; ok && !l.OwnedBy(holderID) && !l.Expired(now) {
			conflicts = append(conflicts, seat)
		}
	}
	sort.Strings(conflicts)
	return conflicts
}

// UnlockSeats releases the holder's leases on the given seats. Seats
// held by someone else (or not held at all) are skipped, which makes
// the call safe to repeat.
func (s *Service) UnlockSeats(ctx context.Context, showtimeID uint64, seats []string, holderID string) (bool, error) {
	seats = dedupe(seats)
	if len(seats) == 0 {
		return false, ErrNoSeats
	}
	if holderID == "" {
		return false, ErrNoHolder
	}

	removed := false
	_, err := s.run(ctx, func(st lease.Store, _ time.Duration, _ bool) error {
		removed = false
		for _, seat := range seats {
			ok, rerr := st.Release(ctx, lease.Key(showtimeID, seat), holderID)
			if rerr != nil {
				return rerr
			}
			removed = removed || ok
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// ExtendLock pushes the expiry of the holder's leases forward by one
// TTL. Unlike LockSeats this is partial-success: seats the holder no
// longer owns land in the failed list while the rest are extended.
func (s *Service) ExtendLock(ctx context.Context, showtimeID uint64, seats []string, holderID string) (*ExtendResult, error) {
	seats = dedupe(seats)
	if len(seats) == 0 {
		return nil, ErrNoSeats
	}
	if holderID == "" {
		return nil, ErrNoHolder
	}

	var res *ExtendResult
	fellBack, err := s.run(ctx, func(st lease.Store, ttl time.Duration, fb bool) error {
		now := s.now().UTC().Truncate(time.Second)
		expiry := now.Add(ttl)
		extended := make([]string, 0, len(seats))
		failed := make([]string, 0)
		for _, seat := range seats {
			ok, eerr := st.Extend(ctx, lease.Key(showtimeID, seat), holderID, expiry, ttl)
			if eerr != nil {
				return eerr
			}
			if ok {
				extended = append(extended, seat)
			} else {
				failed = append(failed, seat)
			}
		}
		res = &ExtendResult{
			Success:   len(failed) == 0,
			Extended:  extended,
			Failed:    failed,
			NewExpiry: expiry,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Fallback = fellBack
	return res, nil
}

// SeatStatus merges the three sources of seat state for a showtime:
// live holds from the lease stores, sold seats from the ledger, and
// whatever the ledger still lists as sellable minus the held seats.
func (s *Service) SeatStatus(ctx context.Context, showtimeID uint64) (*SeatStatus, error) {
	available, err := s.ledger.AvailableSeats(ctx, showtimeID)
	if err != nil {
		return nil, fmt.Errorf("ledger available seats: %w", err)
	}
	occupied, err := s.ledger.OccupiedSeats(ctx, showtimeID)
	if err != nil {
		return nil, fmt.Errorf("ledger occupied seats: %w", err)
	}

	now := s.now().UTC()
	locked := make([]model.LockedSeat, 0)
	seen := mapset.NewSet[string]()

	collect := func(st lease.Store) error {
		keys, kerr := st.Keys(ctx, lease.ShowtimePrefix(showtimeID))
		if kerr != nil {
			return kerr
		}
		held, gerr := st.GetMulti(ctx, keys)
		if gerr != nil {
			return gerr
		}
		for key, l := range held {
			seat := lease.SeatFromKey(key)
			if l.Expired(now) || seen.Contains(seat) {
				continue
			}
			seen.Add(seat)
			locked = append(locked, model.LockedSeat{
				SeatCode:     seat,
				HolderID:     l.HolderID,
				ExpiresAt:    l.ExpiresAt,
				FallbackMode: l.FallbackMode,
			})
		}
		return nil
	}

	_, err = s.run(ctx, func(st lease.Store, _ time.Duration, fb bool) error {
		if fb {
			// The fallback is merged below regardless.
			return nil
		}
		return collect(st)
	})
	if err != nil {
		return nil, err
	}
	// Holds taken while degraded live only in the fallback store, so
	// the merged view always includes it.
	if err := collect(s.fallback); err != nil {
		return nil, err
	}

	sort.Slice(locked, func(i, j int) bool { return locked[i].SeatCode < locked[j].SeatCode })

	free := make(map[string][]string, len(available))
	for category, seats := range available {
		set := mapset.NewSet(seats...).Difference(seen)
		out := set.ToSlice()
		sort.Strings(out)
		free[category] = out
	}
	sort.Strings(occupied)

	return &SeatStatus{Available: free, Locked: locked, Occupied: occupied}, nil
}

// CleanupExpiredLocks walks every lease in both stores and removes the
// ones whose expires_at has passed, plus any payload that no longer
// decodes. It is idempotent and safe to run while traffic is live: a
// hold re-acquired mid-sweep is left alone.
func (s *Service) CleanupExpiredLocks(ctx context.Context) CleanupReport {
	var report CleanupReport
	now := s.now().UTC()

	for _, st := range []lease.Store{s.primary, s.fallback} {
		var keys []string
		err := s.withRetry(ctx, func() error {
			var kerr error
			keys, kerr = st.Keys(ctx, lease.KeyPrefix)
			return kerr
		})
		if err != nil {
			log.Printf("locking: sweep: list %s keys: %v", st.Name(), err)
			report.Errors++
			continue
		}
		for _, key := range keys {
			report.TotalChecked++
			removed, rerr := st.RemoveExpired(ctx, key, now)
			if rerr != nil {
				log.Printf("locking: sweep: remove %s from %s: %v", key, st.Name(), rerr)
				report.Errors++
				continue
			}
			if removed {
				report.Cleaned++
			}
		}
	}
	return report
}

func dedupe(seats []string) []string {
	seen := make(map[string]struct{}, len(seats))
	out := seats[:0:0]
	for _, seat := range seats {
		if seat == "" {
			continue
		}
		if _, dup := seen[seat]; dup {
			continue
		}
		seen[seat] = struct{}{}
		out = append(out, seat)
	}
	return out
}
