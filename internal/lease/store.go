package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/khoabug112310/eprojectep-v1-sub006/internal/model"
)

// ErrUnavailable marks a store round trip that failed for connectivity
// reasons (dial, timeout, closed pool). Callers retry these; every
// other error is permanent and must not be retried.
var ErrUnavailable = errors.New("lease store unavailable")

// IsConnectivity reports whether err is a retryable connectivity
// failure.
func IsConnectivity(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Store is one backend holding seat leases. Two implementations exist:
// RedisStore (primary, durable across processes) and MemoryStore
// (fallback, process-local). Every mutation is guarded by holder
// identity so one holder can never release or extend another's lease.
type Store interface {
	// Name identifies the backend in logs and sweep reports.
	Name() string

	// Get returns the lease at key, or nil when absent. A payload that
	// cannot be decoded is treated as absent; the sweeper purges it.
	Get(ctx context.Context, key string) (*model.SeatLease, error)

	// GetMulti returns the decodable leases present at the given keys.
	GetMulti(ctx context.Context, keys []string) (map[string]*model.SeatLease, error)

	// Acquire writes the lease at key with the given TTL if the key is
	// free, expired, or already held by the same holder (idempotent
	// refresh). On conflict it returns the existing foreign lease and
	// writes nothing. First write wins between racing holders.
	Acquire(ctx context.Context, key string, l *model.SeatLease, ttl time.Duration) (*model.SeatLease, error)

	// Release deletes the lease at key if it is owned by holderID.
	// It reports whether a lease was removed; a foreign lease is left
	// untouched.
	Release(ctx context.Context, key string, holderID string) (bool, error)

	// Extend moves the lease's expires_at to the given time and
	// refreshes the TTL, provided the lease exists and is owned by
	// holderID. It reports whether the lease was extended.
	Extend(ctx context.Context, key string, holderID string, expiresAt time.Time, ttl time.Duration) (bool, error)

	// Keys lists every lease key starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// RemoveExpired deletes the lease at key if its stored expires_at
	// has passed now, or if its payload cannot be decoded. A live
	// lease — including one re-acquired since the caller looked — is
	// never removed.
	RemoveExpired(ctx context.Context, key string, now time.Time) (bool, error)
}

// Lease keys live in one flat namespace per seat:
// seat_lock:{showtime_id}:{seat_code}.
const KeyPrefix = "seat_lock:"

// Key builds the store key for one seat of one showtime.
func Key(showtimeID uint64, seatCode string) string {
	return fmt.Sprintf("%s%d:%s", KeyPrefix, showtimeID, seatCode)
}

// ShowtimePrefix builds the key prefix shared by every seat of one
// showtime, for scoped scans.
func ShowtimePrefix(showtimeID uint64) string {
	return fmt.Sprintf("%s%d:", KeyPrefix, showtimeID)
}

// SeatFromKey extracts the seat code from a lease key. Seat codes
// contain no colon, so the tail after the second colon is the code.
func SeatFromKey(key string) string {
	rest := strings.TrimPrefix(key, KeyPrefix)
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		return rest[i+1:]
	}
	return rest
}
