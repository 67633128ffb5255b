package sweeper

import (
	"context"
	"log"
	"time"

	"github.com/khoabug112310/eprojectep-v1-sub006/internal/locking"
)

// DefaultInterval is how often expired seat holds are swept when no
// interval is configured.
const DefaultInterval = 5 * time.Minute

type lockCleaner interface {
	CleanupExpiredLocks(ctx context.Context) locking.CleanupReport
}

// Sweeper periodically removes expired leases from the lock stores.
// The lease TTL already bounds how long an abandoned hold can block a
// seat; the sweeper is the safety net for entries that outlived their
// TTL (fallback store, keys written without expiry, undecodable
// payloads).
type Sweeper struct {
	locks    lockCleaner
	interval time.Duration
}

func New(locks lockCleaner, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{locks: locks, interval: interval}
}

// Start blocks, sweeping on a fixed interval until ctx is cancelled.
// Run it in its own goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Printf("sweeper: started, interval=%s", s.interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("sweeper: stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep and reports what it found. Sweeps
// are idempotent and safe to run while traffic is live, so calling
// this concurrently with the interval loop is harmless.
func (s *Sweeper) RunOnce(ctx context.Context) locking.CleanupReport {
	report := s.locks.CleanupExpiredLocks(ctx)
	log.Printf("sweeper: checked=%d cleaned=%d errors=%d",
		report.TotalChecked, report.Cleaned, report.Errors)
	return report
}
