// Package counter provides process-wide usage counters backed by
// Redis. Every counter lives under one namespaced key with a TTL, so
// counts are bounded in time and expire on their own instead of
// accumulating as ambient global state. The rate limiter counts
// requests per window through it and the response cache counts hits
// and misses.
package counter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript bumps the counter and stamps the TTL in one atomic step.
// The TTL is only set when the key is created, so the window is fixed
// from the first increment; the script returns the new count and the
// remaining window in milliseconds.
var incrScript = redis.NewScript(`
	local n = redis.call('INCR', KEYS[1])
	if n == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	local ttl = redis.call('PTTL', KEYS[1])
	if ttl < 0 then ttl = 0 end
	return { n, ttl }
`)

// Service tracks named counters in Redis. A nil Redis client makes
// every operation a cheap no-op reporting zero, which lets consumers
// (rate limiter, cache stats) degrade to disabled rather than fail.
type Service struct {
	rdb    *redis.Client
	prefix string
}

// New builds a counter service. prefix namespaces all keys; empty
// means "counter".
func New(rdb *redis.Client, prefix string) *Service {
	if prefix == "" {
		prefix = "counter"
	}
	return &Service{rdb: rdb, prefix: prefix}
}

// Enabled reports whether a Redis backend is attached.
func (s *Service) Enabled() bool { return s != nil && s.rdb != nil }

func (s *Service) key(name string) string {
	return s.prefix + ":" + name
}

// Incr bumps the counter at name and returns the new count together
// with how long the counter still lives. The first increment of a key
// starts its window; later increments never extend it, so every window
// expires exactly once.
func (s *Service) Incr(ctx context.Context, name string, window time.Duration) (int64, time.Duration, error) {
	if !s.Enabled() {
		return 0, 0, nil
	}
	vals, err := incrScript.Run(ctx, s.rdb, []string{s.key(name)}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("incr counter %s: %w", name, err)
	}
	if len(vals) != 2 {
		return 0, 0, fmt.Errorf("incr counter %s: unexpected reply %v", name, vals)
	}
	return vals[0], time.Duration(vals[1]) * time.Millisecond, nil
}

// Value reads the current count at name. A missing or expired counter
// reads as zero.
func (s *Service) Value(ctx context.Context, name string) (int64, error) {
	if !s.Enabled() {
		return 0, nil
	}
	n, err := s.rdb.Get(ctx, s.key(name)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter %s: %w", name, err)
	}
	return n, nil
}
