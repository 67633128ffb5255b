package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/khoabug112310/eprojectep-v1-sub006/internal/model"
)

// Lease writes go through small Lua scripts so the holder check and the
// write land in one atomic step. Plain SET NX is not enough here: an
// acquire must also win over an expired or undecodable payload, and a
// release must never delete a lease the caller does not own.

// acquireScript returns the existing payload when a different holder
// owns the key, otherwise writes the new payload with the given TTL.
// A payload that fails to decode is treated as free and overwritten.
var acquireScript = redis.NewScript(`
	local raw = redis.call('GET', KEYS[1])
	if raw then
		local ok, lease = pcall(cjson.decode, raw)
		if ok and type(lease) == 'table' and lease.holder_id and lease.holder_id ~= ARGV[1] then
			return raw
		end
	end
	redis.call('SET', KEYS[1], ARGV[2], 'EX', ARGV[3])
	return false
`)

// releaseScript deletes the key only when it is absent of a foreign
// owner: 1 = deleted, 0 = nothing there, -1 = owned by someone else.
var releaseScript = redis.NewScript(`
	local raw = redis.call('GET', KEYS[1])
	if not raw then return 0 end
	local ok, lease = pcall(cjson.decode, raw)
	if ok and type(lease) == 'table' and lease.holder_id and lease.holder_id ~= ARGV[1] then
		return -1
	end
	redis.call('DEL', KEYS[1])
	return 1
`)

// extendScript rewrites expires_at inside the stored payload and
// refreshes the key TTL, only for the owning holder.
var extendScript = redis.NewScript(`
	local raw = redis.call('GET', KEYS[1])
	if not raw then return 0 end
	local ok, lease = pcall(cjson.decode, raw)
	if not ok or type(lease) ~= 'table' or lease.holder_id ~= ARGV[1] then
		return 0
	end
	lease.expires_at = ARGV[2]
	redis.call('SET', KEYS[1], cjson.encode(lease), 'EX', ARGV[3])
	return 1
`)

// removeIfMatchScript deletes the key only while it still holds the
// exact payload the sweeper inspected, so a lease re-acquired in the
// meantime survives.
var removeIfMatchScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		redis.call('DEL', KEYS[1])
		return 1
	end
	return 0
`)

// scanCount is the COUNT hint for SCAN during full-namespace sweeps.
const scanCount = 100

// RedisStore is the primary lease backend. Expiry is enforced by key
// TTL, so a present key is a live lease; the embedded expires_at exists
// for callers and for the sweeper's safety net.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an already-connected client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) Get(ctx context.Context, key string) (*model.SeatLease, error) {
	raw, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get", err)
	}
	var l model.SeatLease
	if json.Unmarshal([]byte(raw), &l) != nil {
		return nil, nil
	}
	return &l, nil
}

func (s *RedisStore) GetMulti(ctx context.Context, keys []string) (map[string]*model.SeatLease, error) {
	if len(keys) == 0 {
		return map[string]*model.SeatLease{}, nil
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable("mget", err)
	}
	out := make(map[string]*model.SeatLease, len(keys))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var l model.SeatLease
		if json.Unmarshal([]byte(raw), &l) != nil {
			continue
		}
		out[keys[i]] = &l
	}
	return out, nil
}

func (s *RedisStore) Acquire(ctx context.Context, key string, l *model.SeatLease, ttl time.Duration) (*model.SeatLease, error) {
	payload, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("encode lease: %w", err)
	}
	res, err := acquireScript.Run(ctx, s.rdb, []string{key}, l.HolderID, string(payload), ttlSeconds(ttl)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("acquire", err)
	}
	raw, ok := res.(string)
	if !ok {
		return nil, nil
	}
	var cur model.SeatLease
	if jsonErr := json.Unmarshal([]byte(raw), &cur); jsonErr != nil {
		return nil, fmt.Errorf("decode conflicting lease at %s: %w", key, jsonErr)
	}
	return &cur, nil
}

func (s *RedisStore) Release(ctx context.Context, key string, holderID string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.rdb, []string{key}, holderID).Int()
	if err != nil {
		return false, unavailable("release", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Extend(ctx context.Context, key string, holderID string, expiresAt time.Time, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, s.rdb, []string{key}, holderID, expiresAt.UTC().Format(time.RFC3339), ttlSeconds(ttl)).Int()
	if err != nil {
		return false, unavailable("extend", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, prefix+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable("scan", err)
	}
	return keys, nil
}

func (s *RedisStore) RemoveExpired(ctx context.Context, key string, now time.Time) (bool, error) {
	raw, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("get", err)
	}
	var l model.SeatLease
	if json.Unmarshal([]byte(raw), &l) == nil && !l.Expired(now) {
		return false, nil
	}
	n, err := removeIfMatchScript.Run(ctx, s.rdb, []string{key}, raw).Int()
	if err != nil {
		return false, unavailable("remove", err)
	}
	return n == 1, nil
}

func ttlSeconds(ttl time.Duration) int64 {
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func unavailable(op string, err error) error {
	return fmt.Errorf("redis %s: %w: %v", op, ErrUnavailable, err)
}
