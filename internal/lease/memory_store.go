package lease

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/khoabug112310/eprojectep-v1-sub006/internal/model"
)

// MemoryStore is the process-local fallback backend used while the
// primary store is unreachable. Leases held here are lost on restart
// and invisible to other instances, which is why fallback leases carry
// a shorter TTL and are tagged fallback_mode so callers can warn the
// holder. There is no background reaper: entries expire lazily on
// access and are purged by the sweeper.
type MemoryStore struct {
	mu  sync.RWMutex
	m   map[string]memEntry
	now func() time.Time
}

type memEntry struct {
	lease    model.SeatLease
	deadline time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(map[string]memEntry), now: time.Now}
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Get(_ context.Context, key string) (*model.SeatLease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.m[key]
	if !ok || !s.live(e) {
		return nil, nil
	}
	l := e.lease
	return &l, nil
}

func (s *MemoryStore) GetMulti(_ context.Context, keys []string) (map[string]*model.SeatLease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*model.SeatLease, len(keys))
	for _, key := range keys {
		if e, ok := s.m[key]; ok && s.live(e) {
			l := e.lease
			out[key] = &l
		}
	}
	return out, nil
}

func (s *MemoryStore) Acquire(_ context.Context, key string, l *model.SeatLease, ttl time.Duration) (*model.SeatLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.m[key]; ok && s.live(e) && e.lease.HolderID != l.HolderID {
		cur := e.lease
		return &cur, nil
	}
	s.m[key] = memEntry{lease: *l, deadline: s.now().Add(ttl)}
	return nil, nil
}

func (s *MemoryStore) Release(_ context.Context, key string, holderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[key]
	if !ok {
		return false, nil
	}
	if !s.live(e) {
		delete(s.m, key)
		return false, nil
	}
	if e.lease.HolderID != holderID {
		return false, nil
	}
	delete(s.m, key)
	return true, nil
}

func (s *MemoryStore) Extend(_ context.Context, key string, holderID string, expiresAt time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[key]
	if !ok || !s.live(e) || e.lease.HolderID != holderID {
		return false, nil
	}
	e.lease.ExpiresAt = expiresAt
	e.deadline = s.now().Add(ttl)
	s.m[key] = e
	return true, nil
}

func (s *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.m {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *MemoryStore) RemoveExpired(_ context.Context, key string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[key]
	if !ok {
		return false, nil
	}
	if e.lease.Expired(now) || !e.deadline.After(now) {
		delete(s.m, key)
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) live(e memEntry) bool {
	return e.deadline.After(s.now())
}
