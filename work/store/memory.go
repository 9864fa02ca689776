package store

import (
	"context"
	"path"
	"strconv"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// MemoryStore is an in-process Store used by tests and single-worker
// deployments. Per-key atomicity comes from the xsync map's Compute; TTLs
// are enforced lazily on access, which is enough because the sweeper
// re-reads every candidate before acting on it.
type MemoryStore struct {
	entries *xsync.MapOf[string, *memEntry]
}

type memEntry struct {
	val       string
	hash      map[string]string
	expiresAt time.Time // zero = no expiry
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: xsync.NewMapOf[string, *memEntry]()}
}

// live loads an entry, treating expired ones as absent.
func (s *MemoryStore) live(key string) (*memEntry, bool) {
	e, ok := s.entries.Load(key)
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		s.entries.Delete(key)
		return nil, false
	}
	return e, true
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	e, ok := s.live(key)
	if !ok {
		return "", ErrNotFound
	}
	return e.val, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.entries.Store(key, &memEntry{val: value, expiresAt: deadline(ttl)})
	return nil
}

func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	won := false
	s.entries.Compute(key, func(old *memEntry, loaded bool) (*memEntry, bool) {
		if loaded && !old.expired(time.Now()) {
			return old, false
		}
		won = true
		return &memEntry{val: value, expiresAt: deadline(ttl)}, false
	})
	return won, nil
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) (int64, error) {
	var deleted int64
	now := time.Now()
	for _, key := range keys {
		if e, ok := s.entries.LoadAndDelete(key); ok && !e.expired(now) {
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.add(key, 1)
}

func (s *MemoryStore) Decr(ctx context.Context, key string) (int64, error) {
	return s.add(key, -1)
}

func (s *MemoryStore) add(key string, delta int64) (int64, error) {
	var result int64
	s.entries.Compute(key, func(old *memEntry, loaded bool) (*memEntry, bool) {
		var n int64
		var expires time.Time
		if loaded && !old.expired(time.Now()) {
			n, _ = strconv.ParseInt(old.val, 10, 64)
			expires = old.expiresAt
		}
		n += delta
		result = n
		return &memEntry{val: strconv.FormatInt(n, 10), expiresAt: expires}, false
	})
	return result, nil
}

func (s *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	out := map[string]string{}
	e, ok := s.live(key)
	if !ok {
		return out, nil
	}
	for k, v := range e.hash {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) HSet(_ context.Context, key string, fields map[string]string) error {
	s.entries.Compute(key, func(old *memEntry, loaded bool) (*memEntry, bool) {
		next := &memEntry{hash: map[string]string{}}
		if loaded && !old.expired(time.Now()) {
			next.expiresAt = old.expiresAt
			for k, v := range old.hash {
				next.hash[k] = v
			}
		}
		for k, v := range fields {
			next.hash[k] = v
		}
		return next, false
	})
	return nil
}

func (s *MemoryStore) HIncrBy(_ context.Context, key, field string, delta int64) (int64, error) {
	var result int64
	s.entries.Compute(key, func(old *memEntry, loaded bool) (*memEntry, bool) {
		next := &memEntry{hash: map[string]string{}}
		if loaded && !old.expired(time.Now()) {
			next.expiresAt = old.expiresAt
			for k, v := range old.hash {
				next.hash[k] = v
			}
		}
		n, _ := strconv.ParseInt(next.hash[field], 10, 64)
		n += delta
		result = n
		next.hash[field] = strconv.FormatInt(n, 10)
		return next, false
	})
	return result, nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.entries.Compute(key, func(old *memEntry, loaded bool) (*memEntry, bool) {
		if !loaded || old.expired(time.Now()) {
			return old, true
		}
		next := &memEntry{val: old.val, hash: old.hash, expiresAt: deadline(ttl)}
		return next, false
	})
	return nil
}

// Scan returns every live key matching the glob pattern in a single batch.
// The in-memory store has no meaningful cursor, so the scan always
// completes in one call.
func (s *MemoryStore) Scan(_ context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	var keys []string
	now := time.Now()
	s.entries.Range(func(key string, e *memEntry) bool {
		if e.expired(now) {
			return true
		}
		if ok, _ := path.Match(match, key); ok {
			keys = append(keys, key)
		}
		return true
	})
	return keys, 0, nil
}

func deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
