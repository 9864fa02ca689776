package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key does not exist.
var ErrNotFound = errors.New("store: key not found")

// Store is the shared fast store every worker process coordinates through.
// Session state, profile counters, and creation locks all live behind this
// interface; no in-process state is authoritative. The production
// implementation is Redis; MemoryStore backs tests and single-worker
// deployments.
type Store interface {
	// Get returns the string value at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set writes a string value with an optional TTL (0 = no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes the value only when the key is absent, with a TTL.
	// Returns true when this caller won the write.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Del removes keys and returns how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)

	// Incr atomically increments an integer key and returns the new value.
	// Missing keys start at zero.
	Incr(ctx context.Context, key string) (int64, error)

	// Decr atomically decrements an integer key and returns the new value.
	Decr(ctx context.Context, key string) (int64, error)

	// HGetAll returns all fields of a hash. A missing key yields an empty map.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// HSet writes fields into a hash, creating it when absent.
	HSet(ctx context.Context, key string, fields map[string]string) error

	// HIncrBy atomically adjusts an integer hash field and returns the new value.
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)

	// Expire sets or refreshes a key's TTL.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Scan iterates keys matching a glob pattern, returning a batch of keys
	// and the cursor for the next call. A returned cursor of 0 ends the scan.
	Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error)
}
