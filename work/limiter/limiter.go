// Package limiter enforces per-profile concurrent stream caps on top of a
// shared counter, so every worker process sees the same occupancy.
package limiter

import (
	"context"
	"errors"
	"fmt"

	"kvod-proxy/work/logger"
	"kvod-proxy/work/store"
)

// ErrLimitExceeded is returned by TryAcquire when the profile is at
// capacity. Callers map it to 429.
var ErrLimitExceeded = errors.New("profile connection limit exceeded")

// Limiter tracks per-profile connection counts in the shared store.
type Limiter struct {
	store store.Store
}

// New creates a Limiter backed by the given store.
func New(s store.Store) *Limiter {
	return &Limiter{store: s}
}

func profileKey(profileID int64) string {
	return fmt.Sprintf("profile_connections:%d", profileID)
}

// TryAcquire claims one slot for the profile. The increment is optimistic:
// if the new count exceeds maxStreams the slot is rolled back and
// ErrLimitExceeded is returned. maxStreams <= 0 means unlimited.
func (l *Limiter) TryAcquire(ctx context.Context, profileID int64, maxStreams int) error {
	key := profileKey(profileID)

	count, err := l.store.Incr(ctx, key)
	if err != nil {
		return fmt.Errorf("acquire slot for profile %d: %w", profileID, err)
	}

	if maxStreams > 0 && count > int64(maxStreams) {
		if _, derr := l.store.Decr(ctx, key); derr != nil {
			logger.Error("{limiter - TryAcquire} rollback failed for profile %d: %v", profileID, derr)
		}
		logger.Debug("{limiter - TryAcquire} profile %d at capacity (%d/%d)", profileID, count-1, maxStreams)
		return ErrLimitExceeded
	}

	logger.Debug("{limiter - TryAcquire} profile %d now at %d connections", profileID, count)
	return nil
}

// Release returns one slot for the profile. Double releases are floored
// back to zero rather than letting the counter go negative, which would
// silently raise the effective limit.
func (l *Limiter) Release(ctx context.Context, profileID int64) {
	key := profileKey(profileID)

	count, err := l.store.Decr(ctx, key)
	if err != nil {
		logger.Error("{limiter - Release} decrement failed for profile %d: %v", profileID, err)
		return
	}
	if count < 0 {
		if _, ierr := l.store.Incr(ctx, key); ierr != nil {
			logger.Error("{limiter - Release} floor correction failed for profile %d: %v", profileID, ierr)
		}
		logger.Warn("{limiter - Release} counter for profile %d went negative, floored to zero", profileID)
		return
	}
	logger.Debug("{limiter - Release} profile %d now at %d connections", profileID, count)
}

// Count reports the current connection count for the profile.
func (l *Limiter) Count(ctx context.Context, profileID int64) (int64, error) {
	v, err := l.store.Get(ctx, profileKey(profileID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	var n int64
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0, fmt.Errorf("parse profile %d count %q: %w", profileID, v, err)
	}
	return n, nil
}
