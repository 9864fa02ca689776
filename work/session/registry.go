// Package session owns the shared-store session registry: one persistent
// connection record per session id, a short-TTL creation lock, delayed
// cleanup timers, and the background sweeper that reclaims stale sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"kvod-proxy/work/config"
	"kvod-proxy/work/limiter"
	"kvod-proxy/work/logger"
	"kvod-proxy/work/metrics"
	"kvod-proxy/work/store"
)

// ErrLockUnavailable is returned when the creation lock could not be won
// and no other worker published the state within the retry window.
var ErrLockUnavailable = errors.New("session creation lock unavailable")

const (
	connKeyPrefix = "vod_persistent_connection:"
	lockKeyPrefix = "vod_connection_lock:"
	sessKeyPrefix = "vod_session:"
)

func connKey(sid string) string { return connKeyPrefix + sid }
func lockKey(sid string) string { return lockKeyPrefix + sid }
func sessKey(sid string) string { return sessKeyPrefix + sid }

// Registry coordinates ConnectionState lifecycle across workers. All
// shared mutation goes through the store; the only in-process state is
// the delayed cleanup timer map, which is advisory (the sweeper covers
// timers lost to a process restart).
type Registry struct {
	cfg     *config.Config
	store   store.Store
	limiter *limiter.Limiter
	timers  *xsync.MapOf[string, *time.Timer]
}

// NewRegistry creates a Registry on the shared store.
func NewRegistry(cfg *config.Config, s store.Store, l *limiter.Limiter) *Registry {
	return &Registry{
		cfg:     cfg,
		store:   s,
		limiter: l,
		timers:  xsync.NewMapOf[string, *time.Timer](),
	}
}

// Load fetches the ConnectionState for a session id, or store.ErrNotFound.
func (r *Registry) Load(ctx context.Context, sid string) (*ConnectionState, error) {
	fields, err := r.store.HGetAll(ctx, connKey(sid))
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sid, err)
	}
	if len(fields) == 0 {
		return nil, store.ErrNotFound
	}
	return stateFromFields(fields), nil
}

// LoadRecord fetches the SessionRecord for a session id.
func (r *Registry) LoadRecord(ctx context.Context, sid string) (*SessionRecord, error) {
	fields, err := r.store.HGetAll(ctx, sessKey(sid))
	if err != nil {
		return nil, fmt.Errorf("load session record %s: %w", sid, err)
	}
	if len(fields) == 0 {
		return nil, store.ErrNotFound
	}
	return recordFromFields(fields), nil
}

// Create registers a new session under the distributed creation lock.
// It returns created=false with the existing state when another worker
// won the race; the caller must then release any profile slot it claimed
// for the new session.
func (r *Registry) Create(ctx context.Context, state *ConnectionState, rec *SessionRecord) (bool, *ConnectionState, error) {
	sid := state.SessionID

	for attempt := 0; attempt <= r.cfg.LockRetries; attempt++ {
		won, err := r.store.SetNX(ctx, lockKey(sid), "1", r.cfg.LockTTL)
		if err != nil {
			return false, nil, fmt.Errorf("acquire creation lock for %s: %w", sid, err)
		}

		if won {
			existing, err := r.Load(ctx, sid)
			if err == nil {
				r.releaseLock(ctx, sid)
				logger.Debug("{session - Create} session %s already registered, reusing", sid)
				return false, existing, nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				r.releaseLock(ctx, sid)
				return false, nil, err
			}

			now := time.Now()
			state.CreatedAt = now
			state.LastActivity = now
			if err := r.store.HSet(ctx, connKey(sid), state.toFields()); err != nil {
				r.releaseLock(ctx, sid)
				return false, nil, fmt.Errorf("write session %s: %w", sid, err)
			}
			r.store.Expire(ctx, connKey(sid), r.cfg.ConnectionTTL)

			rec.CreatedAt = now
			if err := r.store.HSet(ctx, sessKey(sid), rec.toFields()); err != nil {
				logger.Warn("{session - Create} session record write failed for %s: %v", sid, err)
			}
			r.store.Expire(ctx, sessKey(sid), r.cfg.SessionTTL)

			r.releaseLock(ctx, sid)
			metrics.ActiveSessions.Inc()
			logger.Info("{session - Create} registered session %s for profile %d", sid, state.OwningProfileID)
			return true, state, nil
		}

		// Lock loser: wait for the winner to publish, then reuse its state.
		time.Sleep(r.cfg.LockRetryDelay)
		existing, err := r.Load(ctx, sid)
		if err == nil {
			logger.Debug("{session - Create} lost creation race for %s, reusing winner's state", sid)
			return false, existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return false, nil, err
		}
	}

	metrics.StreamErrors.WithLabelValues("lock").Inc()
	return false, nil, ErrLockUnavailable
}

func (r *Registry) releaseLock(ctx context.Context, sid string) {
	if _, err := r.store.Del(ctx, lockKey(sid)); err != nil {
		logger.Warn("{session - releaseLock} lock release failed for %s: %v", sid, err)
	}
}

// SetResolved records the redirect-resolved URL, content length, and
// content type after the first successful upstream fetch. Both final_url
// and content_length are write-once: fields already populated are left
// untouched.
func (r *Registry) SetResolved(ctx context.Context, sid, finalURL string, contentLength int64, contentType string) error {
	state, err := r.Load(ctx, sid)
	if err != nil {
		return err
	}

	fields := map[string]string{}
	if state.FinalURL == "" && finalURL != "" {
		fields["final_url"] = finalURL
	}
	if state.ContentLength == LengthUnknown && contentLength > 0 {
		fields["content_length"] = fmt.Sprintf("%d", contentLength)
	}
	if state.ContentType == "" && contentType != "" {
		fields["content_type"] = contentType
	}
	if len(fields) == 0 {
		return nil
	}

	if err := r.store.HSet(ctx, connKey(sid), fields); err != nil {
		return fmt.Errorf("record resolved target for %s: %w", sid, err)
	}
	logger.Debug("{session - SetResolved} session %s resolved (length=%d type=%s)", sid, contentLength, contentType)
	return nil
}

// Touch bumps last_activity and request_count and refreshes the TTLs on
// both session keys.
func (r *Registry) Touch(ctx context.Context, sid string) {
	key := connKey(sid)
	if err := r.store.HSet(ctx, key, map[string]string{
		"last_activity": fmt.Sprintf("%d", time.Now().Unix()),
	}); err != nil {
		logger.Warn("{session - Touch} activity update failed for %s: %v", sid, err)
		return
	}
	if _, err := r.store.HIncrBy(ctx, key, "request_count", 1); err != nil {
		logger.Warn("{session - Touch} request count update failed for %s: %v", sid, err)
	}
	r.store.Expire(ctx, key, r.cfg.ConnectionTTL)
	r.store.Expire(ctx, sessKey(sid), r.cfg.SessionTTL)
}

// exists reports whether the connection hash is still present. Hash
// writes must never recreate an expired session: a partial hash has no
// owning_profile_id, so its eventual teardown would leak the slot.
func (r *Registry) exists(ctx context.Context, sid string) bool {
	fields, err := r.store.HGetAll(ctx, connKey(sid))
	return err == nil && len(fields) > 0
}

// TouchActivity updates last_activity and refreshes the key TTLs. The
// relay loop calls this on a sampled cadence, which is also what keeps a
// relay longer than ConnectionTTL from expiring mid-stream.
func (r *Registry) TouchActivity(ctx context.Context, sid string) {
	if !r.exists(ctx, sid) {
		logger.Warn("{session - TouchActivity} session %s is gone, not recreating", sid)
		return
	}
	if err := r.store.HSet(ctx, connKey(sid), map[string]string{
		"last_activity": fmt.Sprintf("%d", time.Now().Unix()),
	}); err != nil {
		logger.Warn("{session - TouchActivity} update failed for %s: %v", sid, err)
		return
	}
	r.store.Expire(ctx, connKey(sid), r.cfg.ConnectionTTL)
	r.store.Expire(ctx, sessKey(sid), r.cfg.SessionTTL)
}

// IncrActiveStreams marks one more in-flight relay on the session. A
// session that already expired is left absent.
func (r *Registry) IncrActiveStreams(ctx context.Context, sid string) {
	if !r.exists(ctx, sid) {
		logger.Warn("{session - IncrActiveStreams} session %s is gone, not recreating", sid)
		return
	}
	if _, err := r.store.HIncrBy(ctx, connKey(sid), "active_stream_count", 1); err != nil {
		logger.Warn("{session - IncrActiveStreams} failed for %s: %v", sid, err)
	}
}

// DecrActiveStreams marks one relay finished and reports the remaining
// count. Negative counts from duplicate decrements are floored to zero,
// and an expired session is not resurrected by the decrement.
func (r *Registry) DecrActiveStreams(ctx context.Context, sid string) int64 {
	if !r.exists(ctx, sid) {
		return 0
	}
	n, err := r.store.HIncrBy(ctx, connKey(sid), "active_stream_count", -1)
	if err != nil {
		logger.Warn("{session - DecrActiveStreams} failed for %s: %v", sid, err)
		return 0
	}
	if n < 0 {
		r.store.HIncrBy(ctx, connKey(sid), "active_stream_count", 1)
		logger.Warn("{session - DecrActiveStreams} count for %s went negative, floored", sid)
		return 0
	}
	return n
}

// ScheduleCleanup arms a delayed teardown for a session whose last relay
// just ended. A new request cancels it via CancelCleanup; if the timer
// fires while the session is still idle, the session is torn down.
func (r *Registry) ScheduleCleanup(sid string) {
	timer := time.AfterFunc(r.cfg.CleanupDelay, func() {
		r.timers.Delete(sid)

		ctx := context.Background()
		state, err := r.Load(ctx, sid)
		if err != nil {
			return
		}
		if state.ActiveStreamCount > 0 {
			logger.Debug("{session - ScheduleCleanup} session %s became active again, keeping", sid)
			return
		}
		if _, err := r.Teardown(ctx, sid, "idle"); err != nil {
			logger.Warn("{session - ScheduleCleanup} delayed teardown failed for %s: %v", sid, err)
		}
	})

	if old, loaded := r.timers.LoadAndStore(sid, timer); loaded {
		old.Stop()
	}
	logger.Debug("{session - ScheduleCleanup} armed %s cleanup for session %s", r.cfg.CleanupDelay, sid)
}

// CancelCleanup disarms a pending delayed teardown, returning whether a
// timer was pending.
func (r *Registry) CancelCleanup(sid string) bool {
	timer, loaded := r.timers.LoadAndDelete(sid)
	if loaded {
		timer.Stop()
		logger.Debug("{session - CancelCleanup} session %s revived before cleanup", sid)
	}
	return loaded
}

// Teardown deletes the session's shared state and releases its profile
// slot. The slot release is keyed off the connection hash delete count,
// so concurrent teardowns release the slot exactly once. It reports
// whether this caller performed the teardown.
func (r *Registry) Teardown(ctx context.Context, sid, trigger string) (bool, error) {
	r.CancelCleanup(sid)

	var profileID int64
	if state, err := r.Load(ctx, sid); err == nil {
		profileID = state.OwningProfileID
	}

	deleted, err := r.store.Del(ctx, connKey(sid))
	if _, derr := r.store.Del(ctx, sessKey(sid)); derr != nil {
		logger.Warn("{session - Teardown} session record delete failed for %s: %v", sid, derr)
	}
	if err != nil {
		return false, fmt.Errorf("teardown session %s: %w", sid, err)
	}
	if deleted == 0 {
		return false, nil
	}

	if profileID > 0 {
		r.limiter.Release(ctx, profileID)
	}
	metrics.ActiveSessions.Dec()
	metrics.SessionsReclaimed.WithLabelValues(trigger).Inc()
	logger.Info("{session - Teardown} session %s torn down (%s), profile %d slot released", sid, trigger, profileID)
	return true, nil
}

// Records lists all live SessionRecords for the status endpoint.
func (r *Registry) Records(ctx context.Context) ([]*SessionRecord, error) {
	var out []*SessionRecord
	var cursor uint64
	for {
		keys, next, err := r.store.Scan(ctx, cursor, sessKeyPrefix+"*", 100)
		if err != nil {
			return nil, fmt.Errorf("scan session records: %w", err)
		}
		for _, key := range keys {
			fields, err := r.store.HGetAll(ctx, key)
			if err != nil || len(fields) == 0 {
				continue
			}
			out = append(out, recordFromFields(fields))
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}
