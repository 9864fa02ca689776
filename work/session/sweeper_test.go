package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"kvod-proxy/work/store"
)

func TestSweepReclaimsStaleSessions(t *testing.T) {
	r, l, s := testRegistry()
	ctx := context.Background()
	sw := NewSweeper(r.cfg, s, r)

	l.TryAcquire(ctx, 4, 2)
	r.Create(ctx, newState("stale", 4), newRecord("stale", 4))
	r.Create(ctx, newState("fresh", 4), newRecord("fresh", 4))

	// Age the first session past the max-age threshold.
	old := time.Now().Add(-r.cfg.SessionMaxAge - time.Minute)
	s.HSet(ctx, connKey("stale"), map[string]string{
		"last_activity": fmt.Sprintf("%d", old.Unix()),
	})

	sw.Sweep(ctx)

	if _, err := r.Load(ctx, "stale"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("stale session should be reclaimed, got err=%v", err)
	}
	if _, err := r.Load(ctx, "fresh"); err != nil {
		t.Fatalf("fresh session should survive: %v", err)
	}
	if n, _ := l.Count(ctx, 4); n != 1 {
		t.Fatalf("profile count after sweep = %d, want 1", n)
	}
}

func TestSweepSkipsActiveSessions(t *testing.T) {
	r, _, s := testRegistry()
	ctx := context.Background()
	sw := NewSweeper(r.cfg, s, r)

	r.Create(ctx, newState("busy", 4), newRecord("busy", 4))
	r.IncrActiveStreams(ctx, "busy")

	old := time.Now().Add(-r.cfg.SessionMaxAge - time.Minute)
	s.HSet(ctx, connKey("busy"), map[string]string{
		"last_activity": fmt.Sprintf("%d", old.Unix()),
	})

	sw.Sweep(ctx)

	if _, err := r.Load(ctx, "busy"); err != nil {
		t.Fatalf("session with in-flight relay must not be reclaimed: %v", err)
	}
}

func TestSweepIdempotent(t *testing.T) {
	r, l, s := testRegistry()
	ctx := context.Background()
	sw := NewSweeper(r.cfg, s, r)

	l.TryAcquire(ctx, 4, 1)
	r.Create(ctx, newState("stale", 4), newRecord("stale", 4))
	old := time.Now().Add(-r.cfg.SessionMaxAge - time.Minute)
	s.HSet(ctx, connKey("stale"), map[string]string{
		"last_activity": fmt.Sprintf("%d", old.Unix()),
	})

	sw.Sweep(ctx)
	sw.Sweep(ctx)

	if n, _ := l.Count(ctx, 4); n != 0 {
		t.Fatalf("double sweep must release the slot exactly once, count=%d", n)
	}
}
