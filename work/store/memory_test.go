package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreSetNX(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	won, err := s.SetNX(ctx, "lock", "owner-a", time.Minute)
	if err != nil || !won {
		t.Fatalf("first SetNX: won=%v err=%v", won, err)
	}
	won, _ = s.SetNX(ctx, "lock", "owner-b", time.Minute)
	if won {
		t.Fatal("second SetNX should lose while lock is held")
	}
	if _, err := s.Del(ctx, "lock"); err != nil {
		t.Fatalf("del: %v", err)
	}
	won, _ = s.SetNX(ctx, "lock", "owner-b", time.Minute)
	if !won {
		t.Fatal("SetNX should win after delete")
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Set(ctx, "k", "v", 10*time.Millisecond)
	if v, err := s.Get(ctx, "k"); err != nil || v != "v" {
		t.Fatalf("get before expiry: %q %v", v, err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := s.Get(ctx, "k"); err != ErrNotFound {
		t.Fatalf("get after expiry: want ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreCounters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, err := s.Incr(ctx, "c")
		if err != nil || n != i {
			t.Fatalf("incr %d: n=%d err=%v", i, n, err)
		}
	}
	n, _ := s.Decr(ctx, "c")
	if n != 2 {
		t.Fatalf("decr: want 2, got %d", n)
	}
}

func TestMemoryStoreHashes(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.HSet(ctx, "h", map[string]string{"a": "1", "b": "x"})
	s.HSet(ctx, "h", map[string]string{"b": "y"})
	m, err := s.HGetAll(ctx, "h")
	if err != nil {
		t.Fatalf("hgetall: %v", err)
	}
	if m["a"] != "1" || m["b"] != "y" {
		t.Fatalf("unexpected hash: %v", m)
	}

	n, _ := s.HIncrBy(ctx, "h", "count", 2)
	if n != 2 {
		t.Fatalf("hincrby: want 2, got %d", n)
	}
	n, _ = s.HIncrBy(ctx, "h", "count", -1)
	if n != 1 {
		t.Fatalf("hincrby: want 1, got %d", n)
	}

	m, _ = s.HGetAll(ctx, "missing")
	if len(m) != 0 {
		t.Fatalf("missing hash should be empty, got %v", m)
	}
}

func TestMemoryStoreDelCount(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Set(ctx, "a", "1", 0)
	n, _ := s.Del(ctx, "a", "missing")
	if n != 1 {
		t.Fatalf("del count: want 1, got %d", n)
	}
	n, _ = s.Del(ctx, "a")
	if n != 0 {
		t.Fatalf("second del count: want 0, got %d", n)
	}
}

func TestMemoryStoreScan(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Set(ctx, "vod_session:one", "x", 0)
	s.Set(ctx, "vod_session:two", "x", 0)
	s.Set(ctx, "other:key", "x", 0)

	keys, cursor, err := s.Scan(ctx, 0, "vod_session:*", 100)
	if err != nil || cursor != 0 {
		t.Fatalf("scan: cursor=%d err=%v", cursor, err)
	}
	if len(keys) != 2 {
		t.Fatalf("scan keys: want 2, got %v", keys)
	}
}
