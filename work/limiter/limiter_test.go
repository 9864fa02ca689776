package limiter

import (
	"context"
	"errors"
	"sync"
	"testing"

	"kvod-proxy/work/store"
)

func TestTryAcquireRespectsCap(t *testing.T) {
	l := New(store.NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l.TryAcquire(ctx, 7, 2); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if err := l.TryAcquire(ctx, 7, 2); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("third acquire: want ErrLimitExceeded, got %v", err)
	}

	// Rejection must not leak a slot.
	l.Release(ctx, 7)
	if err := l.TryAcquire(ctx, 7, 2); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestTryAcquireUnlimited(t *testing.T) {
	l := New(store.NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := l.TryAcquire(ctx, 1, 0); err != nil {
			t.Fatalf("unlimited acquire %d: %v", i, err)
		}
	}
}

func TestReleaseFloorsAtZero(t *testing.T) {
	l := New(store.NewMemoryStore())
	ctx := context.Background()

	l.Release(ctx, 3)
	l.Release(ctx, 3)

	if err := l.TryAcquire(ctx, 3, 1); err != nil {
		t.Fatalf("acquire after stray releases: %v", err)
	}
	if err := l.TryAcquire(ctx, 3, 1); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("cap should still hold after stray releases, got %v", err)
	}
}

func TestConcurrentAcquire(t *testing.T) {
	l := New(store.NewMemoryStore())
	ctx := context.Background()
	const workers = 50
	const max = 5

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.TryAcquire(ctx, 9, max); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != max {
		t.Fatalf("granted %d slots, want %d", granted, max)
	}
	n, err := l.Count(ctx, 9)
	if err != nil || n != max {
		t.Fatalf("count: n=%d err=%v", n, err)
	}
}
