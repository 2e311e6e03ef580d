package syncutil

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedMutex_BasicLockUnlock(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	unlock, err := m.Lock(ctx, "user:1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	unlock()

	// Re-acquire after unlock must succeed immediately.
	unlock, err = m.Lock(ctx, "user:1")
	if err != nil {
		t.Fatalf("re-acquire failed: %v", err)
	}
	unlock()
}

func TestKeyedMutex_MutualExclusionSameKey(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	var inCritical atomic.Int32
	var maxSeen atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.LockUser(ctx, 7)
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			defer unlock()

			n := inCritical.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(time.Millisecond)
			inCritical.Add(-1)
		}()
	}
	wg.Wait()

	if maxSeen.Load() != 1 {
		t.Errorf("expected at most 1 goroutine in critical section, saw %d", maxSeen.Load())
	}
}

func TestKeyedMutex_ContextCancellation(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.Lock(context.Background(), "held")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = m.Lock(ctx, "held")
	if err == nil {
		t.Fatal("expected context error while lock is held")
	}
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	// user:a and a key in a different shard should not block each other.
	unlockA, err := m.Lock(ctx, "user:a")
	if err != nil {
		t.Fatalf("lock a: %v", err)
	}
	defer unlockA()

	held := m.shardIdx("user:a")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := int64(0); i < 10; i++ {
			key := "user:" + strconv.FormatInt(i, 10)
			if m.shardIdx(key) == held {
				continue // same shard as the held lock
			}
			unlock, err := m.Lock(ctx, key)
			if err != nil {
				t.Errorf("lock %s: %v", key, err)
				return
			}
			unlock()
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("independent keys blocked behind a held lock")
	}
}
