package syncutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestShardIndex_StableAndInRange(t *testing.T) {
	for _, key := range []string{"", "a", "203.0.113.5", "2001:db8::1"} {
		i := ShardIndex(key)
		if i < 0 || i >= ShardCount {
			t.Fatalf("ShardIndex(%q) = %d, out of range", key, i)
		}
		if j := ShardIndex(key); j != i {
			t.Fatalf("ShardIndex(%q) not stable: %d then %d", key, i, j)
		}
	}
}

func TestShardedMutex_MutualExclusion(t *testing.T) {
	var m ShardedMutex
	counter := 0
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock := m.Lock("same")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != n {
		t.Fatalf("expected %d, got %d", n, counter)
	}
}

func TestShardedMutex_LockShardExcludesKey(t *testing.T) {
	var m ShardedMutex
	key := "198.51.100.7"
	unlock := m.LockShard(ShardIndex(key))

	acquired := make(chan struct{})
	go func() {
		release := m.Lock(key)
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("key lock acquired while its shard was held")
	default:
	}
	unlock()
	<-acquired
}

func TestShardedMutex_LockContextGivesUp(t *testing.T) {
	var m ShardedMutex
	unlock := m.Lock("blocked")
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	release, err := m.LockContext(ctx, "blocked")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if release != nil {
		t.Fatal("expected nil unlock on failure")
	}
}

func TestShardedMutex_LockContextCancelledUpFront(t *testing.T) {
	var m ShardedMutex
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.LockContext(ctx, "free"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected Canceled, got %v", err)
	}
}

func TestShardedMutex_UnlockHandsOver(t *testing.T) {
	var m ShardedMutex
	ctx := context.Background()
	unlock, err := m.LockContext(ctx, "relay")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		u, err := m.LockContext(ctx, "relay")
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second caller acquired before release")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second caller never acquired after release")
	}
}
