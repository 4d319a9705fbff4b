package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/abuseguard/internal/clock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMemoryStore_SweepRemovesOnlyExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, Record{Identifier: "old", Attempts: 3, WindowResetAt: epoch.Add(-time.Second)}))
	require.NoError(t, store.Set(ctx, Record{Identifier: "edge", Attempts: 1, WindowResetAt: epoch}))
	require.NoError(t, store.Set(ctx, Record{Identifier: "live", Attempts: 1, WindowResetAt: epoch.Add(time.Minute)}))

	removed, err := store.Sweep(ctx, epoch)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := store.Get(ctx, "live")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, Record{Identifier: "a", Attempts: 1, WindowResetAt: epoch}))

	rec, _ := store.Get(ctx, "a")
	rec.Attempts = 99

	again, _ := store.Get(ctx, "a")
	assert.Equal(t, 1, again.Attempts)
}

func TestJanitor_SweepOnce(t *testing.T) {
	c := clock.NewFake(epoch)
	l := NewLimiter(NewMemoryStore(), WithClock(c))
	ctx := context.Background()

	_, _ = l.Check(ctx, "ip-1", 3, time.Minute)
	_, _ = l.Check(ctx, "ip-2", 3, time.Hour)

	j := NewJanitor(l, time.Minute, discardLogger())
	c.Advance(2 * time.Minute)

	removed, err := j.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	rec, _ := l.Store().Get(ctx, "ip-2")
	assert.NotNil(t, rec)
}

func TestJanitor_StartStop(t *testing.T) {
	l := NewLimiter(NewMemoryStore())
	j := NewJanitor(l, 10*time.Millisecond, discardLogger())

	done := make(chan struct{})
	go func() {
		j.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, j.Running, time.Second, 5*time.Millisecond)
	j.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
	assert.False(t, j.Running())
}

func TestJanitor_StopBeforeStart(t *testing.T) {
	l := NewLimiter(NewMemoryStore())
	j := NewJanitor(l, 10*time.Millisecond, discardLogger())
	j.Stop()
	j.Stop()

	done := make(chan struct{})
	go func() {
		j.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor started after Stop kept running")
	}
	assert.False(t, j.Running())
}

func TestJanitor_StopDuringSweep(t *testing.T) {
	store := &slowStore{MemoryStore: NewMemoryStore(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	j := NewJanitor(NewLimiter(store), 5*time.Millisecond, discardLogger())

	done := make(chan struct{})
	go func() {
		j.Start(context.Background())
		close(done)
	}()

	<-store.entered
	j.Stop()
	close(store.release)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop issued mid-sweep was lost")
	}
}

// slowStore blocks its first Sweep until release is closed.
type slowStore struct {
	*MemoryStore
	entered chan struct{}
	release chan struct{}
}

func (s *slowStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return s.MemoryStore.Sweep(ctx, now)
}

func TestJanitor_StopsOnContextCancel(t *testing.T) {
	l := NewLimiter(NewMemoryStore())
	j := NewJanitor(l, 0, discardLogger())
	assert.Equal(t, DefaultJanitorInterval, j.interval)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor ignored context cancellation")
	}
}
