package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/abuseguard/internal/clock"
	"github.com/mbd888/abuseguard/internal/syncutil"
)

// Limiter checks attempts against a Store.
type Limiter struct {
	store Store
	clock clock.Clock
	locks syncutil.ShardedMutex
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source (tests).
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) {
		l.clock = c
	}
}

// NewLimiter creates a limiter over store.
func NewLimiter(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store: store,
		clock: clock.Real{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store returns the backing store.
func (l *Limiter) Store() Store {
	return l.store
}

// Check records one attempt for identifier and reports whether it is allowed.
//
// Checks for the same identifier are serialized: either by the store itself
// (Hitter) or by a per-key lock around the Get/Set pair, so two concurrent
// callers can never both observe attempts < maxAttempts for the last slot.
func (l *Limiter) Check(ctx context.Context, identifier string, maxAttempts int, window time.Duration) (Decision, error) {
	if maxAttempts <= 0 || window <= 0 {
		return Decision{}, ErrInvalidLimit
	}
	now := l.clock.Now()

	if h, ok := l.store.(Hitter); ok {
		return h.Hit(ctx, identifier, maxAttempts, window, now)
	}

	unlock, err := l.locks.LockContext(ctx, identifier)
	if err != nil {
		return Decision{}, err
	}
	defer unlock()

	cur, err := l.store.Get(ctx, identifier)
	if err != nil {
		return Decision{}, fmt.Errorf("load rate-limit record: %w", err)
	}

	next, decision, changed := apply(cur, identifier, maxAttempts, window, now)
	if changed {
		if err := l.store.Set(ctx, next); err != nil {
			return Decision{}, fmt.Errorf("save rate-limit record: %w", err)
		}
	}
	return decision, nil
}

// Sweep evicts expired records as of now.
func (l *Limiter) Sweep(ctx context.Context) (int, error) {
	return l.store.Sweep(ctx, l.clock.Now())
}
