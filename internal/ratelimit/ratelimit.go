// Package ratelimit implements fixed-window attempt counting per identifier.
//
// A window opens on the first attempt for an identifier and lasts for the
// configured duration. Attempts accumulate inside the window; once the
// window has elapsed the next attempt starts a fresh window with a count of
// one. Partial counts never carry over.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidLimit is returned when maxAttempts or the window is not positive.
var ErrInvalidLimit = errors.New("ratelimit: maxAttempts and window must be positive")

// Record is the stored state for one identifier.
type Record struct {
	Identifier    string    `json:"identifier"`
	Attempts      int       `json:"attempts"`
	WindowResetAt time.Time `json:"windowResetAt"`
}

// Expired reports whether the record's window has elapsed at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.WindowResetAt)
}

// Decision is the outcome of a single check.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// Store holds rate-limit records. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the record for identifier, or nil if none exists.
	Get(ctx context.Context, identifier string) (*Record, error)
	// Set creates or replaces the record.
	Set(ctx context.Context, rec Record) error
	// Delete removes the record for identifier.
	Delete(ctx context.Context, identifier string) error
	// Sweep removes every record whose window has elapsed at now and
	// returns how many were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// Hitter is implemented by stores that can run the whole check-and-increment
// atomically on their side (under their own lock or in a server-side script).
// The Limiter prefers it over a Get/Set round trip.
type Hitter interface {
	Hit(ctx context.Context, identifier string, maxAttempts int, window time.Duration, now time.Time) (Decision, error)
}

// Counter is implemented by stores that can report how many records they hold.
type Counter interface {
	Len(ctx context.Context) (int, error)
}

// apply runs the fixed-window algorithm against the current record (nil when
// absent). It returns the record to persist, the decision, and whether the
// record changed.
func apply(cur *Record, identifier string, maxAttempts int, window time.Duration, now time.Time) (Record, Decision, bool) {
	if cur == nil || cur.Expired(now) {
		next := Record{
			Identifier:    identifier,
			Attempts:      1,
			WindowResetAt: now.Add(window),
		}
		return next, Decision{Allowed: true, Remaining: maxAttempts - 1, ResetAt: next.WindowResetAt}, true
	}

	if cur.Attempts >= maxAttempts {
		return *cur, Decision{Allowed: false, Remaining: 0, ResetAt: cur.WindowResetAt}, false
	}

	next := *cur
	next.Attempts++
	return next, Decision{Allowed: true, Remaining: maxAttempts - next.Attempts, ResetAt: next.WindowResetAt}, true
}
